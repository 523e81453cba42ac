package jsoncodec

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := orderPlaced{ID: 42, Label: "relayflow"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out orderPlaced
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	indented, err := MarshalIndent(in, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  \"id\"")
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := orderPlaced{ID: 7, Label: "stream"}

	require.NoError(t, Encode(buf, payload))

	var decoded orderPlaced
	require.NoError(t, Decode(buf, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestUnmarshalNumbers(t *testing.T) {
	var out map[string]any
	require.NoError(t, UnmarshalNumbers([]byte(`{"offset":9007199254740993}`), &out))

	num, ok := out["offset"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "9007199254740993", num.String())
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":1}`)))
	assert.False(t, Valid([]byte(`{"a":`)))
}
