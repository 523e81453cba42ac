// Package jsoncodec routes every JSON operation through sonic configured for
// encoding/json compatibility.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var (
	std = sonic.ConfigStd
	// numbers keeps integers exact when decoding into untyped targets.
	numbers = sonic.Config{EscapeHTML: true, SortMapKeys: true, UseNumber: true}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return std.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

// UnmarshalNumbers decodes numbers as json.Number, used when the target type is unknown.
func UnmarshalNumbers(data []byte, v any) error {
	return numbers.Unmarshal(data, v)
}

// Valid reports whether data is a well-formed JSON document.
func Valid(data []byte) bool {
	return std.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return std.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return std.NewDecoder(r).Decode(v)
}
