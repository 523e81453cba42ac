// Package serialization converts messages to and from envelope payloads.
package serialization

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/relayflow/internal/runtime/envelope"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeBinary   = "application/octet-stream"
)

// Serializer turns a message into a payload and back. Serialize may add
// headers such as content-type. A nil payload deserializes into a nil message.
type Serializer interface {
	Serialize(ctx context.Context, msg any, headers *envelope.Headers) ([]byte, error)
	Deserialize(ctx context.Context, data []byte, headers envelope.Headers) (any, error)
}

// Raw passes []byte payloads through untouched.
type Raw struct{}

func (Raw) Serialize(_ context.Context, msg any, headers *envelope.Headers) ([]byte, error) {
	switch v := msg.(type) {
	case nil:
		return nil, nil
	case []byte:
		headers.AddIfNotExists(envelope.HeaderContentType, ContentTypeBinary)
		return v, nil
	case string:
		headers.AddIfNotExists(envelope.HeaderContentType, ContentTypeBinary)
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: raw serializer got %T", errUnexpected, msg)
	}
}

func (Raw) Deserialize(_ context.Context, data []byte, _ envelope.Headers) (any, error) {
	if data == nil {
		return nil, nil
	}
	return data, nil
}

// TypeName returns the name written to x-message-type for msg. Protobuf
// messages use their full descriptor name.
func TypeName(msg any) string {
	if msg == nil {
		return ""
	}
	if pm, ok := msg.(proto.Message); ok {
		return string(pm.ProtoReflect().Descriptor().FullName())
	}
	return strings.TrimPrefix(reflect.TypeOf(msg).String(), "*")
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
