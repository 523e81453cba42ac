package serialization

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
)

var errUnexpected = rterrors.ErrUnexpectedMessage

// JSON serializes messages of the pointer type T with sonic.
type JSON[T any] struct {
	factory func() T
}

// NewJSON returns a JSON serializer for T, which must be a pointer type.
func NewJSON[T any]() (*JSON[T], error) {
	factory, err := pointerFactory[T]()
	if err != nil {
		return nil, err
	}
	return &JSON[T]{factory: factory}, nil
}

// MustJSON is NewJSON that panics on error.
func MustJSON[T any]() *JSON[T] {
	s, err := NewJSON[T]()
	if err != nil {
		panic(err)
	}
	return s
}

func (j *JSON[T]) Serialize(_ context.Context, msg any, headers *envelope.Headers) ([]byte, error) {
	if isNil(msg) {
		return nil, nil
	}
	if _, ok := msg.(T); !ok {
		return nil, fmt.Errorf("%w: expected %T, got %T", errUnexpected, *new(T), msg)
	}
	payload, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
	}
	headers.AddIfNotExists(envelope.HeaderContentType, ContentTypeJSON)
	return payload, nil
}

func (j *JSON[T]) Deserialize(_ context.Context, data []byte, _ envelope.Headers) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	typed := j.factory()
	if err := jsoncodec.Unmarshal(data, typed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return typed, nil
}

func pointerFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, rterrors.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, rterrors.ErrMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

// AnyJSON encodes any value and decodes into generic maps and slices with
// numbers kept as json.Number. Endpoints without a serializer use it.
type AnyJSON struct{}

func (AnyJSON) Serialize(_ context.Context, msg any, headers *envelope.Headers) ([]byte, error) {
	if isNil(msg) {
		return nil, nil
	}
	if raw, ok := msg.([]byte); ok {
		return raw, nil
	}
	payload, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
	}
	headers.AddIfNotExists(envelope.HeaderContentType, ContentTypeJSON)
	return payload, nil
}

func (AnyJSON) Deserialize(_ context.Context, data []byte, _ envelope.Headers) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out any
	if err := jsoncodec.UnmarshalNumbers(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON payload: %w", err)
	}
	return out, nil
}
