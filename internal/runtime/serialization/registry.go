package serialization

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/jsoncodec"
)

// TypedJSON serializes several message types on one endpoint. The concrete
// type is resolved from the x-message-type header on the way in.
type TypedJSON struct {
	mu        sync.RWMutex
	factories map[string]func() any
}

func NewTypedJSON() *TypedJSON {
	return &TypedJSON{factories: map[string]func() any{}}
}

// RegisterJSONType registers T under its TypeName.
func RegisterJSONType[T any](r *TypedJSON) error {
	factory, err := pointerFactory[T]()
	if err != nil {
		return err
	}
	r.Register(TypeName(factory()), func() any { return factory() })
	return nil
}

// Register maps name to a factory returning a fresh pointer to decode into.
func (r *TypedJSON) Register(name string, factory func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *TypedJSON) lookup(name string) (func() any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

func (r *TypedJSON) Serialize(_ context.Context, msg any, headers *envelope.Headers) ([]byte, error) {
	if isNil(msg) {
		return nil, nil
	}
	payload, err := jsoncodec.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
	}
	headers.AddIfNotExists(envelope.HeaderMessageType, TypeName(msg))
	headers.AddIfNotExists(envelope.HeaderContentType, ContentTypeJSON)
	return payload, nil
}

func (r *TypedJSON) Deserialize(_ context.Context, data []byte, headers envelope.Headers) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	name, ok := headers.Get(envelope.HeaderMessageType)
	if !ok {
		return nil, rterrors.ErrMessageTypeRequired
	}
	factory, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", rterrors.ErrUnknownMessageType, name)
	}
	typed := factory()
	if err := jsoncodec.Unmarshal(data, typed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", name, err)
	}
	return typed, nil
}
