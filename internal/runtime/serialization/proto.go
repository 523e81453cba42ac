package serialization

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/relayflow/internal/runtime/envelope"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
)

// ProtoFormat selects the protobuf wire encoding.
type ProtoFormat int

const (
	ProtoBinary ProtoFormat = iota
	ProtoJSON
)

// Proto serializes protobuf messages of type T.
type Proto[T proto.Message] struct {
	prototype T
	format    ProtoFormat
}

// NewProto returns a protobuf serializer for T.
func NewProto[T proto.Message](format ProtoFormat) (*Proto[T], error) {
	var zero T
	prototype, err := ensurePrototype(zero)
	if err != nil {
		return nil, err
	}
	return &Proto[T]{prototype: prototype, format: format}, nil
}

func (p *Proto[T]) Serialize(_ context.Context, msg any, headers *envelope.Headers) ([]byte, error) {
	if isNil(msg) {
		return nil, nil
	}
	typed, ok := msg.(T)
	if !ok {
		return nil, fmt.Errorf("%w: expected %T, got %T", errUnexpected, p.prototype, msg)
	}

	var (
		payload     []byte
		err         error
		contentType = ContentTypeProtobuf
	)
	if p.format == ProtoJSON {
		payload, err = protojson.Marshal(typed)
		contentType = ContentTypeJSON
	} else {
		payload, err = proto.Marshal(typed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T payload: %w", typed, err)
	}
	headers.AddIfNotExists(envelope.HeaderContentType, contentType)
	return payload, nil
}

func (p *Proto[T]) Deserialize(_ context.Context, data []byte, _ envelope.Headers) (any, error) {
	if data == nil {
		return nil, nil
	}
	typed, err := clonePrototype(p.prototype)
	if err != nil {
		return nil, err
	}
	if p.format == ProtoJSON {
		err = protojson.Unmarshal(data, typed)
	} else {
		err = proto.Unmarshal(data, typed)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %T payload: %w", p.prototype, err)
	}
	return typed, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}
	return typed, nil
}

func ensurePrototype[T proto.Message](candidate T) (T, error) {
	if !isNil(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, rterrors.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, rterrors.ErrMessagePointerNeeded
	}

	typed, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}
