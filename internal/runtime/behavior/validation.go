package behavior

import (
	"fmt"

	"github.com/drblury/relayflow/internal/runtime/endpoint"
	rterrors "github.com/drblury/relayflow/internal/runtime/errors"
	"github.com/drblury/relayflow/internal/runtime/logging"
)

// Validator validates messages, e.g. a protovalidate or go-playground validator.
type Validator interface {
	Validate(msg any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(msg any) error

func (f ValidatorFunc) Validate(msg any) error { return f(msg) }

type selfValidating interface {
	Validate() error
}

// validate runs v, falling back to the message's own Validate method.
func validate(v Validator, msg any) error {
	if msg == nil {
		return nil
	}
	if v != nil {
		return v.Validate(msg)
	}
	if sv, ok := msg.(selfValidating); ok {
		return sv.Validate()
	}
	return nil
}

func applyValidation(mode endpoint.ValidationMode, v Validator, msg any, logger logging.ServiceLogger, fields logging.LogFields) error {
	if mode == endpoint.ValidationNone {
		return nil
	}
	err := validate(v, msg)
	if err == nil {
		return nil
	}
	if mode == endpoint.ValidationLogWarning {
		logger.Warn("Message is not valid", logging.Merge(fields, logging.LogFields{"validation_error": err.Error()}))
		return nil
	}
	return fmt.Errorf("%w: %w", rterrors.ErrMessageValidation, err)
}
