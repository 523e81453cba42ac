package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("relayflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("relayflow: logger is required")
	ErrAdapterRequired      = sterrors.New("relayflow: broker adapter is required")
	ErrSubscriberRequired   = sterrors.New("relayflow: subscriber is required")
	ErrTopicRequired        = sterrors.New("relayflow: topic is required")
	ErrEndpointNotFound     = sterrors.New("relayflow: endpoint not found")
	ErrBrokerNotFound       = sterrors.New("relayflow: broker not found")
	ErrBrokerConnected      = sterrors.New("relayflow: broker is already connected")
	ErrBrokerNotConnected   = sterrors.New("relayflow: broker is not connected")
	ErrConsumerStopped      = sterrors.New("relayflow: consumer has been stopped")
	ErrOutboxNotConfigured  = sterrors.New("relayflow: outbox writer is not configured")
	ErrOutboxEntryNotFound  = sterrors.New("relayflow: outbox entry not found")
	ErrTransactionCompleted = sterrors.New("relayflow: transaction already completed")

	ErrSequenceOrdering        = sterrors.New("relayflow: sequence ordering violated")
	ErrSequenceTimeout         = sterrors.New("relayflow: sequence timed out")
	ErrSequenceCancelled       = sterrors.New("relayflow: sequence cancelled")
	ErrSequenceNotAdding       = sterrors.New("relayflow: sequence is not accepting envelopes")
	ErrSequenceExists          = sterrors.New("relayflow: sequence already exists")
	ErrStreamAlreadySubscribed = sterrors.New("relayflow: stream already has a subscriber")
	ErrInvalidChunkHeaders     = sterrors.New("relayflow: invalid chunk headers")

	ErrIdentifierNotComparable = sterrors.New("relayflow: message identifier is not a comparable offset")
	ErrMessageValidation       = sterrors.New("relayflow: message is not valid")

	ErrMessageTypeRequired  = sterrors.New("relayflow: message type is required")
	ErrMessagePointerNeeded = sterrors.New("relayflow: message type must be a pointer")
	ErrUnknownMessageType   = sterrors.New("relayflow: unknown message type")
	ErrUnexpectedMessage    = sterrors.New("relayflow: message does not match the serializer type")
)

// ConfigValidationError reports an invalid configuration detected at setup time.
// These errors are never retried.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("relayflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
