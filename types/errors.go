package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the eventproc library.
//
// Components use these for known error conditions and wrap external errors
// with context using fmt.Errorf("...: %w", err) so callers can match with
// errors.Is() and errors.As().

// Processor errors - Public API errors returned by EventProcessor.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBrokerSessionRequired is returned when the broker session is nil.
	ErrBrokerSessionRequired = errors.New("broker session is required")

	// ErrPartitionManagerRequired is returned when the partition manager is nil.
	ErrPartitionManagerRequired = errors.New("partition manager is required")

	// ErrProcessorFactoryRequired is returned when the handler factory is nil.
	ErrProcessorFactoryRequired = errors.New("partition processor factory is required")

	// ErrConsumerGroupRequired is returned when the consumer group name is empty.
	ErrConsumerGroupRequired = errors.New("consumer group name is required")
)

// Store errors - returned by PartitionManager implementations.
var (
	// ErrETagMismatch is returned when a write carries a stale ETag.
	ErrETagMismatch = errors.New("etag mismatch")

	// ErrOwnershipNotFound is returned when a checkpoint targets a partition
	// that has no ownership record.
	ErrOwnershipNotFound = errors.New("ownership record not found")
)

// BrokerErrorKind classifies failures surfaced by a partition reader.
type BrokerErrorKind int

const (
	// BrokerErrorTransient marks errors the pump should retry through.
	BrokerErrorTransient BrokerErrorKind = iota

	// BrokerErrorFatal marks errors that terminate the pump.
	BrokerErrorFatal

	// BrokerErrorReceiverDisconnected marks the broker detaching the reader
	// because another reader took over the partition.
	BrokerErrorReceiverDisconnected
)

// String returns the string representation of the kind.
func (k BrokerErrorKind) String() string {
	switch k {
	case BrokerErrorTransient:
		return "Transient"
	case BrokerErrorFatal:
		return "Fatal"
	case BrokerErrorReceiverDisconnected:
		return "ReceiverDisconnected"
	default:
		return "Unknown"
	}
}

// BrokerError is a classified failure from the broker transport.
//
// BrokerSession and Reader implementations wrap transport failures in
// BrokerError so the pump can decide between retrying, stopping with
// EventHubException, and stopping with OwnershipLost.
type BrokerError struct {
	Kind  BrokerErrorKind
	Cause error
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("broker error (%s)", e.Kind)
	}

	return fmt.Sprintf("broker error (%s): %v", e.Kind, e.Cause)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the pump may continue its receive loop.
func (e *BrokerError) Retryable() bool {
	return e.Kind == BrokerErrorTransient
}

// NewTransientError wraps cause as a retryable broker error.
func NewTransientError(cause error) *BrokerError {
	return &BrokerError{Kind: BrokerErrorTransient, Cause: cause}
}

// NewFatalError wraps cause as a non-retryable broker error.
func NewFatalError(cause error) *BrokerError {
	return &BrokerError{Kind: BrokerErrorFatal, Cause: cause}
}

// NewReceiverDisconnectedError wraps cause as an ownership-lost signal.
func NewReceiverDisconnectedError(cause error) *BrokerError {
	return &BrokerError{Kind: BrokerErrorReceiverDisconnected, Cause: cause}
}

// IsReceiverDisconnected reports whether err (or anything it wraps) is a
// receiver-disconnected broker error.
func IsReceiverDisconnected(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind == BrokerErrorReceiverDisconnected
	}

	return false
}

// IsRetryable reports whether err (or anything it wraps) is a transient
// broker error. Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Retryable()
	}

	return false
}
