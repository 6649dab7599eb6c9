package eventproc

import "github.com/streamhub/eventproc/types"

// Sentinel errors returned by the EventProcessor, re-exported from the types
// subpackage so callers can match with errors.Is().
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrBrokerSessionRequired is returned when the broker session is nil.
	ErrBrokerSessionRequired = types.ErrBrokerSessionRequired

	// ErrPartitionManagerRequired is returned when the partition manager is nil.
	ErrPartitionManagerRequired = types.ErrPartitionManagerRequired

	// ErrProcessorFactoryRequired is returned when the handler factory is nil.
	ErrProcessorFactoryRequired = types.ErrProcessorFactoryRequired

	// ErrConsumerGroupRequired is returned when the consumer group name is empty.
	ErrConsumerGroupRequired = types.ErrConsumerGroupRequired

	// ErrETagMismatch is returned by stores when a write carries a stale ETag.
	ErrETagMismatch = types.ErrETagMismatch

	// ErrOwnershipNotFound is returned by stores when a checkpoint targets a
	// partition with no ownership record.
	ErrOwnershipNotFound = types.ErrOwnershipNotFound
)
