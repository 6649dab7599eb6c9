package types

import "context"

// CloseReason tells a handler why its partition pump is shutting down.
type CloseReason int

const (
	// CloseReasonShutdown means the processor is stopping or the pump is
	// being replaced.
	CloseReasonShutdown CloseReason = iota

	// CloseReasonOwnershipLost means another processor claimed the partition.
	CloseReasonOwnershipLost

	// CloseReasonEventHubException means the broker reported a
	// non-retryable failure.
	CloseReasonEventHubException
)

// String returns the string representation of the close reason.
func (r CloseReason) String() string {
	switch r {
	case CloseReasonShutdown:
		return "Shutdown"
	case CloseReasonOwnershipLost:
		return "OwnershipLost"
	case CloseReasonEventHubException:
		return "EventHubException"
	default:
		return "Unknown"
	}
}

// PartitionProcessor is the user-supplied handler for one partition.
//
// ProcessEvents and ProcessError are never invoked concurrently for the same
// partition. Events arrive in strictly increasing sequence-number order.
// An empty batch is dispatched when the receive wait elapses with no events,
// which lets handlers perform time-based work such as periodic checkpoints.
//
// Handlers may optionally implement PartitionInitializer and PartitionCloser
// for lifecycle callbacks; the pump probes for them with type assertions.
type PartitionProcessor interface {
	// ProcessEvents handles one batch of events (possibly empty). A returned
	// error is routed to ProcessError; it does not stop the pump.
	ProcessEvents(ctx context.Context, events []*ReceivedEvent) error

	// ProcessError is informed of receive and dispatch failures. Errors are
	// advisory; the pump decides separately whether to continue.
	ProcessError(ctx context.Context, err error)
}

// PartitionInitializer is an optional capability of a PartitionProcessor.
type PartitionInitializer interface {
	// Initialize is called once before the first ProcessEvents. A returned
	// error is logged and the pump proceeds anyway.
	Initialize(ctx context.Context) error
}

// PartitionCloser is an optional capability of a PartitionProcessor.
type PartitionCloser interface {
	// Close is called exactly once, after the last ProcessEvents and after
	// the partition reader has been closed. A returned error is logged.
	Close(ctx context.Context, reason CloseReason) error
}

// CheckpointUpdater persists progress markers for one partition.
//
// The root package's CheckpointManager is the canonical implementation; the
// interface exists so handlers and factories depend on the capability rather
// than the concrete type.
type CheckpointUpdater interface {
	// UpdateCheckpoint persists the position of the last processed event and
	// returns the store's new ETag.
	UpdateCheckpoint(ctx context.Context, offset, sequenceNumber int64) (string, error)

	// Partition returns the identity of the partition being checkpointed.
	Partition() PartitionContext
}

// PartitionProcessorFactory creates a handler for a freshly claimed partition.
//
// The factory is called once per successful claim, before the pump starts.
type PartitionProcessorFactory interface {
	CreateProcessor(partition PartitionContext, checkpoints CheckpointUpdater) (PartitionProcessor, error)
}

// PartitionProcessorFactoryFunc adapts a function to PartitionProcessorFactory.
type PartitionProcessorFactoryFunc func(partition PartitionContext, checkpoints CheckpointUpdater) (PartitionProcessor, error)

// CreateProcessor calls f.
func (f PartitionProcessorFactoryFunc) CreateProcessor(partition PartitionContext, checkpoints CheckpointUpdater) (PartitionProcessor, error) {
	return f(partition, checkpoints)
}
