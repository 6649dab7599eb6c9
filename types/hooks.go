package types

import "context"

// Hooks defines callbacks for EventProcessor lifecycle events.
//
// All hooks are optional and invoked asynchronously in background goroutines
// so they never block the control loop or a pump. Hook errors are logged and
// otherwise ignored.
//
// OnPartitionClaimed and OnError receive the processor's lifecycle context,
// which is cancelled when the processor stops. OnPartitionReleased receives
// context.Background().
type Hooks struct {
	// OnPartitionClaimed is called after a claim is committed and the pump
	// for the partition has been started.
	OnPartitionClaimed func(ctx context.Context, partitionID string) error

	// OnPartitionReleased is called after a pump closes, with the reason.
	OnPartitionReleased func(ctx context.Context, partitionID string, reason CloseReason) error

	// OnError is called when a recoverable error occurs in the control loop.
	OnError func(ctx context.Context, err error) error
}
