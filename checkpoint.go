package eventproc

import (
	"context"
	"sync"
	"time"

	"github.com/streamhub/eventproc/internal/metrics"
	"github.com/streamhub/eventproc/types"
)

// CheckpointManager is the gateway a handler writes checkpoints through.
//
// It forwards a fully-populated Checkpoint to the PartitionManager and
// threads the ETag chain: each successful write stores the returned ETag for
// the next one, so a processor that loses the partition mid-flight gets an
// ETag mismatch instead of silently clobbering the new owner's record.
//
// There is no caching or coalescing; the handler decides the cadence, and
// store failures propagate to the caller unchanged.
type CheckpointManager struct {
	partition types.PartitionContext
	manager   types.PartitionManager
	ownerID   string
	metrics   types.MetricsCollector

	mu   sync.Mutex
	etag string
}

// Compile-time assertion that CheckpointManager implements CheckpointUpdater.
var _ types.CheckpointUpdater = (*CheckpointManager)(nil)

// NewCheckpointManager creates a checkpoint manager for one partition
// assignment.
//
// Parameters:
//   - partition: identity of the owned partition
//   - manager: the durable ownership/checkpoint store
//   - ownerID: identity of the owning processor
//   - etag: the ETag returned by the winning claim (seed of the write chain)
func NewCheckpointManager(partition types.PartitionContext, manager types.PartitionManager, ownerID, etag string) *CheckpointManager {
	return newCheckpointManager(partition, manager, ownerID, etag, metrics.NewNop())
}

func newCheckpointManager(partition types.PartitionContext, manager types.PartitionManager, ownerID, etag string, collector types.MetricsCollector) *CheckpointManager {
	return &CheckpointManager{
		partition: partition,
		manager:   manager,
		ownerID:   ownerID,
		metrics:   collector,
		etag:      etag,
	}
}

// UpdateCheckpoint persists the position of the last processed event.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - offset: offset of the last processed event
//   - sequenceNumber: sequence number of the last processed event
//
// Returns:
//   - string: the store's new ETag
//   - error: store failure, propagated unchanged
func (cm *CheckpointManager) UpdateCheckpoint(ctx context.Context, offset, sequenceNumber int64) (string, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	checkpoint := types.Checkpoint{
		EventHubName:      cm.partition.EventHubName,
		ConsumerGroupName: cm.partition.ConsumerGroupName,
		OwnerID:           cm.ownerID,
		PartitionID:       cm.partition.PartitionID,
		Offset:            offset,
		SequenceNumber:    sequenceNumber,
		ETag:              cm.etag,
	}

	start := time.Now()
	newETag, err := cm.manager.UpdateCheckpoint(ctx, checkpoint)
	if err != nil {
		cm.metrics.RecordCheckpointError()

		return "", err
	}

	cm.metrics.RecordCheckpointDuration(time.Since(start).Seconds())
	cm.etag = newETag

	return newETag, nil
}

// Partition returns the identity of the partition being checkpointed.
func (cm *CheckpointManager) Partition() types.PartitionContext {
	return cm.partition
}

// OwnerID returns the identity of the owning processor.
func (cm *CheckpointManager) OwnerID() string {
	return cm.ownerID
}
