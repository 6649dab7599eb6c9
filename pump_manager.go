package eventproc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/streamhub/eventproc/types"
)

// PumpManager supervises the live partition pumps of one EventProcessor.
//
// Invariant: at most one live pump per partition id. Creating a pump for a
// partition that already has one first stops the old pump with Shutdown and
// only then starts the replacement.
//
// CreatePump and RemovePump are serialized by a mutex; RemoveAllPumps works
// from a snapshot of the index without taking it. The index itself is a
// concurrent map so reads (Count, PartitionIDs) never contend with a stop in
// progress.
type PumpManager struct {
	maxBatchSize int
	maxWaitTime  time.Duration
	logger       types.Logger
	metrics      types.MetricsCollector
	hooks        *types.Hooks

	mu    sync.Mutex
	pumps *xsync.Map[string, *PartitionPump]
}

// NewPumpManager creates a pump supervisor.
//
// Parameters:
//   - maxBatchSize: events requested per receive
//   - maxWaitTime: longest a receive waits before an empty batch
//   - logger: logger shared with created pumps
//   - metrics: collector shared with created pumps
func NewPumpManager(maxBatchSize int, maxWaitTime time.Duration, logger types.Logger, metrics types.MetricsCollector) *PumpManager {
	return &PumpManager{
		maxBatchSize: maxBatchSize,
		maxWaitTime:  maxWaitTime,
		logger:       logger,
		metrics:      metrics,
		pumps:        xsync.NewMap[string, *PartitionPump](),
	}
}

// setHooks wires processor hooks for release notifications.
func (pm *PumpManager) setHooks(hooks *types.Hooks) {
	pm.hooks = hooks
}

// CreatePump constructs and starts a pump for a freshly claimed partition.
//
// If a pump already exists for the partition, the old one is stopped with
// Shutdown first; the replacement is stored only after the old pump has
// fully closed.
//
// Parameters:
//   - ctx: bounds the wait for a replaced pump to close
//   - session: broker transport the pump opens its reader through
//   - partition: identity of the claimed partition
//   - start: position the reader opens at
//   - handler: user handler for this partition
//
// Returns:
//   - error: ctx expiry while waiting for a replaced pump to close
func (pm *PumpManager) CreatePump(ctx context.Context, session types.BrokerSession, partition types.PartitionContext, start types.StartPosition, handler types.PartitionProcessor) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	partitionID := partition.PartitionID

	if old, ok := pm.pumps.Load(partitionID); ok {
		pm.logger.Info("replacing existing pump", "partition_id", partitionID)
		if err := old.Stop(ctx, types.CloseReasonShutdown); err != nil {
			return fmt.Errorf("failed to stop existing pump for partition %s: %w", partitionID, err)
		}
	}

	pump := newPartitionPump(pumpConfig{
		session:       session,
		partition:     partition,
		startPosition: start,
		handler:       handler,
		maxBatchSize:  pm.maxBatchSize,
		maxWaitTime:   pm.maxWaitTime,
		logger:        pm.logger,
		metrics:       pm.metrics,
	})
	pump.onClosed = func(partitionID string, reason types.CloseReason) {
		pm.dropPump(partitionID, pump, reason)
	}

	pm.pumps.Store(partitionID, pump)
	pump.Start()

	return nil
}

// RemovePump stops the pump for one partition and waits for it to close.
// A partition with no live pump is a no-op.
func (pm *PumpManager) RemovePump(ctx context.Context, partitionID string, reason types.CloseReason) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pump, ok := pm.pumps.Load(partitionID)
	if !ok {
		pm.logger.Debug("no pump to remove", "partition_id", partitionID)

		return nil
	}

	return pump.Stop(ctx, reason)
}

// RemoveAllPumps stops every live pump in parallel and returns once all have
// closed or ctx expires.
func (pm *PumpManager) RemoveAllPumps(ctx context.Context, reason types.CloseReason) error {
	var pumps []*PartitionPump
	pm.pumps.Range(func(_ string, pump *PartitionPump) bool {
		pumps = append(pumps, pump)

		return true
	})

	if len(pumps) == 0 {
		return nil
	}

	errCh := make(chan error, len(pumps))
	var wg sync.WaitGroup
	for _, pump := range pumps {
		wg.Add(1)
		go func(pump *PartitionPump) {
			defer wg.Done()
			if err := pump.Stop(ctx, reason); err != nil {
				errCh <- fmt.Errorf("pump %s: %w", pump.Partition().PartitionID, err)
			}
		}(pump)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Count returns the number of live pumps.
func (pm *PumpManager) Count() int {
	return pm.pumps.Size()
}

// PartitionIDs returns the sorted partition ids with a live pump.
func (pm *PumpManager) PartitionIDs() []string {
	var ids []string
	pm.pumps.Range(func(id string, _ *PartitionPump) bool {
		ids = append(ids, id)

		return true
	})
	sort.Strings(ids)

	return ids
}

// dropPump removes a closed pump from the index, unless it was already
// replaced by a newer pump for the same partition.
//
// Called from the pump's own goroutine; must not take pm.mu, because
// CreatePump holds it while waiting for an old pump to close.
func (pm *PumpManager) dropPump(partitionID string, closed *PartitionPump, reason types.CloseReason) {
	pm.pumps.Compute(partitionID, func(current *PartitionPump, loaded bool) (*PartitionPump, xsync.ComputeOp) {
		if loaded && current == closed {
			return nil, xsync.DeleteOp
		}

		return current, xsync.CancelOp
	})

	if pm.hooks != nil && pm.hooks.OnPartitionReleased != nil {
		hook := pm.hooks.OnPartitionReleased
		go func() {
			if err := hook(context.Background(), partitionID, reason); err != nil {
				pm.logger.Error("partition released hook error",
					"partition_id", partitionID,
					"reason", reason.String(),
					"error", err,
				)
			}
		}()
	}
}
