package eventproc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/streamhub/eventproc/types"
)

// closeReasonUnset marks a pump whose close reason has not been decided yet.
const closeReasonUnset int32 = -1

// teardownTimeout bounds reader close and the user Close callback once the
// pump's own context is already cancelled.
const teardownTimeout = 5 * time.Second

// PartitionPump is the per-partition read/dispatch state machine.
//
// A pump owns one broker reader for its lifetime: it opens the reader at the
// start position, receives batches in a loop, dispatches them to the user
// handler, and releases the reader on every exit path. The first stop request
// (external Stop or internal error classification) fixes the close reason;
// later requests are no-ops.
type PartitionPump struct {
	session       types.BrokerSession
	partition     types.PartitionContext
	startPosition types.StartPosition
	handler       types.PartitionProcessor
	maxBatchSize  int
	maxWaitTime   time.Duration
	logger        types.Logger
	metrics       types.MetricsCollector

	// onClosed is invoked exactly once after the pump reaches Closed, so the
	// supervisor can drop it from its index.
	onClosed func(partitionID string, reason types.CloseReason)

	state       atomic.Int32
	isReceiving atomic.Bool
	closeReason atomic.Int32
	started     atomic.Bool

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type pumpConfig struct {
	session       types.BrokerSession
	partition     types.PartitionContext
	startPosition types.StartPosition
	handler       types.PartitionProcessor
	maxBatchSize  int
	maxWaitTime   time.Duration
	logger        types.Logger
	metrics       types.MetricsCollector
	onClosed      func(partitionID string, reason types.CloseReason)
}

func newPartitionPump(cfg pumpConfig) *PartitionPump {
	p := &PartitionPump{
		session:       cfg.session,
		partition:     cfg.partition,
		startPosition: cfg.startPosition,
		handler:       cfg.handler,
		maxBatchSize:  cfg.maxBatchSize,
		maxWaitTime:   cfg.maxWaitTime,
		logger:        cfg.logger,
		metrics:       cfg.metrics,
		onClosed:      cfg.onClosed,
		done:          make(chan struct{}),
	}
	// The pump runs on its own lifecycle context, detached from any caller
	// context, so a claim made during a short-lived request keeps pumping.
	p.runCtx, p.cancel = context.WithCancel(context.Background())
	p.state.Store(int32(types.PumpCreated))
	p.closeReason.Store(closeReasonUnset)

	return p
}

// Start launches the pump's receive loop in a background goroutine.
func (p *PartitionPump) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.isReceiving.Store(true)

	go p.run(p.runCtx)
}

// Stop requests teardown with the given reason and waits until the pump is
// closed or ctx expires. Idempotent: the first reason wins; subsequent calls
// only wait.
//
// Parameters:
//   - ctx: bounds the wait for the pump to finish closing
//   - reason: why the pump is stopping (used only by the first call)
//
// Returns:
//   - error: ctx.Err() if the pump did not close in time
func (p *PartitionPump) Stop(ctx context.Context, reason types.CloseReason) error {
	if !p.started.Load() {
		p.state.Store(int32(types.PumpClosed))

		return nil
	}

	p.requestStop(reason)

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the pump's current lifecycle state.
func (p *PartitionPump) State() types.PumpState {
	return types.PumpState(p.state.Load())
}

// Partition returns the identity of the partition this pump reads.
func (p *PartitionPump) Partition() types.PartitionContext {
	return p.partition
}

// Done returns a channel closed when the pump reaches Closed.
func (p *PartitionPump) Done() <-chan struct{} {
	return p.done
}

// requestStop fixes the close reason on first call and wakes the receive
// loop. Returns true if this call decided the reason.
func (p *PartitionPump) requestStop(reason types.CloseReason) bool {
	if !p.closeReason.CompareAndSwap(closeReasonUnset, int32(reason)) {
		return false
	}

	p.isReceiving.Store(false)
	p.cancel()

	return true
}

// run drives the pump from Initializing to Closed.
func (p *PartitionPump) run(ctx context.Context) {
	p.transitionState(types.PumpCreated, types.PumpInitializing)

	p.initializeHandler(ctx)

	p.transitionState(types.PumpInitializing, types.PumpRunning)

	reader, err := p.session.OpenReader(ctx, p.partition.ConsumerGroupName, p.partition.PartitionID, p.startPosition, 0)
	if err != nil {
		if p.isReceiving.Load() {
			p.logger.Error("failed to open partition reader",
				"partition_id", p.partition.PartitionID,
				"start_position", p.startPosition.String(),
				"error", err,
			)
			p.dispatchError(ctx, err)
			p.requestStop(types.CloseReasonEventHubException)
		}
		p.finish(nil)

		return
	}

	p.logger.Info("partition pump running",
		"partition_id", p.partition.PartitionID,
		"start_position", p.startPosition.String(),
	)

	p.receiveLoop(ctx, reader)
	p.finish(reader)
}

// receiveLoop pulls batches and dispatches them until a stop is requested.
func (p *PartitionPump) receiveLoop(ctx context.Context, reader types.Reader) {
	for p.isReceiving.Load() {
		start := time.Now()
		events, err := reader.ReceiveBatch(ctx, p.maxBatchSize, p.maxWaitTime)
		p.metrics.RecordReceiveDuration(time.Since(start).Seconds())

		// Stop was requested during the await: exit without dispatching.
		// The receive's own cancellation error is not user-visible.
		if !p.isReceiving.Load() {
			return
		}

		if err != nil {
			p.dispatchError(ctx, err)

			switch {
			case types.IsReceiverDisconnected(err):
				p.logger.Info("partition reader disconnected, stopping pump",
					"partition_id", p.partition.PartitionID,
				)
				p.requestStop(types.CloseReasonOwnershipLost)
			case types.IsRetryable(err):
				p.logger.Warn("transient receive error, retrying",
					"partition_id", p.partition.PartitionID,
					"error", err,
				)
			default:
				p.logger.Error("fatal receive error, stopping pump",
					"partition_id", p.partition.PartitionID,
					"error", err,
				)
				p.requestStop(types.CloseReasonEventHubException)
			}

			continue
		}

		p.metrics.RecordBatchReceived(p.partition.PartitionID, len(events))
		p.dispatchEvents(ctx, events)
	}
}

// finish tears the pump down: close the reader, run the user Close callback,
// mark Closed, and notify the supervisor. Runs exactly once, on the pump
// goroutine, for every exit path.
func (p *PartitionPump) finish(reader types.Reader) {
	// An internally-exited loop without an explicit stop still needs a
	// reason; Shutdown is the neutral default.
	p.requestStop(types.CloseReasonShutdown)
	reason := types.CloseReason(p.closeReason.Load())

	p.transitionState(types.PumpRunning, types.PumpStopping)

	teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if reader != nil {
		if err := reader.Close(teardownCtx); err != nil {
			p.logger.Warn("failed to close partition reader",
				"partition_id", p.partition.PartitionID,
				"error", err,
			)
		}
	}

	p.closeHandler(teardownCtx, reason)

	p.transitionState(types.PumpStopping, types.PumpClosed)
	p.metrics.RecordPumpClosed(p.partition.PartitionID, reason)
	p.logger.Info("partition pump closed",
		"partition_id", p.partition.PartitionID,
		"reason", reason.String(),
	)

	close(p.done)

	if p.onClosed != nil {
		p.onClosed(p.partition.PartitionID, reason)
	}
}

// initializeHandler runs the optional Initialize callback. Failures are
// logged and the pump proceeds anyway.
func (p *PartitionPump) initializeHandler(ctx context.Context) {
	init, ok := p.handler.(types.PartitionInitializer)
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("handler Initialize panicked",
				"partition_id", p.partition.PartitionID,
				"panic", r,
			)
		}
	}()

	if err := init.Initialize(ctx); err != nil {
		p.logger.Warn("handler Initialize failed",
			"partition_id", p.partition.PartitionID,
			"error", err,
		)
	}
}

// closeHandler runs the optional Close callback. Failures are logged and
// never abort teardown.
func (p *PartitionPump) closeHandler(ctx context.Context, reason types.CloseReason) {
	closer, ok := p.handler.(types.PartitionCloser)
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("handler Close panicked",
				"partition_id", p.partition.PartitionID,
				"panic", r,
			)
		}
	}()

	if err := closer.Close(ctx, reason); err != nil {
		p.logger.Warn("handler Close failed",
			"partition_id", p.partition.PartitionID,
			"reason", reason.String(),
			"error", err,
		)
	}
}

// dispatchEvents hands one batch (possibly empty) to ProcessEvents. A
// returned error or panic is routed to ProcessError and the loop continues.
func (p *PartitionPump) dispatchEvents(ctx context.Context, events []*types.ReceivedEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordHandlerError(p.partition.PartitionID)
			p.dispatchError(ctx, fmt.Errorf("handler ProcessEvents panicked: %v", r))
		}
	}()

	if err := p.handler.ProcessEvents(ctx, events); err != nil {
		p.metrics.RecordHandlerError(p.partition.PartitionID)
		p.dispatchError(ctx, err)
	}
}

// dispatchError forwards an error to ProcessError. Panics from the user
// callback are logged and dropped.
func (p *PartitionPump) dispatchError(ctx context.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("handler ProcessError panicked",
				"partition_id", p.partition.PartitionID,
				"panic", r,
			)
		}
	}()

	p.handler.ProcessError(ctx, err)
}

// transitionState moves the state machine forward, logging the transition.
func (p *PartitionPump) transitionState(from, to types.PumpState) {
	if !p.state.CompareAndSwap(int32(from), int32(to)) {
		p.logger.Debug("skipped pump state transition",
			"partition_id", p.partition.PartitionID,
			"expected_from", from.String(),
			"actual", p.State().String(),
			"to", to.String(),
		)

		return
	}

	p.logger.Debug("pump state transition",
		"partition_id", p.partition.PartitionID,
		"from", from.String(),
		"to", to.String(),
	)
}
