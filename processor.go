package eventproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamhub/eventproc/internal/logging"
	"github.com/streamhub/eventproc/internal/metrics"
	"github.com/streamhub/eventproc/types"
)

// EventProcessor is the outer control loop that ties the load balancer, the
// ownership store, and the pump supervisor together.
//
// Each instance gets a fresh owner id at construction; identity is not
// reused across restarts. Instances never talk to each other: the ownership
// store's compare-and-set semantics are the only coordination mechanism.
//
// Thread safety: all public methods are safe for concurrent use. The control
// loop confines the per-tick ownership snapshot to its own goroutine; pumps
// are touched only through the PumpManager.
//
// Lifecycle:
//   - Create with NewEventProcessor()
//   - Call Start() to begin claiming partitions
//   - Call Stop() for graceful shutdown (all pumps close with Shutdown)
type EventProcessor struct {
	cfg           Config
	consumerGroup string
	session       types.BrokerSession
	factory       types.PartitionProcessorFactory
	manager       types.PartitionManager

	ownerID  string
	balancer *PartitionLoadBalancer
	pumps    *PumpManager

	hooks   *types.Hooks
	metrics types.MetricsCollector
	logger  types.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEventProcessor creates a processor for one consumer group of one event
// hub.
//
// Returns a concrete *EventProcessor following the "accept interfaces,
// return structs" principle.
//
// Parameters:
//   - cfg: runtime configuration; missing fields get production defaults
//   - consumerGroup: cursor namespace to read under
//   - session: broker transport (partition discovery + readers)
//   - factory: creates one user handler per claimed partition
//   - manager: durable ownership/checkpoint store
//   - opts: optional logger, metrics, hooks
//
// Returns:
//   - *EventProcessor: initialized processor (not yet started)
//   - error: validation error if configuration or dependencies are invalid
//
// Example:
//
//	cfg := eventproc.DefaultConfig()
//	proc, err := eventproc.NewEventProcessor(&cfg, "$Default", session, factory, store,
//	    eventproc.WithLogger(logging.NewSlogDefault()))
func NewEventProcessor(cfg *Config, consumerGroup string, session types.BrokerSession, factory types.PartitionProcessorFactory, manager types.PartitionManager, opts ...Option) (*EventProcessor, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if consumerGroup == "" {
		return nil, ErrConsumerGroupRequired
	}
	if session == nil {
		return nil, ErrBrokerSessionRequired
	}
	if factory == nil {
		return nil, ErrProcessorFactoryRequired
	}
	if manager == nil {
		return nil, ErrPartitionManagerRequired
	}

	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	options := &processorOptions{}
	for _, opt := range opts {
		opt(options)
	}

	loggerInstance := options.logger
	if loggerInstance == nil {
		loggerInstance = logging.NewNop()
	}

	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	hooksInstance := options.hooks
	if hooksInstance == nil {
		hooksInstance = &types.Hooks{}
	}

	ownerID := uuid.NewString()

	pumps := NewPumpManager(cfg.MaxBatchSize, cfg.MaxWaitTime, loggerInstance, metricsCollector)
	pumps.setHooks(hooksInstance)

	return &EventProcessor{
		cfg:           *cfg,
		consumerGroup: consumerGroup,
		session:       session,
		factory:       factory,
		manager:       manager,
		ownerID:       ownerID,
		balancer:      NewPartitionLoadBalancer(ownerID, cfg.OwnershipExpiry),
		pumps:         pumps,
		hooks:         hooksInstance,
		metrics:       metricsCollector,
		logger:        loggerInstance,
	}, nil
}

// Start launches the control loop as a background task. Idempotent: starting
// a running processor is a no-op.
func (ep *EventProcessor) Start(_ context.Context) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.running {
		ep.logger.Debug("processor already running", "owner_id", ep.ownerID)

		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ep.cancel = cancel
	ep.done = make(chan struct{})
	ep.running = true

	ep.logger.Info("event processor starting",
		"owner_id", ep.ownerID,
		"event_hub", ep.session.EventHubName(),
		"consumer_group", ep.consumerGroup,
	)

	go ep.runLoop(loopCtx, ep.done)

	return nil
}

// Stop cancels the control loop, stops every pump with Shutdown, and waits
// for the loop to finish. Idempotent: stopping a stopped processor is a
// no-op. Shutdown errors are logged, not returned, except for ctx expiry.
func (ep *EventProcessor) Stop(ctx context.Context) error {
	ep.mu.Lock()
	if !ep.running {
		ep.mu.Unlock()

		return nil
	}
	ep.running = false
	cancel := ep.cancel
	done := ep.done
	ep.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, ep.cfg.ShutdownTimeout)
		defer cancelTimeout()
	}

	cancel()

	if err := ep.pumps.RemoveAllPumps(ctx, types.CloseReasonShutdown); err != nil {
		ep.logger.Error("errors while stopping pumps", "owner_id", ep.ownerID, "error", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		ep.logger.Error("shutdown timeout exceeded", "owner_id", ep.ownerID)

		return ctx.Err()
	}

	// A final tick may have raced the first sweep and started a pump after
	// it; with the loop now finished, one more sweep is definitive.
	if err := ep.pumps.RemoveAllPumps(ctx, types.CloseReasonShutdown); err != nil {
		ep.logger.Error("errors while stopping pumps", "owner_id", ep.ownerID, "error", err)
	}

	ep.logger.Info("event processor stopped", "owner_id", ep.ownerID)

	return nil
}

// OwnerID returns this instance's identity as written into ownership records.
func (ep *EventProcessor) OwnerID() string {
	return ep.ownerID
}

// IsRunning reports whether the control loop is active.
func (ep *EventProcessor) IsRunning() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	return ep.running
}

// OwnedPartitions returns the sorted ids of partitions with a live pump.
func (ep *EventProcessor) OwnedPartitions() []string {
	return ep.pumps.PartitionIDs()
}

// runLoop ticks until the processor is stopped. A fault anywhere in a tick
// is logged and the loop continues; the load-balancing loop staying alive is
// the invariant everything else leans on.
func (ep *EventProcessor) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		ep.runTick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(ep.cfg.TickInterval):
		}
	}
}

// runTick executes one load-balancing cycle: snapshot ownership, pick a
// target, claim it, start its pump.
func (ep *EventProcessor) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			ep.logger.Error("control loop tick panicked", "owner_id", ep.ownerID, "panic", r)
		}
	}()

	start := time.Now()
	defer func() {
		ep.metrics.RecordTickDuration(time.Since(start).Seconds())
		ep.metrics.RecordOwnedPartitions(ep.pumps.Count())
	}()

	eventHub := ep.session.EventHubName()

	ownerships, err := ep.manager.ListOwnership(ctx, eventHub, ep.consumerGroup)
	if err != nil {
		ep.notifyError(ctx, fmt.Errorf("failed to list ownership: %w", err))

		return
	}

	ownershipMap := make(map[string]types.PartitionOwnership, len(ownerships))
	for _, o := range ownerships {
		ownershipMap[o.PartitionID] = o
	}

	partitionIDs, err := ep.session.GetPartitionIDs(ctx)
	if err != nil {
		ep.notifyError(ctx, fmt.Errorf("failed to get partition ids: %w", err))

		return
	}

	if ctx.Err() != nil || len(partitionIDs) == 0 {
		return
	}

	target, ok := ep.balancer.LoadBalance(ownershipMap, partitionIDs)
	if !ok {
		return
	}

	previous, hadPrevious := ownershipMap[target]
	ep.claimPartition(ctx, target, previous, hadPrevious)
}

// claimPartition attempts one ownership claim and, on success, starts the
// partition's pump. A lost race is logged and forgotten; the next tick
// re-evaluates from a fresh snapshot.
func (ep *EventProcessor) claimPartition(ctx context.Context, partitionID string, previous types.PartitionOwnership, hadPrevious bool) {
	request := types.PartitionOwnership{
		EventHubName:      ep.session.EventHubName(),
		ConsumerGroupName: ep.consumerGroup,
		PartitionID:       partitionID,
		OwnerID:           ep.ownerID,
		OwnerLevel:        0,
	}
	if hadPrevious {
		// Carry the previous position and ETag so the store can detect a
		// lost race, and the new pump can resume where the old owner left.
		request.Offset = previous.Offset
		request.SequenceNumber = previous.SequenceNumber
		request.ETag = previous.ETag
	}

	claimCtx, cancel := context.WithTimeout(ctx, ep.cfg.ClaimTimeout)
	defer cancel()

	claimed, err := ep.manager.ClaimOwnership(claimCtx, []types.PartitionOwnership{request})
	if err != nil || len(claimed) == 0 {
		ep.metrics.RecordClaimAttempt(partitionID, false)
		ep.logger.Info("claim lost",
			"owner_id", ep.ownerID,
			"partition_id", partitionID,
			"error", err,
		)

		return
	}

	// A claim that lands while Stop is cancelling the loop must not spawn a
	// pump the shutdown sweep has already passed over.
	if ctx.Err() != nil {
		return
	}

	won := claimed[0]
	ep.metrics.RecordClaimAttempt(partitionID, true)
	ep.logger.Info("claimed partition",
		"owner_id", ep.ownerID,
		"partition_id", partitionID,
		"etag", won.ETag,
	)

	partition := types.PartitionContext{
		EventHubName:      ep.session.EventHubName(),
		ConsumerGroupName: ep.consumerGroup,
		PartitionID:       partitionID,
	}

	checkpoints := newCheckpointManager(partition, ep.manager, ep.ownerID, won.ETag, ep.metrics)

	handler, err := ep.factory.CreateProcessor(partition, checkpoints)
	if err != nil {
		ep.notifyError(ctx, fmt.Errorf("handler factory failed for partition %s: %w", partitionID, err))

		return
	}

	if err := ep.pumps.CreatePump(ctx, ep.session, partition, ep.startPositionFor(won), handler); err != nil {
		ep.notifyError(ctx, fmt.Errorf("failed to create pump for partition %s: %w", partitionID, err))

		return
	}

	if ep.hooks.OnPartitionClaimed != nil {
		hook := ep.hooks.OnPartitionClaimed
		go func() {
			if err := hook(ctx, partitionID); err != nil {
				ep.logger.Error("partition claimed hook error", "partition_id", partitionID, "error", err)
			}
		}()
	}
}

// startPositionFor derives where the new pump's reader opens: the persisted
// sequence number when a checkpoint exists, the configured initial position
// otherwise.
func (ep *EventProcessor) startPositionFor(ownership types.PartitionOwnership) types.StartPosition {
	if ownership.SequenceNumber != nil {
		return types.FromSequenceNumber(*ownership.SequenceNumber)
	}

	return ep.cfg.InitialPosition
}

// notifyError logs a control-loop fault and forwards it to the OnError hook.
func (ep *EventProcessor) notifyError(ctx context.Context, err error) {
	ep.logger.Error("control loop error", "owner_id", ep.ownerID, "error", err)

	if ep.hooks.OnError != nil {
		hook := ep.hooks.OnError
		go func() {
			if hookErr := hook(ctx, err); hookErr != nil {
				ep.logger.Error("error hook failed", "error", hookErr)
			}
		}()
	}
}
