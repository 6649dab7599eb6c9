package eventproc

import "github.com/streamhub/eventproc/types"

// Option configures an EventProcessor with optional dependencies.
type Option func(*processorOptions)

// processorOptions holds optional EventProcessor configuration.
type processorOptions struct {
	logger  types.Logger
	metrics types.MetricsCollector
	hooks   *types.Hooks
}

// WithLogger sets a logger.
//
// Example:
//
//	logger := logging.NewSlogDefault()
//	proc, err := eventproc.NewEventProcessor(&cfg, group, session, factory, store,
//	    eventproc.WithLogger(logger))
func WithLogger(logger types.Logger) Option {
	return func(o *processorOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Example:
//
//	collector := metrics.NewPrometheus(nil, "eventproc")
//	proc, err := eventproc.NewEventProcessor(&cfg, group, session, factory, store,
//	    eventproc.WithMetrics(collector))
func WithMetrics(metrics types.MetricsCollector) Option {
	return func(o *processorOptions) {
		o.metrics = metrics
	}
}

// WithHooks sets lifecycle event hooks.
//
// Example:
//
//	hooks := &types.Hooks{
//	    OnPartitionClaimed: func(ctx context.Context, partitionID string) error {
//	        return notifyClaimed(partitionID)
//	    },
//	}
//	proc, err := eventproc.NewEventProcessor(&cfg, group, session, factory, store,
//	    eventproc.WithHooks(hooks))
func WithHooks(hooks *types.Hooks) Option {
	return func(o *processorOptions) {
		o.hooks = hooks
	}
}
