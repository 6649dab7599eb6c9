package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/streamhub/eventproc/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Metric families are registered lazily on first use so that constructing a
// collector never panics on duplicate registration in tests.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	claimAttempts      *prometheus.CounterVec
	ownedPartitions    prometheus.Gauge
	tickDuration       prometheus.Histogram
	batchesReceived    *prometheus.CounterVec
	eventsReceived     *prometheus.CounterVec
	handlerErrors      *prometheus.CounterVec
	pumpCloses         *prometheus.CounterVec
	receiveDuration    prometheus.Histogram
	checkpointDuration prometheus.Histogram
	checkpointErrors   prometheus.Counter
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: metrics namespace (defaults to "eventproc" if empty)
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "eventproc"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.claimAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "processor",
			Name:      "claim_attempts_total",
			Help:      "Total ownership claim attempts by outcome (won|lost).",
		}, []string{"outcome"})

		p.ownedPartitions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "processor",
			Name:      "owned_partitions",
			Help:      "Current number of partitions with a live pump.",
		})

		p.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "processor",
			Name:      "tick_duration_seconds",
			Help:      "Duration of control-loop ticks in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~4s
		})

		p.batchesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "batches_received_total",
			Help:      "Total batches received (including empty batches) by partition.",
		}, []string{"partition"})

		p.eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "events_received_total",
			Help:      "Total events received by partition.",
		}, []string{"partition"})

		p.handlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "handler_errors_total",
			Help:      "Total user-handler failures by partition.",
		}, []string{"partition"})

		p.pumpCloses = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "closes_total",
			Help:      "Total pump closes by reason.",
		}, []string{"reason"})

		p.receiveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "pump",
			Name:      "receive_duration_seconds",
			Help:      "Duration of ReceiveBatch calls in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s
		})

		p.checkpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "checkpoint",
			Name:      "write_duration_seconds",
			Help:      "Duration of checkpoint writes in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		})

		p.checkpointErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "checkpoint",
			Name:      "write_errors_total",
			Help:      "Total failed checkpoint writes.",
		})

		p.reg.MustRegister(p.claimAttempts)
		p.reg.MustRegister(p.ownedPartitions)
		p.reg.MustRegister(p.tickDuration)
		p.reg.MustRegister(p.batchesReceived)
		p.reg.MustRegister(p.eventsReceived)
		p.reg.MustRegister(p.handlerErrors)
		p.reg.MustRegister(p.pumpCloses)
		p.reg.MustRegister(p.receiveDuration)
		p.reg.MustRegister(p.checkpointDuration)
		p.reg.MustRegister(p.checkpointErrors)
	})
}

// RecordClaimAttempt records one claim attempt and whether it won.
func (p *PrometheusCollector) RecordClaimAttempt(_ string, won bool) {
	p.ensureRegistered()
	outcome := "lost"
	if won {
		outcome = "won"
	}
	p.claimAttempts.WithLabelValues(outcome).Inc()
}

// RecordOwnedPartitions sets the owned-partition gauge.
func (p *PrometheusCollector) RecordOwnedPartitions(count int) {
	p.ensureRegistered()
	p.ownedPartitions.Set(float64(count))
}

// RecordTickDuration observes one control-loop tick.
func (p *PrometheusCollector) RecordTickDuration(seconds float64) {
	p.ensureRegistered()
	p.tickDuration.Observe(seconds)
}

// RecordBatchReceived counts a batch and its events for a partition.
func (p *PrometheusCollector) RecordBatchReceived(partitionID string, events int) {
	p.ensureRegistered()
	p.batchesReceived.WithLabelValues(partitionID).Inc()
	p.eventsReceived.WithLabelValues(partitionID).Add(float64(events))
}

// RecordHandlerError counts a user-handler failure.
func (p *PrometheusCollector) RecordHandlerError(partitionID string) {
	p.ensureRegistered()
	p.handlerErrors.WithLabelValues(partitionID).Inc()
}

// RecordPumpClosed counts a pump close by reason.
func (p *PrometheusCollector) RecordPumpClosed(_ string, reason types.CloseReason) {
	p.ensureRegistered()
	p.pumpCloses.WithLabelValues(reason.String()).Inc()
}

// RecordReceiveDuration observes one ReceiveBatch call.
func (p *PrometheusCollector) RecordReceiveDuration(seconds float64) {
	p.ensureRegistered()
	p.receiveDuration.Observe(seconds)
}

// RecordCheckpointDuration observes one checkpoint write.
func (p *PrometheusCollector) RecordCheckpointDuration(seconds float64) {
	p.ensureRegistered()
	p.checkpointDuration.Observe(seconds)
}

// RecordCheckpointError counts a failed checkpoint write.
func (p *PrometheusCollector) RecordCheckpointError() {
	p.ensureRegistered()
	p.checkpointErrors.Inc()
}
