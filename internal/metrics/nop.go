// Package metrics provides MetricsCollector implementations for the
// eventproc library.
package metrics

import "github.com/streamhub/eventproc/types"

// NopMetrics is a no-op metrics collector.
//
// It is the default collector and can be embedded by partial implementations
// to satisfy the full MetricsCollector interface.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RecordClaimAttempt discards the observation.
func (n *NopMetrics) RecordClaimAttempt(_ string, _ bool) {}

// RecordOwnedPartitions discards the observation.
func (n *NopMetrics) RecordOwnedPartitions(_ int) {}

// RecordTickDuration discards the observation.
func (n *NopMetrics) RecordTickDuration(_ float64) {}

// RecordBatchReceived discards the observation.
func (n *NopMetrics) RecordBatchReceived(_ string, _ int) {}

// RecordHandlerError discards the observation.
func (n *NopMetrics) RecordHandlerError(_ string) {}

// RecordPumpClosed discards the observation.
func (n *NopMetrics) RecordPumpClosed(_ string, _ types.CloseReason) {}

// RecordReceiveDuration discards the observation.
func (n *NopMetrics) RecordReceiveDuration(_ float64) {}

// RecordCheckpointDuration discards the observation.
func (n *NopMetrics) RecordCheckpointDuration(_ float64) {}

// RecordCheckpointError discards the observation.
func (n *NopMetrics) RecordCheckpointError() {}
