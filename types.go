package eventproc

import "github.com/streamhub/eventproc/types"

// Re-export types from the types subpackage.
//
// This file provides a stable public API for the library's core types and
// interfaces via type aliases. The aliases let internal packages and adapters
// depend on the types package without importing the root eventproc package,
// while users keep the convenience of eventproc.CloseReason, eventproc.Logger,
// and so on.
type (
	PartitionOwnership = types.PartitionOwnership
	Checkpoint         = types.Checkpoint
	PartitionContext   = types.PartitionContext
	ReceivedEvent      = types.ReceivedEvent
	StartPosition      = types.StartPosition
	CloseReason        = types.CloseReason
	PumpState          = types.PumpState
	BrokerError        = types.BrokerError
)

// Re-export interfaces from the types subpackage for convenience.
type (
	PartitionManager          = types.PartitionManager
	BrokerSession             = types.BrokerSession
	Reader                    = types.Reader
	PartitionProcessor        = types.PartitionProcessor
	PartitionProcessorFactory = types.PartitionProcessorFactory
	CheckpointUpdater         = types.CheckpointUpdater
	MetricsCollector          = types.MetricsCollector
	Logger                    = types.Logger
	Hooks                     = types.Hooks
)

// Re-export CloseReason constants from the types subpackage.
const (
	CloseReasonShutdown          = types.CloseReasonShutdown
	CloseReasonOwnershipLost     = types.CloseReasonOwnershipLost
	CloseReasonEventHubException = types.CloseReasonEventHubException
)

// Re-export PumpState constants from the types subpackage.
const (
	PumpCreated      = types.PumpCreated
	PumpInitializing = types.PumpInitializing
	PumpRunning      = types.PumpRunning
	PumpStopping     = types.PumpStopping
	PumpClosed       = types.PumpClosed
)

// Re-export StartPosition constructors from the types subpackage.
var (
	Earliest           = types.Earliest
	Latest             = types.Latest
	FromOffset         = types.FromOffset
	FromSequenceNumber = types.FromSequenceNumber
	FromEnqueuedTime   = types.FromEnqueuedTime
)
