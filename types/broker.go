package types

import (
	"context"
	"time"
)

// BrokerSession is the transport to the partitioned log service.
//
// The session owns connection establishment and the wire protocol; the
// processor only opens per-partition readers through it and never manages
// connections itself.
type BrokerSession interface {
	// EventHubName returns the name of the event hub this session is bound to.
	EventHubName() string

	// GetPartitionIDs returns the ids of all partitions of the event hub.
	GetPartitionIDs(ctx context.Context) ([]string, error)

	// OpenReader opens a reader on one partition at the given position.
	//
	// ownerLevel is the reader priority; brokers that honor it disconnect
	// readers with a lower level when a higher one attaches.
	OpenReader(ctx context.Context, consumerGroup, partitionID string, start StartPosition, ownerLevel int64) (Reader, error)
}

// Reader pulls batches of events from a single partition.
//
// Readers are borrowed from a BrokerSession for the lifetime of one pump and
// must be closed on every exit path.
type Reader interface {
	// ReceiveBatch returns up to maxCount events, waiting at most maxWait.
	// An empty batch after maxWait is a normal return, not an error.
	//
	// Failures are reported as *BrokerError so the caller can classify them;
	// context cancellation and deadline errors are returned unwrapped.
	ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]*ReceivedEvent, error)

	// Close releases the reader. Safe to call more than once.
	Close(ctx context.Context) error
}
