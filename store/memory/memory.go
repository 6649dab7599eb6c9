// Package memory implements an in-process PartitionManager.
//
// The store backs tests and quickstart use: a map guarded by a mutex, with a
// monotonically increasing counter as the ETag source. An ETag mismatch
// leaves the stored record untouched and the request uncommitted, exactly
// like the durable implementations.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/streamhub/eventproc/types"
)

// Store is an in-memory PartitionManager.
//
// Safe for concurrent use by any number of processors in the same process,
// which makes it suitable for multi-processor convergence tests.
type Store struct {
	mu         sync.Mutex
	nextETag   int64
	ownerships map[ownershipKey]types.PartitionOwnership

	now func() time.Time
}

type ownershipKey struct {
	eventHub      string
	consumerGroup string
	partitionID   string
}

// Compile-time assertion that Store implements PartitionManager.
var _ types.PartitionManager = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		ownerships: make(map[ownershipKey]types.PartitionOwnership),
		now:        time.Now,
	}
}

// ListOwnership returns every record written for the pair, sorted by
// partition id.
func (s *Store) ListOwnership(_ context.Context, eventHubName, consumerGroupName string) ([]types.PartitionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []types.PartitionOwnership
	for key, o := range s.ownerships {
		if key.eventHub == eventHubName && key.consumerGroup == consumerGroupName {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PartitionID < result[j].PartitionID
	})

	return result, nil
}

// ClaimOwnership commits each request whose ETag matches the stored record
// (or whose record does not exist and the request carries no ETag) and
// returns the committed subset.
func (s *Store) ClaimOwnership(_ context.Context, requested []types.PartitionOwnership) ([]types.PartitionOwnership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var committed []types.PartitionOwnership
	for _, req := range requested {
		key := keyOf(req.EventHubName, req.ConsumerGroupName, req.PartitionID)

		existing, exists := s.ownerships[key]
		if exists {
			if req.ETag != existing.ETag {
				continue
			}
		} else if req.ETag != "" {
			continue
		}

		stored := req
		stored.ETag = s.bumpETag()
		stored.LastModifiedTime = s.now().UnixMilli()
		s.ownerships[key] = stored
		committed = append(committed, stored)
	}

	return committed, nil
}

// UpdateCheckpoint persists progress into the partition's ownership record,
// subject to the ETag discipline, and returns the new ETag.
func (s *Store) UpdateCheckpoint(_ context.Context, checkpoint types.Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(checkpoint.EventHubName, checkpoint.ConsumerGroupName, checkpoint.PartitionID)

	existing, exists := s.ownerships[key]
	if !exists {
		return "", types.ErrOwnershipNotFound
	}
	if checkpoint.ETag != existing.ETag {
		return "", types.ErrETagMismatch
	}

	offset := checkpoint.Offset
	sequence := checkpoint.SequenceNumber
	existing.Offset = &offset
	existing.SequenceNumber = &sequence
	existing.OwnerID = checkpoint.OwnerID
	existing.ETag = s.bumpETag()
	existing.LastModifiedTime = s.now().UnixMilli()
	s.ownerships[key] = existing

	return existing.ETag, nil
}

func (s *Store) bumpETag() string {
	s.nextETag++

	return strconv.FormatInt(s.nextETag, 10)
}

func keyOf(eventHub, consumerGroup, partitionID string) ownershipKey {
	return ownershipKey{eventHub: eventHub, consumerGroup: consumerGroup, partitionID: partitionID}
}
