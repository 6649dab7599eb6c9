// Package natskv implements a PartitionManager on a NATS JetStream KV
// bucket.
//
// One key per (event hub, consumer group, partition) holds the ownership
// record as JSON; the KV revision is the ETag. Claims map directly onto the
// bucket's compare-and-set primitives: a first claim uses Create (fails if
// the key exists), a re-claim uses Update pinned to the expected revision.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/streamhub/eventproc/internal/logging"
	"github.com/streamhub/eventproc/types"
)

// Store is a JetStream KV backed PartitionManager.
type Store struct {
	kv     jetstream.KeyValue
	logger types.Logger
}

// Compile-time assertion that Store implements PartitionManager.
var _ types.PartitionManager = (*Store)(nil)

// Config configures the KV bucket backing a Store.
type Config struct {
	// Bucket is the KV bucket name. Required.
	Bucket string

	// Description is an optional bucket description, applied on creation.
	Description string

	// Logger is optional; defaults to a no-op logger.
	Logger types.Logger
}

// New creates a Store, creating the KV bucket if it does not exist yet.
//
// Concurrent creation by multiple processors is expected: a bucket-exists
// error falls back to opening the existing bucket.
//
// Parameters:
//   - ctx: Context for bucket creation/open
//   - js: JetStream context
//   - cfg: bucket configuration
//
// Returns:
//   - *Store: initialized store
//   - error: bucket creation/open failure
func New(ctx context.Context, js jetstream.JetStream, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: cfg.Description,
		History:     1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create KV bucket %s: %w", cfg.Bucket, err)
		}
		kv, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open KV bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{kv: kv, logger: logger}, nil
}

// NewWithBucket creates a Store over an already-opened KV bucket.
func NewWithBucket(kv jetstream.KeyValue, logger types.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Store{kv: kv, logger: logger}
}

// ListOwnership returns every ownership record stored for the pair.
func (s *Store) ListOwnership(ctx context.Context, eventHubName, consumerGroupName string) ([]types.PartitionOwnership, error) {
	prefix := keyPrefix(eventHubName, consumerGroupName)

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if isNoKeysFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list KV keys: %w", err)
	}

	var result []types.PartitionOwnership
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}

		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue // Deleted between list and get.
			}

			return nil, fmt.Errorf("failed to get KV key %s: %w", key, err)
		}

		ownership, err := decodeOwnership(entry)
		if err != nil {
			s.logger.Warn("skipping undecodable ownership record", "key", key, "error", err)

			continue
		}

		result = append(result, ownership)
	}

	return result, nil
}

// ClaimOwnership commits each claim through the bucket's CAS primitives and
// returns the committed subset. Lost races are silent; other store failures
// abort the call.
func (s *Store) ClaimOwnership(ctx context.Context, requested []types.PartitionOwnership) ([]types.PartitionOwnership, error) {
	var committed []types.PartitionOwnership
	for _, req := range requested {
		won, ownership, err := s.claimOne(ctx, req)
		if err != nil {
			return committed, err
		}
		if won {
			committed = append(committed, ownership)
		}
	}

	return committed, nil
}

func (s *Store) claimOne(ctx context.Context, req types.PartitionOwnership) (bool, types.PartitionOwnership, error) {
	key := keyFor(req.EventHubName, req.ConsumerGroupName, req.PartitionID)

	stored := req
	stored.LastModifiedTime = nowMilli()

	data, err := json.Marshal(stored)
	if err != nil {
		return false, types.PartitionOwnership{}, fmt.Errorf("failed to marshal ownership: %w", err)
	}

	var revision uint64
	if req.ETag == "" {
		revision, err = s.kv.Create(ctx, key, data)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				s.logger.Debug("claim lost: record already exists", "key", key)

				return false, types.PartitionOwnership{}, nil
			}

			return false, types.PartitionOwnership{}, fmt.Errorf("failed to create ownership %s: %w", key, err)
		}
	} else {
		expected, parseErr := strconv.ParseUint(req.ETag, 10, 64)
		if parseErr != nil {
			return false, types.PartitionOwnership{}, fmt.Errorf("invalid etag %q: %w", req.ETag, parseErr)
		}

		revision, err = s.kv.Update(ctx, key, data, expected)
		if err != nil {
			if isRevisionMismatch(err) {
				s.logger.Debug("claim lost: stale etag", "key", key, "etag", req.ETag)

				return false, types.PartitionOwnership{}, nil
			}

			return false, types.PartitionOwnership{}, fmt.Errorf("failed to update ownership %s: %w", key, err)
		}
	}

	stored.ETag = strconv.FormatUint(revision, 10)

	return true, stored, nil
}

// UpdateCheckpoint folds the checkpoint into the partition's ownership
// record via a revision-pinned update and returns the new ETag.
func (s *Store) UpdateCheckpoint(ctx context.Context, checkpoint types.Checkpoint) (string, error) {
	key := keyFor(checkpoint.EventHubName, checkpoint.ConsumerGroupName, checkpoint.PartitionID)

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", types.ErrOwnershipNotFound
		}

		return "", fmt.Errorf("failed to get ownership %s: %w", key, err)
	}

	expected, err := strconv.ParseUint(checkpoint.ETag, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid etag %q: %w", checkpoint.ETag, err)
	}
	if entry.Revision() != expected {
		return "", types.ErrETagMismatch
	}

	ownership, err := decodeOwnership(entry)
	if err != nil {
		return "", fmt.Errorf("failed to decode ownership %s: %w", key, err)
	}

	offset := checkpoint.Offset
	sequence := checkpoint.SequenceNumber
	ownership.Offset = &offset
	ownership.SequenceNumber = &sequence
	ownership.OwnerID = checkpoint.OwnerID
	ownership.LastModifiedTime = nowMilli()
	ownership.ETag = ""

	data, err := json.Marshal(ownership)
	if err != nil {
		return "", fmt.Errorf("failed to marshal ownership: %w", err)
	}

	revision, err := s.kv.Update(ctx, key, data, expected)
	if err != nil {
		if isRevisionMismatch(err) {
			return "", types.ErrETagMismatch
		}

		return "", fmt.Errorf("failed to update checkpoint %s: %w", key, err)
	}

	return strconv.FormatUint(revision, 10), nil
}

// decodeOwnership unmarshals an entry and grafts the revision in as ETag.
func decodeOwnership(entry jetstream.KeyValueEntry) (types.PartitionOwnership, error) {
	var ownership types.PartitionOwnership
	if err := json.Unmarshal(entry.Value(), &ownership); err != nil {
		return types.PartitionOwnership{}, err
	}
	ownership.ETag = strconv.FormatUint(entry.Revision(), 10)

	return ownership, nil
}

// isRevisionMismatch checks whether an Update failed because the expected
// revision was stale. JetStream reports this as a "wrong last sequence"
// API error, possibly wrapped.
func isRevisionMismatch(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}

	return strings.Contains(err.Error(), "wrong last sequence")
}

// isNoKeysFound checks for the NATS "no keys found" condition, which may
// arrive direct or wrapped.
func isNoKeysFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return true
	}

	return strings.Contains(err.Error(), "no keys found")
}

func keyPrefix(eventHubName, consumerGroupName string) string {
	return sanitizeKeyToken(eventHubName) + "." + sanitizeKeyToken(consumerGroupName) + "."
}

func keyFor(eventHubName, consumerGroupName, partitionID string) string {
	return keyPrefix(eventHubName, consumerGroupName) + sanitizeKeyToken(partitionID)
}

// sanitizeKeyToken replaces characters not valid in a KV key token with
// underscore. Tokens may contain alphanumerics, dash and underscore; dots
// are separators and must not appear inside a token.
func sanitizeKeyToken(token string) string {
	var result strings.Builder
	result.Grow(len(token))

	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			result.WriteRune(r)
		default:
			result.WriteRune('_')
		}
	}

	return result.String()
}

func nowMilli() int64 {
	return timeNow().UnixMilli()
}
