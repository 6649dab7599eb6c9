// Package postgres implements a PartitionManager on PostgreSQL.
//
// Ownership lives in a single table with one row per (event hub, consumer
// group, partition). The etag column is a bigint version: a first claim is
// an INSERT guarded by the primary key, a re-claim is an UPDATE conditioned
// on the expected etag. Both bump the version and the modification time in
// the same statement, so the compare-and-set is a single round trip.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/streamhub/eventproc/types"
)

// Store is a PostgreSQL backed PartitionManager.
type Store struct {
	db *sql.DB
}

// Compile-time assertion that Store implements PartitionManager.
var _ types.PartitionManager = (*Store)(nil)

// NewStore opens a connection pool and verifies connectivity.
//
// Parameters:
//   - connectionString: standard PostgreSQL connection string
//
// Returns:
//   - *Store: initialized store (call EnsureTable before first use)
//   - error: connection failure
func NewStore(connectionString string) (*Store, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing database handle.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureTable creates the ownership table and its index if they don't exist.
func (s *Store) EnsureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS processor_ownership (
		event_hub VARCHAR(255) NOT NULL,
		consumer_group VARCHAR(255) NOT NULL,
		partition_id VARCHAR(255) NOT NULL,
		owner_id VARCHAR(255) NOT NULL,
		owner_level BIGINT NOT NULL DEFAULT 0,
		offset_val BIGINT,
		sequence_number BIGINT,
		last_modified_ms BIGINT NOT NULL,
		etag BIGINT NOT NULL,
		PRIMARY KEY (event_hub, consumer_group, partition_id)
	);
	`

	_, err := s.db.ExecContext(ctx, query)

	return err
}

// ListOwnership returns every ownership row for the pair, sorted by
// partition id.
func (s *Store) ListOwnership(ctx context.Context, eventHubName, consumerGroupName string) ([]types.PartitionOwnership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition_id, owner_id, owner_level, offset_val, sequence_number, last_modified_ms, etag
		FROM processor_ownership
		WHERE event_hub = $1 AND consumer_group = $2
		ORDER BY partition_id
	`, eventHubName, consumerGroupName)
	if err != nil {
		return nil, fmt.Errorf("failed to query ownership: %w", err)
	}
	defer rows.Close()

	var result []types.PartitionOwnership
	for rows.Next() {
		o := types.PartitionOwnership{
			EventHubName:      eventHubName,
			ConsumerGroupName: consumerGroupName,
		}
		var offset, sequence sql.NullInt64
		var etag int64
		if err := rows.Scan(&o.PartitionID, &o.OwnerID, &o.OwnerLevel, &offset, &sequence, &o.LastModifiedTime, &etag); err != nil {
			return nil, fmt.Errorf("failed to scan ownership row: %w", err)
		}
		if offset.Valid {
			v := offset.Int64
			o.Offset = &v
		}
		if sequence.Valid {
			v := sequence.Int64
			o.SequenceNumber = &v
		}
		o.ETag = strconv.FormatInt(etag, 10)
		result = append(result, o)
	}

	return result, rows.Err()
}

// ClaimOwnership commits each claim with a single conditional statement and
// returns the committed subset.
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
	var newETag int64
	var lastModified int64
	var err error

	if req.ETag == "" {
		// First claim: insert only if the row does not exist yet.
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO processor_ownership
				(event_hub, consumer_group, partition_id, owner_id, owner_level, offset_val, sequence_number, last_modified_ms, etag)
			VALUES ($1, $2, $3, $4, $5, $6, $7, (EXTRACT(EPOCH FROM clock_timestamp()) * 1000)::BIGINT, 1)
			ON CONFLICT (event_hub, consumer_group, partition_id) DO NOTHING
			RETURNING etag, last_modified_ms
		`, req.EventHubName, req.ConsumerGroupName, req.PartitionID, req.OwnerID, req.OwnerLevel,
			nullableInt64(req.Offset), nullableInt64(req.SequenceNumber)).Scan(&newETag, &lastModified)
	} else {
		expected, parseErr := strconv.ParseInt(req.ETag, 10, 64)
		if parseErr != nil {
			return false, types.PartitionOwnership{}, fmt.Errorf("invalid etag %q: %w", req.ETag, parseErr)
		}

		err = s.db.QueryRowContext(ctx, `
			UPDATE processor_ownership
			SET owner_id = $4, owner_level = $5, offset_val = $6, sequence_number = $7,
			    last_modified_ms = (EXTRACT(EPOCH FROM clock_timestamp()) * 1000)::BIGINT,
			    etag = etag + 1
			WHERE event_hub = $1 AND consumer_group = $2 AND partition_id = $3 AND etag = $8
			RETURNING etag, last_modified_ms
		`, req.EventHubName, req.ConsumerGroupName, req.PartitionID, req.OwnerID, req.OwnerLevel,
			nullableInt64(req.Offset), nullableInt64(req.SequenceNumber), expected).Scan(&newETag, &lastModified)
	}

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict on insert or stale etag on update: the claim lost.
			return false, types.PartitionOwnership{}, nil
		}

		return false, types.PartitionOwnership{}, fmt.Errorf("failed to claim partition %s: %w", req.PartitionID, err)
	}

	won := req
	won.ETag = strconv.FormatInt(newETag, 10)
	won.LastModifiedTime = lastModified

	return true, won, nil
}

// UpdateCheckpoint persists progress with the same etag discipline and
// returns the new ETag.
func (s *Store) UpdateCheckpoint(ctx context.Context, checkpoint types.Checkpoint) (string, error) {
	expected, err := strconv.ParseInt(checkpoint.ETag, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid etag %q: %w", checkpoint.ETag, err)
	}

	var newETag int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE processor_ownership
		SET owner_id = $4, offset_val = $5, sequence_number = $6,
		    last_modified_ms = (EXTRACT(EPOCH FROM clock_timestamp()) * 1000)::BIGINT,
		    etag = etag + 1
		WHERE event_hub = $1 AND consumer_group = $2 AND partition_id = $3 AND etag = $7
		RETURNING etag
	`, checkpoint.EventHubName, checkpoint.ConsumerGroupName, checkpoint.PartitionID,
		checkpoint.OwnerID, checkpoint.Offset, checkpoint.SequenceNumber, expected).Scan(&newETag)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Distinguish a missing row from a stale etag for the caller.
			var exists bool
			checkErr := s.db.QueryRowContext(ctx, `
				SELECT TRUE FROM processor_ownership
				WHERE event_hub = $1 AND consumer_group = $2 AND partition_id = $3
			`, checkpoint.EventHubName, checkpoint.ConsumerGroupName, checkpoint.PartitionID).Scan(&exists)
			if errors.Is(checkErr, sql.ErrNoRows) {
				return "", types.ErrOwnershipNotFound
			}

			return "", types.ErrETagMismatch
		}

		return "", fmt.Errorf("failed to update checkpoint for partition %s: %w", checkpoint.PartitionID, err)
	}

	return strconv.FormatInt(newETag, 10), nil
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: *v, Valid: true}
}
