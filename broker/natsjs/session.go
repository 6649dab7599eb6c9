// Package natsjs implements a BrokerSession on NATS JetStream.
//
// A stream models the event hub; each partition is one subject token under a
// shared prefix, so partition "3" of prefix "events" lives on "events.3".
// Readers are named ephemeral pull consumers filtered to their partition's
// subject, with the deliver policy derived from the start position.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/streamhub/eventproc/internal/logging"
	"github.com/streamhub/eventproc/types"
)

// readerInactiveThreshold lets the server clean up reader consumers that
// were not closed explicitly (crashed pump, lost connection).
const readerInactiveThreshold = 5 * time.Minute

// Session is a JetStream backed BrokerSession.
type Session struct {
	js     jetstream.JetStream
	cfg    Config
	logger types.Logger
}

// Compile-time assertion that Session implements BrokerSession.
var _ types.BrokerSession = (*Session)(nil)

// Config configures a Session.
type Config struct {
	// Stream is the JetStream stream name; it doubles as the event hub name.
	// Required.
	Stream string

	// SubjectPrefix is the subject token preceding the partition id.
	// Required (e.g. "events" for subjects "events.0", "events.1", ...).
	SubjectPrefix string

	// PartitionIDs is the fixed partition id set of the stream. Required.
	PartitionIDs []string

	// Logger is optional; defaults to a no-op logger.
	Logger types.Logger
}

// New creates a Session over an existing stream.
//
// Parameters:
//   - js: JetStream context
//   - cfg: stream layout configuration
//
// Returns:
//   - *Session: initialized session
//   - error: configuration error
func New(js jetstream.JetStream, cfg Config) (*Session, error) {
	if js == nil {
		return nil, errors.New("JetStream context is required")
	}
	if cfg.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if cfg.SubjectPrefix == "" {
		return nil, errors.New("subject prefix is required")
	}
	if len(cfg.PartitionIDs) == 0 {
		return nil, errors.New("at least one partition id is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	return &Session{js: js, cfg: cfg, logger: cfg.Logger}, nil
}

// EventHubName returns the stream name.
func (s *Session) EventHubName() string {
	return s.cfg.Stream
}

// GetPartitionIDs returns a copy of the configured partition id set.
func (s *Session) GetPartitionIDs(_ context.Context) ([]string, error) {
	ids := make([]string, len(s.cfg.PartitionIDs))
	copy(ids, s.cfg.PartitionIDs)

	return ids, nil
}

// OpenReader creates a named ephemeral pull consumer for one partition.
//
// ownerLevel is accepted for interface compatibility; JetStream has no
// reader-epoch concept, so exclusivity rests on the ownership store alone.
func (s *Session) OpenReader(ctx context.Context, consumerGroup, partitionID string, start types.StartPosition, _ int64) (types.Reader, error) {
	subject := s.cfg.SubjectPrefix + "." + partitionID

	consumerCfg := jetstream.ConsumerConfig{
		Name:              readerName(consumerGroup, partitionID),
		FilterSubject:     subject,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: readerInactiveThreshold,
	}
	applyStartPosition(&consumerCfg, start)

	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, consumerCfg)
	if err != nil {
		return nil, types.NewFatalError(fmt.Errorf("failed to create reader consumer for partition %s: %w", partitionID, err))
	}

	s.logger.Debug("opened partition reader",
		"stream", s.cfg.Stream,
		"partition_id", partitionID,
		"consumer", consumerCfg.Name,
		"start_position", start.String(),
	)

	return &reader{
		js:          s.js,
		stream:      s.cfg.Stream,
		consumer:    consumer,
		name:        consumerCfg.Name,
		partitionID: partitionID,
		logger:      s.logger,
	}, nil
}

// reader is a pull-consumer backed types.Reader for one partition.
type reader struct {
	js          jetstream.JetStream
	stream      string
	consumer    jetstream.Consumer
	name        string
	partitionID string
	logger      types.Logger

	closeOnce sync.Once
}

// Compile-time assertion that reader implements Reader.
var _ types.Reader = (*reader)(nil)

// ReceiveBatch fetches up to maxCount messages, waiting at most maxWait.
// A wait that elapses with nothing pending returns an empty batch.
func (r *reader) ReceiveBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]*types.ReceivedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := r.consumer.Fetch(maxCount, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, classifyError(err)
	}

	var events []*types.ReceivedEvent
	for msg := range batch.Messages() {
		event, convErr := convertMessage(msg)
		if convErr != nil {
			r.logger.Warn("skipping unconvertible message", "partition_id", r.partitionID, "error", convErr)

			continue
		}
		events = append(events, event)
	}

	if err := batch.Error(); err != nil && !isFetchTimeout(err) {
		if len(events) == 0 {
			return nil, classifyError(err)
		}
		// Deliver what arrived; the failure resurfaces on the next fetch.
		r.logger.Warn("fetch ended with error after partial batch",
			"partition_id", r.partitionID,
			"events", len(events),
			"error", err,
		)
	}

	return events, nil
}

// Close deletes the reader's consumer. Safe to call more than once.
func (r *reader) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		if deleteErr := r.js.DeleteConsumer(ctx, r.stream, r.name); deleteErr != nil {
			if errors.Is(deleteErr, jetstream.ErrConsumerNotFound) {
				return
			}
			err = fmt.Errorf("failed to delete reader consumer %s: %w", r.name, deleteErr)
		}
	})

	return err
}

// applyStartPosition maps a StartPosition onto the consumer deliver policy.
//
// Offset and sequence number coincide in this transport (both are the stream
// sequence), and a checkpointed position resumes after the recorded event.
func applyStartPosition(cfg *jetstream.ConsumerConfig, start types.StartPosition) {
	switch start.Kind {
	case types.StartLatest:
		cfg.DeliverPolicy = jetstream.DeliverNewPolicy
	case types.StartFromOffset:
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = uint64(start.Offset) + 1
	case types.StartFromSequenceNumber:
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = uint64(start.SequenceNumber) + 1
	case types.StartFromEnqueuedTime:
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		startTime := start.EnqueuedTime
		cfg.OptStartTime = &startTime
	case types.StartEarliest:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	default:
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
}

// convertMessage maps a JetStream message onto a ReceivedEvent.
func convertMessage(msg jetstream.Msg) (*types.ReceivedEvent, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to read message metadata: %w", err)
	}

	event := &types.ReceivedEvent{
		Body:           msg.Data(),
		Offset:         int64(meta.Sequence.Stream),
		SequenceNumber: int64(meta.Sequence.Stream),
		EnqueuedTime:   meta.Timestamp,
	}

	if headers := msg.Headers(); len(headers) > 0 {
		event.Properties = make(map[string]any, len(headers))
		for key, values := range headers {
			if len(values) == 1 {
				event.Properties[key] = values[0]
			} else {
				event.Properties[key] = values
			}
		}
	}

	event.SystemProperties = map[string]any{
		"consumerSequence": meta.Sequence.Consumer,
		"numDelivered":     meta.NumDelivered,
	}

	return event, nil
}

// classifyError maps transport failures onto the broker error taxonomy.
func classifyError(err error) error {
	switch {
	case isFetchTimeout(err):
		// A timed-out fetch is an empty batch, but callers only see this
		// path for hard fetch failures; classify as transient.
		return types.NewTransientError(err)
	case errors.Is(err, jetstream.ErrConsumerNotFound), errors.Is(err, jetstream.ErrConsumerDeleted):
		return types.NewReceiverDisconnectedError(err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, jetstream.ErrStreamNotFound):
		return types.NewFatalError(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return types.NewTransientError(err)
	}
}

// isFetchTimeout reports whether err is the normal nothing-arrived outcome.
func isFetchTimeout(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, jetstream.ErrNoMessages) ||
		strings.Contains(err.Error(), "timeout")
}

// readerName builds a unique, KV-safe consumer name per open.
func readerName(consumerGroup, partitionID string) string {
	token := func(v string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '_'
			}
		}, v)
	}

	return "reader-" + token(consumerGroup) + "-" + token(partitionID) + "-" + uuid.NewString()[:8]
}
