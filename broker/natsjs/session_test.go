package natsjs

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/streamhub/eventproc/types"
	"github.com/stretchr/testify/require"

	natstest "github.com/streamhub/eventproc/testing"
)

func newTestSession(t *testing.T) (*Session, *nats.Conn) {
	t.Helper()

	_, nc := natstest.StartEmbeddedNATS(t)
	js := natstest.NewJetStream(t, nc)
	natstest.CreateStream(t, js, "EVENTS", []string{"events.>"})

	session, err := New(js, Config{
		Stream:        "EVENTS",
		SubjectPrefix: "events",
		PartitionIDs:  []string{"0", "1"},
	})
	require.NoError(t, err)

	return session, nc
}

func publish(t *testing.T, nc *nats.Conn, subject string, payloads ...string) {
	t.Helper()

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	for _, payload := range payloads {
		_, err := js.Publish(t.Context(), subject, []byte(payload))
		require.NoError(t, err)
	}
}

func TestSession_GetPartitionIDs(t *testing.T) {
	session, _ := newTestSession(t)

	ids, err := session.GetPartitionIDs(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1"}, ids)
	require.Equal(t, "EVENTS", session.EventHubName())
}

func TestSession_ReceiveFromEarliest(t *testing.T) {
	session, nc := newTestSession(t)
	publish(t, nc, "events.0", "one", "two", "three")

	reader, err := session.OpenReader(t.Context(), "$Default", "0", types.Earliest(), 0)
	require.NoError(t, err)
	defer func() { _ = reader.Close(t.Context()) }()

	events, err := reader.ReceiveBatch(t.Context(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "one", string(events[0].Body))
	require.Equal(t, "three", string(events[2].Body))

	// Sequence numbers are strictly increasing.
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].SequenceNumber, events[i-1].SequenceNumber)
	}
}

func TestSession_ReaderIsolatesPartitions(t *testing.T) {
	session, nc := newTestSession(t)
	publish(t, nc, "events.0", "p0-event")
	publish(t, nc, "events.1", "p1-event")

	reader, err := session.OpenReader(t.Context(), "$Default", "1", types.Earliest(), 0)
	require.NoError(t, err)
	defer func() { _ = reader.Close(t.Context()) }()

	events, err := reader.ReceiveBatch(t.Context(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "p1-event", string(events[0].Body))
}

func TestSession_ResumeAfterSequenceNumber(t *testing.T) {
	session, nc := newTestSession(t)
	publish(t, nc, "events.0", "one", "two", "three", "four")

	// Read everything once to learn the checkpointable sequence numbers.
	all, err := session.OpenReader(t.Context(), "$Default", "0", types.Earliest(), 0)
	require.NoError(t, err)
	events, err := all.ReceiveBatch(t.Context(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.NoError(t, all.Close(t.Context()))

	// Resuming after the second event's sequence yields only the tail.
	resumed, err := session.OpenReader(t.Context(), "$Default", "0", types.FromSequenceNumber(events[1].SequenceNumber), 0)
	require.NoError(t, err)
	defer func() { _ = resumed.Close(t.Context()) }()

	tail, err := resumed.ReceiveBatch(t.Context(), 10, time.Second)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, "three", string(tail[0].Body))
	require.Equal(t, "four", string(tail[1].Body))
}

func TestSession_EmptyBatchAfterWait(t *testing.T) {
	session, _ := newTestSession(t)

	reader, err := session.OpenReader(t.Context(), "$Default", "0", types.Latest(), 0)
	require.NoError(t, err)
	defer func() { _ = reader.Close(t.Context()) }()

	start := time.Now()
	events, err := reader.ReceiveBatch(t.Context(), 5, 100*time.Millisecond)
	require.NoError(t, err, "an elapsed wait is an empty batch, not an error")
	require.Empty(t, events)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSession_ConfigValidation(t *testing.T) {
	_, nc := natstest.StartEmbeddedNATS(t)
	js := natstest.NewJetStream(t, nc)

	_, err := New(nil, Config{Stream: "S", SubjectPrefix: "s", PartitionIDs: []string{"0"}})
	require.Error(t, err)

	_, err = New(js, Config{SubjectPrefix: "s", PartitionIDs: []string{"0"}})
	require.Error(t, err)

	_, err = New(js, Config{Stream: "S", PartitionIDs: []string{"0"}})
	require.Error(t, err)

	_, err = New(js, Config{Stream: "S", SubjectPrefix: "s"})
	require.Error(t, err)
}
