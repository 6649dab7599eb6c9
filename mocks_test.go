package eventproc

import (
	"context"
	"sync"
	"time"

	"github.com/streamhub/eventproc/types"
)

// callRecorder collects an ordered trace of lifecycle events shared between
// a mock reader and a recording handler, so tests can assert ordering such
// as "reader closed before handler Close".
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)

	return out
}

// receiveStep is one scripted ReceiveBatch outcome.
type receiveStep struct {
	events []*types.ReceivedEvent
	err    error
}

// mockReader replays a script of receive outcomes. Once the script is
// exhausted it yields empty batches on a short delay, like an idle
// partition.
type mockReader struct {
	mu       sync.Mutex
	script   []receiveStep
	closed   bool
	recorder *callRecorder
}

var _ types.Reader = (*mockReader)(nil)

func (r *mockReader) ReceiveBatch(ctx context.Context, _ int, _ time.Duration) ([]*types.ReceivedEvent, error) {
	r.mu.Lock()
	if len(r.script) > 0 {
		step := r.script[0]
		r.script = r.script[1:]
		r.mu.Unlock()

		return step.events, step.err
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (r *mockReader) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		if r.recorder != nil {
			r.recorder.record("reader-close")
		}
	}

	return nil
}

func (r *mockReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

func (r *mockReader) push(steps ...receiveStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.script = append(r.script, steps...)
}

// eventsAt builds a batch of events with consecutive sequence numbers
// starting at seq.
func eventsAt(seq int64, count int) []*types.ReceivedEvent {
	events := make([]*types.ReceivedEvent, count)
	for i := range events {
		n := seq + int64(i)
		events[i] = &types.ReceivedEvent{
			Body:           []byte("event"),
			Offset:         n,
			SequenceNumber: n,
			EnqueuedTime:   time.Now(),
		}
	}

	return events
}

// mockSession is a scripted BrokerSession. Readers are created per partition
// on first open and reused on re-open, so a test can pre-load a partition's
// script. Every OpenReader call records the requested start position.
type mockSession struct {
	hub        string
	partitions []string

	mu            sync.Mutex
	readers       map[string]*mockReader
	openPositions map[string][]types.StartPosition
	partitionsErr error
	openErr       error
}

var _ types.BrokerSession = (*mockSession)(nil)

func newMockSession(hub string, partitions ...string) *mockSession {
	return &mockSession{
		hub:           hub,
		partitions:    partitions,
		readers:       make(map[string]*mockReader),
		openPositions: make(map[string][]types.StartPosition),
	}
}

func (s *mockSession) EventHubName() string {
	return s.hub
}

func (s *mockSession) GetPartitionIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	ids := make([]string, len(s.partitions))
	copy(ids, s.partitions)

	return ids, nil
}

func (s *mockSession) OpenReader(_ context.Context, _, partitionID string, start types.StartPosition, _ int64) (types.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.openPositions[partitionID] = append(s.openPositions[partitionID], start)
	if s.openErr != nil {
		return nil, s.openErr
	}

	return s.reader(partitionID), nil
}

// reader returns the partition's reader, creating it if needed. Callers must
// hold s.mu or use readerFor.
func (s *mockSession) reader(partitionID string) *mockReader {
	r, ok := s.readers[partitionID]
	if !ok {
		r = &mockReader{}
		s.readers[partitionID] = r
	}

	return r
}

func (s *mockSession) readerFor(partitionID string) *mockReader {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reader(partitionID)
}

func (s *mockSession) positionsFor(partitionID string) []types.StartPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.StartPosition, len(s.openPositions[partitionID]))
	copy(out, s.openPositions[partitionID])

	return out
}

// recordingHandler records every callback invocation. The optional hooks let
// scenario tests checkpoint from ProcessEvents or fail on purpose.
type recordingHandler struct {
	mu          sync.Mutex
	batches     [][]*types.ReceivedEvent
	errs        []error
	closes      []types.CloseReason
	initialized int

	recorder *callRecorder

	initErr     error
	processErr  error
	onEvents    func(events []*types.ReceivedEvent) error
	closePanics bool
}

var (
	_ types.PartitionProcessor   = (*recordingHandler)(nil)
	_ types.PartitionInitializer = (*recordingHandler)(nil)
	_ types.PartitionCloser      = (*recordingHandler)(nil)
)

func (h *recordingHandler) Initialize(_ context.Context) error {
	h.mu.Lock()
	h.initialized++
	h.mu.Unlock()
	if h.recorder != nil {
		h.recorder.record("initialize")
	}

	return h.initErr
}

func (h *recordingHandler) ProcessEvents(_ context.Context, events []*types.ReceivedEvent) error {
	h.mu.Lock()
	h.batches = append(h.batches, events)
	h.mu.Unlock()
	if h.recorder != nil {
		h.recorder.record("events")
	}
	if h.onEvents != nil {
		if err := h.onEvents(events); err != nil {
			return err
		}
	}

	return h.processErr
}

func (h *recordingHandler) ProcessError(_ context.Context, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
	if h.recorder != nil {
		h.recorder.record("error")
	}
}

func (h *recordingHandler) Close(_ context.Context, reason types.CloseReason) error {
	h.mu.Lock()
	h.closes = append(h.closes, reason)
	h.mu.Unlock()
	if h.recorder != nil {
		h.recorder.record("close")
	}
	if h.closePanics {
		panic("close failed")
	}

	return nil
}

func (h *recordingHandler) batchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.batches)
}

func (h *recordingHandler) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, b := range h.batches {
		total += len(b)
	}

	return total
}

func (h *recordingHandler) errorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.errs)
}

func (h *recordingHandler) closeReasons() []types.CloseReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.CloseReason, len(h.closes))
	copy(out, h.closes)

	return out
}

func (h *recordingHandler) sequences() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var seqs []int64
	for _, b := range h.batches {
		for _, e := range b {
			seqs = append(seqs, e.SequenceNumber)
		}
	}

	return seqs
}

// recordingFactory creates one recordingHandler per partition and keeps both
// the handlers and the checkpoint updaters for later assertions.
type recordingFactory struct {
	mu       sync.Mutex
	handlers map[string]*recordingHandler
	updaters map[string]types.CheckpointUpdater

	onEvents func(partitionID string, updater types.CheckpointUpdater) func([]*types.ReceivedEvent) error
}

var _ types.PartitionProcessorFactory = (*recordingFactory)(nil)

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{
		handlers: make(map[string]*recordingHandler),
		updaters: make(map[string]types.CheckpointUpdater),
	}
}

func (f *recordingFactory) CreateProcessor(partition types.PartitionContext, checkpoints types.CheckpointUpdater) (types.PartitionProcessor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	handler := &recordingHandler{}
	if f.onEvents != nil {
		handler.onEvents = f.onEvents(partition.PartitionID, checkpoints)
	}
	f.handlers[partition.PartitionID] = handler
	f.updaters[partition.PartitionID] = checkpoints

	return handler, nil
}

func (f *recordingFactory) handlerFor(partitionID string) *recordingHandler {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.handlers[partitionID]
}
