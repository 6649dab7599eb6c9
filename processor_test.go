package eventproc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamhub/eventproc/store/memory"
	"github.com/streamhub/eventproc/types"
	"github.com/stretchr/testify/require"
)

// activeOwnerCounts reads the store and counts non-expired records per owner.
func activeOwnerCounts(t *testing.T, store types.PartitionManager, hub, group string, expiry time.Duration) map[string]int {
	t.Helper()

	ownerships, err := store.ListOwnership(context.Background(), hub, group)
	require.NoError(t, err)

	nowMs := time.Now().UnixMilli()
	counts := make(map[string]int)
	for _, o := range ownerships {
		if nowMs-o.LastModifiedTime <= expiry.Milliseconds() {
			counts[o.OwnerID]++
		}
	}

	return counts
}

func TestNewEventProcessor_Validation(t *testing.T) {
	cfg := TestConfig()
	session := newMockSession("hub", "0")
	factory := newRecordingFactory()
	store := memory.NewStore()

	t.Run("nil config", func(t *testing.T) {
		_, err := NewEventProcessor(nil, "$Default", session, factory, store)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("empty consumer group", func(t *testing.T) {
		_, err := NewEventProcessor(&cfg, "", session, factory, store)
		require.ErrorIs(t, err, ErrConsumerGroupRequired)
	})

	t.Run("nil session", func(t *testing.T) {
		_, err := NewEventProcessor(&cfg, "$Default", nil, factory, store)
		require.ErrorIs(t, err, ErrBrokerSessionRequired)
	})

	t.Run("nil factory", func(t *testing.T) {
		_, err := NewEventProcessor(&cfg, "$Default", session, nil, store)
		require.ErrorIs(t, err, ErrProcessorFactoryRequired)
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := NewEventProcessor(&cfg, "$Default", session, factory, nil)
		require.ErrorIs(t, err, ErrPartitionManagerRequired)
	})

	t.Run("invalid config", func(t *testing.T) {
		bad := TestConfig()
		bad.OwnershipExpiry = bad.TickInterval
		_, err := NewEventProcessor(&bad, "$Default", session, factory, store)
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid configuration")
	})
}

func TestEventProcessor_StartStopIdempotent(t *testing.T) {
	cfg := TestConfig()
	session := newMockSession("hub", "0")
	store := memory.NewStore()

	proc, err := NewEventProcessor(&cfg, "$Default", session, newRecordingFactory(), store)
	require.NoError(t, err)

	require.NoError(t, proc.Start(context.Background()))
	require.NoError(t, proc.Start(context.Background()), "second Start must be a no-op")
	require.True(t, proc.IsRunning())

	require.NoError(t, proc.Stop(context.Background()))
	require.NoError(t, proc.Stop(context.Background()), "second Stop must be a no-op")
	require.False(t, proc.IsRunning())
}

// TestEventProcessor_LoneProcessorClaimsAll covers scenario S1: a lone
// processor with three partitions ends up owning all of them, sees events on
// each, and closes every pump with Shutdown on stop.
func TestEventProcessor_LoneProcessorClaimsAll(t *testing.T) {
	cfg := TestConfig()
	session := newMockSession("hub", "0", "1", "2")
	for _, id := range []string{"0", "1", "2"} {
		session.readerFor(id).push(receiveStep{events: eventsAt(1, 2)})
	}
	store := memory.NewStore()
	factory := newRecordingFactory()

	proc, err := NewEventProcessor(&cfg, "$Default", session, factory, store)
	require.NoError(t, err)
	require.NoError(t, proc.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(proc.OwnedPartitions()) == 3
	}, 5*time.Second, 10*time.Millisecond, "one claim per tick should own all three within a few ticks")

	require.Eventually(t, func() bool {
		for _, id := range []string{"0", "1", "2"} {
			h := factory.handlerFor(id)
			if h == nil || h.eventCount() == 0 {
				return false
			}
		}

		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, proc.Stop(context.Background()))

	for _, id := range []string{"0", "1", "2"} {
		require.Equal(t, []types.CloseReason{types.CloseReasonShutdown}, factory.handlerFor(id).closeReasons(), "partition %s", id)
	}
}

// TestEventProcessor_TwoProcessorsConvergeAndFailOver covers scenario S2:
// two processors over four partitions converge to two each; when one dies,
// its ownerships age out and the survivor takes all four.
func TestEventProcessor_TwoProcessorsConvergeAndFailOver(t *testing.T) {
	cfg := TestConfig()
	cfg.OwnershipExpiry = 300 * time.Millisecond

	store := memory.NewStore()
	partitions := []string{"0", "1", "2", "3"}

	sessionA := newMockSession("hub", partitions...)
	sessionB := newMockSession("hub", partitions...)

	procA, err := NewEventProcessor(&cfg, "$Default", sessionA, newRecordingFactory(), store)
	require.NoError(t, err)
	procB, err := NewEventProcessor(&cfg, "$Default", sessionB, newRecordingFactory(), store)
	require.NoError(t, err)

	require.NoError(t, procA.Start(context.Background()))
	require.NoError(t, procB.Start(context.Background()))
	defer func() {
		_ = procA.Stop(context.Background())
		_ = procB.Stop(context.Background())
	}()

	require.Eventually(t, func() bool {
		counts := activeOwnerCounts(t, store, "hub", "$Default", cfg.OwnershipExpiry)

		return counts[procA.OwnerID()] == 2 && counts[procB.OwnerID()] == 2
	}, 10*time.Second, 10*time.Millisecond, "fleet should converge to an even split")

	// Kill A: its control loop stops but its ownership records remain and
	// age past the expiry.
	require.NoError(t, procA.Stop(context.Background()))

	require.Eventually(t, func() bool {
		counts := activeOwnerCounts(t, store, "hub", "$Default", cfg.OwnershipExpiry)

		return counts[procB.OwnerID()] == 4 && len(procB.OwnedPartitions()) == 4
	}, 10*time.Second, 10*time.Millisecond, "survivor should absorb the dead processor's partitions")
}

// raceStore delegates to an inner store but runs an interference callback
// once, after the first ownership snapshot has been taken and before the
// next claim lands. It simulates another processor writing between a
// processor's read and its claim.
type raceStore struct {
	types.PartitionManager

	mu        sync.Mutex
	listed    bool
	interfere func()
}

func (s *raceStore) ListOwnership(ctx context.Context, hub, group string) ([]types.PartitionOwnership, error) {
	result, err := s.PartitionManager.ListOwnership(ctx, hub, group)

	s.mu.Lock()
	s.listed = true
	s.mu.Unlock()

	return result, err
}

func (s *raceStore) ClaimOwnership(ctx context.Context, requested []types.PartitionOwnership) ([]types.PartitionOwnership, error) {
	s.mu.Lock()
	interfere := s.interfere
	if s.listed && interfere != nil {
		s.interfere = nil
	} else {
		interfere = nil
	}
	s.mu.Unlock()

	if interfere != nil {
		interfere()
	}

	return s.PartitionManager.ClaimOwnership(ctx, requested)
}

// TestEventProcessor_StaleETagClaimLoses covers scenario S3: a claim built
// from a stale snapshot fails, no pump starts, and the loop keeps running.
func TestEventProcessor_StaleETagClaimLoses(t *testing.T) {
	cfg := TestConfig()

	inner := memory.NewStore()

	// Seed: owner-a holds partition "0" with an old LastModifiedTime so the
	// processor under test sees it as abandoned and targets it.
	seeded, err := inner.ClaimOwnership(context.Background(), []types.PartitionOwnership{{
		EventHubName:      "hub",
		ConsumerGroupName: "$Default",
		PartitionID:       "0",
		OwnerID:           "owner-a",
	}})
	require.NoError(t, err)
	staleETag := seeded[0].ETag

	// Let the seeded record age past the expiry before starting.
	time.Sleep(cfg.OwnershipExpiry + 20*time.Millisecond)

	// Between the processor's snapshot and its claim, owner-a re-claims
	// with the current ETag, bumping it.
	store := &raceStore{PartitionManager: inner}
	store.interfere = func() {
		reclaimed, reclaimErr := inner.ClaimOwnership(context.Background(), []types.PartitionOwnership{{
			EventHubName:      "hub",
			ConsumerGroupName: "$Default",
			PartitionID:       "0",
			OwnerID:           "owner-a",
			ETag:              staleETag,
		}})
		require.NoError(t, reclaimErr)
		require.Len(t, reclaimed, 1)
	}

	session := newMockSession("hub", "0")
	factory := newRecordingFactory()

	proc, err := NewEventProcessor(&cfg, "$Default", session, factory, store)
	require.NoError(t, err)
	require.NoError(t, proc.Start(context.Background()))
	defer func() { _ = proc.Stop(context.Background()) }()

	// The raced claim must lose: no pump, no handler, loop still alive.
	time.Sleep(5 * cfg.TickInterval)
	require.Empty(t, proc.OwnedPartitions())
	require.Nil(t, factory.handlerFor("0"))
	require.True(t, proc.IsRunning())

	ownerships, err := inner.ListOwnership(context.Background(), "hub", "$Default")
	require.NoError(t, err)
	require.Equal(t, "owner-a", ownerships[0].OwnerID, "losing claim must not overwrite the record")
}

// TestEventProcessor_CheckpointResumesPosition covers scenario S6: after a
// checkpoint at sequence 42 and a restart under a fresh identity, the new
// pump opens its reader at fromSequenceNumber(42).
func TestEventProcessor_CheckpointResumesPosition(t *testing.T) {
	cfg := TestConfig()
	store := memory.NewStore()

	// First processor: checkpoint sequence 42 from the handler.
	sessionOne := newMockSession("hub", "1")
	sessionOne.readerFor("1").push(receiveStep{events: eventsAt(42, 1)})

	factoryOne := newRecordingFactory()
	var checkpointed sync.WaitGroup
	checkpointed.Add(1)
	var checkpointOnce sync.Once
	factoryOne.onEvents = func(_ string, updater types.CheckpointUpdater) func([]*types.ReceivedEvent) error {
		return func(events []*types.ReceivedEvent) error {
			if len(events) == 0 {
				return nil
			}
			last := events[len(events)-1]
			if _, err := updater.UpdateCheckpoint(context.Background(), last.Offset, last.SequenceNumber); err != nil {
				return err
			}
			checkpointOnce.Do(checkpointed.Done)

			return nil
		}
	}

	procOne, err := NewEventProcessor(&cfg, "$Default", sessionOne, factoryOne, store)
	require.NoError(t, err)
	require.NoError(t, procOne.Start(context.Background()))

	waitDone := make(chan struct{})
	go func() { checkpointed.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("checkpoint was never written")
	}
	require.NoError(t, procOne.Stop(context.Background()))

	// Second processor with a fresh identity resumes from the checkpoint.
	sessionTwo := newMockSession("hub", "1")
	procTwo, err := NewEventProcessor(&cfg, "$Default", sessionTwo, newRecordingFactory(), store)
	require.NoError(t, err)
	require.NotEqual(t, procOne.OwnerID(), procTwo.OwnerID())
	require.NoError(t, procTwo.Start(context.Background()))
	defer func() { _ = procTwo.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(sessionTwo.positionsFor("1")) > 0
	}, 10*time.Second, 10*time.Millisecond, "the new processor should claim once the old ownership expires")

	position := sessionTwo.positionsFor("1")[0]
	require.Equal(t, types.StartFromSequenceNumber, position.Kind)
	require.EqualValues(t, 42, position.SequenceNumber)
}

func TestEventProcessor_EmptyPartitionSet(t *testing.T) {
	cfg := TestConfig()
	session := newMockSession("hub") // no partitions
	store := memory.NewStore()

	proc, err := NewEventProcessor(&cfg, "$Default", session, newRecordingFactory(), store)
	require.NoError(t, err)
	require.NoError(t, proc.Start(context.Background()))

	time.Sleep(5 * cfg.TickInterval)
	require.True(t, proc.IsRunning(), "loop must keep ticking with no partitions")
	require.Empty(t, proc.OwnedPartitions())

	ownerships, err := store.ListOwnership(context.Background(), "hub", "$Default")
	require.NoError(t, err)
	require.Empty(t, ownerships)

	require.NoError(t, proc.Stop(context.Background()))
}

// flakyStore fails a fixed number of ListOwnership calls before recovering.
type flakyStore struct {
	types.PartitionManager

	mu           sync.Mutex
	listFailures int
}

func (s *flakyStore) ListOwnership(ctx context.Context, hub, group string) ([]types.PartitionOwnership, error) {
	s.mu.Lock()
	if s.listFailures > 0 {
		s.listFailures--
		s.mu.Unlock()

		return nil, errors.New("store offline")
	}
	s.mu.Unlock()

	return s.PartitionManager.ListOwnership(ctx, hub, group)
}

func TestEventProcessor_StoreFaultsDoNotKillLoop(t *testing.T) {
	cfg := TestConfig()
	session := newMockSession("hub", "0")
	store := &flakyStore{PartitionManager: memory.NewStore(), listFailures: 3}

	var hookErrs sync.Map
	hooks := &types.Hooks{
		OnError: func(_ context.Context, err error) error {
			hookErrs.Store(err.Error(), true)

			return nil
		},
	}

	proc, err := NewEventProcessor(&cfg, "$Default", session, newRecordingFactory(), store, WithHooks(hooks))
	require.NoError(t, err)
	require.NoError(t, proc.Start(context.Background()))
	defer func() { _ = proc.Stop(context.Background()) }()

	// The first ticks fail; once the store recovers the claim goes through.
	require.Eventually(t, func() bool {
		return len(proc.OwnedPartitions()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, proc.IsRunning())
}
