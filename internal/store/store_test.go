package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
)

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), store.DefaultFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(id string, q model.Queue) *model.Task {
	t := &model.Task{
		ID:        id,
		Title:     "task " + id,
		Queue:     q,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	t.ApplyDefaults()
	return t
}

func mustCreate(t *testing.T, s *store.Store, task *model.Task) {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), task, model.HistoryEvent{
		Event: model.EventCreated, Actor: "test", Timestamp: task.CreatedAt,
	}))
}

func TestStore_OpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tk.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	require.NoError(t, s.Close())

	s, err = store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask("A1B2", model.QueueIncoming)
	task.ProjectID = model.Ptr("proj-7")
	task.BlockedBy = []string{"X1", "X0"}
	task.Checks = []string{"lint", "unit"}
	task.BreakdownDepth = 1
	task.RecycledFrom = model.Ptr("C3D4")
	mustCreate(t, s, task)

	got, err := s.GetTask(ctx, "A1B2")
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, model.QueueIncoming, got.Queue)
	assert.Equal(t, model.RoleImplement, got.Role)
	assert.Equal(t, "P1", got.Priority)
	assert.Equal(t, "main", got.Branch)
	assert.Equal(t, "proj-7", *got.ProjectID)
	assert.Equal(t, []string{"X1", "X0"}, got.BlockedBy)
	assert.Equal(t, []string{"lint", "unit"}, got.Checks)
	assert.Equal(t, "C3D4", *got.RecycledFrom)
	assert.Equal(t, 1, got.BreakdownDepth)
	assert.Nil(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedAt)
	assert.True(t, t0.Equal(got.CreatedAt))

	hist, err := s.History(ctx, "A1B2")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, model.EventCreated, hist[0].Event)

	err = s.CreateTask(ctx, newTask("A1B2", model.QueueIncoming), model.HistoryEvent{Event: model.EventCreated})
	assert.True(t, errors.Is(err, store.ErrTaskExists))

	_, err = s.GetTask(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrTaskNotFound))
}

func TestStore_Claim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("T1", model.QueueIncoming))

	claimed, err := s.Claim(ctx, "T1", "worker-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.QueueClaimed, claimed.Queue)
	assert.Equal(t, "worker-1", claimed.Claimant())
	require.NotNil(t, claimed.ClaimedAt)

	_, err = s.Claim(ctx, "T1", "worker-2", t0.Add(2*time.Minute))
	assert.True(t, errors.Is(err, store.ErrClaimConflict))

	_, err = s.Claim(ctx, "nope", "worker-2", t0)
	assert.True(t, errors.Is(err, store.ErrTaskNotFound))

	n, err := s.CountEvents(ctx, "T1", model.EventClaimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ClaimRespectsBlockers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blocker := newTask("B1", model.QueueIncoming)
	mustCreate(t, s, blocker)
	dep := newTask("D1", model.QueueIncoming)
	dep.BlockedBy = []string{"B1"}
	mustCreate(t, s, dep)

	_, err := s.Claim(ctx, "D1", "w", t0)
	require.True(t, errors.Is(err, store.ErrBlocked), "got %v", err)

	// Drive the blocker to done.
	_, err = s.Claim(ctx, "B1", "w", t0)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "B1", model.QueueClaimed, model.QueueProvisional, model.HistoryEvent{Event: model.EventSubmitted, Actor: "w"}, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "B1", model.QueueProvisional, model.QueueDone, model.HistoryEvent{Event: model.EventAccepted, Actor: "h"}, nil)
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "D1", "w", t0)
	require.NoError(t, err)
	assert.Equal(t, model.QueueClaimed, claimed.Queue)
}

func TestStore_ClaimUnknownBlockerStaysBlocked(t *testing.T) {
	s := openTestStore(t)
	dep := newTask("D2", model.QueueIncoming)
	dep.BlockedBy = []string{"GHOST"}
	mustCreate(t, s, dep)

	_, err := s.Claim(context.Background(), "D2", "w", t0)
	assert.True(t, errors.Is(err, store.ErrBlocked))
}

func TestStore_ConcurrentClaimRace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("RACE", model.QueueIncoming))

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			task, err := s.Claim(ctx, "RACE", worker, time.Now())
			if err != nil {
				if !errors.Is(err, store.ErrClaimConflict) {
					t.Errorf("unexpected claim error: %v", err)
				}
				return
			}
			mu.Lock()
			winners = append(winners, task.Claimant())
			mu.Unlock()
		}(string(rune('a' + i)))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := s.GetTask(ctx, "RACE")
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.Claimant())

	n, err := s.CountEvents(ctx, "RACE", model.EventClaimed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ClaimNext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := newTask("LOW", model.QueueIncoming)
	low.Priority = "P2"
	mustCreate(t, s, low)
	high := newTask("HIGH", model.QueueIncoming)
	high.Priority = "P0"
	mustCreate(t, s, high)
	infra := newTask("INFRA", model.QueueIncoming)
	infra.Role = model.RoleInfra
	mustCreate(t, s, infra)

	got, err := s.ClaimNext(ctx, "w1", "", t0)
	require.NoError(t, err)
	assert.Equal(t, "HIGH", got.ID)

	got, err = s.ClaimNext(ctx, "w2", model.RoleInfra, t0)
	require.NoError(t, err)
	assert.Equal(t, "INFRA", got.ID)

	got, err = s.ClaimNext(ctx, "w3", "", t0)
	require.NoError(t, err)
	assert.Equal(t, "LOW", got.ID)

	_, err = s.ClaimNext(ctx, "w4", "", t0)
	assert.True(t, errors.Is(err, store.ErrNothingToClaim))
}

func TestStore_Transition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("T1", model.QueueIncoming))
	_, err := s.Claim(ctx, "T1", "w", t0.Add(time.Minute))
	require.NoError(t, err)

	submitted := t0.Add(time.Hour)
	got, err := s.Transition(ctx, "T1", model.QueueClaimed, model.QueueProvisional,
		model.HistoryEvent{Event: model.EventSubmitted, Actor: "w", Timestamp: submitted},
		func(task *model.Task) error {
			task.CommitsCount = 3
			task.TurnsUsed = 12
			task.SubmittedAt = &submitted
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, model.QueueProvisional, got.Queue)
	assert.Equal(t, 3, got.CommitsCount)
	assert.True(t, submitted.Equal(got.UpdatedAt))

	// Illegal move.
	_, err = s.Transition(ctx, "T1", model.QueueProvisional, model.QueueClaimed, model.HistoryEvent{Event: "x"}, nil)
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))

	// Stale expected queue.
	_, err = s.Transition(ctx, "T1", model.QueueClaimed, model.QueueProvisional, model.HistoryEvent{Event: "x"}, nil)
	assert.True(t, errors.Is(err, store.ErrStaleQueue))

	// An older timestamp never moves updated_at backwards.
	got, err = s.Transition(ctx, "T1", model.QueueProvisional, model.QueueDone,
		model.HistoryEvent{Event: model.EventAccepted, Actor: "h", Timestamp: t0}, nil)
	require.NoError(t, err)
	assert.True(t, submitted.Equal(got.UpdatedAt))

	hist, err := s.History(ctx, "T1")
	require.NoError(t, err)
	events := make([]string, len(hist))
	for i, h := range hist {
		events[i] = h.Event
	}
	assert.Equal(t, []string{model.EventCreated, model.EventClaimed, model.EventSubmitted, model.EventAccepted}, events)
}

func TestStore_UpdateKeepsQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("T1", model.QueueIncoming))

	got, err := s.Update(ctx, "T1", model.HistoryEvent{Event: model.EventMarkedForRebase, Actor: "op"}, func(task *model.Task) error {
		task.NeedsRebase = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, got.NeedsRebase)

	_, err = s.Update(ctx, "T1", model.HistoryEvent{Event: "x", Actor: "op"}, func(task *model.Task) error {
		task.Queue = model.QueueDone
		return nil
	})
	assert.Error(t, err)

	reloaded, err := s.GetTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.QueueIncoming, reloaded.Queue)
}

func TestStore_SyncQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("A1B2", model.QueueIncoming))
	_, err := s.Claim(ctx, "A1B2", "w", t0)
	require.NoError(t, err)

	// claimed → done is not a legal transition, but a sync records what happened on disk.
	got, err := s.SyncQueue(ctx, "A1B2", model.QueueClaimed, model.QueueDone, model.HistoryEvent{
		Event: model.EventFileDBSync, Actor: model.ActorQueueManager,
	})
	require.NoError(t, err)
	assert.Equal(t, model.QueueDone, got.Queue)

	_, err = s.SyncQueue(ctx, "A1B2", model.QueueClaimed, model.QueueDone, model.HistoryEvent{Event: model.EventFileDBSync})
	assert.True(t, errors.Is(err, store.ErrStaleQueue))
}

func TestStore_SyncQueueToIncomingDropsClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("T1", model.QueueIncoming))
	_, err := s.Claim(ctx, "T1", "w", t0)
	require.NoError(t, err)

	got, err := s.SyncQueue(ctx, "T1", model.QueueClaimed, model.QueueIncoming, model.HistoryEvent{Event: model.EventFileDBSync})
	require.NoError(t, err)
	assert.False(t, got.IsClaimed())

	_, err = s.Claim(ctx, "T1", "w2", t0)
	assert.NoError(t, err)
}

func TestStore_UnblockDependents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, newTask("B1", model.QueueDone))
	mustCreate(t, s, newTask("B2", model.QueueIncoming))
	full := newTask("FULL", model.QueueIncoming)
	full.BlockedBy = []string{"B1"}
	mustCreate(t, s, full)
	partial := newTask("PART", model.QueueIncoming)
	partial.BlockedBy = []string{"B1", "B2"}
	mustCreate(t, s, partial)

	unblocked, err := s.UnblockDependents(ctx, "B1", "h", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"FULL"}, unblocked)

	got, err := s.GetTask(ctx, "FULL")
	require.NoError(t, err)
	assert.Empty(t, got.BlockedBy)
	n, err := s.CountEvents(ctx, "FULL", model.EventUnblocked)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.GetTask(ctx, "PART")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1", "B2"}, got.BlockedBy)
}

func TestStore_StaleBlocked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, newTask("B1", model.QueueDone))
	stale := newTask("S1", model.QueueIncoming)
	stale.BlockedBy = []string{"B1"}
	mustCreate(t, s, stale)
	finished := newTask("S2", model.QueueDone)
	finished.BlockedBy = []string{"B1"}
	mustCreate(t, s, finished)

	ids, err := s.StaleBlocked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"S1"}, ids)

	changed, err := s.ClearSatisfiedBlockers(ctx, "S1", model.HistoryEvent{Event: model.EventBlockersCleared, Actor: model.ActorQueueManager})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.ClearSatisfiedBlockers(ctx, "S1", model.HistoryEvent{Event: model.EventBlockersCleared, Actor: model.ActorQueueManager})
	require.NoError(t, err)
	assert.False(t, changed)

	ids, err = s.StaleBlocked(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_ListAndCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("I1", model.QueueIncoming))
	mustCreate(t, s, newTask("I2", model.QueueIncoming))
	mustCreate(t, s, newTask("D1", model.QueueDone))

	incoming, err := s.ListTasks(ctx, store.ListFilter{Queue: model.QueueIncoming})
	require.NoError(t, err)
	assert.Len(t, incoming, 2)

	all, err := s.ListTasks(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	counts, err := s.CountByQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.QueueIncoming])
	assert.Equal(t, 1, counts[model.QueueDone])
	assert.Equal(t, 0, counts[model.QueueEscalated])
}

func TestStore_AppendHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("T1", model.QueueIncoming))

	require.NoError(t, s.AppendHistory(ctx, model.HistoryEvent{TaskID: "T1", Event: model.EventEscalated, Actor: "op"}))
	err := s.AppendHistory(ctx, model.HistoryEvent{TaskID: "ghost", Event: model.EventEscalated, Actor: "op"})
	assert.True(t, errors.Is(err, store.ErrTaskNotFound))
}

func TestStore_BlockersDone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, newTask("B1", model.QueueDone))
	mustCreate(t, s, newTask("B2", model.QueueIncoming))
	free := newTask("F1", model.QueueIncoming)
	mustCreate(t, s, free)
	waiting := newTask("W1", model.QueueIncoming)
	waiting.BlockedBy = []string{"B1", "B2"}
	mustCreate(t, s, waiting)

	ok, err := s.BlockersDone(ctx, "F1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BlockersDone(ctx, "W1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.BlockersDone(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}
