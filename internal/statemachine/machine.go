// Package statemachine drives every queue transition. The store records
// the transition and the mirror file follows it; claims commit to the store
// first, everything else moves the file first so that a crash leaves the
// store behind, which reconciliation repairs.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/msageha/taskkeeper/internal/lock"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/mirror"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
	"github.com/msageha/taskkeeper/internal/telemetry"
)

var (
	ErrWrongQueue    = errors.New("task is not in the required queue")
	ErrNotClaimant   = errors.New("worker does not hold the claim")
	ErrAlreadyMarked = errors.New("task is already marked for rebase")
	ErrTerminal      = errors.New("task is in a terminal queue")
	ErrDepthCap      = errors.New("breakdown depth cap reached")
)

// ValidatorManualAccept is recorded when a human or the burnout sweep
// accepts a task without a named validator.
const ValidatorManualAccept = "manual-accept"

type Options struct {
	// MaxAttempts bounds Fail retries; the attempt that reaches it lands in failed.
	MaxAttempts int
	// MaxDepth is the breakdown depth at which Recycle refuses.
	MaxDepth  int
	Publisher Publisher
	Logger    *logging.Logger
	Metrics   *telemetry.Metrics
	Now       func() time.Time
}

type Machine struct {
	store       *store.Store
	mirror      *mirror.Mirror
	locks       *lock.KeyedMutex
	validate    *validator.Validate
	publisher   Publisher
	maxAttempts int
	maxDepth    atomic.Int64
	logger      *logging.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

func New(st *store.Store, mr *mirror.Mirror, opts Options) *Machine {
	m := &Machine{
		store:       st,
		mirror:      mr,
		locks:       lock.NewKeyedMutex(),
		validate:    model.NewValidator(),
		publisher:   opts.Publisher,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
	m.maxDepth.Store(int64(opts.MaxDepth))
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func (m *Machine) Store() *store.Store {
	return m.store
}

func (m *Machine) Mirror() *mirror.Mirror {
	return m.mirror
}

// MaxDepth returns the configured breakdown depth cap.
func (m *Machine) MaxDepth() int {
	return int(m.maxDepth.Load())
}

// SetMaxDepth changes the depth cap for later Recycle calls.
func (m *Machine) SetMaxDepth(depth int) {
	m.maxDepth.Store(int64(depth))
}

func (m *Machine) event(name, actor, details string, at time.Time) model.HistoryEvent {
	return model.HistoryEvent{Event: name, Actor: actor, Details: details, Timestamp: at}
}

func requireQueue(t *model.Task, want ...model.Queue) error {
	for _, q := range want {
		if t.Queue == q {
			return nil
		}
	}
	names := make([]string, len(want))
	for i, q := range want {
		names[i] = string(q)
	}
	return fmt.Errorf("%s is in %s, want %s: %w", t.ID, t.Queue, strings.Join(names, " or "), ErrWrongQueue)
}

func requireClaimant(t *model.Task, worker string) error {
	if worker == "" || t.Claimant() != worker {
		return fmt.Errorf("%s claimed_by=%q, caller=%q: %w", t.ID, t.Claimant(), worker, ErrNotClaimant)
	}
	return nil
}

// step is one file-first transition.
type step struct {
	to     model.Queue
	event  model.HistoryEvent
	mutate store.Mutation
	// annotate rewrites the mirror body in the destination queue.
	annotate func(body string) string
}

// apply moves cur's mirror file, then commits the store transition. If the
// store write fails the file is put back.
func (m *Machine) apply(ctx context.Context, cur *model.Task, s step) (*model.Task, error) {
	from := cur.Queue
	if err := model.ValidateTransition(from, s.to); err != nil {
		return nil, fmt.Errorf("%s: %w", cur.ID, err)
	}
	if s.mutate != nil {
		if err := s.mutate(cur.Clone()); err != nil {
			return nil, err
		}
	}

	restore, err := m.moveFile(cur, from, s.to, s.annotate)
	if err != nil {
		return nil, err
	}

	next, err := m.store.Transition(ctx, cur.ID, from, s.to, s.event, s.mutate)
	if err != nil {
		if rerr := restore(); rerr != nil {
			m.logger.Logf(logging.Error, "mirror_rollback_failed task=%s from=%s to=%s: %v", cur.ID, s.to, from, rerr)
		}
		return nil, err
	}
	m.metrics.Transition(ctx, string(from), string(s.to))
	m.logger.Logf(logging.Info, "transition task=%s from=%s to=%s event=%s actor=%s",
		cur.ID, from, s.to, s.event.Event, s.event.Actor)
	return next, nil
}

// moveFile puts t's mirror file into queue to and returns a function that
// undoes the move. A file missing from its expected queue is moved from
// wherever it is, or rebuilt from the store record when absent entirely.
func (m *Machine) moveFile(t *model.Task, from, to model.Queue, annotate func(string) string) (func() error, error) {
	noop := func() error { return nil }

	at, err := m.mirror.Locate(t.ID)
	switch {
	case errors.Is(err, mirror.ErrFileNotFound):
		m.logger.Logf(logging.Warn, "mirror_missing task=%s queue=%s action=rebuild", t.ID, to)
		doc := mirror.FromTask(t, "")
		if annotate != nil {
			doc.Body = annotate(doc.Body)
		}
		if err := m.mirror.Write(to, doc); err != nil {
			return nil, fmt.Errorf("rebuild mirror for %s: %w", t.ID, err)
		}
		return func() error { return m.mirror.Remove(to, t.ID) }, nil
	case err != nil:
		return nil, err
	}
	if at != from && at != to {
		m.logger.Logf(logging.Warn, "mirror_drift task=%s store=%s file=%s", t.ID, from, at)
		from = at
	}

	var original *mirror.Document
	if annotate != nil {
		if original, err = m.mirror.Read(at, t.ID); err != nil {
			return nil, err
		}
	}
	if err := m.mirror.Move(t.ID, at, to); err != nil {
		return nil, err
	}
	if original != nil {
		doc := *original
		doc.Body = annotate(doc.Body)
		if err := m.mirror.Write(to, &doc); err != nil {
			_ = m.mirror.Move(t.ID, to, at)
			return nil, err
		}
	}
	if at == to {
		return noop, nil
	}
	return func() error {
		if original != nil {
			if err := m.mirror.Write(to, original); err != nil {
				return err
			}
		}
		return m.mirror.Move(t.ID, to, from)
	}, nil
}

// locked loads id under its per-task lock and runs f.
func (m *Machine) locked(ctx context.Context, id string, f func(cur *model.Task) (*model.Task, error)) (*model.Task, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	cur, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return f(cur)
}

// syncBlockedBy rewrites the BLOCKED_BY header of id's mirror file from the
// store. Failures are logged; the file header is informational.
func (m *Machine) syncBlockedBy(ctx context.Context, id string) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		m.logger.Logf(logging.Warn, "blocked_by_sync task=%s: %v", id, err)
		return
	}
	doc, err := m.mirror.Read(t.Queue, id)
	if err != nil {
		m.logger.Logf(logging.Warn, "blocked_by_sync task=%s: %v", id, err)
		return
	}
	doc.BlockedBy = append([]string(nil), t.BlockedBy...)
	if err := m.mirror.Write(t.Queue, doc); err != nil {
		m.logger.Logf(logging.Warn, "blocked_by_sync task=%s: %v", id, err)
	}
}

// History returns the task's events, oldest first.
func (m *Machine) History(ctx context.Context, id string) ([]model.HistoryEvent, error) {
	if _, err := m.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return m.store.History(ctx, id)
}

// Body returns the free-form mirror body of a task.
func (m *Machine) Body(ctx context.Context, id string) (string, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	doc, err := m.mirror.Read(t.Queue, id)
	if err != nil {
		return "", err
	}
	return doc.Body, nil
}
