package statemachine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/mirror"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
)

// NewTask describes a task to create. Empty fields take the model defaults.
type NewTask struct {
	ID        string
	Title     string
	Role      model.Role
	Priority  string
	Branch    string
	CreatedBy string
	ProjectID string
	BlockedBy []string
	Checks    []string
	Body      string

	BreakdownDepth int
	RecycledFrom   string
}

// Create registers a task and writes its mirror file. Breakdown tasks start
// in the breakdown queue, everything else in incoming.
func (m *Machine) Create(ctx context.Context, nt NewTask) (*model.Task, error) {
	now := m.now().UTC()
	t := &model.Task{
		ID:             nt.ID,
		Title:          strings.TrimSpace(nt.Title),
		Queue:          model.QueueIncoming,
		Role:           nt.Role,
		Priority:       nt.Priority,
		Branch:         nt.Branch,
		CreatedBy:      nt.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
		BlockedBy:      append([]string(nil), nt.BlockedBy...),
		Checks:         append([]string(nil), nt.Checks...),
		BreakdownDepth: nt.BreakdownDepth,
	}
	if t.ID == "" {
		t.ID = model.NewTaskID()
	}
	if nt.ProjectID != "" {
		t.ProjectID = model.Ptr(nt.ProjectID)
	}
	if nt.RecycledFrom != "" {
		t.RecycledFrom = model.Ptr(nt.RecycledFrom)
	}
	t.ApplyDefaults()
	if t.Role == model.RoleBreakdown {
		t.Queue = model.QueueBreakdown
	}
	if err := m.validate.Struct(t); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	unlock := m.locks.Lock(t.ID)
	defer unlock()

	if _, err := m.store.GetTask(ctx, t.ID); err == nil {
		return nil, fmt.Errorf("%s: %w", t.ID, store.ErrTaskExists)
	} else if !errors.Is(err, store.ErrTaskNotFound) {
		return nil, err
	}

	if err := m.mirror.Write(t.Queue, mirror.FromTask(t, nt.Body)); err != nil {
		return nil, fmt.Errorf("write mirror for %s: %w", t.ID, err)
	}
	if err := m.store.CreateTask(ctx, t, m.event(model.EventCreated, t.CreatedBy, "", now)); err != nil {
		if rerr := m.mirror.Remove(t.Queue, t.ID); rerr != nil {
			m.logger.Logf(logging.Error, "mirror_rollback_failed task=%s: %v", t.ID, rerr)
		}
		return nil, err
	}
	m.logger.Logf(logging.Info, "created task=%s queue=%s role=%s", t.ID, t.Queue, t.Role)
	return t, nil
}

// Claim assigns an incoming task to worker. The store's conditional update
// decides the winner; the mirror file follows.
func (m *Machine) Claim(ctx context.Context, id, worker string) (*model.Task, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	t, err := m.store.Claim(ctx, id, worker, m.now().UTC())
	if err != nil {
		m.metrics.Claim(ctx, claimResult(err))
		return nil, err
	}
	return m.finishClaim(ctx, t)
}

// ClaimNext claims the highest-priority claimable task, optionally of role.
func (m *Machine) ClaimNext(ctx context.Context, worker string, role model.Role) (*model.Task, error) {
	t, err := m.store.ClaimNext(ctx, worker, role, m.now().UTC())
	if err != nil {
		m.metrics.Claim(ctx, claimResult(err))
		return nil, err
	}
	unlock := m.locks.Lock(t.ID)
	defer unlock()
	return m.finishClaim(ctx, t)
}

func claimResult(err error) string {
	switch {
	case errors.Is(err, store.ErrClaimConflict):
		return "conflict"
	case errors.Is(err, store.ErrBlocked):
		return "blocked"
	case errors.Is(err, store.ErrNothingToClaim):
		return "empty"
	default:
		return "error"
	}
}

// finishClaim moves the mirror file of a freshly claimed task. If the file
// cannot follow, the claim is undone so the task is claimable again.
func (m *Machine) finishClaim(ctx context.Context, t *model.Task) (*model.Task, error) {
	prev := t.Clone()
	prev.Queue = model.QueueIncoming
	if _, err := m.moveFile(prev, model.QueueIncoming, model.QueueClaimed, nil); err != nil {
		m.logger.Logf(logging.Error, "claim_rollback task=%s worker=%s: %v", t.ID, t.Claimant(), err)
		if _, rerr := m.store.SyncQueue(ctx, t.ID, model.QueueClaimed, model.QueueIncoming,
			m.event(model.EventReleased, model.ActorQueueManager, "claim rolled back: mirror move failed", m.now().UTC())); rerr != nil {
			return nil, fmt.Errorf("claim %s: mirror move failed (%v), rollback failed: %w", t.ID, err, rerr)
		}
		m.metrics.Claim(ctx, "rolled_back")
		return nil, fmt.Errorf("claim %s: move mirror file: %w", t.ID, err)
	}
	m.metrics.Claim(ctx, "won")
	m.metrics.Transition(ctx, string(model.QueueIncoming), string(model.QueueClaimed))
	m.logger.Logf(logging.Info, "transition task=%s from=incoming to=claimed event=claimed actor=%s", t.ID, t.Claimant())
	return t, nil
}

// Submit hands finished work to review. commits and turns are the work done
// since the claim (or the last resume) and are added to the task's totals.
func (m *Machine) Submit(ctx context.Context, id, worker string, commits, turns int) (*model.Task, error) {
	if commits < 0 || turns < 0 {
		return nil, fmt.Errorf("submit %s: negative counters", id)
	}
	return m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueClaimed); err != nil {
			return nil, err
		}
		if err := requireClaimant(cur, worker); err != nil {
			return nil, err
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to:    model.QueueProvisional,
			event: m.event(model.EventSubmitted, worker, fmt.Sprintf("commits=%d turns=%d", commits, turns), now),
			mutate: func(t *model.Task) error {
				t.CommitsCount += commits
				t.TurnsUsed += turns
				t.SubmittedAt = model.Ptr(now)
				return nil
			},
		})
	})
}

// Checkpoint parks a claimed task that ran out of turns but made progress.
// The claim is kept so the same worker can resume.
func (m *Machine) Checkpoint(ctx context.Context, id, worker string, commits, turns int) (*model.Task, error) {
	if commits < 0 || turns < 0 {
		return nil, fmt.Errorf("checkpoint %s: negative counters", id)
	}
	return m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueClaimed); err != nil {
			return nil, err
		}
		if err := requireClaimant(cur, worker); err != nil {
			return nil, err
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to:    model.QueueNeedsContinuation,
			event: m.event(model.EventNeedsContinuation, worker, fmt.Sprintf("commits=%d turns=%d", commits, turns), now),
			mutate: func(t *model.Task) error {
				t.CommitsCount += commits
				t.TurnsUsed += turns
				return nil
			},
		})
	})
}

// Resume reclaims a parked task, possibly by a different worker.
func (m *Machine) Resume(ctx context.Context, id, worker string) (*model.Task, error) {
	if worker == "" {
		return nil, fmt.Errorf("resume %s: worker is required", id)
	}
	return m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueNeedsContinuation); err != nil {
			return nil, err
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to:    model.QueueClaimed,
			event: m.event(model.EventResumed, worker, "", now),
			mutate: func(t *model.Task) error {
				t.ClaimedBy = model.Ptr(worker)
				t.ClaimedAt = model.Ptr(now)
				return nil
			},
		})
	})
}

// Fail records a failed attempt. The task is retried through incoming while
// attempts remain and lands in failed once they are used up.
func (m *Machine) Fail(ctx context.Context, id, worker, reason string) (*model.Task, error) {
	return m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueClaimed); err != nil {
			return nil, err
		}
		if err := requireClaimant(cur, worker); err != nil {
			return nil, err
		}
		now := m.now().UTC()
		attempt := cur.AttemptCount + 1
		details := fmt.Sprintf("attempt=%d/%d reason=%s", attempt, m.maxAttempts, reason)

		if attempt < m.maxAttempts {
			return m.apply(ctx, cur, step{
				to:       model.QueueIncoming,
				event:    m.event(model.EventFailed, worker, details+" retry=true", now),
				mutate:   returnToIncoming(false),
				annotate: func(body string) string { return mirror.AppendFailure(body, now, reason) },
			})
		}
		return m.apply(ctx, cur, step{
			to:    model.QueueFailed,
			event: m.event(model.EventFailed, worker, details+" retry=false", now),
			mutate: func(t *model.Task) error {
				t.AttemptCount++
				t.ClaimedBy = nil
				t.CompletedAt = model.Ptr(now)
				return nil
			},
			annotate: func(body string) string { return mirror.AppendFailure(body, now, reason) },
		})
	})
}

// returnToIncoming clears the claim and per-attempt counters of a task
// going back for another attempt.
func returnToIncoming(rejected bool) store.Mutation {
	return func(t *model.Task) error {
		t.AttemptCount++
		if rejected {
			t.RejectionCount++
		}
		t.ClaimedBy = nil
		t.ClaimedAt = nil
		t.SubmittedAt = nil
		t.CommitsCount = 0
		t.TurnsUsed = 0
		return nil
	}
}

// Release returns a claimed or parked task to incoming. It is the manual
// resolution for a zombie claim and is never called automatically.
func (m *Machine) Release(ctx context.Context, id, operator, reason string) (*model.Task, error) {
	return m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueClaimed, model.QueueNeedsContinuation); err != nil {
			return nil, err
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to:     model.QueueIncoming,
			event:  m.event(model.EventReleased, operator, fmt.Sprintf("from=%s reason=%s", cur.Claimant(), reason), now),
			mutate: returnToIncoming(false),
		})
	})
}

// Escalate parks any non-terminal task for a human.
func (m *Machine) Escalate(ctx context.Context, id, actor, reason string) (*model.Task, error) {
	return m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if cur.Queue.IsTerminal() {
			return nil, fmt.Errorf("%s in %s: %w", id, cur.Queue, ErrTerminal)
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to:    model.QueueEscalated,
			event: m.event(model.EventEscalated, actor, "reason="+reason, now),
		})
	})
}

// MarkForRebase flags a task for a rebase pass before it is evaluated again.
func (m *Machine) MarkForRebase(ctx context.Context, id, actor string) (*model.Task, error) {
	return m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if cur.Queue.IsTerminal() {
			return nil, fmt.Errorf("%s in %s: %w", id, cur.Queue, ErrTerminal)
		}
		if cur.NeedsRebase {
			return nil, fmt.Errorf("%s: %w", id, ErrAlreadyMarked)
		}
		t, err := m.store.Update(ctx, id, m.event(model.EventMarkedForRebase, actor, "", m.now().UTC()), func(t *model.Task) error {
			t.NeedsRebase = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.logger.Logf(logging.Info, "marked_for_rebase task=%s actor=%s", id, actor)
		return t, nil
	})
}
