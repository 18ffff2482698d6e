package statemachine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/mirror"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
)

// Accept moves a provisional task to done and unblocks its dependents. Infra
// tasks publish their commits first; if publishing fails nothing changes and
// the returned error is a *PublishError.
func (m *Machine) Accept(ctx context.Context, id, validatorName string) (*model.Task, error) {
	if validatorName == "" {
		validatorName = ValidatorManualAccept
	}
	t, err := m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueProvisional); err != nil {
			return nil, err
		}
		if cur.Role == model.RoleInfra {
			if err := m.publish(ctx, cur); err != nil {
				return nil, err
			}
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to:     model.QueueDone,
			event:  m.event(model.EventAccepted, validatorName, "validator="+validatorName, now),
			mutate: complete(now, false),
		})
	})
	if err != nil {
		return nil, err
	}
	m.unblockDependents(ctx, t.ID, validatorName)
	return t, nil
}

func (m *Machine) publish(ctx context.Context, t *model.Task) error {
	if m.publisher == nil {
		m.logger.Logf(logging.Error, "publish_failed task=%s step=config: no publisher", t.ID)
		return &PublishError{TaskID: t.ID, Step: "config", Err: errors.New("no publisher configured")}
	}
	err := m.publisher.Publish(ctx, PublishRequest{TaskID: t.ID, Branch: t.Branch, Worker: t.Claimant()})
	if err == nil {
		return nil
	}
	var pe *PublishError
	if !errors.As(err, &pe) {
		pe = &PublishError{TaskID: t.ID, Step: "publish", Err: err}
	}
	m.logger.Logf(logging.Error, "publish_failed task=%s step=%s: %v", t.ID, pe.Step, pe.Err)
	return pe
}

// complete clears the claim and stamps completion on a task leaving review.
func complete(now time.Time, needsReview bool) store.Mutation {
	return func(t *model.Task) error {
		t.ClaimedBy = nil
		t.CompletedAt = model.Ptr(now)
		if needsReview {
			t.NeedsReview = true
		}
		return nil
	}
}

// unblockDependents clears satisfied blocker sets in the store and mirrors
// the change into each dependent's BLOCKED_BY header.
func (m *Machine) unblockDependents(ctx context.Context, id, actor string) {
	ids, err := m.store.UnblockDependents(ctx, id, actor, m.now().UTC())
	if err != nil {
		m.logger.Logf(logging.Warn, "unblock_failed blocker=%s: %v", id, err)
	}
	for _, dep := range ids {
		m.syncBlockedBy(ctx, dep)
		m.logger.Logf(logging.Info, "unblocked task=%s blocker=%s", dep, id)
	}
}

// Reject sends a provisional task back to incoming for another attempt and
// records the reason as a failure annotation.
func (m *Machine) Reject(ctx context.Context, id, reviewer, reason string) (*model.Task, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("reject %s: reason is required", id)
	}
	return m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueProvisional); err != nil {
			return nil, err
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to:       model.QueueIncoming,
			event:    m.event(model.EventRejected, reviewer, "reason="+reason, now),
			mutate:   returnToIncoming(true),
			annotate: func(body string) string { return mirror.AppendFailure(body, now, "Rejected: "+reason) },
		})
	})
}

// Recycle retires a burned-out provisional task and creates a breakdown task
// one level deeper that carries the original scope. It returns the new task.
// At the depth cap it refuses with ErrDepthCap; callers force-accept instead.
func (m *Machine) Recycle(ctx context.Context, id, actor string) (*model.Task, error) {
	var (
		orig *model.Task
		body string
	)
	successorID := model.NewTaskID()
	_, err := m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueProvisional); err != nil {
			return nil, err
		}
		if maxDepth := m.MaxDepth(); cur.BreakdownDepth >= maxDepth {
			return nil, fmt.Errorf("%s at depth %d (cap %d): %w", id, cur.BreakdownDepth, maxDepth, ErrDepthCap)
		}
		if doc, err := m.mirror.Read(cur.Queue, id); err == nil {
			body, _ = mirror.StripFailures(doc.Body)
		}
		now := m.now().UTC()
		next, err := m.apply(ctx, cur, step{
			to: model.QueueRecycled,
			event: m.event(model.EventRecycled, actor,
				fmt.Sprintf("commits=%d turns=%d depth=%d successor=%s", cur.CommitsCount, cur.TurnsUsed, cur.BreakdownDepth, successorID), now),
			mutate: complete(now, false),
		})
		orig = next
		return next, err
	})
	if err != nil {
		return nil, err
	}

	successor, err := m.Create(ctx, NewTask{
		ID:             successorID,
		Title:          "Break down: " + orig.Title,
		Role:           model.RoleBreakdown,
		Priority:       orig.Priority,
		Branch:         orig.Branch,
		CreatedBy:      actor,
		ProjectID:      deref(orig.ProjectID),
		Checks:         orig.Checks,
		Body:           recycleBody(orig, body),
		BreakdownDepth: orig.BreakdownDepth + 1,
		RecycledFrom:   orig.ID,
	})
	if err != nil {
		m.logger.Logf(logging.Error, "recycle_successor_failed task=%s successor=%s: %v", id, successorID, err)
		return nil, fmt.Errorf("recycled %s but could not create breakdown task %s: %w", id, successorID, err)
	}
	m.logger.Logf(logging.Info, "recycled task=%s successor=%s depth=%d", id, successor.ID, successor.BreakdownDepth)
	return successor, nil
}

func recycleBody(orig *model.Task, scope string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recycled from TASK-%s after %d turns with %d commits.\n", orig.ID, orig.TurnsUsed, orig.CommitsCount)
	b.WriteString("Split the original scope into smaller tasks.\n\n## Original scope\n")
	if strings.TrimSpace(scope) == "" {
		b.WriteString(orig.Title)
	} else {
		b.WriteString(scope)
	}
	return b.String()
}

// ForceAccept moves a provisional task to done without a validator and flags
// it for human review. It never publishes.
func (m *Machine) ForceAccept(ctx context.Context, id, actor string) (*model.Task, error) {
	t, err := m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueProvisional); err != nil {
			return nil, err
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to: model.QueueDone,
			event: m.event(model.EventForceAccepted, actor,
				fmt.Sprintf("validator=%s depth=%d needs_review=true", ValidatorManualAccept, cur.BreakdownDepth), now),
			mutate: complete(now, true),
		})
	})
	if err != nil {
		return nil, err
	}
	m.unblockDependents(ctx, t.ID, actor)
	return t, nil
}

// CompleteBreakdown creates the subtasks of a breakdown task in order, each
// blocked by the previous one, and moves the breakdown task to done.
func (m *Machine) CompleteBreakdown(ctx context.Context, id, actor string, subtasks []NewTask) ([]*model.Task, error) {
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("breakdown %s: at least one subtask is required", id)
	}
	parent, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireQueue(parent, model.QueueBreakdown); err != nil {
		return nil, err
	}

	created := make([]*model.Task, 0, len(subtasks))
	prev := ""
	for _, st := range subtasks {
		if st.Role == "" || st.Role == model.RoleBreakdown {
			st.Role = model.RoleImplement
		}
		if st.Priority == "" {
			st.Priority = parent.Priority
		}
		if st.Branch == "" {
			st.Branch = parent.Branch
		}
		if st.ProjectID == "" {
			st.ProjectID = deref(parent.ProjectID)
		}
		if st.CreatedBy == "" {
			st.CreatedBy = actor
		}
		if prev != "" {
			st.BlockedBy = append(st.BlockedBy, prev)
		}
		st.BreakdownDepth = parent.BreakdownDepth
		t, err := m.Create(ctx, st)
		if err != nil {
			return created, fmt.Errorf("breakdown %s: create subtask %q: %w", id, st.Title, err)
		}
		created = append(created, t)
		prev = t.ID
	}

	ids := make([]string, len(created))
	for i, t := range created {
		ids[i] = t.ID
	}
	_, err = m.locked(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if err := requireQueue(cur, model.QueueBreakdown); err != nil {
			return nil, err
		}
		now := m.now().UTC()
		return m.apply(ctx, cur, step{
			to:     model.QueueDone,
			event:  m.event(model.EventBreakdownCompleted, actor, "subtasks="+strings.Join(ids, ","), now),
			mutate: complete(now, false),
		})
	})
	if err != nil {
		return created, err
	}
	m.unblockDependents(ctx, id, actor)
	return created, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
