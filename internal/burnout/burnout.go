// Package burnout decides whether a provisional task made real progress or
// spent its turn budget without a single commit, and recycles the latter.
package burnout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/msageha/taskkeeper/internal/actionlog"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/statemachine"
	"github.com/msageha/taskkeeper/internal/store"
)

// ActorBurnout is recorded on transitions made by the sweep.
const ActorBurnout = "burnout-sweep"

// IsBurnedOut reports whether an attempt used more than threshold turns
// without producing a commit.
func IsBurnedOut(commits, turns, threshold int) bool {
	return commits == 0 && turns > threshold
}

type Decision string

const (
	DecisionAccept      Decision = "accept"
	DecisionRecycle     Decision = "recycle"
	DecisionForceAccept Decision = "force-accept"
)

type Classifier struct {
	TurnThreshold int
	MaxDepth      int
}

// Decide classifies a provisional task. A burned-out task at or beyond the
// depth cap is force-accepted so that a lineage cannot recycle forever.
func (c Classifier) Decide(t *model.Task) Decision {
	if !IsBurnedOut(t.CommitsCount, t.TurnsUsed, c.TurnThreshold) {
		return DecisionAccept
	}
	if t.BreakdownDepth >= c.MaxDepth {
		return DecisionForceAccept
	}
	return DecisionRecycle
}

// Outcome is what happened to one task during a sweep.
type Outcome struct {
	TaskID      string   `json:"task_id"`
	Title       string   `json:"title"`
	Commits     int      `json:"commits"`
	Turns       int      `json:"turns"`
	Depth       int      `json:"depth"`
	Decision    Decision `json:"decision"`
	Applied     bool     `json:"applied"`
	SuccessorID string   `json:"successor_id,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type Recycler struct {
	machine    *statemachine.Machine
	mu         sync.RWMutex
	classifier Classifier
	actions    actionlog.Recorder
	logger     *logging.Logger
}

func NewRecycler(m *statemachine.Machine, c Classifier, actions actionlog.Recorder, logger *logging.Logger) *Recycler {
	if actions == nil {
		actions = actionlog.Discard
	}
	return &Recycler{machine: m, classifier: c, actions: actions, logger: logger}
}

func (r *Recycler) Classifier() Classifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classifier
}

// SetClassifier swaps thresholds after a config reload.
func (r *Recycler) SetClassifier(c Classifier) {
	r.mu.Lock()
	r.classifier = c
	r.mu.Unlock()
}

// Process applies the decision for t. Healthy tasks are accepted only when
// acceptHealthy is set; otherwise they are left for a reviewer.
func (r *Recycler) Process(ctx context.Context, t *model.Task, acceptHealthy bool) (Outcome, error) {
	out := outcomeFor(t, r.Classifier().Decide(t))

	switch out.Decision {
	case DecisionAccept:
		if !acceptHealthy {
			return out, nil
		}
		if _, err := r.machine.Accept(ctx, t.ID, statemachine.ValidatorManualAccept); err != nil {
			return r.failed(out, err)
		}
		out.Applied = true
		r.logger.Logf(logging.Info, "burnout_accept task=%s commits=%d turns=%d", t.ID, t.CommitsCount, t.TurnsUsed)
		return out, nil

	case DecisionRecycle:
		return r.recycle(ctx, out)

	default:
		return r.forceAccept(ctx, out)
	}
}

// Recycle recycles a provisional task whatever its counters say. At the
// depth cap the task is force-accepted instead.
func (r *Recycler) Recycle(ctx context.Context, t *model.Task) (Outcome, error) {
	if t.Queue != model.QueueProvisional {
		return outcomeFor(t, DecisionRecycle), fmt.Errorf("recycle %s in %s: %w", t.ID, t.Queue, statemachine.ErrWrongQueue)
	}
	return r.recycle(ctx, outcomeFor(t, DecisionRecycle))
}

func (r *Recycler) recycle(ctx context.Context, out Outcome) (Outcome, error) {
	succ, err := r.machine.Recycle(ctx, out.TaskID, ActorBurnout)
	if errors.Is(err, statemachine.ErrDepthCap) {
		out.Decision = DecisionForceAccept
		return r.forceAccept(ctx, out)
	}
	if err != nil {
		return r.failed(out, err)
	}
	out.Applied = true
	out.SuccessorID = succ.ID
	r.record(actionlog.Entry{
		Type:    actionlog.TypeRecycle,
		TaskID:  out.TaskID,
		Message: fmt.Sprintf("Recycled burned-out task into breakdown task %s", succ.ID),
		Before:  string(model.QueueProvisional),
		After:   string(model.QueueRecycled),
		Details: out.details(),
	})
	r.logger.Logf(logging.Info, "burnout_recycle task=%s successor=%s turns=%d depth=%d", out.TaskID, succ.ID, out.Turns, out.Depth)
	return out, nil
}

func (r *Recycler) forceAccept(ctx context.Context, out Outcome) (Outcome, error) {
	if _, err := r.machine.ForceAccept(ctx, out.TaskID, ActorBurnout); err != nil {
		return r.failed(out, err)
	}
	out.Applied = true
	r.record(actionlog.Entry{
		Type:    actionlog.TypeForceAccept,
		TaskID:  out.TaskID,
		Message: fmt.Sprintf("Force-accepted burned-out task at depth cap %d; needs human review", r.Classifier().MaxDepth),
		Before:  string(model.QueueProvisional),
		After:   string(model.QueueDone),
		Details: out.details(),
	})
	r.logger.Logf(logging.Warn, "burnout_force_accept task=%s depth=%d needs_review=true", out.TaskID, out.Depth)
	return out, nil
}

// failed records a failed fix as an escalation entry and returns the error.
func (r *Recycler) failed(out Outcome, err error) (Outcome, error) {
	out.Error = err.Error()
	r.record(actionlog.Entry{
		Type:    actionlog.TypeEscalate,
		TaskID:  out.TaskID,
		Message: fmt.Sprintf("Burnout %s failed: %v", out.Decision, err),
		Details: out.details(),
	})
	r.logger.Logf(logging.Error, "burnout_failed task=%s decision=%s: %v", out.TaskID, out.Decision, err)
	return out, err
}

func (r *Recycler) record(e actionlog.Entry) {
	if err := r.actions.Record(e); err != nil {
		r.logger.Logf(logging.Error, "action_log_write type=%s task=%s: %v", e.Type, e.TaskID, err)
	}
}

// Sweep classifies every provisional task. Without apply it only reports.
// Failures on one task do not stop the sweep.
func (r *Recycler) Sweep(ctx context.Context, apply, acceptHealthy bool) ([]Outcome, error) {
	tasks, err := r.machine.Store().ListTasks(ctx, store.ListFilter{Queue: model.QueueProvisional})
	if err != nil {
		return nil, err
	}
	var (
		outcomes []Outcome
		errs     []error
	)
	for _, t := range tasks {
		if !apply {
			outcomes = append(outcomes, outcomeFor(t, r.Classifier().Decide(t)))
			continue
		}
		out, err := r.Process(ctx, t, acceptHealthy)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID, err))
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

func outcomeFor(t *model.Task, d Decision) Outcome {
	return Outcome{
		TaskID:   t.ID,
		Title:    t.Title,
		Commits:  t.CommitsCount,
		Turns:    t.TurnsUsed,
		Depth:    t.BreakdownDepth,
		Decision: d,
	}
}

func (o Outcome) details() map[string]any {
	d := map[string]any{
		"commits":  o.Commits,
		"turns":    o.Turns,
		"depth":    o.Depth,
		"decision": string(o.Decision),
	}
	if o.SuccessorID != "" {
		d["successor"] = o.SuccessorID
	}
	return d
}
