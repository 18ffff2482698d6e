// Package zombie finds claims whose worker has gone quiet. It only reports;
// releasing a claim is left to a human because a slow worker and a dead one
// look the same from here.
package zombie

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/taskkeeper/internal/agentstate"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/mirror"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
)

type Thresholds struct {
	ClaimAge   time.Duration
	Inactive   time.Duration
	MinFileAge time.Duration
}

type Detector struct {
	store      *store.Store
	mirror     *mirror.Mirror
	agents     *agentstate.Reader
	mu         sync.RWMutex
	thresholds Thresholds
	logger     *logging.Logger
	now        func() time.Time
}

func NewDetector(st *store.Store, mr *mirror.Mirror, agents *agentstate.Reader, th Thresholds, logger *logging.Logger, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{store: st, mirror: mr, agents: agents, thresholds: th, logger: logger, now: now}
}

// SetThresholds replaces the thresholds used by later calls to Detect.
func (d *Detector) SetThresholds(th Thresholds) {
	d.mu.Lock()
	d.thresholds = th
	d.mu.Unlock()
}

// Detect returns one issue per claimed task held longer than the claim-age
// threshold by a worker idle longer than the inactivity threshold, or with
// no readable liveness record.
func (d *Detector) Detect(ctx context.Context) ([]model.DiagnosticIssue, error) {
	tasks, err := d.store.ListTasks(ctx, store.ListFilter{Queue: model.QueueClaimed})
	if err != nil {
		return nil, fmt.Errorf("list claimed tasks: %w", err)
	}
	d.mu.RLock()
	th := d.thresholds
	d.mu.RUnlock()

	now := d.now()
	var issues []model.DiagnosticIssue
	for _, t := range tasks {
		if issue, ok := d.check(t, th, now); ok {
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

func (d *Detector) check(t *model.Task, th Thresholds, now time.Time) (model.DiagnosticIssue, bool) {
	claimedAt := t.UpdatedAt
	if t.ClaimedAt != nil {
		claimedAt = *t.ClaimedAt
	}
	claimAge := now.Sub(claimedAt)
	if claimAge <= th.ClaimAge {
		return model.DiagnosticIssue{}, false
	}
	if d.mirrorTooYoung(t.ID, th.MinFileAge, now) {
		return model.DiagnosticIssue{}, false
	}

	issue := model.DiagnosticIssue{
		Kind:        model.IssueZombieClaim,
		TaskID:      t.ID,
		Path:        d.mirror.Path(model.QueueClaimed, t.ID),
		StoreQueue:  t.Queue,
		Worker:      t.Claimant(),
		ClaimAgeSec: claimAge.Seconds(),
	}

	st, err := d.agents.Load(t.Claimant())
	switch {
	case errors.Is(err, agentstate.ErrNoState):
		issue.Detail = fmt.Sprintf("claimed %s ago by %q; worker has no liveness record", round(claimAge), t.Claimant())
		return issue, true
	case err != nil:
		d.logger.Logf(logging.Warn, "agent_state_unreadable worker=%s: %v", t.Claimant(), err)
		issue.Detail = fmt.Sprintf("claimed %s ago by %q; worker state unreadable", round(claimAge), t.Claimant())
		return issue, true
	}

	last, ok := st.LastActivity()
	if !ok {
		issue.Detail = fmt.Sprintf("claimed %s ago by %q; worker never reported activity", round(claimAge), t.Claimant())
		return issue, true
	}
	idle := now.Sub(last)
	if idle <= th.Inactive {
		return model.DiagnosticIssue{}, false
	}
	idleSec := idle.Seconds()
	issue.InactiveSec = &idleSec
	issue.Detail = fmt.Sprintf("claimed %s ago by %q; last activity %s ago", round(claimAge), t.Claimant(), round(idle))
	return issue, true
}

// mirrorTooYoung reports whether the task's mirror file was touched within
// the minimum file age.
func (d *Detector) mirrorTooYoung(id string, minAge time.Duration, now time.Time) bool {
	if minAge <= 0 {
		return false
	}
	fi, err := d.mirror.Fs().Stat(d.mirror.Path(model.QueueClaimed, id))
	if err != nil {
		return false
	}
	return now.Sub(fi.ModTime()) < minAge
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Minute)
}
