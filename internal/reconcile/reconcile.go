// Package reconcile compares the store with the queue mirror, repairs the
// drift it can interpret, quarantines what it cannot, and escalates what
// needs a human. Each pass is sequential and every fix is idempotent.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/msageha/taskkeeper/internal/actionlog"
	"github.com/msageha/taskkeeper/internal/logging"
	"github.com/msageha/taskkeeper/internal/mirror"
	"github.com/msageha/taskkeeper/internal/model"
	"github.com/msageha/taskkeeper/internal/store"
	"github.com/msageha/taskkeeper/internal/telemetry"
	"github.com/msageha/taskkeeper/internal/zombie"
)

type Options struct {
	// MinFileAge hides mirror files modified more recently than this.
	MinFileAge time.Duration
	Detector   *zombie.Detector
	Actions    actionlog.Recorder
	Logger     *logging.Logger
	Metrics    *telemetry.Metrics
	Now        func() time.Time
}

type Reconciler struct {
	store    *store.Store
	mirror   *mirror.Mirror
	detector *zombie.Detector
	actions  actionlog.Recorder
	logger   *logging.Logger
	metrics  *telemetry.Metrics
	validate *validator.Validate
	now      func() time.Time

	mu         sync.Mutex
	minFileAge time.Duration
	// escalated remembers escalations already written to the action log so
	// a persisting zombie is not re-logged every pass.
	escalated map[string]bool
}

func New(st *store.Store, mr *mirror.Mirror, opts Options) *Reconciler {
	r := &Reconciler{
		store:      st,
		mirror:     mr,
		detector:   opts.Detector,
		actions:    opts.Actions,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		validate:   model.NewValidator(),
		now:        opts.Now,
		minFileAge: opts.MinFileAge,
		escalated:  make(map[string]bool),
	}
	if r.actions == nil {
		r.actions = actionlog.Discard
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Reconciler) SetMinFileAge(d time.Duration) {
	r.mu.Lock()
	r.minFileAge = d
	r.mu.Unlock()
}

// Action is one fix or escalation made by a pass.
type Action struct {
	Type   string          `json:"type"`
	Kind   model.IssueKind `json:"kind"`
	TaskID string          `json:"task_id"`
	Before string          `json:"before,omitempty"`
	After  string          `json:"after,omitempty"`
	Detail string          `json:"detail"`
}

type Report struct {
	StartedAt   time.Time               `json:"started_at"`
	Duration    time.Duration           `json:"duration_ns"`
	Applied     bool                    `json:"applied"`
	Issues      []model.DiagnosticIssue `json:"issues"`
	Fixes       []Action                `json:"fixes"`
	Escalations []Action                `json:"escalations"`
}

// Unresolved counts issues that this pass did not fix.
func (rep *Report) Unresolved() int {
	return len(rep.Issues) - len(rep.Fixes)
}

// CountByKind tallies issues per kind.
func (rep *Report) CountByKind() map[model.IssueKind]int {
	out := make(map[model.IssueKind]int)
	for _, i := range rep.Issues {
		out[i.Kind]++
	}
	return out
}

// pass carries the state of one Run.
type pass struct {
	ctx    context.Context
	apply  bool
	now    time.Time
	minAge time.Duration
	report *Report
}

// Run performs one reconciliation pass. Without apply it only reports.
func (r *Reconciler) Run(ctx context.Context, apply bool) (*Report, error) {
	r.mu.Lock()
	minAge := r.minFileAge
	r.mu.Unlock()

	start := r.now()
	p := &pass{ctx: ctx, apply: apply, now: start, minAge: minAge, report: &Report{StartedAt: start, Applied: apply}}

	scan, err := r.mirror.Scan()
	if err != nil {
		return nil, fmt.Errorf("scan mirror: %w", err)
	}

	r.checkDuplicates(p, scan)
	for _, id := range scan.IDs() {
		if _, dup := scan.Duplicates[id]; dup {
			continue
		}
		if err := ctx.Err(); err != nil {
			return p.report, err
		}
		r.checkEntry(p, scan.Entries[id])
	}
	if err := r.checkZombies(p); err != nil {
		return p.report, err
	}
	if err := r.checkStaleErrors(p); err != nil {
		return p.report, err
	}
	if err := r.checkStaleBlockers(p); err != nil {
		return p.report, err
	}

	p.report.Duration = r.now().Sub(start)
	r.metrics.PassDuration(ctx, p.report.Duration)
	r.logger.Logf(logging.Info, "pass_complete apply=%t issues=%d fixes=%d escalations=%d unresolved=%d",
		apply, len(p.report.Issues), len(p.report.Fixes), len(p.report.Escalations), p.report.Unresolved())
	return p.report, nil
}

func (r *Reconciler) issue(p *pass, i model.DiagnosticIssue) {
	p.report.Issues = append(p.report.Issues, i)
	r.metrics.Issue(p.ctx, string(i.Kind))
}

// fixed records a successful fix in the report and the action log.
func (r *Reconciler) fixed(p *pass, a Action, details map[string]any) {
	p.report.Fixes = append(p.report.Fixes, a)
	r.metrics.Fix(p.ctx, string(a.Kind))
	r.record(actionlog.Entry{
		Type:    a.Type,
		TaskID:  a.TaskID,
		Message: a.Detail,
		Before:  a.Before,
		After:   a.After,
		Details: details,
	})
}

// escalate records an issue that needs a human. A failed fix is escalated
// too, so nothing is silently dropped.
func (r *Reconciler) escalate(p *pass, kind model.IssueKind, taskID, detail string) {
	a := Action{Type: actionlog.TypeEscalate, Kind: kind, TaskID: taskID, Detail: detail}
	p.report.Escalations = append(p.report.Escalations, a)
	if !p.apply {
		return
	}
	key := string(kind) + ":" + taskID
	r.mu.Lock()
	seen := r.escalated[key]
	r.escalated[key] = true
	r.mu.Unlock()
	if seen {
		return
	}
	r.logger.Logf(logging.Warn, "escalate kind=%s task=%s: %s", kind, taskID, detail)
	r.record(actionlog.Entry{
		Type:    actionlog.TypeEscalate,
		TaskID:  taskID,
		Message: detail,
		Details: map[string]any{"kind": string(kind)},
	})
}

func (r *Reconciler) fixFailed(p *pass, kind model.IssueKind, taskID string, err error) {
	r.logger.Logf(logging.Error, "fix_failed kind=%s task=%s: %v", kind, taskID, err)
	r.escalate(p, kind, taskID, fmt.Sprintf("automatic %s fix failed: %v", kind, err))
}

func (r *Reconciler) record(e actionlog.Entry) {
	if err := r.actions.Record(e); err != nil {
		r.logger.Logf(logging.Error, "action_log_write type=%s task=%s: %v", e.Type, e.TaskID, err)
	}
}

func (r *Reconciler) checkDuplicates(p *pass, scan *mirror.ScanResult) {
	for _, id := range scan.IDs() {
		entries, ok := scan.Duplicates[id]
		if !ok {
			continue
		}
		young := false
		queues := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Age(p.now) < p.minAge {
				young = true
			}
			queues = append(queues, string(e.Queue))
		}
		if young {
			continue
		}
		detail := fmt.Sprintf("TASK-%s.md exists in %d queues: %v", id, len(entries), queues)
		r.issue(p, model.DiagnosticIssue{Kind: model.IssueDuplicateFile, TaskID: id, Detail: detail})
		r.escalate(p, model.IssueDuplicateFile, id, detail)
	}
}

// checkEntry handles one mirror file: a queue mismatch or an orphan.
func (r *Reconciler) checkEntry(p *pass, e mirror.Entry) {
	age := e.Age(p.now)
	if age < p.minAge {
		return
	}
	t, err := r.store.GetTask(p.ctx, e.ID)
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		r.handleOrphan(p, e, age)
	case err != nil:
		r.logger.Logf(logging.Error, "store_read task=%s: %v", e.ID, err)
	case t.Queue != e.Queue:
		// The store commits before the file moves on some transitions; a
		// recent store write means one may still be in flight.
		if p.now.Sub(t.UpdatedAt) < p.minAge {
			r.logger.Logf(logging.Debug, "mismatch_skipped task=%s store=%s file=%s store_updated=%s",
				e.ID, t.Queue, e.Queue, t.UpdatedAt.Format(time.RFC3339))
			return
		}
		r.handleMismatch(p, e, t, age)
	}
}

// handleMismatch makes the store follow the file: the file move is the side
// effect of the action that actually happened.
func (r *Reconciler) handleMismatch(p *pass, e mirror.Entry, t *model.Task, age time.Duration) {
	r.issue(p, model.DiagnosticIssue{
		Kind:       model.IssueFileMismatch,
		TaskID:     e.ID,
		Path:       e.Path,
		StoreQueue: t.Queue,
		FileQueue:  e.Queue,
		FileAgeSec: age.Seconds(),
	})
	r.logger.Logf(logging.Warn, "mismatch task=%s store=%s file=%s", e.ID, t.Queue, e.Queue)
	if !p.apply {
		return
	}

	detail := fmt.Sprintf("Synced DB queue from '%s' to '%s' to match file location", t.Queue, e.Queue)
	if _, err := r.store.SyncQueue(p.ctx, e.ID, t.Queue, e.Queue, model.HistoryEvent{
		Event:     model.EventFileDBSync,
		Actor:     model.ActorQueueManager,
		Details:   detail,
		Timestamp: p.now,
	}); err != nil {
		r.fixFailed(p, model.IssueFileMismatch, e.ID, err)
		return
	}
	r.fixed(p, Action{
		Type:   actionlog.TypeFileDBSync,
		Kind:   model.IssueFileMismatch,
		TaskID: e.ID,
		Before: string(t.Queue),
		After:  string(e.Queue),
		Detail: detail,
	}, map[string]any{"path": e.Path})
}

// handleOrphan registers a parseable orphan file and quarantines the rest.
func (r *Reconciler) handleOrphan(p *pass, e mirror.Entry, age time.Duration) {
	issue := model.DiagnosticIssue{
		Kind:       model.IssueOrphanFile,
		TaskID:     e.ID,
		Path:       e.Path,
		FileQueue:  e.Queue,
		FileAgeSec: age.Seconds(),
	}

	task, parseErr := r.reconstruct(e)
	if parseErr != nil {
		issue.Detail = "unparseable: " + parseErr.Error()
	}
	r.issue(p, issue)
	r.logger.Logf(logging.Warn, "orphan task=%s queue=%s parseable=%t", e.ID, e.Queue, parseErr == nil)
	if !p.apply {
		return
	}

	if parseErr != nil {
		dst, err := r.mirror.Quarantine(e.Queue, e.ID)
		if err != nil {
			r.fixFailed(p, model.IssueOrphanFile, e.ID, err)
			return
		}
		r.fixed(p, Action{
			Type:   actionlog.TypeQuarantine,
			Kind:   model.IssueOrphanFile,
			TaskID: e.ID,
			Before: e.Path,
			After:  dst,
			Detail: fmt.Sprintf("Quarantined unparseable orphan file: %v", parseErr),
		}, map[string]any{"queue": string(e.Queue)})
		return
	}

	detail := fmt.Sprintf("Registered orphan file found in '%s'", e.Queue)
	if err := r.store.CreateTask(p.ctx, task, model.HistoryEvent{
		Event:     model.EventOrphanRegistered,
		Actor:     model.ActorQueueManager,
		Details:   detail,
		Timestamp: p.now,
	}); err != nil {
		r.fixFailed(p, model.IssueOrphanFile, e.ID, err)
		return
	}
	r.fixed(p, Action{
		Type:   actionlog.TypeOrphanFix,
		Kind:   model.IssueOrphanFile,
		TaskID: e.ID,
		After:  string(e.Queue),
		Detail: detail,
	}, map[string]any{"role": string(task.Role), "priority": task.Priority, "branch": task.Branch})
}

// reconstruct builds a minimal task from an orphan file's headers.
func (r *Reconciler) reconstruct(e mirror.Entry) (*model.Task, error) {
	data, err := r.mirror.ReadRaw(e.Queue, e.ID)
	if err != nil {
		return nil, err
	}
	doc, err := mirror.Parse(e.ID, data)
	if err != nil {
		return nil, err
	}
	t := doc.ToTask(e.Queue, e.ModTime)
	if t.UpdatedAt.Before(e.ModTime) {
		t.UpdatedAt = e.ModTime.UTC()
	}
	if err := r.validate.Struct(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Reconciler) checkZombies(p *pass) error {
	if r.detector == nil {
		return nil
	}
	issues, err := r.detector.Detect(p.ctx)
	if err != nil {
		return fmt.Errorf("detect zombie claims: %w", err)
	}
	for _, i := range issues {
		r.issue(p, i)
		r.escalate(p, model.IssueZombieClaim, i.TaskID, i.Detail)
	}
	return nil
}

// checkStaleErrors strips failure annotations left from earlier attempts
// from tasks that are being retried. The store keeps the full record.
func (r *Reconciler) checkStaleErrors(p *pass) error {
	for _, q := range []model.Queue{model.QueueIncoming, model.QueueClaimed} {
		tasks, err := r.store.ListTasks(p.ctx, store.ListFilter{Queue: q})
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", q, err)
		}
		for _, t := range tasks {
			if t.AttemptCount == 0 {
				continue
			}
			r.checkStaleError(p, t)
		}
	}
	return nil
}

func (r *Reconciler) checkStaleError(p *pass, t *model.Task) {
	path := r.mirror.Path(t.Queue, t.ID)
	fi, err := r.mirror.Fs().Stat(path)
	if err != nil || p.now.Sub(fi.ModTime()) < p.minAge {
		return
	}
	doc, err := r.mirror.Read(t.Queue, t.ID)
	if err != nil || !mirror.HasFailure(doc.Body) {
		return
	}
	r.issue(p, model.DiagnosticIssue{
		Kind:      model.IssueStaleError,
		TaskID:    t.ID,
		Path:      path,
		FileQueue: t.Queue,
		Detail:    fmt.Sprintf("attempt_count=%d with leftover failure annotation", t.AttemptCount),
	})
	if !p.apply {
		return
	}
	stripped, _ := mirror.StripFailures(doc.Body)
	doc.Body = stripped
	if err := r.mirror.Write(t.Queue, doc); err != nil {
		r.fixFailed(p, model.IssueStaleError, t.ID, err)
		return
	}
	r.fixed(p, Action{
		Type:   actionlog.TypeStaleError,
		Kind:   model.IssueStaleError,
		TaskID: t.ID,
		Detail: fmt.Sprintf("Removed stale failure annotation (attempt %d)", t.AttemptCount),
	}, map[string]any{"queue": string(t.Queue), "attempt_count": t.AttemptCount})
}

// checkStaleBlockers clears blocker sets that are fully satisfied but were
// never cleared, e.g. after a crash between accept and unblock.
func (r *Reconciler) checkStaleBlockers(p *pass) error {
	ids, err := r.store.StaleBlocked(p.ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r.issue(p, model.DiagnosticIssue{Kind: model.IssueStaleBlocker, TaskID: id, Detail: "all blockers are done"})
		if !p.apply {
			continue
		}
		changed, err := r.store.ClearSatisfiedBlockers(p.ctx, id, model.HistoryEvent{
			Event:     model.EventBlockersCleared,
			Actor:     model.ActorQueueManager,
			Details:   "Cleared blockers that are all done",
			Timestamp: p.now,
		})
		if err != nil {
			r.fixFailed(p, model.IssueStaleBlocker, id, err)
			continue
		}
		if !changed {
			continue
		}
		r.syncBlockedBy(id)
		r.fixed(p, Action{
			Type:   actionlog.TypeStaleBlocker,
			Kind:   model.IssueStaleBlocker,
			TaskID: id,
			Detail: "Cleared satisfied blocked_by set",
		}, nil)
	}
	return nil
}

func (r *Reconciler) syncBlockedBy(id string) {
	q, err := r.mirror.Locate(id)
	if err != nil {
		return
	}
	doc, err := r.mirror.Read(q, id)
	if err != nil {
		r.logger.Logf(logging.Warn, "blocked_by_sync task=%s: %v", id, err)
		return
	}
	doc.BlockedBy = nil
	if err := r.mirror.Write(q, doc); err != nil {
		r.logger.Logf(logging.Warn, "blocked_by_sync task=%s: %v", id, err)
	}
}
