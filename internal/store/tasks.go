package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/msageha/taskkeeper/internal/model"
)

const taskColumns = `id, title, queue, role, priority, branch, created_by, claimed_by,
	created_at, claimed_at, submitted_at, completed_at, updated_at,
	commits_count, turns_used, attempt_count, rejection_count,
	project_id, needs_rebase, checks, breakdown_depth, recycled_from, needs_review`

// unsatisfiedBlockerSQL matches blocker rows of tasks.id that are not done.
// A blocker id with no task row counts as unsatisfied.
const unsatisfiedBlockerSQL = `
	SELECT 1 FROM task_blockers b
	LEFT JOIN tasks bt ON bt.id = b.blocker_id
	WHERE b.task_id = tasks.id AND (bt.id IS NULL OR bt.queue <> 'done')`

// Mutation edits a task inside a transition transaction.
type Mutation func(t *model.Task) error

// ListFilter narrows ListTasks. Zero values match everything.
type ListFilter struct {
	Queue     model.Queue
	Role      model.Role
	ClaimedBy string
	ProjectID string
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                                   model.Task
		queue, role, checks                 string
		createdAt, updatedAt                string
		claimedBy, projectID, recycledFrom  sql.NullString
		claimedAt, submittedAt, completedAt sql.NullString
		needsRebase, needsReview            int
	)
	if err := row.Scan(
		&t.ID, &t.Title, &queue, &role, &t.Priority, &t.Branch, &t.CreatedBy, &claimedBy,
		&createdAt, &claimedAt, &submittedAt, &completedAt, &updatedAt,
		&t.CommitsCount, &t.TurnsUsed, &t.AttemptCount, &t.RejectionCount,
		&projectID, &needsRebase, &checks, &t.BreakdownDepth, &recycledFrom, &needsReview,
	); err != nil {
		return nil, err
	}
	t.Queue = model.Queue(queue)
	t.Role = model.Role(role)
	t.ClaimedBy = stringPtr(claimedBy)
	t.ProjectID = stringPtr(projectID)
	t.RecycledFrom = stringPtr(recycledFrom)
	t.NeedsRebase = needsRebase != 0
	t.NeedsReview = needsReview != 0
	t.Checks = splitList(checks)

	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, err
	}
	if t.SubmittedAt, err = parseNullTime(submittedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q queryer, id string) (*model.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("select task %s: %w", id, err)
	}
	blockers, err := loadBlockers(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	t.BlockedBy = blockers[id]
	return t, nil
}

// loadBlockers returns blocker ids per task, in insertion order.
func loadBlockers(ctx context.Context, q queryer, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		`SELECT task_id, blocker_id FROM task_blockers WHERE task_id IN (`+placeholders+`) ORDER BY rowid;`, args...)
	if err != nil {
		return nil, fmt.Errorf("select blockers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, blockerID string
		if err := rows.Scan(&taskID, &blockerID); err != nil {
			return nil, fmt.Errorf("scan blocker: %w", err)
		}
		out[taskID] = append(out[taskID], blockerID)
	}
	return out, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return getTask(ctx, s.db, id)
}

// ListTasks returns tasks ordered by priority, then creation time.
func (s *Store) ListTasks(ctx context.Context, f ListFilter) ([]*model.Task, error) {
	var where []string
	var args []any
	if f.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, string(f.Queue))
	}
	if f.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(f.Role))
	}
	if f.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, f.ClaimedBy)
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority, created_at, id;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	rows.Close()

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	blockers, err := loadBlockers(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.BlockedBy = blockers[t.ID]
	}
	return tasks, nil
}

// CountByQueue returns the number of tasks in each queue. Queues with no
// tasks are present with a zero count.
func (s *Store) CountByQueue(ctx context.Context) (map[model.Queue]int, error) {
	counts := make(map[model.Queue]int, len(model.AllQueues))
	for _, q := range model.AllQueues {
		counts[q] = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT queue, COUNT(*) FROM tasks GROUP BY queue;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var q string
		var n int
		if err := rows.Scan(&q, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[model.Queue(q)] = n
	}
	return counts, rows.Err()
}

// CreateTask inserts a task, its blockers, and its creation event atomically.
func (s *Store) CreateTask(ctx context.Context, t *model.Task, ev model.HistoryEvent) error {
	if !t.Queue.Valid() {
		return fmt.Errorf("create task %s: unknown queue %q", t.ID, t.Queue)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?;`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check task %s: %w", t.ID, err)
		}
		if exists > 0 {
			return fmt.Errorf("%s: %w", t.ID, ErrTaskExists)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			t.ID, t.Title, string(t.Queue), string(t.Role), t.Priority, t.Branch, t.CreatedBy, nullString(t.ClaimedBy),
			formatTime(t.CreatedAt), nullTime(t.ClaimedAt), nullTime(t.SubmittedAt), nullTime(t.CompletedAt), formatTime(t.UpdatedAt),
			t.CommitsCount, t.TurnsUsed, t.AttemptCount, t.RejectionCount,
			nullString(t.ProjectID), boolInt(t.NeedsRebase), strings.Join(t.Checks, ","),
			t.BreakdownDepth, nullString(t.RecycledFrom), boolInt(t.NeedsReview),
		); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
		if err := replaceBlockersTx(ctx, tx, t.ID, t.BlockedBy); err != nil {
			return err
		}
		ev.TaskID = t.ID
		return appendHistoryTx(ctx, tx, ev)
	})
}

// Claim moves an incoming, unclaimed, unblocked task to claimed in a single
// conditional update. Under concurrent claims exactly one caller succeeds;
// the others get ErrClaimConflict.
func (s *Store) Claim(ctx context.Context, id, worker string, now time.Time) (*model.Task, error) {
	if worker == "" {
		return nil, fmt.Errorf("claim %s: worker is required", id)
	}
	var claimed *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := formatTime(now)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET queue = 'claimed', claimed_by = ?, claimed_at = MAX(updated_at, ?), updated_at = MAX(updated_at, ?)
			WHERE id = ? AND queue = 'incoming' AND (claimed_by IS NULL OR claimed_by = '')
			  AND NOT EXISTS (`+unsatisfiedBlockerSQL+`);`,
			worker, ts, ts, id)
		if err != nil {
			return fmt.Errorf("claim %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim %s rows affected: %w", id, err)
		}
		if n != 1 {
			return claimFailureTx(ctx, tx, id)
		}
		if err := appendHistoryTx(ctx, tx, model.HistoryEvent{
			TaskID:    id,
			Event:     model.EventClaimed,
			Actor:     worker,
			Timestamp: now,
		}); err != nil {
			return err
		}
		claimed, err = getTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimFailureTx explains why the conditional claim matched no row.
func claimFailureTx(ctx context.Context, tx *sql.Tx, id string) error {
	t, err := getTask(ctx, tx, id)
	if err != nil {
		return err
	}
	if t.Queue != model.QueueIncoming || t.IsClaimed() {
		return fmt.Errorf("%s in %s claimed_by=%q: %w", id, t.Queue, t.Claimant(), ErrClaimConflict)
	}
	return fmt.Errorf("%s blocked_by=%s: %w", id, strings.Join(t.BlockedBy, ","), ErrBlocked)
}

// ClaimNext claims the highest-priority claimable incoming task, optionally
// restricted to role. Lost races move on to the next candidate.
func (s *Store) ClaimNext(ctx context.Context, worker string, role model.Role, now time.Time) (*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE queue = 'incoming' AND (claimed_by IS NULL OR claimed_by = '')
		  AND (? = '' OR role = ?)
		  AND NOT EXISTS (`+unsatisfiedBlockerSQL+`)
		ORDER BY priority, created_at, id
		LIMIT 20;`, string(role), string(role))
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()

	for _, id := range candidates {
		t, err := s.Claim(ctx, id, worker, now)
		if err == nil {
			return t, nil
		}
		if errors.Is(err, ErrClaimConflict) || errors.Is(err, ErrBlocked) {
			continue
		}
		return nil, err
	}
	return nil, ErrNothingToClaim
}

// Transition moves a task from → to, applying mutate and appending ev, all in
// one transaction. The write is conditional on the queue still being from.
func (s *Store) Transition(ctx context.Context, id string, from, to model.Queue, ev model.HistoryEvent, mutate Mutation) (*model.Task, error) {
	if err := model.ValidateTransition(from, to); err != nil {
		return nil, fmt.Errorf("transition %s: %w", id, err)
	}
	return s.rewrite(ctx, id, from, to, ev, mutate)
}

// Update mutates a task in place without changing its queue.
func (s *Store) Update(ctx context.Context, id string, ev model.HistoryEvent, mutate Mutation) (*model.Task, error) {
	var out *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		out, err = rewriteTx(ctx, tx, cur, cur.Queue, ev, mutate)
		return err
	})
	return out, err
}

// SyncQueue forces the stored queue to match the mirror location. It skips
// the legality check because it records what already happened on disk, and
// is conditional on the store still holding from. Moving a task back to
// incoming drops any stale claim so it can be claimed again.
func (s *Store) SyncQueue(ctx context.Context, id string, from, to model.Queue, ev model.HistoryEvent) (*model.Task, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("sync %s: unknown queue %q", id, to)
	}
	return s.rewrite(ctx, id, from, to, ev, func(t *model.Task) error {
		if to == model.QueueIncoming {
			t.ClaimedBy = nil
			t.ClaimedAt = nil
		}
		return nil
	})
}

func (s *Store) rewrite(ctx context.Context, id string, from, to model.Queue, ev model.HistoryEvent, mutate Mutation) (*model.Task, error) {
	var out *model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Queue != from {
			return fmt.Errorf("%s: expected %s, found %s: %w", id, from, cur.Queue, ErrStaleQueue)
		}
		out, err = rewriteTx(ctx, tx, cur, to, ev, mutate)
		return err
	})
	return out, err
}

func rewriteTx(ctx context.Context, tx *sql.Tx, cur *model.Task, to model.Queue, ev model.HistoryEvent, mutate Mutation) (*model.Task, error) {
	next := cur.Clone()
	next.Queue = to
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	if next.Queue != to || next.ID != cur.ID {
		return nil, fmt.Errorf("%s: mutation may not change id or queue", cur.ID)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	next.Touch(ev.Timestamp)

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			title = ?, queue = ?, role = ?, priority = ?, branch = ?, created_by = ?, claimed_by = ?,
			claimed_at = ?, submitted_at = ?, completed_at = ?, updated_at = ?,
			commits_count = ?, turns_used = ?, attempt_count = ?, rejection_count = ?,
			project_id = ?, needs_rebase = ?, checks = ?, breakdown_depth = ?, recycled_from = ?, needs_review = ?
		WHERE id = ? AND queue = ?;`,
		next.Title, string(next.Queue), string(next.Role), next.Priority, next.Branch, next.CreatedBy, nullString(next.ClaimedBy),
		nullTime(next.ClaimedAt), nullTime(next.SubmittedAt), nullTime(next.CompletedAt), formatTime(next.UpdatedAt),
		next.CommitsCount, next.TurnsUsed, next.AttemptCount, next.RejectionCount,
		nullString(next.ProjectID), boolInt(next.NeedsRebase), strings.Join(next.Checks, ","),
		next.BreakdownDepth, nullString(next.RecycledFrom), boolInt(next.NeedsReview),
		cur.ID, string(cur.Queue))
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", cur.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update task %s rows affected: %w", cur.ID, err)
	}
	if n != 1 {
		return nil, fmt.Errorf("%s: %w", cur.ID, ErrStaleQueue)
	}
	if !slices.Equal(cur.BlockedBy, next.BlockedBy) {
		if err := replaceBlockersTx(ctx, tx, cur.ID, next.BlockedBy); err != nil {
			return nil, err
		}
	}
	ev.TaskID = cur.ID
	if err := appendHistoryTx(ctx, tx, ev); err != nil {
		return nil, err
	}
	return next, nil
}

func replaceBlockersTx(ctx context.Context, tx *sql.Tx, id string, blockers []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_blockers WHERE task_id = ?;`, id); err != nil {
		return fmt.Errorf("clear blockers %s: %w", id, err)
	}
	for _, b := range blockers {
		if b == "" || b == id {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_blockers (task_id, blocker_id) VALUES (?, ?);`, id, b); err != nil {
			return fmt.Errorf("insert blocker %s→%s: %w", id, b, err)
		}
	}
	return nil
}

// Dependents returns the ids of tasks listing id in their blocked_by set.
func (s *Store) Dependents(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id FROM task_blockers WHERE blocker_id = ? ORDER BY task_id;`, id)
	if err != nil {
		return nil, fmt.Errorf("select dependents of %s: %w", id, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// UnblockDependents clears the blocker set of every task blocked by id whose
// blockers are now all done, appending one "unblocked" event to each.
func (s *Store) UnblockDependents(ctx context.Context, id, actor string, now time.Time) ([]string, error) {
	deps, err := s.Dependents(ctx, id)
	if err != nil {
		return nil, err
	}
	var unblocked []string
	for _, dep := range deps {
		ok, err := s.ClearSatisfiedBlockers(ctx, dep, model.HistoryEvent{
			Event:     model.EventUnblocked,
			Actor:     actor,
			Details:   fmt.Sprintf("blocker %s reached done", id),
			Timestamp: now,
		})
		if err != nil {
			return unblocked, err
		}
		if ok {
			unblocked = append(unblocked, dep)
		}
	}
	return unblocked, nil
}

// ClearSatisfiedBlockers drops the blocker set of id when every blocker is
// done. It reports whether anything changed.
func (s *Store) ClearSatisfiedBlockers(ctx context.Context, id string, ev model.HistoryEvent) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(cur.BlockedBy) == 0 {
			return nil
		}
		var pending int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE id = ? AND EXISTS (`+unsatisfiedBlockerSQL+`);`, id).Scan(&pending); err != nil {
			return fmt.Errorf("check blockers of %s: %w", id, err)
		}
		if pending > 0 {
			return nil
		}
		if _, err := rewriteTx(ctx, tx, cur, cur.Queue, ev, func(t *model.Task) error {
			t.BlockedBy = nil
			return nil
		}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// StaleBlocked lists non-terminal tasks whose blockers are all done but whose
// blocker set was never cleared.
func (s *Store) StaleBlocked(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE queue NOT IN ('done', 'failed', 'escalated', 'recycled')
		  AND EXISTS (SELECT 1 FROM task_blockers b WHERE b.task_id = tasks.id)
		  AND NOT EXISTS (`+unsatisfiedBlockerSQL+`)
		ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("select stale blocked: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale blocked: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BlockersDone reports whether every blocker of id is in done. A task with no
// blockers is trivially satisfied.
func (s *Store) BlockersDone(ctx context.Context, id string) (bool, error) {
	if _, err := getTask(ctx, s.db, id); err != nil {
		return false, err
	}
	var pending int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE id = ? AND EXISTS (`+unsatisfiedBlockerSQL+`);`, id).Scan(&pending); err != nil {
		return false, fmt.Errorf("check blockers of %s: %w", id, err)
	}
	return pending == 0, nil
}
