package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/msageha/taskkeeper/internal/model"
)

func appendHistoryTx(ctx context.Context, tx *sql.Tx, ev model.HistoryEvent) error {
	if ev.TaskID == "" || ev.Event == "" {
		return fmt.Errorf("history event requires task_id and event")
	}
	if ev.Actor == "" {
		ev.Actor = "unknown"
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_history (task_id, event, actor, details, created_at)
		VALUES (?, ?, ?, ?, ?);`,
		ev.TaskID, ev.Event, ev.Actor, ev.Details, formatTime(ev.Timestamp)); err != nil {
		return fmt.Errorf("insert history %s/%s: %w", ev.TaskID, ev.Event, err)
	}
	return nil
}

// AppendHistory records an event that is not tied to a queue change.
func (s *Store) AppendHistory(ctx context.Context, ev model.HistoryEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?;`, ev.TaskID).Scan(&exists); err != nil {
			return fmt.Errorf("check task %s: %w", ev.TaskID, err)
		}
		if exists == 0 {
			return fmt.Errorf("%s: %w", ev.TaskID, ErrTaskNotFound)
		}
		return appendHistoryTx(ctx, tx, ev)
	})
}

// History returns a task's events oldest first.
func (s *Store) History(ctx context.Context, taskID string) ([]model.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, event, actor, details, created_at
		FROM task_history WHERE task_id = ? ORDER BY id;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("select history %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []model.HistoryEvent
	for rows.Next() {
		var ev model.HistoryEvent
		var ts string
		if err := rows.Scan(&ev.TaskID, &ev.Event, &ev.Actor, &ev.Details, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEvents counts history rows of one event type for a task.
func (s *Store) CountEvents(ctx context.Context, taskID, event string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_history WHERE task_id = ? AND event = ?;`, taskID, event).Scan(&n); err != nil {
		return 0, fmt.Errorf("count history %s/%s: %w", taskID, event, err)
	}
	return n, nil
}
