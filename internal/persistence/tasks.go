package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskcore/internal/task"
	"github.com/google/uuid"
)

var _ task.Store = (*Store)(nil)

const taskColumns = `id, session_id, status, strategy, risk_level, input_json, output_json, error_text, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Record, error) {
	var rec task.Record
	var status, strat, risk, createdStr, updStr string
	if err := row.Scan(&rec.ID, &rec.SessionID, &status, &strat, &risk,
		&rec.InputJSON, &rec.OutputJSON, &rec.ErrorText, &createdStr, &updStr); err != nil {
		return task.Record{}, err
	}
	rec.Status = task.Status(status)
	rec.Strategy = task.Strategy(strat)
	rec.RiskLevel = task.RiskLevel(risk)
	rec.CreatedAt = parseTime(createdStr)
	rec.UpdatedAt = parseTime(updStr)
	return rec, nil
}

func (s *Store) CreateTask(ctx context.Context, rec task.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("create task: empty id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = task.StatusQueued
	}
	if rec.RiskLevel == "" {
		rec.RiskLevel = task.RiskLow
	}
	if rec.InputJSON == "" {
		rec.InputJSON = "{}"
	}
	if rec.OutputJSON == "" {
		rec.OutputJSON = "{}"
	}

	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.SessionID, string(rec.Status), string(rec.Strategy), string(rec.RiskLevel),
			rec.InputJSON, rec.OutputJSON, rec.ErrorText, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create task %s: %w", rec.ID, task.ErrTaskExists)
		}
		return fmt.Errorf("create task %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Record, error) {
	rec, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, fmt.Errorf("get task %s: %w", id, task.ErrTaskNotFound)
	}
	if err != nil {
		return task.Record{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return rec, nil
}

// UpdateTask applies upd inside one transaction so the transition check and
// the write see the same row.
func (s *Store) UpdateTask(ctx context.Context, id string, upd task.Update) (task.Record, error) {
	var out task.Record
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		cur, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return task.ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		next, err := task.ApplyUpdate(cur, upd, time.Now().UTC())
		if err != nil {
			out = cur
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, risk_level = ?, output_json = ?, error_text = ?, updated_at = ?
			WHERE id = ?;
		`, string(next.Status), string(next.RiskLevel), next.OutputJSON, next.ErrorText, formatTime(next.UpdatedAt), id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("update task %s: %w", id, err)
	}
	return out, nil
}

// ListTasks returns the most recently created tasks, optionally for one
// session.
func (s *Store) ListTasks(ctx context.Context, sessionID string, limit int) ([]task.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Record
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, ev task.EventRecord) (task.EventRecord, error) {
	if ev.TaskID == "" {
		return ev, fmt.Errorf("append event: empty task id")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.PayloadJSON == "" {
		ev.PayloadJSON = "{}"
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_events (id, task_id, event_type, payload_json, occurred_at)
			VALUES (?, ?, ?, ?, ?);
		`, ev.ID, ev.TaskID, ev.EventType, ev.PayloadJSON, formatTime(ev.OccurredAt))
		return err
	})
	if err != nil {
		return ev, fmt.Errorf("append event %s: %w", ev.EventType, err)
	}
	return ev, nil
}

// ListEvents returns a task's events in append order.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]task.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, event_type, payload_json, occurred_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []task.EventRecord{}
	for rows.Next() {
		var ev task.EventRecord
		var occurred string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.EventType, &ev.PayloadJSON, &occurred); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.OccurredAt = parseTime(occurred)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
