package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/taskrouter/internal/task"
)

// SaveTask saves or updates a task. Uses ON CONFLICT to make saves idempotent;
// the original creation time is kept.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return upsertTask(ctx, tx, t)
	})
}

func upsertTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	var payload sql.NullString
	if !t.Payload.IsEmpty() {
		payload = sql.NullString{String: string(t.Payload.Raw()), Valid: true}
	}
	consensus := 0
	if t.RequiresConsensus {
		consensus = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, payload, priority, status, requires_consensus, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			payload = excluded.payload,
			priority = excluded.priority,
			status = excluded.status,
			requires_consensus = excluded.requires_consensus,
			steps = excluded.steps,
			updated_at = excluded.updated_at
	`, t.ID, t.Title, payload, int(t.Priority), string(t.Status), consensus, string(steps),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var (
		t                    task.Task
		payload              sql.NullString
		priority, consensus  int
		status, steps        string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, payload, priority, status, requires_consensus, steps, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, id).Scan(&t.ID, &t.Title, &payload, &priority, &status, &consensus, &steps, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if payload.Valid {
		if t.Payload, err = task.NewPayload([]byte(payload.String)); err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
	}
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.RequiresConsensus = consensus != 0
	if steps != "" && steps != "null" {
		if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps: %w", err)
		}
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// mirrorTaskStatus copies a workflow status onto its task row, if present.
func mirrorTaskStatus(ctx context.Context, tx *sql.Tx, id string, status task.Status, at string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(status), at, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}
