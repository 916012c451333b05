package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/taskrouter/internal/task"
)

const workflowColumns = `workflow_id, workflow_type, status, current_phase, total_steps, completed_steps,
	phase_history, state_history, active_agents, completed_tasks, failed_tasks, partial_state,
	version, created_at, updated_at`

const eventColumns = `id, workflow_id, event_type, from_state, to_state, from_phase, to_phase,
	agent_name, reason, metadata, created_at`

// encodedState holds the JSON columns of a workflow row.
type encodedState struct {
	phases, states, active, completed, failed string
}

func encodeState(w *task.WorkflowState) (encodedState, error) {
	var enc encodedState
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&enc.phases, w.PhaseHistory},
		{&enc.states, w.StateHistory},
		{&enc.active, w.ActiveAgents},
		{&enc.completed, w.CompletedTasks},
		{&enc.failed, w.FailedTasks},
	} {
		data, err := json.Marshal(f.v)
		if err != nil {
			return enc, fmt.Errorf("failed to encode workflow state: %w", err)
		}
		*f.dst = string(data)
	}
	return enc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateWorkflow inserts a new workflow row together with its first event.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, state *task.WorkflowState, ev task.WorkflowEvent) (task.WorkflowEvent, error) {
	enc, err := encodeState(state)
	if err != nil {
		return ev, err
	}
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ev, err = insertWorkflow(ctx, tx, state, enc, ev)
		return err
	})
	return ev, err
}

// CreateTaskWorkflow saves t and inserts its workflow row and first event in
// one transaction. A duplicate workflow leaves the stored task untouched.
func (s *SQLiteStore) CreateTaskWorkflow(ctx context.Context, t *task.Task, state *task.WorkflowState, ev task.WorkflowEvent) (task.WorkflowEvent, error) {
	enc, err := encodeState(state)
	if err != nil {
		return ev, err
	}
	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := upsertTask(ctx, tx, t); err != nil {
			return err
		}
		ev, err = insertWorkflow(ctx, tx, state, enc, ev)
		return err
	})
	return ev, err
}

func insertWorkflow(ctx context.Context, tx *sql.Tx, state *task.WorkflowState, enc encodedState, ev task.WorkflowEvent) (task.WorkflowEvent, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_states (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, state.WorkflowID, state.WorkflowType, string(state.Status), state.CurrentPhase,
		state.TotalSteps, state.CompletedSteps, enc.phases, enc.states, enc.active, enc.completed, enc.failed,
		boolInt(state.PartialState), state.Version, formatTime(state.CreatedAt), formatTime(state.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ev, fmt.Errorf("workflow %s already exists: %w", state.WorkflowID, task.ErrValidation)
		}
		return ev, fmt.Errorf("failed to insert workflow: %w", err)
	}
	return insertEvent(ctx, tx, ev)
}

// ApplyTransition writes state and appends ev atomically. The row is only
// updated if its stored version still equals expectedVersion; otherwise
// ErrVersionConflict is returned and nothing is written. The owning task's
// status mirrors the workflow status.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, state *task.WorkflowState, expectedVersion int64, ev task.WorkflowEvent) (task.WorkflowEvent, error) {
	enc, err := encodeState(state)
	if err != nil {
		return ev, err
	}

	err = s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_states
			SET workflow_type = ?, status = ?, current_phase = ?, total_steps = ?, completed_steps = ?,
				phase_history = ?, state_history = ?, active_agents = ?, completed_tasks = ?, failed_tasks = ?,
				partial_state = ?, version = ?, updated_at = ?
			WHERE workflow_id = ? AND version = ?
		`, state.WorkflowType, string(state.Status), state.CurrentPhase, state.TotalSteps, state.CompletedSteps,
			enc.phases, enc.states, enc.active, enc.completed, enc.failed,
			boolInt(state.PartialState), state.Version, formatTime(state.UpdatedAt),
			state.WorkflowID, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflow_states WHERE workflow_id = ?`, state.WorkflowID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("workflow %s: %w", state.WorkflowID, task.ErrNotFound)
			}
			return fmt.Errorf("workflow %s at version %d: %w", state.WorkflowID, expectedVersion, ErrVersionConflict)
		}

		if ev.FromState != ev.ToState {
			if err := mirrorTaskStatus(ctx, tx, state.WorkflowID, ev.ToState, formatTime(state.UpdatedAt)); err != nil {
				return err
			}
		}

		ev, err = insertEvent(ctx, tx, ev)
		return err
	})
	return ev, err
}

// AppendEvent appends an event without touching the workflow row.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev task.WorkflowEvent) (task.WorkflowEvent, error) {
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		ev, err = insertEvent(ctx, tx, ev)
		return err
	})
	return ev, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev task.WorkflowEvent) (task.WorkflowEvent, error) {
	var metadata sql.NullString
	if len(ev.Metadata) > 0 {
		metadata = sql.NullString{String: string(ev.Metadata), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_events (workflow_id, event_type, from_state, to_state, from_phase, to_phase, agent_name, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.WorkflowID, ev.EventType, string(ev.FromState), string(ev.ToState), ev.FromPhase, ev.ToPhase,
		ev.AgentName, ev.Reason, metadata, formatTime(ev.CreatedAt))
	if err != nil {
		return ev, fmt.Errorf("failed to insert event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return ev, fmt.Errorf("failed to read event id: %w", err)
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*task.WorkflowState, error) {
	var (
		w                    task.WorkflowState
		status               string
		enc                  encodedState
		partial              int
		createdAt, updatedAt string
	)
	err := row.Scan(&w.WorkflowID, &w.WorkflowType, &status, &w.CurrentPhase, &w.TotalSteps, &w.CompletedSteps,
		&enc.phases, &enc.states, &enc.active, &enc.completed, &enc.failed, &partial,
		&w.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	w.Status = task.Status(status)
	w.PartialState = partial != 0
	for _, f := range []struct {
		src string
		dst any
	}{
		{enc.phases, &w.PhaseHistory},
		{enc.states, &w.StateHistory},
		{enc.active, &w.ActiveAgents},
		{enc.completed, &w.CompletedTasks},
		{enc.failed, &w.FailedTasks},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode workflow %s: %w", w.WorkflowID, err)
		}
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*task.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_states WHERE workflow_id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}
	return w, nil
}

// ListWorkflows returns workflows in creation order, optionally filtered by status.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, statuses ...task.Status) ([]*task.WorkflowState, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_states`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, workflow_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var out []*task.WorkflowState
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return out, nil
}

func scanEvents(rows *sql.Rows) ([]task.WorkflowEvent, error) {
	defer rows.Close()

	var out []task.WorkflowEvent
	for rows.Next() {
		var (
			ev                 task.WorkflowEvent
			fromState, toState string
			metadata           sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.EventType, &fromState, &toState, &ev.FromPhase, &ev.ToPhase,
			&ev.AgentName, &ev.Reason, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.FromState = task.Status(fromState)
		ev.ToState = task.Status(toState)
		if metadata.Valid {
			ev.Metadata = json.RawMessage(metadata.String)
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		ev.CreatedAt = t
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// ListEvents returns every event of a workflow in sequence order.
func (s *SQLiteStore) ListEvents(ctx context.Context, workflowID string) ([]task.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM workflow_events WHERE workflow_id = ? ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

// ListRecentEvents returns up to limit most recent events, newest first. An
// empty workflowID lists events across all workflows.
func (s *SQLiteStore) ListRecentEvents(ctx context.Context, workflowID string, limit int) ([]task.WorkflowEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if workflowID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM workflow_events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM workflow_events WHERE workflow_id = ? ORDER BY id DESC LIMIT ?`, workflowID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}
