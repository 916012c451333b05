package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		payload TEXT,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		requires_consensus INTEGER NOT NULL DEFAULT 0,
		steps TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_states (
		workflow_id TEXT PRIMARY KEY,
		workflow_type TEXT NOT NULL,
		status TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		total_steps INTEGER NOT NULL DEFAULT 0,
		completed_steps INTEGER NOT NULL DEFAULT 0,
		phase_history TEXT NOT NULL,
		state_history TEXT NOT NULL,
		active_agents TEXT NOT NULL,
		completed_tasks TEXT NOT NULL,
		failed_tasks TEXT NOT NULL,
		partial_state INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_states_status ON workflow_states(status);

	CREATE TABLE IF NOT EXISTS workflow_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		from_phase TEXT NOT NULL,
		to_phase TEXT NOT NULL,
		agent_name TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (workflow_id) REFERENCES workflow_states(workflow_id)
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow ON workflow_events(workflow_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
