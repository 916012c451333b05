// Package persistence stores tasks, workflow state and the workflow event log
// in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/taskrouter/internal/task"
)

// ErrVersionConflict is returned when a workflow row changed since it was read.
var ErrVersionConflict = errors.New("workflow version conflict")

// DefaultWriteTimeout bounds every write transaction.
const DefaultWriteTimeout = 5 * time.Second

// Store defines the persistence interface for tasks and workflows.
type Store interface {
	// Tasks
	SaveTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// Workflows. CreateWorkflow, CreateTaskWorkflow and ApplyTransition write
	// the state row and its event in one transaction and return the event
	// with its sequence id.
	CreateWorkflow(ctx context.Context, state *task.WorkflowState, ev task.WorkflowEvent) (task.WorkflowEvent, error)
	CreateTaskWorkflow(ctx context.Context, t *task.Task, state *task.WorkflowState, ev task.WorkflowEvent) (task.WorkflowEvent, error)
	ApplyTransition(ctx context.Context, state *task.WorkflowState, expectedVersion int64, ev task.WorkflowEvent) (task.WorkflowEvent, error)
	AppendEvent(ctx context.Context, ev task.WorkflowEvent) (task.WorkflowEvent, error)
	GetWorkflow(ctx context.Context, id string) (*task.WorkflowState, error)
	ListWorkflows(ctx context.Context, statuses ...task.Status) ([]*task.WorkflowState, error)

	// Event log
	ListEvents(ctx context.Context, workflowID string) ([]task.WorkflowEvent, error)
	ListRecentEvents(ctx context.Context, workflowID string, limit int) ([]task.WorkflowEvent, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db           *sql.DB
	writeTimeout time.Duration
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewSQLiteStore creates a SQLite-backed store at dbPath, creating parent
// directories as needed. The database runs in WAL mode with a busy timeout,
// and write transactions take the lock immediately.
func NewSQLiteStore(ctx context.Context, dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection for writes, one for concurrent reads.
	db.SetMaxOpenConns(2)

	return newStore(ctx, db, opts)
}

// NewMemoryStore creates an in-memory store, mainly for tests. Each store
// gets its own named database so stores never share state.
func NewMemoryStore(ctx context.Context, opts ...Option) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// A single connection keeps the in-memory database alive and serializes
	// access to it.
	db.SetMaxOpenConns(1)

	return newStore(ctx, db, opts)
}

func newStore(ctx context.Context, db *sql.DB, opts []Option) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, writeTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a serializable transaction bounded by the write timeout.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
