// Package workflow implements the persisted workflow state machine. Every
// change is recorded as an event; the workflow row is the fold of its events.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/taskrouter/internal/persistence"
	"github.com/aristath/taskrouter/internal/task"
)

// ErrDiverged is returned by Verify when replaying the event log does not
// reproduce the stored workflow row.
var ErrDiverged = errors.New("replayed state diverges from stored state")

const maxConflictRetries = 3

// Listener is notified after each committed event, in commit order per workflow.
type Listener func(state *task.WorkflowState, ev task.WorkflowEvent)

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithListener registers a listener for committed events.
func WithListener(l Listener) Option {
	return func(m *Machine) { m.listeners = append(m.listeners, l) }
}

// Machine drives workflow state transitions against a Store. Mutations of
// the same workflow are serialized; different workflows proceed in parallel.
type Machine struct {
	store     persistence.Store
	locks     *KeyedMutex
	logger    *slog.Logger
	now       func() time.Time
	listeners []Listener
}

// New creates a Machine.
func New(store persistence.Store, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		store:  store,
		locks:  NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update carries the details of a status transition.
type Update struct {
	Reason       string
	WorkflowType string // Set when routing picks a strategy
	TotalSteps   int    // Set when > 0
	Metadata     map[string]any
}

func encodeMetadata(meta map[string]any) (json.RawMessage, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event metadata: %w", err)
	}
	return data, nil
}

// Create persists t as PENDING and opens its workflow.
func (m *Machine) Create(ctx context.Context, t *task.Task) (*task.WorkflowState, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("task id is required: %w", task.ErrValidation)
	}
	m.locks.Lock(t.ID)
	defer m.locks.Unlock(t.ID)

	now := m.now().UTC()
	t.Status = task.StatusPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	meta, err := encodeMetadata(map[string]any{
		"title":          t.Title,
		"priority":       t.Priority.String(),
		metaWorkflowType: "task",
	})
	if err != nil {
		return nil, err
	}
	ev := task.WorkflowEvent{
		WorkflowID: t.ID,
		EventType:  task.EventCreated,
		ToState:    task.StatusPending,
		ToPhase:    PhaseIntake,
		Metadata:   meta,
		CreatedAt:  now,
	}
	st := &task.WorkflowState{}
	if err := applyEvent(st, ev); err != nil {
		return nil, err
	}
	if ev, err = m.store.CreateTaskWorkflow(ctx, t, st, ev); err != nil {
		return nil, err
	}
	m.logger.Debug("workflow created", "workflow_id", t.ID, "priority", t.Priority.String())
	m.notify(st, ev)
	return st.Clone(), nil
}

// Get returns the current state of a workflow.
func (m *Machine) Get(ctx context.Context, id string) (*task.WorkflowState, error) {
	return m.store.GetWorkflow(ctx, id)
}

// Events returns the full event log of a workflow.
func (m *Machine) Events(ctx context.Context, id string) ([]task.WorkflowEvent, error) {
	return m.store.ListEvents(ctx, id)
}

// Transition moves a workflow to status to. Repeating the most recent
// transition with the same reason is a no-op. Illegal moves leave the
// workflow untouched and return ErrIllegalTransition.
func (m *Machine) Transition(ctx context.Context, id string, to task.Status, u Update) (*task.WorkflowState, error) {
	return m.apply(ctx, id, func(cur *task.WorkflowState) (task.WorkflowEvent, bool, error) {
		if cur.Status == to && cur.LastReason() == u.Reason {
			return task.WorkflowEvent{}, true, nil
		}
		if !Legal(cur.Status, to) {
			m.logger.Error("illegal workflow transition",
				"workflow_id", id,
				"from", cur.Status,
				"to", to,
				"reason", u.Reason,
				"phase", cur.CurrentPhase,
				"version", cur.Version)
			return task.WorkflowEvent{}, false, fmt.Errorf("workflow %s: %s -> %s: %w", id, cur.Status, to, task.ErrIllegalTransition)
		}

		meta := make(map[string]any, len(u.Metadata)+2)
		for k, v := range u.Metadata {
			meta[k] = v
		}
		if u.WorkflowType != "" {
			meta[metaWorkflowType] = u.WorkflowType
		}
		if u.TotalSteps > 0 {
			meta[metaTotalSteps] = u.TotalSteps
		}
		raw, err := encodeMetadata(meta)
		if err != nil {
			return task.WorkflowEvent{}, false, err
		}
		return task.WorkflowEvent{
			EventType: task.EventTransition,
			ToState:   to,
			ToPhase:   DefaultPhase(to),
			Reason:    u.Reason,
			Metadata:  raw,
		}, false, nil
	})
}

// stepEvent builds an event that requires the workflow to be in status want.
func stepEvent(cur *task.WorkflowState, want task.Status, evType, step, agentID, reason, phase string, meta map[string]any) (task.WorkflowEvent, bool, error) {
	if cur.Status != want {
		return task.WorkflowEvent{}, false, fmt.Errorf("workflow %s: %s while %s: %w", cur.WorkflowID, evType, cur.Status, task.ErrIllegalTransition)
	}
	all := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		all[k] = v
	}
	all[metaStep] = step
	raw, err := encodeMetadata(all)
	if err != nil {
		return task.WorkflowEvent{}, false, err
	}
	return task.WorkflowEvent{
		EventType: evType,
		ToPhase:   phase,
		AgentName: agentID,
		Reason:    reason,
		Metadata:  raw,
	}, false, nil
}

// AgentStarted records that agentID began work on step.
func (m *Machine) AgentStarted(ctx context.Context, id, step, agentID string) error {
	_, err := m.apply(ctx, id, func(cur *task.WorkflowState) (task.WorkflowEvent, bool, error) {
		return stepEvent(cur, task.StatusExecuting, task.EventAgentStarted, step, agentID, "", StepPhase(step), nil)
	})
	return err
}

// StepCompleted records a successful step.
func (m *Machine) StepCompleted(ctx context.Context, id, step, agentID string, meta map[string]any) error {
	_, err := m.apply(ctx, id, func(cur *task.WorkflowState) (task.WorkflowEvent, bool, error) {
		return stepEvent(cur, task.StatusExecuting, task.EventStepCompleted, step, agentID, "", StepPhase(step), meta)
	})
	return err
}

// StepFailed records a failed step.
func (m *Machine) StepFailed(ctx context.Context, id, step, agentID, reason string, meta map[string]any) error {
	_, err := m.apply(ctx, id, func(cur *task.WorkflowState) (task.WorkflowEvent, bool, error) {
		return stepEvent(cur, task.StatusExecuting, task.EventStepFailed, step, agentID, reason, StepPhase(step), meta)
	})
	return err
}

// StepCompensated records that a completed step was undone. noop marks steps
// that had no inverse action.
func (m *Machine) StepCompensated(ctx context.Context, id, step, agentID string, noop bool) error {
	_, err := m.apply(ctx, id, func(cur *task.WorkflowState) (task.WorkflowEvent, bool, error) {
		return stepEvent(cur, task.StatusCompensating, task.EventStepCompensated, step, agentID, "", "", map[string]any{metaNoOp: noop})
	})
	return err
}

// CompensationFailed records a failed inverse action. The workflow is marked
// as partially applied.
func (m *Machine) CompensationFailed(ctx context.Context, id, step, agentID, reason string) error {
	_, err := m.apply(ctx, id, func(cur *task.WorkflowState) (task.WorkflowEvent, bool, error) {
		return stepEvent(cur, task.StatusCompensating, task.EventCompensationFailed, step, agentID, reason, "", nil)
	})
	return err
}

// Record appends an informational event (classification, capacity,
// annotations) in any status.
func (m *Machine) Record(ctx context.Context, id, evType, reason string, meta map[string]any) error {
	_, err := m.apply(ctx, id, func(cur *task.WorkflowState) (task.WorkflowEvent, bool, error) {
		raw, err := encodeMetadata(meta)
		if err != nil {
			return task.WorkflowEvent{}, false, err
		}
		return task.WorkflowEvent{EventType: evType, Reason: reason, Metadata: raw}, false, nil
	})
	return err
}

// apply reads the workflow, lets build derive the next event, folds it and
// commits state and event together. A concurrent writer from another process
// causes a bounded re-read.
func (m *Machine) apply(ctx context.Context, id string, build func(cur *task.WorkflowState) (task.WorkflowEvent, bool, error)) (*task.WorkflowState, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	for attempt := 0; ; attempt++ {
		cur, err := m.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		ev, skip, err := build(cur)
		if err != nil {
			return nil, err
		}
		if skip {
			return cur, nil
		}

		ev.WorkflowID = id
		ev.FromState = cur.Status
		if ev.ToState == "" {
			ev.ToState = cur.Status
		}
		ev.FromPhase = cur.CurrentPhase
		if ev.ToPhase == "" {
			ev.ToPhase = cur.CurrentPhase
		}
		ev.CreatedAt = m.now().UTC()

		next := cur.Clone()
		if err := applyEvent(next, ev); err != nil {
			return nil, err
		}
		ev, err = m.store.ApplyTransition(ctx, next, cur.Version, ev)
		if errors.Is(err, persistence.ErrVersionConflict) && attempt < maxConflictRetries {
			m.logger.Warn("workflow version conflict, retrying", "workflow_id", id, "version", cur.Version)
			continue
		}
		if err != nil {
			return nil, err
		}

		if ev.FromState != ev.ToState {
			m.logger.Info("workflow transition",
				"workflow_id", id,
				"from", ev.FromState,
				"to", ev.ToState,
				"reason", ev.Reason)
		}
		m.notify(next, ev)
		return next.Clone(), nil
	}
}

func (m *Machine) notify(st *task.WorkflowState, ev task.WorkflowEvent) {
	for _, l := range m.listeners {
		l(st.Clone(), ev)
	}
}

// Verify replays the event log of a workflow and checks that it reproduces
// the stored state.
func (m *Machine) Verify(ctx context.Context, id string) (*task.WorkflowState, error) {
	events, err := m.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	replayed, err := Replay(events)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", id, err)
	}
	stored, err := m.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !Equal(replayed, stored) {
		return replayed, fmt.Errorf("workflow %s at version %d: %w", id, stored.Version, ErrDiverged)
	}
	return replayed, nil
}

// Equal reports whether two states are identical, comparing timestamps by instant.
func Equal(a, b *task.WorkflowState) bool {
	ja, errA := json.Marshal(normalize(a))
	jb, errB := json.Marshal(normalize(b))
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func normalize(st *task.WorkflowState) *task.WorkflowState {
	cp := st.Clone()
	cp.CreatedAt = cp.CreatedAt.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	for i := range cp.PhaseHistory {
		cp.PhaseHistory[i].EnteredAt = cp.PhaseHistory[i].EnteredAt.UTC()
		if cp.PhaseHistory[i].ExitedAt != nil {
			at := cp.PhaseHistory[i].ExitedAt.UTC()
			cp.PhaseHistory[i].ExitedAt = &at
		}
	}
	for i := range cp.StateHistory {
		cp.StateHistory[i].At = cp.StateHistory[i].At.UTC()
	}
	// nil and empty lists persist identically.
	for _, l := range []*[]string{&cp.ActiveAgents, &cp.CompletedTasks, &cp.FailedTasks} {
		if len(*l) == 0 {
			*l = nil
		}
	}
	if len(cp.StateHistory) == 0 {
		cp.StateHistory = nil
	}
	return cp
}
