package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskrouter/internal/persistence"
	"github.com/aristath/taskrouter/internal/task"
)

func newTestMachine(t *testing.T, opts ...Option) (*Machine, persistence.Store) {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger, opts...), store
}

// stepClock returns a clock advancing one millisecond per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func createWorkflow(t *testing.T, m *Machine, id string) *task.WorkflowState {
	t.Helper()
	st, err := m.Create(context.Background(), &task.Task{ID: id, Title: "Reset my password", Priority: task.PriorityNormal})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return st
}

func mustTransition(t *testing.T, m *Machine, id string, to task.Status, u Update) *task.WorkflowState {
	t.Helper()
	st, err := m.Transition(context.Background(), id, to, u)
	if err != nil {
		t.Fatalf("Transition(%s) error = %v", to, err)
	}
	return st
}

// TestCreate verifies the initial workflow state and its task mirror.
func TestCreate(t *testing.T) {
	m, store := newTestMachine(t, WithClock(stepClock()))
	st := createWorkflow(t, m, "task-1")

	if st.Status != task.StatusPending {
		t.Fatalf("Status = %s, want PENDING", st.Status)
	}
	if st.CurrentPhase != PhaseIntake || len(st.PhaseHistory) != 1 {
		t.Fatalf("phase = %s history = %v", st.CurrentPhase, st.PhaseHistory)
	}
	if st.Version != 1 {
		t.Fatalf("Version = %d, want 1", st.Version)
	}

	got, err := store.GetTask(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("task status = %s, want PENDING", got.Status)
	}

	if _, err := m.Create(context.Background(), &task.Task{ID: "task-1"}); !errors.Is(err, task.ErrValidation) {
		t.Fatalf("duplicate Create() error = %v, want ErrValidation", err)
	}
	if _, err := m.Create(context.Background(), &task.Task{}); !errors.Is(err, task.ErrValidation) {
		t.Fatalf("Create() without id error = %v, want ErrValidation", err)
	}
}

// TestTransitionHappyPath walks PENDING → ROUTED → EXECUTING → COMPLETED.
func TestTransitionHappyPath(t *testing.T) {
	m, store := newTestMachine(t, WithClock(stepClock()))
	createWorkflow(t, m, "wf")

	mustTransition(t, m, "wf", task.StatusRouted, Update{Reason: "routed to support", WorkflowType: "single", TotalSteps: 1})
	mustTransition(t, m, "wf", task.StatusExecuting, Update{Reason: "dispatching"})
	st := mustTransition(t, m, "wf", task.StatusCompleted, Update{Reason: "done"})

	if st.Status != task.StatusCompleted {
		t.Fatalf("Status = %s, want COMPLETED", st.Status)
	}
	if st.WorkflowType != "single" || st.TotalSteps != 1 {
		t.Fatalf("WorkflowType = %s TotalSteps = %d", st.WorkflowType, st.TotalSteps)
	}
	if st.Version != 4 {
		t.Fatalf("Version = %d, want 4", st.Version)
	}
	if len(st.StateHistory) != 3 {
		t.Fatalf("StateHistory = %v", st.StateHistory)
	}

	wantPhases := []string{PhaseIntake, PhaseRouting, PhaseExecution, PhaseDone}
	var phases []string
	for i, p := range st.PhaseHistory {
		phases = append(phases, p.Phase)
		if i < len(st.PhaseHistory)-1 && p.ExitedAt == nil {
			t.Fatalf("phase %s not closed", p.Phase)
		}
	}
	if !slices.Equal(phases, wantPhases) {
		t.Fatalf("phases = %v, want %v", phases, wantPhases)
	}

	got, err := store.GetTask(context.Background(), "wf")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("task status = %s, want COMPLETED", got.Status)
	}

	if _, err := m.Verify(context.Background(), "wf"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

// TestDuplicateTransitionIsNoop verifies repeating a transition with the same
// reason adds neither state nor events.
func TestDuplicateTransitionIsNoop(t *testing.T) {
	m, _ := newTestMachine(t)
	createWorkflow(t, m, "wf")

	first := mustTransition(t, m, "wf", task.StatusRouted, Update{Reason: "routed"})
	second := mustTransition(t, m, "wf", task.StatusRouted, Update{Reason: "routed"})

	if second.Version != first.Version {
		t.Fatalf("Version changed: %d -> %d", first.Version, second.Version)
	}
	events, err := m.Events(context.Background(), "wf")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}

	// A different reason for the same status is not a duplicate, and
	// ROUTED → ROUTED is not a legal move.
	if _, err := m.Transition(context.Background(), "wf", task.StatusRouted, Update{Reason: "rerouted"}); !errors.Is(err, task.ErrIllegalTransition) {
		t.Fatalf("Transition() error = %v, want ErrIllegalTransition", err)
	}
}

// TestIllegalTransition verifies illegal moves are rejected without effect.
func TestIllegalTransition(t *testing.T) {
	tests := []struct {
		name string
		path []task.Status
		to   task.Status
	}{
		{"pending to completed", nil, task.StatusCompleted},
		{"pending to executing", nil, task.StatusExecuting},
		{"routed to compensating", []task.Status{task.StatusRouted}, task.StatusCompensating},
		{"completed to failed", []task.Status{task.StatusRouted, task.StatusExecuting, task.StatusCompleted}, task.StatusFailed},
		{"failed to pending", []task.Status{task.StatusFailed}, task.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMachine(t)
			createWorkflow(t, m, "wf")
			for i, s := range tt.path {
				mustTransition(t, m, "wf", s, Update{Reason: fmt.Sprintf("step %d", i)})
			}
			before, _ := m.Get(context.Background(), "wf")

			_, err := m.Transition(context.Background(), "wf", tt.to, Update{Reason: "bad"})
			if !errors.Is(err, task.ErrIllegalTransition) {
				t.Fatalf("error = %v, want ErrIllegalTransition", err)
			}
			if task.KindOf(err) != task.KindIllegalStateTransition {
				t.Fatalf("KindOf = %s", task.KindOf(err))
			}

			after, _ := m.Get(context.Background(), "wf")
			if after.Version != before.Version || after.Status != before.Status {
				t.Fatalf("state changed: %+v -> %+v", before, after)
			}
		})
	}
}

// TestTransitionUnknownWorkflow verifies a missing workflow reports ErrNotFound.
func TestTransitionUnknownWorkflow(t *testing.T) {
	m, _ := newTestMachine(t)
	_, err := m.Transition(context.Background(), "missing", task.StatusRouted, Update{})
	if !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

// TestSequentialCompensation records a three-step workflow whose last step
// fails, then undoes the completed steps in reverse order.
func TestSequentialCompensation(t *testing.T) {
	m, _ := newTestMachine(t, WithClock(stepClock()))
	ctx := context.Background()
	createWorkflow(t, m, "order")

	mustTransition(t, m, "order", task.StatusRouted, Update{Reason: "sequential", WorkflowType: "sequential", TotalSteps: 3})
	mustTransition(t, m, "order", task.StatusExecuting, Update{Reason: "dispatching"})

	for _, step := range []string{"reserve", "charge"} {
		if err := m.AgentStarted(ctx, "order", step, "agent-"+step); err != nil {
			t.Fatalf("AgentStarted(%s) error = %v", step, err)
		}
		if err := m.StepCompleted(ctx, "order", step, "agent-"+step, nil); err != nil {
			t.Fatalf("StepCompleted(%s) error = %v", step, err)
		}
	}
	if err := m.AgentStarted(ctx, "order", "send", "agent-send"); err != nil {
		t.Fatalf("AgentStarted(send) error = %v", err)
	}
	if err := m.StepFailed(ctx, "order", "send", "agent-send", "smtp down", nil); err != nil {
		t.Fatalf("StepFailed() error = %v", err)
	}

	st, _ := m.Get(ctx, "order")
	if st.CurrentPhase != StepPhase("send") {
		t.Fatalf("CurrentPhase = %s, want step:send", st.CurrentPhase)
	}
	if st.CompletedSteps != 2 || len(st.ActiveAgents) != 0 {
		t.Fatalf("CompletedSteps = %d ActiveAgents = %v", st.CompletedSteps, st.ActiveAgents)
	}

	mustTransition(t, m, "order", task.StatusCompensating, Update{Reason: "step send failed"})
	for _, step := range []string{"charge", "reserve"} {
		if err := m.StepCompensated(ctx, "order", step, "agent-"+step, false); err != nil {
			t.Fatalf("StepCompensated(%s) error = %v", step, err)
		}
	}
	st = mustTransition(t, m, "order", task.StatusFailed, Update{Reason: "compensated after failure"})

	if len(st.CompletedTasks) != 0 {
		t.Fatalf("CompletedTasks = %v, want empty", st.CompletedTasks)
	}
	if !slices.Equal(st.FailedTasks, []string{"send"}) {
		t.Fatalf("FailedTasks = %v, want [send]", st.FailedTasks)
	}
	if st.PartialState {
		t.Fatal("PartialState = true, want false")
	}

	events, _ := m.Events(ctx, "order")
	var compensated []string
	for _, ev := range events {
		if ev.EventType == task.EventStepCompensated {
			compensated = append(compensated, ev.MetadataMap()["step"].(string))
		}
	}
	if !slices.Equal(compensated, []string{"charge", "reserve"}) {
		t.Fatalf("compensation order = %v", compensated)
	}

	if _, err := m.Verify(ctx, "order"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

// TestCompensationFailureMarksPartial verifies a failed inverse leaves the
// step in place and flags the workflow.
func TestCompensationFailureMarksPartial(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	createWorkflow(t, m, "wf")
	mustTransition(t, m, "wf", task.StatusRouted, Update{Reason: "r"})
	mustTransition(t, m, "wf", task.StatusExecuting, Update{Reason: "e"})
	if err := m.StepCompleted(ctx, "wf", "charge", "billing", nil); err != nil {
		t.Fatal(err)
	}

	// Compensation events require COMPENSATING.
	if err := m.CompensationFailed(ctx, "wf", "charge", "billing", "refund rejected"); !errors.Is(err, task.ErrIllegalTransition) {
		t.Fatalf("CompensationFailed() in EXECUTING error = %v", err)
	}

	mustTransition(t, m, "wf", task.StatusCompensating, Update{Reason: "c"})
	if err := m.CompensationFailed(ctx, "wf", "charge", "billing", "refund rejected"); err != nil {
		t.Fatal(err)
	}
	st := mustTransition(t, m, "wf", task.StatusFailed, Update{Reason: "partial"})
	if !st.PartialState {
		t.Fatal("PartialState = false, want true")
	}
	if !slices.Equal(st.CompletedTasks, []string{"charge"}) {
		t.Fatalf("CompletedTasks = %v", st.CompletedTasks)
	}
}

// TestStepEventsRequireExecuting verifies step events outside EXECUTING fail.
func TestStepEventsRequireExecuting(t *testing.T) {
	m, _ := newTestMachine(t)
	createWorkflow(t, m, "wf")
	if err := m.StepCompleted(context.Background(), "wf", "a", "x", nil); !errors.Is(err, task.ErrIllegalTransition) {
		t.Fatalf("error = %v, want ErrIllegalTransition", err)
	}
}

// TestRecordAnnotations verifies informational events bump the version only.
func TestRecordAnnotations(t *testing.T) {
	m, _ := newTestMachine(t)
	createWorkflow(t, m, "wf")
	if err := m.Record(context.Background(), "wf", task.EventClassified, "keyword", map[string]any{"label": "billing", "confidence": 0.4}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	st, _ := m.Get(context.Background(), "wf")
	if st.Status != task.StatusPending || st.Version != 2 {
		t.Fatalf("Status = %s Version = %d", st.Status, st.Version)
	}

	events, _ := m.Events(context.Background(), "wf")
	if got := events[1].MetadataMap()["label"]; got != "billing" {
		t.Fatalf("label = %v", got)
	}
}

// TestReplayIdempotent verifies replaying the same log twice yields identical
// state, and every prefix of the log replays cleanly.
func TestReplayIdempotent(t *testing.T) {
	m, _ := newTestMachine(t, WithClock(stepClock()))
	ctx := context.Background()
	createWorkflow(t, m, "wf")
	mustTransition(t, m, "wf", task.StatusRouted, Update{Reason: "r", WorkflowType: "parallel", TotalSteps: 2})
	mustTransition(t, m, "wf", task.StatusExecuting, Update{Reason: "e"})
	_ = m.AgentStarted(ctx, "wf", "a1", "a1")
	_ = m.AgentStarted(ctx, "wf", "a2", "a2")
	_ = m.StepCompleted(ctx, "wf", "a2", "a2", map[string]any{"latency_ms": 12})
	_ = m.StepFailed(ctx, "wf", "a1", "a1", "timeout", nil)
	mustTransition(t, m, "wf", task.StatusCompleted, Update{Reason: "any"})

	events, err := m.Events(ctx, "wf")
	if err != nil {
		t.Fatal(err)
	}
	first, err := Replay(events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	second, err := Replay(events)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if !Equal(first, second) {
		t.Fatalf("replays differ:\n%+v\n%+v", first, second)
	}
	if first.Version != int64(len(events)) {
		t.Fatalf("Version = %d, want %d", first.Version, len(events))
	}

	for n := 1; n <= len(events); n++ {
		if _, err := Replay(events[:n]); err != nil {
			t.Fatalf("Replay(prefix %d) error = %v", n, err)
		}
	}

	stored, _ := m.Get(ctx, "wf")
	if !Equal(first, stored) {
		t.Fatalf("replay differs from stored:\n%+v\n%+v", first, stored)
	}
}

// TestReplayCorruptLog verifies inconsistent logs are rejected.
func TestReplayCorruptLog(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created := task.WorkflowEvent{WorkflowID: "wf", EventType: task.EventCreated, ToState: task.StatusPending, ToPhase: PhaseIntake, CreatedAt: at}

	tests := []struct {
		name   string
		events []task.WorkflowEvent
	}{
		{"empty", nil},
		{"missing created", []task.WorkflowEvent{{WorkflowID: "wf", EventType: task.EventTransition, FromState: task.StatusPending, ToState: task.StatusRouted}}},
		{"double created", []task.WorkflowEvent{created, created}},
		{"wrong from state", []task.WorkflowEvent{created, {WorkflowID: "wf", EventType: task.EventTransition, FromState: task.StatusExecuting, ToState: task.StatusCompleted}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Replay(tt.events); !errors.Is(err, ErrCorruptLog) {
				t.Fatalf("Replay() error = %v, want ErrCorruptLog", err)
			}
		})
	}
}

// TestConcurrentStepEvents verifies concurrent recorders on one workflow are
// serialized without losing events.
func TestConcurrentStepEvents(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	createWorkflow(t, m, "wf")
	mustTransition(t, m, "wf", task.StatusRouted, Update{Reason: "r"})
	mustTransition(t, m, "wf", task.StatusExecuting, Update{Reason: "e"})

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", i)
			if err := m.AgentStarted(ctx, "wf", agent, agent); err != nil {
				t.Errorf("AgentStarted() error = %v", err)
				return
			}
			if err := m.StepCompleted(ctx, "wf", agent, agent, nil); err != nil {
				t.Errorf("StepCompleted() error = %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := m.Verify(ctx, "wf")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if st.CompletedSteps != n || len(st.ActiveAgents) != 0 {
		t.Fatalf("CompletedSteps = %d ActiveAgents = %v", st.CompletedSteps, st.ActiveAgents)
	}
	if st.Version != int64(3+2*n) {
		t.Fatalf("Version = %d, want %d", st.Version, 3+2*n)
	}
}

// TestListenerOrder verifies listeners see events in commit order.
func TestListenerOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	m, _ := newTestMachine(t, WithListener(func(st *task.WorkflowState, ev task.WorkflowEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, fmt.Sprintf("%s:%s", ev.EventType, st.Status))
	}))
	createWorkflow(t, m, "wf")
	mustTransition(t, m, "wf", task.StatusFailed, Update{Reason: "no capacity"})

	want := []string{"created:PENDING", "transition:FAILED"}
	if !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

// TestVerifyDetectsDivergence verifies tampering with the stored row is caught.
func TestVerifyDetectsDivergence(t *testing.T) {
	m, store := newTestMachine(t)
	ctx := context.Background()
	st := createWorkflow(t, m, "wf")

	tampered := st.Clone()
	tampered.Status = task.StatusRouted
	tampered.Version = 2
	// Write the row without a matching transition event.
	if _, err := store.ApplyTransition(ctx, tampered, 1, task.WorkflowEvent{
		WorkflowID: "wf", EventType: task.EventAnnotation, FromState: task.StatusPending, ToState: task.StatusPending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Verify(ctx, "wf"); !errors.Is(err, ErrDiverged) {
		t.Fatalf("Verify() error = %v, want ErrDiverged", err)
	}
}
