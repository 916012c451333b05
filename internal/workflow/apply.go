package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aristath/taskrouter/internal/task"
)

// Phase names.
const (
	PhaseIntake       = "intake"
	PhaseRouting      = "routing"
	PhaseExecution    = "execution"
	PhaseCompensation = "compensation"
	PhaseDone         = "done"
)

// Metadata keys read back during replay.
const (
	metaStep         = "step"
	metaWorkflowType = "workflow_type"
	metaTotalSteps   = "total_steps"
	metaNoOp         = "noop"
)

// DefaultPhase returns the phase a workflow enters with status s.
func DefaultPhase(s task.Status) string {
	switch s {
	case task.StatusPending:
		return PhaseIntake
	case task.StatusRouted:
		return PhaseRouting
	case task.StatusExecuting:
		return PhaseExecution
	case task.StatusCompensating:
		return PhaseCompensation
	default:
		return PhaseDone
	}
}

// StepPhase is the phase recorded while a named step is in progress.
func StepPhase(step string) string { return "step:" + step }

var transitions = map[task.Status][]task.Status{
	task.StatusPending:      {task.StatusRouted, task.StatusFailed},
	task.StatusRouted:       {task.StatusExecuting, task.StatusFailed},
	task.StatusExecuting:    {task.StatusCompleted, task.StatusFailed, task.StatusCompensating},
	task.StatusCompensating: {task.StatusCompensated, task.StatusFailed},
}

// Legal reports whether from → to is an allowed status transition.
func Legal(from, to task.Status) bool {
	return slices.Contains(transitions[from], to)
}

// ErrCorruptLog reports an event log that cannot be folded into a state.
var ErrCorruptLog = errors.New("inconsistent workflow event log")

// applyEvent folds ev into st. It is the single definition of how events
// change workflow state, used both when recording and when replaying.
func applyEvent(st *task.WorkflowState, ev task.WorkflowEvent) error {
	meta := ev.MetadataMap()

	if ev.EventType == task.EventCreated {
		if st.WorkflowID != "" {
			return fmt.Errorf("%w: second created event for %s", ErrCorruptLog, ev.WorkflowID)
		}
		*st = task.WorkflowState{
			WorkflowID:   ev.WorkflowID,
			WorkflowType: "task",
			Status:       ev.ToState,
			CurrentPhase: ev.ToPhase,
			PhaseHistory: []task.PhaseRecord{{Phase: ev.ToPhase, EnteredAt: ev.CreatedAt}},
			Version:      1,
			CreatedAt:    ev.CreatedAt,
			UpdatedAt:    ev.CreatedAt,
		}
		if wt, ok := meta[metaWorkflowType].(string); ok && wt != "" {
			st.WorkflowType = wt
		}
		return nil
	}

	if st.WorkflowID == "" {
		return fmt.Errorf("%w: event %d before created", ErrCorruptLog, ev.ID)
	}

	step, _ := meta[metaStep].(string)

	switch ev.EventType {
	case task.EventTransition:
		if ev.FromState != st.Status {
			return fmt.Errorf("%w: event %d moves from %s but workflow is %s", ErrCorruptLog, ev.ID, ev.FromState, st.Status)
		}
		st.StateHistory = append(st.StateHistory, task.StateChange{
			From: ev.FromState, To: ev.ToState, Reason: ev.Reason, At: ev.CreatedAt,
		})
		st.Status = ev.ToState
		if wt, ok := meta[metaWorkflowType].(string); ok && wt != "" {
			st.WorkflowType = wt
		}
		if n, ok := meta[metaTotalSteps].(float64); ok {
			st.TotalSteps = int(n)
		}
		if st.Status.Terminal() {
			st.ActiveAgents = nil
		}

	case task.EventAgentStarted:
		st.ActiveAgents = append(st.ActiveAgents, ev.AgentName)

	case task.EventStepCompleted:
		st.CompletedSteps++
		st.CompletedTasks = append(st.CompletedTasks, step)
		st.ActiveAgents = removeOne(st.ActiveAgents, ev.AgentName)

	case task.EventStepFailed:
		st.FailedTasks = append(st.FailedTasks, step)
		st.ActiveAgents = removeOne(st.ActiveAgents, ev.AgentName)

	case task.EventStepCompensated:
		if i := slices.Index(st.CompletedTasks, step); i >= 0 {
			st.CompletedTasks = slices.Delete(st.CompletedTasks, i, i+1)
			st.CompletedSteps = max(0, st.CompletedSteps-1)
		}

	case task.EventCompensationFailed:
		st.PartialState = true
	}

	if ev.ToPhase != "" && ev.ToPhase != st.CurrentPhase {
		enterPhase(st, ev.ToPhase, ev)
	}
	st.Version++
	st.UpdatedAt = ev.CreatedAt
	return nil
}

func enterPhase(st *task.WorkflowState, phase string, ev task.WorkflowEvent) {
	if n := len(st.PhaseHistory); n > 0 && st.PhaseHistory[n-1].ExitedAt == nil {
		at := ev.CreatedAt
		st.PhaseHistory[n-1].ExitedAt = &at
	}
	st.PhaseHistory = append(st.PhaseHistory, task.PhaseRecord{Phase: phase, EnteredAt: ev.CreatedAt})
	st.CurrentPhase = phase
}

func removeOne(list []string, v string) []string {
	if i := slices.Index(list, v); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}

// Replay reconstructs workflow state from its ordered event log.
func Replay(events []task.WorkflowEvent) (*task.WorkflowState, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrCorruptLog)
	}
	st := &task.WorkflowState{}
	for _, ev := range events {
		if err := applyEvent(st, ev); err != nil {
			return nil, err
		}
	}
	return st, nil
}
