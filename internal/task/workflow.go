package task

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is a workflow lifecycle state.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRouted       Status = "ROUTED"
	StatusExecuting    Status = "EXECUTING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

// Event types appended to the workflow event log.
const (
	EventCreated            = "created"
	EventTransition         = "transition"
	EventClassified         = "classified"
	EventNoCapacity         = "no_capacity"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventStepCompensated    = "step_compensated"
	EventCompensationFailed = "compensation_failed"
	EventAgentStarted       = "agent_started"
	EventAnnotation         = "annotation"
)

// PhaseRecord tracks one phase occupancy.
type PhaseRecord struct {
	Phase     string     `json:"phase"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// StateChange records one status transition.
type StateChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// WorkflowState is the persisted lifecycle record of one task.
type WorkflowState struct {
	WorkflowID     string
	WorkflowType   string
	Status         Status
	CurrentPhase   string
	TotalSteps     int
	CompletedSteps int
	PhaseHistory   []PhaseRecord
	StateHistory   []StateChange
	ActiveAgents   []string
	CompletedTasks []string
	FailedTasks    []string
	PartialState   bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy of the state.
func (w *WorkflowState) Clone() *WorkflowState {
	if w == nil {
		return nil
	}
	cp := *w
	cp.PhaseHistory = make([]PhaseRecord, len(w.PhaseHistory))
	for i, p := range w.PhaseHistory {
		cp.PhaseHistory[i] = p
		if p.ExitedAt != nil {
			t := *p.ExitedAt
			cp.PhaseHistory[i].ExitedAt = &t
		}
	}
	cp.StateHistory = slices.Clone(w.StateHistory)
	cp.ActiveAgents = slices.Clone(w.ActiveAgents)
	cp.CompletedTasks = slices.Clone(w.CompletedTasks)
	cp.FailedTasks = slices.Clone(w.FailedTasks)
	return &cp
}

// LastReason returns the reason of the most recent status transition.
func (w *WorkflowState) LastReason() string {
	if len(w.StateHistory) == 0 {
		return ""
	}
	return w.StateHistory[len(w.StateHistory)-1].Reason
}

// WorkflowEvent is one append-only row of the workflow event log.
type WorkflowEvent struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	EventType  string          `json:"event_type"`
	FromState  Status          `json:"from_state"`
	ToState    Status          `json:"to_state"`
	FromPhase  string          `json:"from_phase"`
	ToPhase    string          `json:"to_phase"`
	AgentName  string          `json:"agent_name,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MetadataMap decodes the event metadata. Invalid or empty metadata yields an empty map.
func (e WorkflowEvent) MetadataMap() map[string]any {
	m := map[string]any{}
	if len(e.Metadata) == 0 {
		return m
	}
	_ = json.Unmarshal(e.Metadata, &m)
	return m
}
