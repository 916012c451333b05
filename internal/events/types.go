package events

import (
	"time"

	"github.com/aristath/taskrouter/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicWorkflow = "workflow"
	TopicAlert    = "alert"
	TopicBreaker  = "breaker"
)

// Event type constants
const (
	EventTypeWorkflowChanged = "workflow.changed"
	EventTypeAlert           = "alert.raised"
	EventTypeBreakerState    = "breaker.state"
)

// WorkflowChangedEvent is published after every committed workflow event.
type WorkflowChangedEvent struct {
	Status  task.Status
	Phase   string
	Version int64
	Event   task.WorkflowEvent
}

func (e WorkflowChangedEvent) EventType() string { return EventTypeWorkflowChanged }
func (e WorkflowChangedEvent) TaskID() string    { return e.Event.WorkflowID }

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertEvent is published when a workflow fails or a dependency trips.
type AlertEvent struct {
	ID        string // Workflow ID, empty for dependency alerts
	Severity  Severity
	Kind      task.Kind
	Message   string
	Timestamp time.Time
}

func (e AlertEvent) EventType() string { return EventTypeAlert }
func (e AlertEvent) TaskID() string    { return e.ID }

// BreakerStateEvent is published when a circuit breaker changes state.
type BreakerStateEvent struct {
	Key       string
	From      string
	To        string
	Timestamp time.Time
}

func (e BreakerStateEvent) EventType() string { return EventTypeBreakerState }
func (e BreakerStateEvent) TaskID() string    { return "" }
