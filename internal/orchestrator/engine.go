// Package orchestrator drives tasks through classification, routing,
// execution and compensation, recording every step in the workflow log.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/events"
	"github.com/aristath/taskrouter/internal/executor"
	"github.com/aristath/taskrouter/internal/metrics"
	"github.com/aristath/taskrouter/internal/persistence"
	"github.com/aristath/taskrouter/internal/plan"
	"github.com/aristath/taskrouter/internal/resilience"
	"github.com/aristath/taskrouter/internal/routing"
	"github.com/aristath/taskrouter/internal/task"
	"github.com/aristath/taskrouter/internal/workflow"
)

// Classifier labels a task. It must not fail; problems degrade to a
// low-confidence intent.
type Classifier interface {
	Classify(ctx context.Context, t task.Task) task.Intent
}

// Router turns a classified task into a routing decision.
type Router interface {
	Decide(t task.Task, intent task.Intent, reg routing.Snapshotter) (task.Decision, error)
}

// Executor runs a routing decision.
type Executor interface {
	Execute(ctx context.Context, d task.Decision, t task.Task, obs executor.Observer) (*executor.Result, error)
}

// Config configures an Engine.
type Config struct {
	Workers             int           // Tasks processed concurrently (default 4)
	QueueSize           int           // Submissions waiting for a worker (default 1024)
	TaskDeadline        time.Duration // Bound on one pass through the pipeline (default 2m)
	RequeueDelay        time.Duration // Wait before retrying a task that found no capacity (default 1s)
	MaxRequeues         int           // Requeues before giving up; negative disables (default 5)
	MarkCompensated     bool          // End fully undone workflows in COMPENSATED instead of FAILED
	CompensationTimeout time.Duration // Bound on one unwind (default 30s)
	UndoCallTimeout     time.Duration // Per-attempt bound on one inverse action (default 10s)
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		QueueSize:           1024,
		TaskDeadline:        2 * time.Minute,
		RequeueDelay:        time.Second,
		MaxRequeues:         5,
		CompensationTimeout: 30 * time.Second,
		UndoCallTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = d.TaskDeadline
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = d.RequeueDelay
	}
	if c.MaxRequeues == 0 {
		c.MaxRequeues = d.MaxRequeues
	}
	if c.MaxRequeues < 0 {
		c.MaxRequeues = 0
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = d.CompensationTimeout
	}
	if c.UndoCallTimeout <= 0 {
		c.UndoCallTimeout = d.UndoCallTimeout
	}
	return c
}

// Deps are the collaborators an Engine drives. Compensator, Guard, Breakers,
// Bus and Metrics are optional. Without a Guard, inverse actions run through
// one built on Breakers.
type Deps struct {
	Store       persistence.Store
	Agents      routing.Snapshotter
	Classifier  Classifier
	Router      Router
	Executor    Executor
	Compensator agent.Compensator
	Guard       *resilience.Guard
	Breakers    *resilience.BreakerRegistry
	Bus         *events.EventBus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Submission is a task handed to the engine.
type Submission struct {
	ID                string          `json:"id,omitempty"` // Generated when empty
	Title             string          `json:"title"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Priority          string          `json:"priority,omitempty"` // low, normal, high or critical; empty means normal
	RequiresConsensus bool            `json:"requires_consensus,omitempty"`
	Steps             []task.Step     `json:"steps,omitempty"`
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	WorkflowID string      `json:"workflow_id"`
	Status     task.Status `json:"status"`
}

// StatusReport is the externally visible progress of a workflow.
type StatusReport struct {
	WorkflowID     string              `json:"workflow_id"`
	Status         task.Status         `json:"status"`
	CurrentPhase   string              `json:"current_phase"`
	CompletedSteps int                 `json:"completed_steps"`
	TotalSteps     int                 `json:"total_steps"`
	PartialState   bool                `json:"partial_state"`
	LastEvent      *task.WorkflowEvent `json:"last_event,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Outcome is the result of one pass of a workflow through the pipeline.
type Outcome struct {
	WorkflowID   string
	Status       task.Status
	Output       agent.Output
	Candidates   []executor.AgentOutput // Every agent's output when reconciliation was ambiguous
	Conflicts    []string               // Output fields the agents could not agree on
	Decision     *task.Decision
	Kind         task.Kind // Error kind of a failed workflow
	Err          error
	LastEvent    *task.WorkflowEvent
	Compensated  bool // Compensating actions ran
	PartialState bool // At least one compensating action failed
	Requeued     bool // Put back on the queue after finding no capacity
	Interrupted  bool // Shutdown stopped the workflow before it reached a terminal status
}

// Engine owns the work queue and the worker pool.
type Engine struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	machine *workflow.Machine
	queue   *Queue
	running atomic.Bool

	mu      sync.Mutex
	waiters map[string][]chan Outcome
	timers  map[string]*time.Timer
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Agents == nil:
		return nil, errors.New("orchestrator: agent registry is required")
	case deps.Classifier == nil:
		return nil, errors.New("orchestrator: classifier is required")
	case deps.Router == nil:
		return nil, errors.New("orchestrator: router is required")
	case deps.Executor == nil:
		return nil, errors.New("orchestrator: executor is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Guard == nil {
		deps.Guard = resilience.NewGuard(resilience.DefaultRetryConfig(), deps.Breakers, deps.Logger)
	}

	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		queue:   NewQueue(cfg.QueueSize),
		waiters: make(map[string][]chan Outcome),
		timers:  make(map[string]*time.Timer),
	}
	e.machine = workflow.New(deps.Store, deps.Logger, workflow.WithListener(e.onWorkflowEvent))
	if deps.Breakers != nil {
		deps.Breakers.OnStateChange(e.onBreakerChange)
	}
	return e, nil
}

// Machine exposes the workflow state machine.
func (e *Engine) Machine() *workflow.Machine { return e.machine }

// QueueLen returns the number of tasks waiting for a worker.
func (e *Engine) QueueLen() int { return e.queue.Len() }

// Submit validates s, persists it as PENDING and queues it. A full queue
// rejects the submission with task.ErrNoCapacity.
func (e *Engine) Submit(ctx context.Context, s Submission) (Receipt, error) {
	payload, err := task.NewPayload(s.Payload)
	if err != nil {
		return Receipt{}, err
	}
	priority, err := task.ParsePriority(s.Priority)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", task.ErrValidation, err)
	}
	if err := plan.Validate(s.Steps); err != nil {
		return Receipt{}, err
	}

	id := strings.TrimSpace(s.ID)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := e.machine.Get(ctx, id); err == nil {
		return Receipt{}, fmt.Errorf("%w: workflow %s already exists", task.ErrValidation, id)
	} else if !errors.Is(err, task.ErrNotFound) {
		return Receipt{}, err
	}

	if e.queue.Len() >= e.cfg.QueueSize {
		return Receipt{}, fmt.Errorf("%w: %w", errQueueFull, task.ErrNoCapacity)
	}

	t := &task.Task{
		ID:                id,
		Title:             strings.TrimSpace(s.Title),
		Payload:           payload,
		Priority:          priority,
		RequiresConsensus: s.RequiresConsensus,
		Steps:             s.Steps,
	}
	st, err := e.machine.Create(ctx, t)
	if err != nil {
		return Receipt{}, err
	}
	e.deps.Metrics.TaskSubmitted(priority.String())

	// Already persisted; a closed queue leaves the task for Recover.
	if err := e.queue.push(queueItem{id: id, priority: priority}, true); err != nil {
		e.logger.Warn("task accepted but not queued", "workflow_id", id, "error", err)
	}
	e.deps.Metrics.QueueDepth(e.queue.Len())

	e.logger.Info("task submitted", "workflow_id", id, "priority", priority.String(), "steps", len(s.Steps))
	return Receipt{WorkflowID: id, Status: st.Status}, nil
}

// Status reports the progress of a workflow.
func (e *Engine) Status(ctx context.Context, id string) (StatusReport, error) {
	st, err := e.machine.Get(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		WorkflowID:     st.WorkflowID,
		Status:         st.Status,
		CurrentPhase:   st.CurrentPhase,
		CompletedSteps: st.CompletedSteps,
		TotalSteps:     st.TotalSteps,
		PartialState:   st.PartialState,
		UpdatedAt:      st.UpdatedAt,
	}
	recent, err := e.deps.Store.ListRecentEvents(ctx, id, 1)
	if err != nil {
		return StatusReport{}, err
	}
	if len(recent) > 0 {
		report.LastEvent = &recent[0]
	}
	return report, nil
}

// Wait blocks until workflow id reaches a terminal status or ctx ends. The
// outcome carries the agent output only when the workflow finishes while
// waiting.
func (e *Engine) Wait(ctx context.Context, id string) (Outcome, error) {
	ch := make(chan Outcome, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()
	defer e.dropWaiter(id, ch)

	st, err := e.machine.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if st.Status.Terminal() {
		return e.outcomeFromState(ctx, st), nil
	}

	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (e *Engine) dropWaiter(id string, ch chan Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.waiters, id)
	} else {
		e.waiters[id] = list
	}
}

// deliver hands a final outcome to everyone waiting on the workflow.
func (e *Engine) deliver(o Outcome) {
	e.mu.Lock()
	list := e.waiters[o.WorkflowID]
	delete(e.waiters, o.WorkflowID)
	e.mu.Unlock()

	for _, ch := range list {
		select {
		case ch <- o:
		default:
		}
	}
}

func (e *Engine) outcomeFromState(ctx context.Context, st *task.WorkflowState) Outcome {
	o := Outcome{
		WorkflowID:   st.WorkflowID,
		Status:       st.Status,
		PartialState: st.PartialState,
	}
	for _, ch := range st.StateHistory {
		if ch.To == task.StatusCompensating {
			o.Compensated = true
		}
	}
	if recent, err := e.deps.Store.ListRecentEvents(ctx, st.WorkflowID, 1); err == nil && len(recent) > 0 {
		o.LastEvent = &recent[0]
		o.Kind = kindOf(recent[0])
	}
	if st.Status == task.StatusFailed {
		o.Err = errors.New(st.LastReason())
	}
	return o
}

// kindOf reads the error kind recorded on a FAILED transition.
func kindOf(ev task.WorkflowEvent) task.Kind {
	if ev.EventType != task.EventTransition || ev.ToState != task.StatusFailed {
		return task.KindNone
	}
	if k, ok := ev.MetadataMap()[metaErrorKind].(string); ok && k != "" {
		return task.Kind(k)
	}
	return task.KindUnknown
}

// Run dispatches queued tasks to at most Workers concurrent pipelines until
// ctx ends. In-flight tasks see the cancellation and are left for Recover.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator: engine already running")
	}
	defer e.running.Store(false)

	e.logger.Info("engine started", "workers", e.cfg.Workers, "queued", e.queue.Len())

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for {
		it, err := e.queue.Pop(ctx)
		if err != nil {
			break
		}
		e.deps.Metrics.QueueDepth(e.queue.Len())
		g.Go(func() error {
			e.process(ctx, it)
			return nil
		})
	}
	_ = g.Wait()
	e.stopTimers()

	e.logger.Info("engine stopped", "queued", e.queue.Len())
	return nil
}

// Process runs workflow id through the pipeline on the calling goroutine.
func (e *Engine) Process(ctx context.Context, id string) (Outcome, error) {
	t, err := e.deps.Store.GetTask(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	return e.process(ctx, queueItem{id: id, priority: t.Priority}), nil
}

// requeue puts it back on the queue after RequeueDelay.
func (e *Engine) requeue(it queueItem) {
	it.requeues++
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.timers[it.id]; ok {
		old.Stop()
	}
	e.timers[it.id] = time.AfterFunc(e.cfg.RequeueDelay, func() {
		e.mu.Lock()
		delete(e.timers, it.id)
		e.mu.Unlock()
		if err := e.queue.push(it, true); err != nil {
			e.logger.Warn("requeue dropped", "workflow_id", it.id, "error", err)
			return
		}
		e.deps.Metrics.QueueDepth(e.queue.Len())
	})
}

func (e *Engine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// Close stops accepting queued work and cancels pending requeues.
func (e *Engine) Close() {
	e.queue.Close()
	e.stopTimers()
}

// onWorkflowEvent publishes committed workflow events.
func (e *Engine) onWorkflowEvent(st *task.WorkflowState, ev task.WorkflowEvent) {
	if ev.EventType == task.EventTransition {
		e.deps.Metrics.Transition(string(ev.ToState))
	}
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(events.TopicWorkflow, events.WorkflowChangedEvent{
		Status:  st.Status,
		Phase:   st.CurrentPhase,
		Version: st.Version,
		Event:   ev,
	})
	if kind := kindOf(ev); kind != task.KindNone {
		e.deps.Bus.Publish(events.TopicAlert, events.AlertEvent{
			ID:        st.WorkflowID,
			Severity:  events.SeverityCritical,
			Kind:      kind,
			Message:   ev.Reason,
			Timestamp: ev.CreatedAt,
		})
	}
}

// onBreakerChange publishes breaker transitions and alerts when one opens.
func (e *Engine) onBreakerChange(key string, from, to resilience.BreakerState) {
	e.deps.Metrics.BreakerState(key, string(to))
	if e.deps.Bus == nil {
		return
	}
	now := time.Now()
	e.deps.Bus.Publish(events.TopicBreaker, events.BreakerStateEvent{
		Key:       key,
		From:      string(from),
		To:        string(to),
		Timestamp: now,
	})
	if to == resilience.BreakerOpen {
		e.deps.Bus.Publish(events.TopicAlert, events.AlertEvent{
			Severity:  events.SeverityWarning,
			Kind:      task.KindTransientCallFailure,
			Message:   fmt.Sprintf("circuit breaker %s opened", key),
			Timestamp: now,
		})
	}
}
