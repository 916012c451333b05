package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/executor"
	"github.com/aristath/taskrouter/internal/resilience"
	"github.com/aristath/taskrouter/internal/task"
	"github.com/aristath/taskrouter/internal/tracing"
	"github.com/aristath/taskrouter/internal/workflow"
)

// Event metadata keys written by the engine.
const (
	metaStep       = "step"
	metaErrorKind  = "error_kind"
	metaOutput     = "output"
	metaLabel      = "label"
	metaDecisionID = "decision_id"
	metaCandidates = "candidates"
	metaConflicts  = "conflicts"
)

// undoKeySuffix separates the breaker of an agent's inverse actions from the
// breaker of its forward calls.
const undoKeySuffix = ":undo"

// errInterrupted is the cause recorded for workflows a restart cut short.
var errInterrupted = errors.New("interrupted")

// process runs one queued workflow and hands terminal outcomes to waiters.
func (e *Engine) process(ctx context.Context, it queueItem) Outcome {
	e.deps.Metrics.InFlight(1)
	defer e.deps.Metrics.InFlight(-1)

	ctx, span := tracing.StartSpan(ctx, "workflow.process",
		attribute.String("workflow.id", it.id),
		attribute.String("task.priority", it.priority.String()),
		attribute.Int("task.requeues", it.requeues))

	o := e.pipeline(ctx, it)

	var spanErr error
	if o.Status == task.StatusFailed {
		spanErr = o.Err
	}
	span.SetAttributes(attribute.String("workflow.status", string(o.Status)))
	tracing.End(span, spanErr)

	if o.Status.Terminal() || o.Interrupted {
		e.deliver(o)
	}
	return o
}

func (e *Engine) pipeline(parent context.Context, it queueItem) Outcome {
	o := Outcome{WorkflowID: it.id}

	// Records must land even after the task deadline expires.
	rec := context.WithoutCancel(parent)

	st, err := e.machine.Get(rec, it.id)
	if err != nil {
		e.logger.Error("failed to load workflow", "workflow_id", it.id, "error", err)
		o.Err, o.Kind = err, task.KindOf(err)
		return o
	}
	o.Status = st.Status
	if st.Status.Terminal() {
		return e.outcomeFromState(rec, st)
	}
	if st.Status != task.StatusPending && st.Status != task.StatusRouted {
		e.logger.Debug("workflow already in progress", "workflow_id", it.id, "status", st.Status)
		return o
	}
	if err := parent.Err(); err != nil {
		return e.interrupted(o, err)
	}

	t, err := e.deps.Store.GetTask(rec, it.id)
	if err != nil {
		return e.fail(rec, o, err)
	}

	ctx, cancel := context.WithTimeout(parent, e.cfg.TaskDeadline)
	defer cancel()

	intent := e.classify(ctx, rec, *t)
	if err := parent.Err(); err != nil {
		return e.interrupted(o, err)
	}

	d, err := e.route(ctx, *t, intent)
	if err != nil {
		if errors.Is(err, task.ErrNoCapacity) {
			return e.noCapacity(rec, o, it, err)
		}
		return e.fail(rec, o, err)
	}
	o.Decision = &d

	if err := e.markRouted(rec, st.Status, d); err != nil {
		return e.fail(rec, o, err)
	}
	if _, err := e.machine.Transition(rec, it.id, task.StatusExecuting, workflow.Update{
		Reason:       "executing",
		WorkflowType: string(d.Strategy),
		TotalSteps:   d.TotalSteps(),
	}); err != nil {
		return e.fail(rec, o, err)
	}
	o.Status = task.StatusExecuting

	res, execErr := e.execute(ctx, rec, d, *t)
	if res != nil {
		o.Output = res.Output
		if len(res.Candidates) > 0 {
			o.Candidates, o.Conflicts = res.Candidates, res.Conflicts
			e.recordAmbiguity(rec, it.id, res)
		}
	}
	if execErr == nil {
		return e.complete(rec, o, res)
	}
	if parent.Err() != nil {
		return e.interrupted(o, execErr)
	}

	entries := e.compensationEntries(res)
	if len(entries) == 0 {
		return e.fail(rec, o, execErr)
	}
	return e.compensate(rec, o, entries, execErr)
}

func (e *Engine) classify(ctx, rec context.Context, t task.Task) task.Intent {
	ctx, span := tracing.StartSpan(ctx, "classify", attribute.String("workflow.id", t.ID))
	intent := e.deps.Classifier.Classify(ctx, t)
	span.SetAttributes(
		attribute.String("intent.label", intent.Label),
		attribute.Float64("intent.confidence", intent.Confidence),
		attribute.String("intent.source", string(intent.Source)))
	tracing.End(span, nil)

	e.deps.Metrics.Classified(intent.Label, string(intent.Source))
	err := e.machine.Record(rec, t.ID, task.EventClassified, "", map[string]any{
		"intent":     intent.Label,
		"confidence": intent.Confidence,
		"source":     string(intent.Source),
	})
	if err != nil {
		e.logger.Warn("failed to record classification", "workflow_id", t.ID, "error", err)
	}
	return intent
}

func (e *Engine) route(ctx context.Context, t task.Task, intent task.Intent) (task.Decision, error) {
	_, span := tracing.StartSpan(ctx, "route", attribute.String("workflow.id", t.ID))
	d, err := e.deps.Router.Decide(t, intent, e.deps.Agents)
	if err == nil {
		span.SetAttributes(
			attribute.String("routing.strategy", string(d.Strategy)),
			attribute.StringSlice("routing.targets", d.TargetAgents))
		e.deps.Metrics.Routed(string(d.Strategy))
	}
	tracing.End(span, err)
	return d, err
}

// markRouted records the decision. A workflow recovered after routing keeps
// its status and gets the new decision as an annotation.
func (e *Engine) markRouted(ctx context.Context, from task.Status, d task.Decision) error {
	meta := map[string]any{
		metaDecisionID: d.ID,
		metaLabel:      d.Label,
		"intent":       d.Intent.Label,
		"confidence":   d.Intent.Confidence,
		"source":       string(d.Intent.Source),
		"strategy":     string(d.Strategy),
		"targets":      d.TargetAgents,
		"fallbacks":    d.FallbackAgents,
		"timeout_ms":   d.Timeout.Milliseconds(),
	}
	if len(d.Steps) > 0 {
		meta["steps"] = d.Steps
	}
	if len(d.StepFallbacks) > 0 {
		meta["step_fallbacks"] = d.StepFallbacks
	}

	if from == task.StatusRouted {
		return e.machine.Record(ctx, d.TaskID, task.EventAnnotation, "rerouted", meta)
	}
	_, err := e.machine.Transition(ctx, d.TaskID, task.StatusRouted, workflow.Update{
		Reason:       "routed",
		WorkflowType: string(d.Strategy),
		TotalSteps:   d.TotalSteps(),
		Metadata:     meta,
	})
	if err == nil {
		e.logger.Info("task routed",
			"workflow_id", d.TaskID,
			"label", d.Label,
			"confidence", d.Intent.Confidence,
			"strategy", d.Strategy,
			"targets", d.TargetAgents)
	}
	return err
}

func (e *Engine) execute(ctx, rec context.Context, d task.Decision, t task.Task) (*executor.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "execute",
		attribute.String("workflow.id", t.ID),
		attribute.String("routing.strategy", string(d.Strategy)),
		attribute.Int("routing.targets", len(d.TargetAgents)))
	res, err := e.deps.Executor.Execute(ctx, d, t, &progress{e: e, ctx: rec, id: t.ID})
	tracing.End(span, err)
	return res, err
}

// recordAmbiguity keeps every candidate output in the log so an operator can
// settle the conflict by hand.
func (e *Engine) recordAmbiguity(ctx context.Context, id string, res *executor.Result) {
	err := e.machine.Record(ctx, id, task.EventAnnotation, "reconciliation ambiguous", map[string]any{
		metaCandidates: res.Candidates,
		metaConflicts:  res.Conflicts,
	})
	if err != nil {
		e.logger.Warn("failed to record reconciliation candidates", "workflow_id", id, "error", err)
	}
}

func (e *Engine) complete(ctx context.Context, o Outcome, res *executor.Result) Outcome {
	st, err := e.machine.Transition(ctx, o.WorkflowID, task.StatusCompleted, workflow.Update{
		Reason:   "completed",
		Metadata: map[string]any{"calls": len(res.Calls)},
	})
	if err != nil {
		e.logger.Error("failed to record completion", "workflow_id", o.WorkflowID, "error", err)
		o.Err, o.Kind = err, task.KindOf(err)
		return o
	}
	o.Status = st.Status
	o.LastEvent = e.lastEvent(ctx, o.WorkflowID)
	e.logger.Info("workflow completed", "workflow_id", o.WorkflowID, "steps", st.CompletedSteps)
	return o
}

// fail moves the workflow to FAILED with cause as the reason.
func (e *Engine) fail(ctx context.Context, o Outcome, cause error) Outcome {
	kind := task.KindOf(cause)
	o.Err, o.Kind = cause, kind

	st, err := e.machine.Transition(ctx, o.WorkflowID, task.StatusFailed, workflow.Update{
		Reason:   cause.Error(),
		Metadata: map[string]any{metaErrorKind: string(kind)},
	})
	if err != nil {
		e.logger.Error("failed to record workflow failure", "workflow_id", o.WorkflowID, "cause", cause, "error", err)
		o.Err = errors.Join(cause, err)
		return o
	}
	o.Status = st.Status
	o.PartialState = st.PartialState
	o.LastEvent = e.lastEvent(ctx, o.WorkflowID)
	e.logger.Warn("workflow failed", "workflow_id", o.WorkflowID, "kind", kind, "error", cause)
	return o
}

func (e *Engine) interrupted(o Outcome, cause error) Outcome {
	o.Interrupted = true
	o.Err, o.Kind = cause, task.KindOf(cause)
	e.logger.Warn("workflow interrupted", "workflow_id", o.WorkflowID, "status", o.Status, "error", cause)
	return o
}

// noCapacity requeues the task until MaxRequeues is spent, then fails it.
func (e *Engine) noCapacity(ctx context.Context, o Outcome, it queueItem, cause error) Outcome {
	e.deps.Metrics.NoCapacity()
	err := e.machine.Record(ctx, it.id, task.EventNoCapacity, cause.Error(), map[string]any{
		"attempt": it.requeues + 1,
	})
	if err != nil {
		e.logger.Warn("failed to record capacity miss", "workflow_id", it.id, "error", err)
	}

	if it.requeues < e.cfg.MaxRequeues {
		e.requeue(it)
		e.deps.Metrics.Requeued()
		e.logger.Info("no agent capacity, task requeued",
			"workflow_id", it.id,
			"attempt", it.requeues+1,
			"delay", e.cfg.RequeueDelay)
		o.Requeued = true
		o.Err, o.Kind = cause, task.KindNoCapacity
		return o
	}
	return e.fail(ctx, o, fmt.Errorf("gave up after %d requeues: %w", it.requeues, cause))
}

func (e *Engine) lastEvent(ctx context.Context, id string) *task.WorkflowEvent {
	recent, err := e.deps.Store.ListRecentEvents(ctx, id, 1)
	if err != nil || len(recent) == 0 {
		return nil
	}
	return &recent[0]
}

// compEntry is one completed step that may need undoing.
type compEntry struct {
	step  string
	agent string
	fn    resilience.CompensationFunc // nil records a no-op marker
}

func stepName(c executor.Call) string {
	if c.Step != "" {
		return c.Step
	}
	return c.Agent
}

// inverse returns the guarded inverse action for a completed call, or nil
// when the agent has none. Each attempt is bounded by UndoCallTimeout and
// transient failures are retried under the agent's undo breaker.
func (e *Engine) inverse(agentID string, in agent.Input, out agent.Output) resilience.CompensationFunc {
	if e.deps.Compensator == nil {
		return nil
	}
	undo := e.deps.Compensator.CompensationFor(agentID, in, out)
	if undo == nil {
		return nil
	}
	return func(ctx context.Context) error {
		_, err := e.deps.Guard.Do(ctx, agentID+undoKeySuffix, e.cfg.UndoCallTimeout, resilience.CallFunc(undo))
		return err
	}
}

// compensationEntries lists completed calls in completion order.
func (e *Engine) compensationEntries(res *executor.Result) []compEntry {
	if res == nil {
		return nil
	}
	var entries []compEntry
	for _, c := range res.Completed() {
		entries = append(entries, compEntry{
			step:  stepName(c),
			agent: c.Agent,
			fn:    e.inverse(c.Agent, c.Input, c.Output),
		})
	}
	return entries
}

// compensate undoes entries in reverse order and closes the workflow. It ends
// in FAILED, or COMPENSATED when MarkCompensated is set and every inverse
// action succeeded.
func (e *Engine) compensate(ctx context.Context, o Outcome, entries []compEntry, cause error) Outcome {
	id := o.WorkflowID
	st, err := e.machine.Get(ctx, id)
	if err != nil {
		o.Err, o.Kind = errors.Join(cause, err), task.KindOf(cause)
		return o
	}
	if st.Status != task.StatusCompensating {
		if _, err := e.machine.Transition(ctx, id, task.StatusCompensating, workflow.Update{
			Reason:   cause.Error(),
			Metadata: map[string]any{metaErrorKind: string(task.KindOf(cause))},
		}); err != nil {
			return e.fail(ctx, o, errors.Join(cause, err))
		}
	}
	o.Status = task.StatusCompensating
	o.Compensated = true
	// An inverse that failed before a restart is not retried.
	earlier := st.PartialState

	comp := resilience.NewCompensation()
	agents := make(map[string]string, len(entries))
	for _, en := range entries {
		comp.Register(en.step, en.fn)
		agents[en.step] = en.agent
	}

	uctx, cancel := context.WithTimeout(ctx, e.cfg.CompensationTimeout)
	defer cancel()
	uctx, span := tracing.StartSpan(uctx, "compensate",
		attribute.String("workflow.id", id),
		attribute.Int("compensation.steps", len(entries)))

	_, unwindErr := comp.Unwind(uctx, func(r resilience.CompensationResult) {
		e.deps.Metrics.Compensation(r.Err == nil)
		agentID := agents[r.Name]
		var recErr error
		if r.Err != nil {
			e.logger.Error("compensation failed", "workflow_id", id, "step", r.Name, "agent", agentID, "error", r.Err)
			recErr = e.machine.CompensationFailed(ctx, id, r.Name, agentID, r.Err.Error())
		} else {
			e.logger.Debug("step compensated", "workflow_id", id, "step", r.Name, "agent", agentID, "noop", r.NoOp)
			recErr = e.machine.StepCompensated(ctx, id, r.Name, agentID, r.NoOp)
		}
		if recErr != nil {
			e.logger.Warn("failed to record compensation", "workflow_id", id, "step", r.Name, "error", recErr)
		}
	})
	tracing.End(span, unwindErr)
	if unwindErr == nil && earlier {
		unwindErr = fmt.Errorf("%w: an inverse action failed before restart", task.ErrCompensationFailure)
	}

	final := task.StatusFailed
	reason := "compensated: " + cause.Error()
	failure := cause
	switch {
	case unwindErr != nil:
		reason = "compensation failed: " + cause.Error()
		failure = errors.Join(cause, unwindErr)
	case e.cfg.MarkCompensated:
		final = task.StatusCompensated
	}
	kind := task.KindOf(failure)
	o.Err, o.Kind = failure, kind

	st, err = e.machine.Transition(ctx, id, final, workflow.Update{
		Reason:   reason,
		Metadata: map[string]any{metaErrorKind: string(kind)},
	})
	if err != nil {
		e.logger.Error("failed to close compensated workflow", "workflow_id", id, "error", err)
		o.Err = errors.Join(failure, err)
		return o
	}
	o.Status = st.Status
	o.PartialState = st.PartialState
	o.LastEvent = e.lastEvent(ctx, id)
	e.logger.Warn("workflow rolled back",
		"workflow_id", id,
		"status", st.Status,
		"steps", len(entries),
		"partial", st.PartialState,
		"error", cause)
	return o
}

// progress records call progress in the workflow log.
type progress struct {
	e   *Engine
	ctx context.Context
	id  string
}

func (p *progress) OnCallStarted(c executor.Call) {
	if err := p.e.machine.AgentStarted(p.ctx, p.id, stepName(c), c.Agent); err != nil {
		p.e.logger.Warn("failed to record agent start", "workflow_id", p.id, "agent", c.Agent, "error", err)
	}
}

func (p *progress) OnCallCompleted(c executor.Call) {
	p.e.deps.Metrics.AgentCall(c.Agent, true, c.Latency)
	err := p.e.machine.StepCompleted(p.ctx, p.id, stepName(c), c.Agent, map[string]any{
		"attempts":   c.Attempts,
		"latency_ms": c.Latency.Milliseconds(),
		"fallback":   c.Fallback,
		metaOutput:   c.Output,
	})
	if err != nil {
		p.e.logger.Warn("failed to record step completion", "workflow_id", p.id, "agent", c.Agent, "error", err)
	}
}

func (p *progress) OnCallFailed(c executor.Call) {
	if c.Attempts > 0 {
		p.e.deps.Metrics.AgentCall(c.Agent, false, c.Latency)
	}
	err := p.e.machine.StepFailed(p.ctx, p.id, stepName(c), c.Agent, c.Err.Error(), map[string]any{
		"attempts":    c.Attempts,
		"timed_out":   c.TimedOut,
		"fallback":    c.Fallback,
		metaErrorKind: string(task.KindOf(c.Err)),
	})
	if err != nil {
		p.e.logger.Warn("failed to record step failure", "workflow_id", p.id, "agent", c.Agent, "error", err)
	}
}
