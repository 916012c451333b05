package orchestrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/task"
)

// RecoveryReport lists what Recover did with each unfinished workflow.
type RecoveryReport struct {
	Requeued    []string
	Failed      []string
	Compensated []string
}

// Recover resumes workflows left unfinished by a previous process.
// PENDING and ROUTED workflows go back on the queue. EXECUTING and
// COMPENSATING workflows cannot be resumed mid-call: completed steps are
// compensated from the event log and the workflow fails as interrupted.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	open, err := e.deps.Store.ListWorkflows(ctx,
		task.StatusPending, task.StatusRouted, task.StatusExecuting, task.StatusCompensating)
	if err != nil {
		return report, fmt.Errorf("failed to list unfinished workflows: %w", err)
	}

	for _, st := range open {
		switch st.Status {
		case task.StatusPending, task.StatusRouted:
			t, err := e.deps.Store.GetTask(ctx, st.WorkflowID)
			if err != nil {
				return report, err
			}
			if err := e.queue.push(queueItem{id: t.ID, priority: t.Priority}, true); err != nil {
				return report, fmt.Errorf("failed to requeue %s: %w", t.ID, err)
			}
			report.Requeued = append(report.Requeued, t.ID)
		default:
			o, err := e.resume(ctx, st)
			if err != nil {
				return report, err
			}
			if o.Compensated {
				report.Compensated = append(report.Compensated, st.WorkflowID)
			} else {
				report.Failed = append(report.Failed, st.WorkflowID)
			}
			e.deliver(o)
		}
	}
	e.deps.Metrics.QueueDepth(e.queue.Len())

	e.logger.Info("recovery complete",
		"requeued", len(report.Requeued),
		"failed", len(report.Failed),
		"compensated", len(report.Compensated))
	return report, nil
}

// resume closes an interrupted EXECUTING or COMPENSATING workflow.
func (e *Engine) resume(ctx context.Context, st *task.WorkflowState) (Outcome, error) {
	o := Outcome{WorkflowID: st.WorkflowID, Status: st.Status}

	evs, err := e.machine.Events(ctx, st.WorkflowID)
	if err != nil {
		return o, err
	}
	t, err := e.deps.Store.GetTask(ctx, st.WorkflowID)
	if err != nil {
		return o, err
	}

	entries := e.pendingCompensations(*t, st.WorkflowType, evs)
	if len(entries) == 0 && st.Status == task.StatusExecuting {
		return e.fail(ctx, o, errInterrupted), nil
	}
	return e.compensate(ctx, o, entries, errInterrupted), nil
}

// pendingCompensations rebuilds the compensation stack from the event log:
// every completed step whose inverse has not been attempted, in completion
// order, with the input and output the agent saw. A step whose inverse
// already failed stays failed; its inverse is never run twice.
func (e *Engine) pendingCompensations(t task.Task, workflowType string, evs []task.WorkflowEvent) []compEntry {
	type completed struct {
		step, agent string
		in          agent.Input
		out         agent.Output
	}

	var (
		label    string
		done     []completed
		previous []agent.StepOutput
	)
	sequential := workflowType == string(task.StrategySequential)

	for _, ev := range evs {
		meta := ev.MetadataMap()
		switch ev.EventType {
		case task.EventTransition, task.EventAnnotation:
			if _, ok := meta[metaDecisionID]; ok {
				label, _ = meta[metaLabel].(string)
			}
		case task.EventStepCompleted:
			step, _ := meta[metaStep].(string)
			out := agent.Output{}
			if m, ok := meta[metaOutput].(map[string]any); ok {
				out = agent.Output(m)
			}
			in := agent.Input{TaskID: t.ID, Title: t.Title, Label: label, Payload: t.Payload}
			if sequential {
				in.Step = step
				in.Previous = slices.Clone(previous)
				previous = append(previous, agent.StepOutput{Step: step, Agent: ev.AgentName, Output: out})
			}
			done = append(done, completed{step: step, agent: ev.AgentName, in: in, out: out})
		case task.EventStepCompensated, task.EventCompensationFailed:
			step, _ := meta[metaStep].(string)
			for i := len(done) - 1; i >= 0; i-- {
				if done[i].step == step {
					done = append(done[:i], done[i+1:]...)
					break
				}
			}
		}
	}

	entries := make([]compEntry, 0, len(done))
	for _, c := range done {
		entries = append(entries, compEntry{step: c.step, agent: c.agent, fn: e.inverse(c.agent, c.in, c.out)})
	}
	return entries
}
