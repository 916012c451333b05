package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/registry"
	"github.com/aristath/taskrouter/internal/resilience"
	"github.com/aristath/taskrouter/internal/task"
)

type harness struct {
	reg  *registry.Registry
	dir  *agent.Directory
	exec *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := registry.New(0, nil)
	dir := agent.NewDirectory()
	guard := resilience.NewGuard(resilience.RetryConfig{MaxAttempts: 1}, nil, nil)
	return &harness{reg: reg, dir: dir, exec: New(cfg, reg, dir, guard, nil)}
}

func (h *harness) add(t *testing.T, id string, maxConcurrent int, fn agent.Func) {
	t.Helper()
	require.NoError(t, h.reg.Register(registry.Agent{ID: id, Capabilities: []string{"work"}, MaxConcurrent: maxConcurrent}))
	h.dir.Add(id, fn)
}

func returns(out agent.Output) agent.Func {
	return func(context.Context, agent.Input) (agent.Output, error) { return out, nil }
}

func fails(msg string) agent.Func {
	return func(context.Context, agent.Input) (agent.Output, error) {
		return nil, resilience.Permanent(errors.New(msg))
	}
}

func decision(strategy task.Strategy, targets []string, fallbacks ...string) task.Decision {
	return task.Decision{
		ID:             "d1",
		TaskID:         "t1",
		Label:          "work",
		Strategy:       strategy,
		TargetAgents:   targets,
		FallbackAgents: fallbacks,
		Timeout:        5 * time.Second,
	}
}

type recorder struct {
	mu        sync.Mutex
	started   []string
	completed []string
	failed    []string
}

func (r *recorder) OnCallStarted(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, c.Agent)
}

func (r *recorder) OnCallCompleted(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, c.Agent)
}

func (r *recorder) OnCallFailed(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, c.Agent)
}

func TestExecute_SinglePassthrough(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "a", 1, returns(agent.Output{"reply": "done"}))

	rec := &recorder{}
	res, err := h.exec.Execute(context.Background(), decision(task.StrategySingle, []string{"a"}), task.Task{ID: "t1"}, rec)
	require.NoError(t, err)
	assert.Equal(t, agent.Output{"reply": "done"}, res.Output)
	assert.Equal(t, []string{"a"}, rec.started)
	assert.Equal(t, []string{"a"}, rec.completed)

	d, _ := h.reg.Get("a")
	assert.Equal(t, 0, d.CurrentLoad)
	assert.Equal(t, int64(1), d.Calls)
}

func TestExecute_SingleUsesFallbacksInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "primary", 1, fails("down"))
	h.add(t, "second", 1, fails("also down"))
	h.add(t, "third", 1, returns(agent.Output{"by": "third"}))

	res, err := h.exec.Execute(context.Background(),
		decision(task.StrategySingle, []string{"primary"}, "second", "third"), task.Task{ID: "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "third", res.Output["by"])
	require.Len(t, res.Calls, 3)
	assert.False(t, res.Calls[0].Fallback)
	assert.True(t, res.Calls[2].Fallback)

	d, _ := h.reg.Get("primary")
	assert.Equal(t, 0.0, d.RollingSuccessRate)
}

func TestExecute_SingleAllFail(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "a", 1, fails("nope"))

	res, err := h.exec.Execute(context.Background(), decision(task.StrategySingle, []string{"a"}), task.Task{ID: "t1"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrPermanentCall)
	assert.Len(t, res.Failed(), 1)
}

func TestExecute_SequentialCarriesPreviousOutputs(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "writer", 1, func(_ context.Context, in agent.Input) (agent.Output, error) {
		return agent.Output{"step": in.Step, "seen": float64(len(in.Previous))}, nil
	})

	d := decision(task.StrategySequential, []string{"writer", "writer", "writer"})
	d.Steps = []string{"draft", "review", "send"}

	res, err := h.exec.Execute(context.Background(), d, task.Task{ID: "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.Output{"step": "send", "seen": float64(2)}, res.Output)

	completed := res.Completed()
	require.Len(t, completed, 3)
	assert.Equal(t, []string{"draft", "review", "send"}, []string{completed[0].Step, completed[1].Step, completed[2].Step})
	assert.Equal(t, "draft", completed[2].Input.Previous[0].Step)
}

func TestExecute_SequentialStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, Config{})
	var ran []string
	var mu sync.Mutex
	h.add(t, "writer", 1, func(_ context.Context, in agent.Input) (agent.Output, error) {
		mu.Lock()
		ran = append(ran, in.Step)
		mu.Unlock()
		if in.Step == "review" {
			return nil, resilience.Permanent(errors.New("rejected"))
		}
		return agent.Output{"ok": true}, nil
	})

	d := decision(task.StrategySequential, []string{"writer", "writer", "writer"})
	d.Steps = []string{"draft", "review", "send"}

	res, err := h.exec.Execute(context.Background(), d, task.Task{ID: "t1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "review"`)
	assert.Equal(t, []string{"draft", "review"}, ran)
	assert.Len(t, res.Completed(), 1)
	assert.Len(t, res.Failed(), 1)
}

func TestExecute_SequentialStepFallback(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "writer-a", 1, func(_ context.Context, in agent.Input) (agent.Output, error) {
		if in.Step == "review" {
			return nil, resilience.Permanent(errors.New("rejected"))
		}
		return agent.Output{"by": "writer-a", "step": in.Step}, nil
	})
	h.add(t, "writer-b", 1, func(_ context.Context, in agent.Input) (agent.Output, error) {
		return agent.Output{"by": "writer-b", "step": in.Step, "seen": len(in.Previous)}, nil
	})

	d := decision(task.StrategySequential, []string{"writer-a", "writer-a", "writer-a"})
	d.Steps = []string{"draft", "review", "send"}
	d.StepFallbacks = [][]string{{"writer-b"}, {"writer-b"}, {"writer-b"}}
	rec := &recorder{}

	res, err := h.exec.Execute(context.Background(), d, task.Task{ID: "t1"}, rec)
	require.NoError(t, err)
	assert.Equal(t, "writer-a", res.Output["by"])

	completed := res.Completed()
	require.Len(t, completed, 3)
	assert.Equal(t, "writer-b", completed[1].Agent)
	assert.True(t, completed[1].Fallback)
	assert.Equal(t, "review", completed[1].Step)
	assert.Equal(t, "writer-b", completed[2].Input.Previous[1].Agent, "later steps see the fallback's output")

	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "writer-a", failed[0].Agent)
}

func TestExecute_SequentialFallbacksExhausted(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "writer-a", 1, fails("a down"))
	h.add(t, "writer-b", 1, fails("b down"))

	d := decision(task.StrategySequential, []string{"writer-a"})
	d.Steps = []string{"draft"}
	d.StepFallbacks = [][]string{{"writer-b"}}

	res, err := h.exec.Execute(context.Background(), d, task.Task{ID: "t1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "draft" on writer-b`)
	assert.Len(t, res.Failed(), 2)
	assert.Empty(t, res.Completed())
}

func TestExecute_ParallelAny(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "a", 1, fails("down"))
	h.add(t, "b", 1, returns(agent.Output{"by": "b"}))

	res, err := h.exec.Execute(context.Background(), decision(task.StrategyParallel, []string{"a", "b"}), task.Task{ID: "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Output["by"])
	assert.Len(t, res.Calls, 2)
}

func TestExecute_ParallelAllPolicy(t *testing.T) {
	h := newHarness(t, Config{SuccessPolicy: SuccessAll})
	h.add(t, "a", 1, fails("down"))
	h.add(t, "b", 1, returns(agent.Output{"by": "b"}))

	res, err := h.exec.Execute(context.Background(), decision(task.StrategyParallel, []string{"a", "b"}), task.Task{ID: "t1"}, nil)
	require.Error(t, err)
	assert.Len(t, res.Completed(), 1, "successful call kept for compensation")
}

func TestExecute_ParallelFallbackWave(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "a", 1, fails("down"))
	h.add(t, "b", 1, fails("down"))
	h.add(t, "c", 1, returns(agent.Output{"by": "c"}))

	res, err := h.exec.Execute(context.Background(),
		decision(task.StrategyParallel, []string{"a", "b"}, "c"), task.Task{ID: "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "c", res.Output["by"])
	require.Len(t, res.Calls, 3)
	assert.True(t, res.Calls[2].Fallback)
}

func TestExecute_FailureRatioThreshold(t *testing.T) {
	h := newHarness(t, Config{MaxFailureRatio: 0.5})
	h.add(t, "a", 1, fails("down"))
	h.add(t, "b", 1, fails("down"))
	h.add(t, "c", 1, returns(agent.Output{"by": "c"}))

	_, err := h.exec.Execute(context.Background(),
		decision(task.StrategyParallel, []string{"a", "b", "c"}), task.Task{ID: "t1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure ratio")
}

// TestExecute_ScatterGatherMajority checks {subject:A}, {subject:A},
// {subject:B} reconciles to A.
func TestExecute_ScatterGatherMajority(t *testing.T) {
	h := newHarness(t, Config{})
	var seen []agent.Input
	var mu sync.Mutex
	answer := func(subject string) agent.Func {
		return func(_ context.Context, in agent.Input) (agent.Output, error) {
			mu.Lock()
			seen = append(seen, in)
			mu.Unlock()
			return agent.Output{"subject": subject}, nil
		}
	}
	h.add(t, "a1", 1, answer("A"))
	h.add(t, "a2", 1, answer("A"))
	h.add(t, "b1", 1, answer("B"))

	payload, err := task.PayloadFromMap(map[string]any{"subject": "draft"})
	require.NoError(t, err)

	res, err := h.exec.Execute(context.Background(),
		decision(task.StrategyScatterGather, []string{"a1", "a2", "b1"}), task.Task{ID: "t1", Payload: payload}, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.Output{"subject": "A"}, res.Output)

	require.Len(t, seen, 3)
	for _, in := range seen {
		assert.Equal(t, string(payload.Raw()), string(in.Payload.Raw()), "identical input to every agent")
	}
}

func TestExecute_ScatterGatherAmbiguous(t *testing.T) {
	h := newHarness(t, Config{TieBreak: TieBreakNone})
	h.add(t, "a", 1, returns(agent.Output{"subject": "A"}))
	h.add(t, "b", 1, returns(agent.Output{"subject": "B"}))

	res, err := h.exec.Execute(context.Background(),
		decision(task.StrategyScatterGather, []string{"a", "b"}), task.Task{ID: "t1"}, nil)
	require.ErrorIs(t, err, task.ErrReconciliationAmbiguous)
	assert.Equal(t, task.KindReconciliationAmbiguous, task.KindOf(err))
	assert.Len(t, res.Candidates, 2)
	assert.Equal(t, []string{"subject"}, res.Conflicts)
}

// TestExecute_DeadlineAbandonsStragglers checks the collector returns at the
// decision deadline even when an agent ignores cancellation.
func TestExecute_DeadlineAbandonsStragglers(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	defer close(release)

	h.add(t, "fast", 1, returns(agent.Output{"by": "fast"}))
	h.add(t, "stuck", 1, func(context.Context, agent.Input) (agent.Output, error) {
		<-release
		return agent.Output{"by": "stuck"}, nil
	})

	d := decision(task.StrategyParallel, []string{"fast", "stuck"})
	d.Timeout = 100 * time.Millisecond

	rec := &recorder{}
	start := time.Now()
	res, err := h.exec.Execute(context.Background(), d, task.Task{ID: "t1"}, rec)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "fast", res.Output["by"])
	require.Len(t, res.Calls, 2)
	assert.True(t, res.Calls[1].TimedOut)
	assert.ErrorIs(t, res.Calls[1].Err, context.DeadlineExceeded)

	// The abandoned call is reported once as failed; its late completion is not.
	release <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"fast"}, rec.completed)
	assert.Equal(t, []string{"stuck"}, rec.failed)
}

func TestExecute_SaturatedAgentIsNoCapacity(t *testing.T) {
	h := newHarness(t, Config{})
	h.add(t, "a", 1, returns(agent.Output{}))
	ok, err := h.reg.TryAcquire("a")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.exec.Execute(context.Background(), decision(task.StrategySingle, []string{"a"}), task.Task{ID: "t1"}, nil)
	assert.ErrorIs(t, err, task.ErrNoCapacity)
}

func TestExecute_NoTargets(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.exec.Execute(context.Background(), decision(task.StrategyParallel, nil), task.Task{ID: "t1"}, nil)
	assert.ErrorIs(t, err, task.ErrNoCapacity)
}

// TestExecute_ParallelRespectsMaxConcurrent runs more parallel targets than
// slots on a shared agent and checks load never exceeds the limit.
func TestExecute_ParallelRespectsMaxConcurrent(t *testing.T) {
	h := newHarness(t, Config{})
	var mu sync.Mutex
	inFlight, peak := 0, 0
	h.add(t, "shared", 2, func(context.Context, agent.Input) (agent.Output, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return agent.Output{"ok": true}, nil
	})

	targets := []string{"shared", "shared", "shared", "shared", "shared"}
	res, err := h.exec.Execute(context.Background(), decision(task.StrategyParallel, targets), task.Task{ID: "t1"}, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, 2)
	assert.NotEmpty(t, res.Completed())
	d, _ := h.reg.Get("shared")
	assert.Equal(t, 0, d.CurrentLoad)
}
