// Package executor runs routing decisions against agents under one of the
// concurrency strategies: single, parallel, sequential or scatter-gather.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/registry"
	"github.com/aristath/taskrouter/internal/resilience"
	"github.com/aristath/taskrouter/internal/task"
)

// SuccessPolicy decides when a parallel fan-out succeeded.
type SuccessPolicy string

const (
	SuccessAny SuccessPolicy = "any"
	SuccessAll SuccessPolicy = "all"
)

// Registry is the part of the agent registry the executor needs.
type Registry interface {
	TryAcquire(id string) (bool, error)
	Release(id string, out registry.Outcome)
	Get(id string) (registry.AgentDescriptor, bool)
}

// Config configures an Executor.
type Config struct {
	CallTimeout     time.Duration // Per-call timeout, capped by the decision deadline
	SuccessPolicy   SuccessPolicy
	TieBreak        TieBreak
	MaxFailureRatio float64 // Fail parallel and scatter-gather runs above this share of failed calls
	MaxParallel     int     // Concurrent calls per fan-out
}

// DefaultConfig returns the default execution configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     10 * time.Second,
		SuccessPolicy:   SuccessAny,
		TieBreak:        TieBreakSuccessRate,
		MaxFailureRatio: 1.0,
		MaxParallel:     8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.SuccessPolicy == "" {
		c.SuccessPolicy = d.SuccessPolicy
	}
	if c.TieBreak == "" {
		c.TieBreak = d.TieBreak
	}
	if c.MaxFailureRatio <= 0 || c.MaxFailureRatio > 1 {
		c.MaxFailureRatio = d.MaxFailureRatio
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	return c
}

// Call records one dispatched agent call.
type Call struct {
	Agent    string
	Step     string
	Input    agent.Input
	Output   agent.Output
	Err      error
	Attempts int
	Latency  time.Duration
	Fallback bool
	TimedOut bool
	seq      int64
}

// Succeeded reports whether the call returned an output.
func (c Call) Succeeded() bool { return c.Err == nil }

// Result is the outcome of executing one decision.
type Result struct {
	Strategy   task.Strategy
	Output     agent.Output
	Calls      []Call        // Every call, in dispatch order
	Candidates []AgentOutput // Scatter-gather outputs when reconciliation was ambiguous
	Conflicts  []string      // Fields reconciliation could not decide
}

// Completed returns the successful calls in completion order.
func (r *Result) Completed() []Call {
	var out []Call
	for _, c := range r.Calls {
		if c.Succeeded() {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Failed returns the calls that did not succeed.
func (r *Result) Failed() []Call {
	var out []Call
	for _, c := range r.Calls {
		if !c.Succeeded() {
			out = append(out, c)
		}
	}
	return out
}

// Observer is notified as calls progress. Callbacks may run concurrently.
type Observer interface {
	OnCallStarted(c Call)
	OnCallCompleted(c Call)
	OnCallFailed(c Call)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnCallStarted(Call)   {}
func (NopObserver) OnCallCompleted(Call) {}
func (NopObserver) OnCallFailed(Call)    {}

// gate drops callbacks from stragglers once Execute has returned.
type gate struct {
	mu     sync.Mutex
	closed bool
	obs    Observer
}

func (g *gate) do(fn func(Observer)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		fn(g.obs)
	}
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Executor runs decisions. Every call goes through registry admission and the
// resilience guard, and reports its outcome back to the registry.
type Executor struct {
	cfg     Config
	reg     Registry
	invoker agent.Invoker
	guard   *resilience.Guard
	logger  *slog.Logger
	seq     atomic.Int64
}

// New creates an Executor.
func New(cfg Config, reg Registry, invoker agent.Invoker, guard *resilience.Guard, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = resilience.NewGuard(resilience.DefaultRetryConfig(), nil, logger)
	}
	return &Executor{
		cfg:     cfg.withDefaults(),
		reg:     reg,
		invoker: invoker,
		guard:   guard,
		logger:  logger,
	}
}

type request struct {
	agent    string
	step     string
	input    agent.Input
	fallback bool
	settled  *atomic.Bool // Set by fan-outs; nil for direct calls
}

// settle claims the right to report r's outcome to the observer. It fails
// once the fan-out collector has abandoned r at the deadline.
func (r request) settle() bool {
	return r.settled == nil || r.settled.CompareAndSwap(false, true)
}

// Execute runs d for t. The decision timeout bounds the whole execution;
// calls still running at the deadline are cancelled and recorded as timed out.
// A non-nil Result is returned even on failure so callers can compensate
// completed work.
func (e *Executor) Execute(ctx context.Context, d task.Decision, t task.Task, obs Observer) (*Result, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	g := &gate{obs: obs}
	defer g.close()

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	if len(d.TargetAgents) == 0 {
		return &Result{Strategy: d.Strategy}, fmt.Errorf("decision %s has no targets: %w", d.ID, task.ErrNoCapacity)
	}

	base := agent.Input{TaskID: t.ID, Title: t.Title, Label: d.Label, Payload: t.Payload}

	switch d.Strategy {
	case task.StrategySingle:
		return e.runSingle(ctx, d, base, g)
	case task.StrategySequential:
		return e.runSequential(ctx, d, base, g)
	case task.StrategyParallel:
		return e.runParallel(ctx, d, base, g)
	case task.StrategyScatterGather:
		return e.runScatterGather(ctx, d, base, g)
	default:
		return &Result{Strategy: d.Strategy}, fmt.Errorf("%w: unknown strategy %q", task.ErrPermanentCall, d.Strategy)
	}
}

func (e *Executor) runSingle(ctx context.Context, d task.Decision, base agent.Input, g *gate) (*Result, error) {
	res := &Result{Strategy: d.Strategy}
	order := append([]string{d.TargetAgents[0]}, d.FallbackAgents...)

	var lastErr error
	for i, id := range order {
		c := e.call(ctx, request{agent: id, input: base, fallback: i > 0}, g)
		res.Calls = append(res.Calls, c)
		if c.Succeeded() {
			res.Output = c.Output
			return res, nil
		}
		lastErr = c.Err
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(order) {
			e.logger.Warn("agent failed, trying fallback", "task", base.TaskID, "agent", id, "next", order[i+1], "error", c.Err)
		}
	}
	return res, fmt.Errorf("single: %d agents failed: %w", len(res.Calls), lastErr)
}

func (e *Executor) runSequential(ctx context.Context, d task.Decision, base agent.Input, g *gate) (*Result, error) {
	res := &Result{Strategy: d.Strategy}
	var previous []agent.StepOutput

	for i, id := range d.TargetAgents {
		step := d.StepName(i)
		in := base
		in.Step = step
		in.Previous = append([]agent.StepOutput(nil), previous...)

		order := append([]string{id}, d.FallbacksFor(i)...)
		var c Call
		for j, candidate := range order {
			c = e.call(ctx, request{agent: candidate, step: step, input: in, fallback: j > 0}, g)
			res.Calls = append(res.Calls, c)
			if c.Succeeded() || ctx.Err() != nil {
				break
			}
			if j+1 < len(order) {
				e.logger.Warn("step failed, trying fallback", "task", base.TaskID, "step", step, "agent", candidate, "next", order[j+1], "error", c.Err)
			}
		}
		if !c.Succeeded() {
			return res, fmt.Errorf("step %q on %s: %w", step, c.Agent, c.Err)
		}
		previous = append(previous, agent.StepOutput{Step: step, Agent: c.Agent, Output: c.Output})
		res.Output = c.Output
	}
	return res, nil
}

func (e *Executor) runParallel(ctx context.Context, d task.Decision, base agent.Input, g *gate) (*Result, error) {
	res := &Result{Strategy: d.Strategy}

	wave := e.fanOut(ctx, requests(d.TargetAgents, base, false), g)
	res.Calls = append(res.Calls, wave...)
	if succeeded(wave) == 0 && len(d.FallbackAgents) > 0 && ctx.Err() == nil {
		e.logger.Warn("all parallel agents failed, running fallbacks", "task", base.TaskID, "fallbacks", d.FallbackAgents)
		wave = e.fanOut(ctx, requests(d.FallbackAgents, base, true), g)
		res.Calls = append(res.Calls, wave...)
	}

	ok := succeeded(wave)
	if err := e.checkWave("parallel", wave, ok); err != nil {
		return res, err
	}
	if e.cfg.SuccessPolicy == SuccessAll && ok < len(wave) {
		return res, fmt.Errorf("parallel: %d of %d calls failed: %w", len(wave)-ok, len(wave), firstErr(wave))
	}
	for _, c := range wave {
		if c.Succeeded() {
			res.Output = c.Output
			break
		}
	}
	return res, nil
}

func (e *Executor) runScatterGather(ctx context.Context, d task.Decision, base agent.Input, g *gate) (*Result, error) {
	res := &Result{Strategy: d.Strategy}

	wave := e.fanOut(ctx, requests(d.TargetAgents, base, false), g)
	res.Calls = wave
	ok := succeeded(wave)
	if err := e.checkWave("scatterGather", wave, ok); err != nil {
		return res, err
	}

	outputs := make([]AgentOutput, 0, ok)
	rates := make(map[string]float64, ok)
	for _, c := range wave {
		if !c.Succeeded() {
			continue
		}
		outputs = append(outputs, AgentOutput{Agent: c.Agent, Output: c.Output})
		if desc, found := e.reg.Get(c.Agent); found {
			rates[c.Agent] = desc.RollingSuccessRate
		}
	}

	merged, conflicts, err := Reconcile(outputs, rates, e.cfg.TieBreak)
	if err != nil {
		res.Candidates = outputs
		res.Conflicts = conflicts
		return res, err
	}
	res.Output = merged
	return res, nil
}

// checkWave fails a fan-out with no successes or too many failures.
func (e *Executor) checkWave(name string, wave []Call, ok int) error {
	if ok == 0 {
		return fmt.Errorf("%s: all %d calls failed: %w", name, len(wave), firstErr(wave))
	}
	failed := len(wave) - ok
	if ratio := float64(failed) / float64(len(wave)); ratio > e.cfg.MaxFailureRatio {
		return fmt.Errorf("%s: failure ratio %.2f exceeds %.2f: %w", name, ratio, e.cfg.MaxFailureRatio, firstErr(wave))
	}
	return nil
}

func requests(ids []string, base agent.Input, fallback bool) []request {
	out := make([]request, len(ids))
	for i, id := range ids {
		out[i] = request{agent: id, input: base, fallback: fallback}
	}
	return out
}

func succeeded(calls []Call) int {
	n := 0
	for _, c := range calls {
		if c.Succeeded() {
			n++
		}
	}
	return n
}

func firstErr(calls []Call) error {
	for _, c := range calls {
		if c.Err != nil {
			return c.Err
		}
	}
	return nil
}

type indexedCall struct {
	i int
	c Call
}

// fanOut dispatches reqs concurrently and collects results until all return
// or ctx ends. Calls still outstanding at that point are recorded as timed out.
func (e *Executor) fanOut(ctx context.Context, reqs []request, g *gate) []Call {
	results := make(chan indexedCall, len(reqs))
	for i := range reqs {
		reqs[i].settled = new(atomic.Bool)
	}

	var eg errgroup.Group
	eg.SetLimit(e.cfg.MaxParallel)
	go func() {
		for i, r := range reqs {
			eg.Go(func() error {
				results <- indexedCall{i: i, c: e.call(ctx, r, g)}
				return nil
			})
		}
		_ = eg.Wait()
	}()

	calls := make([]Call, len(reqs))
	done := make([]bool, len(reqs))
	for n := 0; n < len(reqs); n++ {
		select {
		case r := <-results:
			calls[r.i] = r.c
			done[r.i] = true
		case <-ctx.Done():
			// Calls that already reported their outcome are about to deliver
			// it; wait for those and abandon the rest.
			pending := 0
			for i, r := range reqs {
				if done[i] {
					continue
				}
				if !r.settled.CompareAndSwap(false, true) {
					pending++
					continue
				}
				c := Call{
					Agent:    r.agent,
					Step:     r.step,
					Input:    r.input,
					Fallback: r.fallback,
					Err:      resilience.Transient(fmt.Errorf("%s: %w", r.agent, ctx.Err())),
					TimedOut: true,
				}
				calls[i] = c
				done[i] = true
				e.logger.Warn("call abandoned at deadline", "task", r.input.TaskID, "agent", r.agent)
				g.do(func(o Observer) { o.OnCallFailed(c) })
			}
			for pending > 0 {
				r := <-results
				if done[r.i] {
					continue
				}
				calls[r.i] = r.c
				done[r.i] = true
				pending--
			}
			return calls
		}
	}
	return calls
}

// call performs one admitted, guarded agent call.
func (e *Executor) call(ctx context.Context, r request, g *gate) Call {
	c := Call{Agent: r.agent, Step: r.step, Input: r.input, Fallback: r.fallback}

	if err := ctx.Err(); err != nil {
		c.Err = resilience.Transient(fmt.Errorf("%s: %w", r.agent, err))
		c.TimedOut = errors.Is(err, context.DeadlineExceeded)
		if r.settle() {
			g.do(func(o Observer) { o.OnCallFailed(c) })
		}
		return c
	}

	acquired, err := e.reg.TryAcquire(r.agent)
	switch {
	case err != nil:
		c.Err = resilience.Permanent(err)
	case !acquired:
		c.Err = resilience.Transient(fmt.Errorf("agent %q saturated: %w", r.agent, task.ErrNoCapacity))
	}
	if c.Err != nil {
		if r.settle() {
			g.do(func(o Observer) { o.OnCallFailed(c) })
		}
		return c
	}

	g.do(func(o Observer) { o.OnCallStarted(c) })

	timeout := e.cfg.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	start := time.Now()
	var out agent.Output
	c.Attempts, c.Err = e.guard.Do(ctx, r.agent, timeout, func(callCtx context.Context) error {
		o, err := e.invoker.Invoke(callCtx, r.agent, r.input)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	c.Latency = time.Since(start)
	e.reg.Release(r.agent, registry.Outcome{Success: c.Err == nil, Latency: c.Latency})

	c.seq = e.seq.Add(1)
	if c.Err != nil {
		c.TimedOut = errors.Is(c.Err, context.DeadlineExceeded)
		e.logger.Debug("call failed", "task", r.input.TaskID, "agent", r.agent, "step", r.step, "attempts", c.Attempts, "error", c.Err)
		if r.settle() {
			g.do(func(o Observer) { o.OnCallFailed(c) })
		}
		return c
	}
	if out == nil {
		out = agent.Output{}
	}
	c.Output = out
	e.logger.Debug("call completed", "task", r.input.TaskID, "agent", r.agent, "step", r.step, "latency", c.Latency)
	if r.settle() {
		g.do(func(o Observer) { o.OnCallCompleted(c) })
	}
	return c
}
