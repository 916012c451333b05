// Package routing turns a classified task into a routing decision: which
// agents to call and with which concurrency strategy.
package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/taskrouter/internal/plan"
	"github.com/aristath/taskrouter/internal/registry"
	"github.com/aristath/taskrouter/internal/task"
)

// Snapshotter provides a consistent view of the registered agents.
type Snapshotter interface {
	Snapshot() []registry.AgentDescriptor
}

// Weights are the scoring coefficients for candidate agents.
type Weights struct {
	SuccessRate float64 `json:"success_rate" yaml:"success_rate"`
	Latency     float64 `json:"latency" yaml:"latency"`
	Load        float64 `json:"load" yaml:"load"`
}

// Config controls routing decisions.
type Config struct {
	DefaultDepartment string
	Weights           Weights
	HighConfidence    float64 // Intent confidence needed for single dispatch
	HighCapacityRatio float64 // Free share of MaxConcurrent that counts as high capacity
	ParallelFanout    int
	ScatterFanout     int
	MaxFallbacks      int           // Negative disables fallbacks
	Timeout           time.Duration // Base decision timeout, scaled by priority
}

// DefaultConfig returns the default routing configuration.
func DefaultConfig() Config {
	return Config{
		DefaultDepartment: "general",
		Weights:           Weights{SuccessRate: 1.0, Latency: 0.3, Load: 0.5},
		HighConfidence:    0.8,
		HighCapacityRatio: 0.5,
		ParallelFanout:    2,
		ScatterFanout:     3,
		MaxFallbacks:      3,
		Timeout:           30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultDepartment == "" {
		c.DefaultDepartment = d.DefaultDepartment
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.HighConfidence <= 0 {
		c.HighConfidence = d.HighConfidence
	}
	if c.HighCapacityRatio <= 0 {
		c.HighCapacityRatio = d.HighCapacityRatio
	}
	if c.ParallelFanout <= 0 {
		c.ParallelFanout = d.ParallelFanout
	}
	if c.ScatterFanout <= 0 {
		c.ScatterFanout = d.ScatterFanout
	}
	if c.MaxFallbacks == 0 {
		c.MaxFallbacks = d.MaxFallbacks
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Engine makes routing decisions. It holds no agent state of its own; the
// configuration can be swapped while decisions are being made.
type Engine struct {
	cfg    atomic.Pointer[Config]
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger, now: time.Now}
	e.SetConfig(cfg)
	return e
}

// SetConfig replaces the routing configuration for subsequent decisions.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfg.Store(&cfg)
}

// Config returns the active configuration.
func (e *Engine) Config() Config {
	return *e.cfg.Load()
}

// Candidate is a scored agent eligible for a label.
type Candidate struct {
	Agent registry.AgentDescriptor
	Score float64
}

// Decide produces a routing decision for t. It returns task.ErrNoCapacity when
// no capable agent has a free slot, and never retries on its own.
func (e *Engine) Decide(t task.Task, intent task.Intent, reg Snapshotter) (task.Decision, error) {
	cfg := e.Config()
	agents := reg.Snapshot()
	label := resolveLabel(intent, agents, cfg.DefaultDepartment)

	d := task.Decision{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Intent:    intent,
		Label:     label,
		Timeout:   scaleTimeout(cfg.Timeout, t.Priority),
		CreatedAt: e.now(),
	}

	if len(t.Steps) > 0 && !t.RequiresConsensus {
		return e.decideSequential(d, t, intent, agents, cfg)
	}

	available := Rank(Candidates(label, t.Payload, agents), cfg.Weights)
	if len(available) == 0 {
		e.logger.Debug("no capacity", "task", t.ID, "label", label)
		return task.Decision{}, fmt.Errorf("label %q: %w", label, task.ErrNoCapacity)
	}

	var targets []Candidate
	switch {
	case t.RequiresConsensus:
		d.Strategy = task.StrategyScatterGather
		targets = available[:min(cfg.ScatterFanout, len(available))]
	case len(available) == 1:
		d.Strategy = task.StrategySingle
		targets = available
	default:
		if c, ok := soleHighCapacity(available, intent, cfg); ok {
			d.Strategy = task.StrategySingle
			targets = []Candidate{c}
		} else {
			d.Strategy = task.StrategyParallel
			targets = available[:min(cfg.ParallelFanout, len(available))]
		}
	}

	chosen := make(map[string]bool, len(targets))
	for _, c := range targets {
		d.TargetAgents = append(d.TargetAgents, c.Agent.ID)
		chosen[c.Agent.ID] = true
	}
	for _, c := range available {
		if len(d.FallbackAgents) >= cfg.MaxFallbacks {
			break
		}
		if !chosen[c.Agent.ID] {
			d.FallbackAgents = append(d.FallbackAgents, c.Agent.ID)
		}
	}
	return d, nil
}

func (e *Engine) decideSequential(d task.Decision, t task.Task, intent task.Intent, agents []registry.AgentDescriptor, cfg Config) (task.Decision, error) {
	steps, err := plan.Order(t.Steps)
	if err != nil {
		return task.Decision{}, err
	}

	d.Strategy = task.StrategySequential
	listed := make(map[string]bool)
	for _, s := range steps {
		label := d.Label
		if s.Intent != "" {
			label = resolveLabel(task.Intent{Label: s.Intent, Confidence: 1}, agents, cfg.DefaultDepartment)
		}
		ranked := Rank(Candidates(label, t.Payload, agents), cfg.Weights)
		if len(ranked) == 0 {
			return task.Decision{}, fmt.Errorf("step %q label %q: %w", s.Name, label, task.ErrNoCapacity)
		}
		d.Steps = append(d.Steps, s.Name)
		d.TargetAgents = append(d.TargetAgents, ranked[0].Agent.ID)

		// The next best agents for the step's own label back it up.
		var fallbacks []string
		for _, c := range ranked[1:] {
			if len(fallbacks) >= cfg.MaxFallbacks {
				break
			}
			fallbacks = append(fallbacks, c.Agent.ID)
			if !listed[c.Agent.ID] {
				listed[c.Agent.ID] = true
				d.FallbackAgents = append(d.FallbackAgents, c.Agent.ID)
			}
		}
		d.StepFallbacks = append(d.StepFallbacks, fallbacks)
	}
	return d, nil
}

// resolveLabel maps intents no agent can serve to the default department.
func resolveLabel(intent task.Intent, agents []registry.AgentDescriptor, fallback string) string {
	if intent.Label == "" || intent.Label == task.LabelUnknown || intent.Confidence <= 0 {
		return fallback
	}
	for _, a := range agents {
		if a.Serves(intent.Label) {
			return intent.Label
		}
	}
	return fallback
}

// soleHighCapacity returns the only candidate with a high free share when the
// intent itself is high confidence.
func soleHighCapacity(available []Candidate, intent task.Intent, cfg Config) (Candidate, bool) {
	if intent.Confidence < cfg.HighConfidence {
		return Candidate{}, false
	}
	var found []Candidate
	for _, c := range available {
		if 1-c.Agent.LoadRatio() >= cfg.HighCapacityRatio {
			found = append(found, c)
		}
	}
	if len(found) != 1 {
		return Candidate{}, false
	}
	return found[0], true
}

// Candidates returns the available agents serving label whose input schema
// accepts payload.
func Candidates(label string, payload task.Payload, agents []registry.AgentDescriptor) []registry.AgentDescriptor {
	var out []registry.AgentDescriptor
	for _, a := range agents {
		if a.Serves(label) && a.Available() && a.Accepts(payload) {
			out = append(out, a)
		}
	}
	return out
}

// Rank scores agents and orders them best first: score descending, then
// lower current load, then agent id.
func Rank(agents []registry.AgentDescriptor, w Weights) []Candidate {
	var maxLatency time.Duration
	for _, a := range agents {
		maxLatency = max(maxLatency, a.RollingLatency)
	}

	out := make([]Candidate, len(agents))
	for i, a := range agents {
		normLatency := 0.0
		if maxLatency > 0 {
			normLatency = float64(a.RollingLatency) / float64(maxLatency)
		}
		out[i] = Candidate{
			Agent: a,
			Score: w.SuccessRate*a.RollingSuccessRate - w.Latency*normLatency - w.Load*a.LoadRatio(),
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Agent.CurrentLoad != out[j].Agent.CurrentLoad {
			return out[i].Agent.CurrentLoad < out[j].Agent.CurrentLoad
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out
}

func scaleTimeout(base time.Duration, p task.Priority) time.Duration {
	switch p {
	case task.PriorityCritical:
		return base / 2
	case task.PriorityHigh:
		return base * 3 / 4
	case task.PriorityLow:
		return base * 2
	default:
		return base
	}
}
