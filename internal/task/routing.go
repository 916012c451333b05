package task

import (
	"fmt"
	"time"
)

// LabelUnknown is the intent label for tasks the classifier could not place.
const LabelUnknown = "unknown"

// IntentSource identifies which classifier produced an intent.
type IntentSource string

const (
	SourceKeyword IntentSource = "keyword"
	SourceRemote  IntentSource = "remote"
)

// Intent is a classification label with its confidence.
type Intent struct {
	Label      string       `json:"label"`
	Confidence float64      `json:"confidence"`
	Source     IntentSource `json:"source"`
}

// UnknownIntent returns the zero-confidence keyword intent.
func UnknownIntent() Intent {
	return Intent{Label: LabelUnknown, Confidence: 0, Source: SourceKeyword}
}

// Strategy is the concurrency pattern used to execute a decision.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategyParallel      Strategy = "parallel"
	StrategySequential    Strategy = "sequential"
	StrategyScatterGather Strategy = "scatterGather"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySingle, StrategyParallel, StrategySequential, StrategyScatterGather:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Decision is an immutable routing decision for one routing attempt.
type Decision struct {
	ID             string        `json:"id"`
	TaskID         string        `json:"task_id"`
	Intent         Intent        `json:"intent"`
	Label          string        `json:"label"` // Capability label actually routed on
	Strategy       Strategy      `json:"strategy"`
	TargetAgents   []string      `json:"target_agents"`
	FallbackAgents []string      `json:"fallback_agents"`
	Steps          []string      `json:"steps,omitempty"`          // Sequential step names aligned with TargetAgents
	StepFallbacks  [][]string    `json:"step_fallbacks,omitempty"` // Per-step fallbacks aligned with Steps
	Timeout        time.Duration `json:"timeout"`
	CreatedAt      time.Time     `json:"created_at"`
}

// TotalSteps is the number of units of work the decision schedules.
func (d Decision) TotalSteps() int {
	if d.Strategy == StrategySequential {
		return len(d.Steps)
	}
	if d.Strategy == StrategySingle {
		return 1
	}
	return len(d.TargetAgents)
}

// FallbacksFor returns the agents to try, in order, when the i-th sequential
// step fails on its target.
func (d Decision) FallbacksFor(i int) []string {
	if i < len(d.StepFallbacks) {
		return d.StepFallbacks[i]
	}
	return nil
}

// StepName returns the step label for the i-th target.
func (d Decision) StepName(i int) string {
	if i < len(d.Steps) {
		return d.Steps[i]
	}
	if i < len(d.TargetAgents) {
		return d.TargetAgents[i]
	}
	return fmt.Sprintf("call-%d", i)
}
