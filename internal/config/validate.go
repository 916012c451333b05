package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks ranges and enumerations. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Store.Path == "" {
		add("store.path is required")
	}
	if c.Classifier.Threshold < 0 || c.Classifier.Threshold > 1 {
		add("classifier.threshold must be within [0,1], got %v", c.Classifier.Threshold)
	}
	if c.Classifier.SaturationHits < 0 {
		add("classifier.saturation_hits must not be negative")
	}
	for label, words := range c.Classifier.Rules {
		if strings.TrimSpace(label) == "" {
			add("classifier.rules has an empty label")
		}
		if len(words) == 0 {
			add("classifier.rules[%s] has no keywords", label)
		}
	}

	r := c.Routing
	if r.DefaultDepartment == "" {
		add("routing.default_department is required")
	}
	for name, v := range map[string]float64{
		"routing.high_confidence":     r.HighConfidence,
		"routing.high_capacity_ratio": r.HighCapacityRatio,
		"execution.max_failure_ratio": c.Execution.MaxFailureRatio,
	} {
		if v < 0 || v > 1 {
			add("%s must be within [0,1], got %v", name, v)
		}
	}
	if r.Weights.SuccessRate < 0 || r.Weights.Latency < 0 || r.Weights.Load < 0 {
		add("routing.weights must not be negative")
	}
	if r.ParallelFanout < 1 || r.ScatterFanout < 1 {
		add("routing fan-outs must be at least 1")
	}
	if r.Timeout <= 0 {
		add("routing.timeout must be positive")
	}

	if !slices.Contains([]string{"any", "all"}, c.Execution.SuccessPolicy) {
		add("execution.success_policy must be any or all, got %q", c.Execution.SuccessPolicy)
	}
	if !slices.Contains([]string{"successRate", "none"}, c.Execution.TieBreak) {
		add("execution.tie_break must be successRate or none, got %q", c.Execution.TieBreak)
	}
	if c.Execution.CallTimeout <= 0 {
		add("execution.call_timeout must be positive")
	}

	if c.Resilience.MaxAttempts < 1 {
		add("resilience.max_attempts must be at least 1")
	}
	if c.Resilience.MaxResetTimeout > 0 && c.Resilience.MaxResetTimeout < c.Resilience.ResetTimeout {
		add("resilience.max_reset_timeout must not be below reset_timeout")
	}

	if c.Engine.Workers < 1 {
		add("engine.workers must be at least 1")
	}
	if c.Engine.MaxRequeues < 0 {
		add("engine.max_requeues must not be negative")
	}

	if u := c.Alerts.WebhookURL; u != "" {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			add("alerts.webhook_url must be an absolute URL, got %q", u)
		}
	}

	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		a := c.Agents[id]
		if len(a.Capabilities) == 0 {
			add("agents.%s declares no capabilities", id)
		}
		if a.MaxConcurrent < 1 {
			add("agents.%s.max_concurrent must be at least 1", id)
		}
		if a.Command == "" {
			add("agents.%s.command is required", id)
		}
	}

	if !slices.Contains([]string{"", "noop", "stdout"}, c.Tracing.Exporter) {
		add("tracing.exporter must be noop or stdout, got %q", c.Tracing.Exporter)
	}
	if !slices.Contains([]string{"", "text", "json"}, c.Log.Format) {
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
