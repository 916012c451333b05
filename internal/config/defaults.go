package config

import "time"

// DefaultConfig returns the default configuration: a local database, a
// starter keyword rule set and no agents.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:         ".taskrouter/taskrouter.db",
			WriteTimeout: Duration(5 * time.Second),
		},
		Classifier: ClassifierConfig{
			Rules: map[string][]string{
				"billing":   {"invoice", "payment", "refund", "charge", "billing", "receipt"},
				"technical": {"error", "crash", "bug", "login", "password", "install"},
				"sales":     {"pricing", "quote", "demo", "upgrade", "purchase"},
			},
			Threshold:      0.8,
			SaturationHits: 3,
			RemoteTimeout:  Duration(2 * time.Second),
		},
		Routing: RoutingConfig{
			DefaultDepartment: "general",
			Weights:           WeightsConfig{SuccessRate: 1.0, Latency: 0.3, Load: 0.5},
			HighConfidence:    0.8,
			HighCapacityRatio: 0.5,
			ParallelFanout:    2,
			ScatterFanout:     3,
			MaxFallbacks:      3,
			Timeout:           Duration(30 * time.Second),
		},
		Execution: ExecutionConfig{
			CallTimeout:     Duration(10 * time.Second),
			SuccessPolicy:   "any",
			TieBreak:        "successRate",
			MaxFailureRatio: 1.0,
			MaxParallel:     8,
		},
		Resilience: ResilienceConfig{
			MaxAttempts:      3,
			InitialInterval:  Duration(100 * time.Millisecond),
			MaxInterval:      Duration(10 * time.Second),
			FailureThreshold: 5,
			Window:           Duration(time.Minute),
			ResetTimeout:     Duration(30 * time.Second),
			MaxResetTimeout:  Duration(5 * time.Minute),
		},
		Engine: EngineConfig{
			Workers:       4,
			QueueSize:     1024,
			TaskDeadline:  Duration(2 * time.Minute),
			RequeueDelay:  Duration(time.Second),
			MaxRequeues:   5,
			Smoothing:     0.2,
			UnwindTimeout: Duration(30 * time.Second),
		},
		Agents: map[string]AgentConfig{},
		Alerts: AlertsConfig{
			Timeout: Duration(5 * time.Second),
		},
		Tracing: TracingConfig{
			Exporter: "noop",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
