package config

// AgentConfig describes one agent process and what it can do.
// Agents run as subprocesses speaking JSON on stdin/stdout.
type AgentConfig struct {
	Capabilities  []string          `json:"capabilities" yaml:"capabilities"`                     // Capability labels the agent serves
	MaxConcurrent int               `json:"max_concurrent" yaml:"max_concurrent"`                 // Concurrent calls the agent accepts
	Command       string            `json:"command" yaml:"command"`                               // Executable to run
	Args          []string          `json:"args,omitempty" yaml:"args,omitempty"`                 // Arguments passed on every call
	Dir           string            `json:"dir,omitempty" yaml:"dir,omitempty"`                   // Working directory
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`                   // Extra environment variables
	Reversible    bool              `json:"reversible,omitempty" yaml:"reversible,omitempty"`     // Agent understands the compensate action
	InputSchema   string            `json:"input_schema,omitempty" yaml:"input_schema,omitempty"` // Inline JSON Schema for the payload
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path         string   `json:"path" yaml:"path"`
	WriteTimeout Duration `json:"write_timeout" yaml:"write_timeout"`
}

// ClassifierConfig configures intent classification.
type ClassifierConfig struct {
	Rules          map[string][]string `json:"rules" yaml:"rules"` // Label -> keywords
	Threshold      float64             `json:"threshold" yaml:"threshold"`
	SaturationHits int                 `json:"saturation_hits" yaml:"saturation_hits"`
	RemoteURL      string              `json:"remote_url,omitempty" yaml:"remote_url,omitempty"` // Empty disables the remote classifier
	RemoteTimeout  Duration            `json:"remote_timeout" yaml:"remote_timeout"`
	RemoteRate     float64             `json:"remote_rate,omitempty" yaml:"remote_rate,omitempty"` // Calls per second, 0 = unlimited
	RemoteBurst    int                 `json:"remote_burst,omitempty" yaml:"remote_burst,omitempty"`
}

// WeightsConfig weighs the routing score terms.
type WeightsConfig struct {
	SuccessRate float64 `json:"success_rate" yaml:"success_rate"`
	Latency     float64 `json:"latency" yaml:"latency"`
	Load        float64 `json:"load" yaml:"load"`
}

// RoutingConfig configures the routing decision engine.
type RoutingConfig struct {
	DefaultDepartment string        `json:"default_department" yaml:"default_department"`
	Weights           WeightsConfig `json:"weights" yaml:"weights"`
	HighConfidence    float64       `json:"high_confidence" yaml:"high_confidence"`
	HighCapacityRatio float64       `json:"high_capacity_ratio" yaml:"high_capacity_ratio"`
	ParallelFanout    int           `json:"parallel_fanout" yaml:"parallel_fanout"`
	ScatterFanout     int           `json:"scatter_fanout" yaml:"scatter_fanout"`
	MaxFallbacks      int           `json:"max_fallbacks" yaml:"max_fallbacks"` // Negative disables fallbacks
	Timeout           Duration      `json:"timeout" yaml:"timeout"`
}

// ExecutionConfig configures agent calls.
type ExecutionConfig struct {
	CallTimeout     Duration `json:"call_timeout" yaml:"call_timeout"`
	SuccessPolicy   string   `json:"success_policy" yaml:"success_policy"` // "any" or "all"
	TieBreak        string   `json:"tie_break" yaml:"tie_break"`           // "successRate" or "none"
	MaxFailureRatio float64  `json:"max_failure_ratio" yaml:"max_failure_ratio"`
	MaxParallel     int      `json:"max_parallel" yaml:"max_parallel"`
}

// ResilienceConfig configures retries and circuit breakers.
type ResilienceConfig struct {
	MaxAttempts      int      `json:"max_attempts" yaml:"max_attempts"`
	InitialInterval  Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval      Duration `json:"max_interval" yaml:"max_interval"`
	FailureThreshold uint32   `json:"failure_threshold" yaml:"failure_threshold"`
	Window           Duration `json:"window" yaml:"window"`
	ResetTimeout     Duration `json:"reset_timeout" yaml:"reset_timeout"`
	MaxResetTimeout  Duration `json:"max_reset_timeout" yaml:"max_reset_timeout"`
}

// EngineConfig configures the orchestration worker pool.
type EngineConfig struct {
	Workers         int      `json:"workers" yaml:"workers"`
	QueueSize       int      `json:"queue_size" yaml:"queue_size"`
	TaskDeadline    Duration `json:"task_deadline" yaml:"task_deadline"`
	RequeueDelay    Duration `json:"requeue_delay" yaml:"requeue_delay"`
	MaxRequeues     int      `json:"max_requeues" yaml:"max_requeues"`
	MarkCompensated bool     `json:"mark_compensated" yaml:"mark_compensated"` // End fully undone workflows in COMPENSATED instead of FAILED
	Smoothing       float64  `json:"smoothing" yaml:"smoothing"`               // Weight of the newest call in rolling agent statistics
	UnwindTimeout   Duration `json:"unwind_timeout" yaml:"unwind_timeout"`     // Bound on running all compensating actions
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	WebhookURL string   `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"` // Empty logs alerts only
	Timeout    Duration `json:"timeout" yaml:"timeout"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Exporter string `json:"exporter" yaml:"exporter"` // "stdout" or "noop"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr"` // Empty disables the endpoint
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
}

// Config is the top-level configuration.
type Config struct {
	Store      StoreConfig            `json:"store" yaml:"store"`
	Classifier ClassifierConfig       `json:"classifier" yaml:"classifier"`
	Routing    RoutingConfig          `json:"routing" yaml:"routing"`
	Execution  ExecutionConfig        `json:"execution" yaml:"execution"`
	Resilience ResilienceConfig       `json:"resilience" yaml:"resilience"`
	Engine     EngineConfig           `json:"engine" yaml:"engine"`
	Agents     map[string]AgentConfig `json:"agents" yaml:"agents"`
	Alerts     AlertsConfig           `json:"alerts" yaml:"alerts"`
	Tracing    TracingConfig          `json:"tracing" yaml:"tracing"`
	Metrics    MetricsConfig          `json:"metrics" yaml:"metrics"`
	Log        LogConfig              `json:"log" yaml:"log"`
}
