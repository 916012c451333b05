package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/classifier"
	"github.com/aristath/taskrouter/internal/config"
	"github.com/aristath/taskrouter/internal/events"
	"github.com/aristath/taskrouter/internal/executor"
	"github.com/aristath/taskrouter/internal/metrics"
	"github.com/aristath/taskrouter/internal/persistence"
	"github.com/aristath/taskrouter/internal/registry"
	"github.com/aristath/taskrouter/internal/resilience"
	"github.com/aristath/taskrouter/internal/routing"
)

// MemoryStorePath selects an in-memory database in StoreConfig.Path.
const MemoryStorePath = ":memory:"

// Runtime is a fully wired engine built from configuration.
type Runtime struct {
	Engine    *Engine
	Store     persistence.Store
	Bus       *events.EventBus
	Registry  *registry.Registry
	Router    *routing.Engine
	Breakers  *resilience.BreakerRegistry
	Agents    *agent.Directory
	Processes *agent.ProcessManager
	Relay     *AlertRelay

	logger *slog.Logger
}

// Build opens the store and wires every component described by cfg.
// m may be nil.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store *persistence.SQLiteStore
		err   error
	)
	opts := []persistence.Option{persistence.WithWriteTimeout(cfg.Store.WriteTimeout.Std())}
	if cfg.Store.Path == MemoryStorePath {
		store, err = persistence.NewMemoryStore(ctx, opts...)
	} else {
		store, err = persistence.NewSQLiteStore(ctx, cfg.Store.Path, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt, err := wire(cfg, store, logger, m)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return rt, nil
}

func wire(cfg *config.Config, store persistence.Store, logger *slog.Logger, m *metrics.Metrics) (*Runtime, error) {
	bus := events.NewEventBus()
	breakers := resilience.NewBreakerRegistry(BreakerConfig(cfg.Resilience), logger)
	guard := resilience.NewGuard(RetryConfig(cfg.Resilience), breakers, logger)

	rt := &Runtime{
		Store:     store,
		Bus:       bus,
		Registry:  registry.New(cfg.Engine.Smoothing, logger),
		Router:    routing.New(RoutingConfig(cfg.Routing), logger),
		Breakers:  breakers,
		Agents:    agent.NewDirectory(),
		Processes: agent.NewProcessManager(),
		logger:    logger,
	}
	if err := rt.syncAgents(cfg.Agents); err != nil {
		return nil, err
	}

	var remote classifier.Remote
	if cfg.Classifier.RemoteURL != "" {
		remote = &classifier.HTTPRemote{URL: cfg.Classifier.RemoteURL, Client: &http.Client{}}
	}
	cls, err := classifier.New(ClassifierConfig(cfg.Classifier), remote, guard, logger)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	exec := executor.New(ExecutorConfig(cfg.Execution), rt.Registry, rt.Agents, guard, logger)

	ecfg := EngineConfig(cfg.Engine)
	ecfg.UndoCallTimeout = cfg.Execution.CallTimeout.Std()
	rt.Engine, err = New(ecfg, Deps{
		Store:       store,
		Agents:      rt.Registry,
		Classifier:  cls,
		Router:      rt.Router,
		Executor:    exec,
		Compensator: rt.Agents,
		Guard:       guard,
		Breakers:    breakers,
		Bus:         bus,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	if m != nil {
		dropped := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "taskrouter",
			Name:      "events_dropped",
			Help:      "Event bus deliveries skipped because a subscriber was full.",
		}, func() float64 { return float64(bus.Dropped()) })
		if err := m.Register(dropped); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
		}
	}

	notifiers := []Notifier{LogNotifier{Logger: logger}}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, &WebhookNotifier{URL: cfg.Alerts.WebhookURL, Client: &http.Client{}, Guard: guard})
	}
	rt.Relay = NewAlertRelay(bus, 64, cfg.Alerts.Timeout.Std(), logger, notifiers...)
	return rt, nil
}

// ApplyConfig applies the parts of cfg that can change while running:
// routing weights and thresholds, and the agent set.
func (rt *Runtime) ApplyConfig(cfg *config.Config) error {
	rt.Router.SetConfig(RoutingConfig(cfg.Routing))
	return rt.syncAgents(cfg.Agents)
}

// syncAgents makes the registry and directory match agents. Agents that stay
// keep their rolling statistics and in-flight load.
func (rt *Runtime) syncAgents(agents map[string]config.AgentConfig) error {
	ids := make([]string, 0, len(agents))
	for id := range agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		ac := agents[id]
		cmd, err := agent.NewCommand(agent.CommandConfig{
			Path:       ac.Command,
			Args:       ac.Args,
			Dir:        ac.Dir,
			Env:        envList(ac.Env),
			Reversible: ac.Reversible,
		}, rt.Processes)
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", id, err))
			continue
		}
		if err := rt.Registry.Register(registry.Agent{
			ID:            id,
			Capabilities:  ac.Capabilities,
			MaxConcurrent: ac.MaxConcurrent,
			InputSchema:   ac.InputSchema,
		}); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", id, err))
			continue
		}
		rt.Agents.Add(id, cmd)
	}

	for _, id := range rt.Agents.IDs() {
		if _, ok := agents[id]; !ok {
			rt.Registry.Deregister(id)
			rt.Agents.Remove(id)
			rt.logger.Info("agent removed", "agent", id)
		}
	}
	return errors.Join(errs...)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Close stops the engine, kills agent processes and releases the store.
func (rt *Runtime) Close() error {
	rt.Engine.Close()
	var errs []error
	if err := rt.Processes.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("kill agents: %w", err))
	}
	rt.Bus.Close()
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// BreakerConfig converts configuration into breaker settings.
func BreakerConfig(c config.ResilienceConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		Window:           c.Window.Std(),
		ResetTimeout:     c.ResetTimeout.Std(),
		MaxResetTimeout:  c.MaxResetTimeout.Std(),
	}
}

// RetryConfig converts configuration into retry settings.
func RetryConfig(c config.ResilienceConfig) resilience.RetryConfig {
	r := resilience.DefaultRetryConfig()
	r.MaxAttempts = c.MaxAttempts
	r.InitialInterval = c.InitialInterval.Std()
	r.MaxInterval = c.MaxInterval.Std()
	return r
}

// ClassifierConfig converts configuration into classifier settings. Rules
// are ordered by label.
func ClassifierConfig(c config.ClassifierConfig) classifier.Config {
	labels := make([]string, 0, len(c.Rules))
	for label := range c.Rules {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	rules := make([]classifier.Rule, 0, len(labels))
	for _, label := range labels {
		rules = append(rules, classifier.Rule{Label: label, Keywords: c.Rules[label]})
	}
	return classifier.Config{
		Rules:          rules,
		Threshold:      c.Threshold,
		SaturationHits: c.SaturationHits,
		RemoteTimeout:  c.RemoteTimeout.Std(),
		RemoteRate:     c.RemoteRate,
		RemoteBurst:    c.RemoteBurst,
	}
}

// RoutingConfig converts configuration into routing settings.
func RoutingConfig(c config.RoutingConfig) routing.Config {
	return routing.Config{
		DefaultDepartment: c.DefaultDepartment,
		Weights: routing.Weights{
			SuccessRate: c.Weights.SuccessRate,
			Latency:     c.Weights.Latency,
			Load:        c.Weights.Load,
		},
		HighConfidence:    c.HighConfidence,
		HighCapacityRatio: c.HighCapacityRatio,
		ParallelFanout:    c.ParallelFanout,
		ScatterFanout:     c.ScatterFanout,
		MaxFallbacks:      c.MaxFallbacks,
		Timeout:           c.Timeout.Std(),
	}
}

// ExecutorConfig converts configuration into execution settings.
func ExecutorConfig(c config.ExecutionConfig) executor.Config {
	return executor.Config{
		CallTimeout:     c.CallTimeout.Std(),
		SuccessPolicy:   executor.SuccessPolicy(c.SuccessPolicy),
		TieBreak:        executor.TieBreak(c.TieBreak),
		MaxFailureRatio: c.MaxFailureRatio,
		MaxParallel:     c.MaxParallel,
	}
}

// EngineConfig converts configuration into engine settings. Zero requeues in
// configuration means none.
func EngineConfig(c config.EngineConfig) Config {
	maxRequeues := c.MaxRequeues
	if maxRequeues == 0 {
		maxRequeues = -1
	}
	return Config{
		Workers:             c.Workers,
		QueueSize:           c.QueueSize,
		TaskDeadline:        c.TaskDeadline.Std(),
		RequeueDelay:        c.RequeueDelay.Std(),
		MaxRequeues:         maxRequeues,
		MarkCompensated:     c.MarkCompensated,
		CompensationTimeout: c.UnwindTimeout.Std(),
	}
}
