// Package metrics exposes engine counters and histograms to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskrouter"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	submitted       *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	classifications *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	noCapacity      prometheus.Counter
	requeues        prometheus.Counter
	calls           *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	compensations   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	inFlight        prometheus.Gauge
}

// New creates the collectors and registers them together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_submitted_total",
			Help: "Tasks accepted for routing.",
		}, []string{"priority"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workflow_transitions_total",
			Help: "Workflow status transitions by target status.",
		}, []string{"to"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "classifications_total",
			Help: "Intent classifications by label and source.",
		}, []string{"label", "source"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "routing_decisions_total",
			Help: "Routing decisions by strategy.",
		}, []string{"strategy"}),
		noCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "no_capacity_total",
			Help: "Routing attempts that found no available agent.",
		}),
		requeues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requeues_total",
			Help: "Tasks put back on the queue after finding no capacity.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_calls_total",
			Help: "Agent calls by agent and outcome.",
		}, []string{"agent", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "agent_call_duration_seconds",
			Help:    "Agent call latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"agent"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compensations_total",
			Help: "Compensating actions by outcome.",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Circuit breaker state per dependency: 0 closed, 1 half-open, 2 open.",
		}, []string{"key"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Tasks waiting for a worker.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tasks_in_flight",
			Help: "Tasks currently being processed.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted, m.transitions, m.classifications, m.decisions,
		m.noCapacity, m.requeues, m.calls, m.callDuration,
		m.compensations, m.breakerState, m.queueDepth, m.inFlight,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Register adds an extra collector, such as a GaugeFunc owned by another component.
func (m *Metrics) Register(c prometheus.Collector) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(c)
}

func (m *Metrics) TaskSubmitted(priority string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(priority).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Classified(label, source string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(label, source).Inc()
}

func (m *Metrics) Routed(strategy string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strategy).Inc()
}

func (m *Metrics) NoCapacity() {
	if m == nil {
		return
	}
	m.noCapacity.Inc()
}

func (m *Metrics) Requeued() {
	if m == nil {
		return
	}
	m.requeues.Inc()
}

// AgentCall records one finished call.
func (m *Metrics) AgentCall(agent string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.calls.WithLabelValues(agent, outcome).Inc()
	m.callDuration.WithLabelValues(agent).Observe(latency.Seconds())
}

// Compensation records one compensating action.
func (m *Metrics) Compensation(success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

// BreakerState records the state of a breaker by name ("closed", "halfOpen", "open").
func (m *Metrics) BreakerState(key, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "halfOpen":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(key).Set(v)
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.inFlight.Add(float64(delta))
}
