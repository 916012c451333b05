// Package registry tracks the agents available for routing, their capacity
// and their rolling performance.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aristath/taskrouter/internal/task"
)

// DefaultSmoothing is the EWMA weight given to each new observation.
const DefaultSmoothing = 0.2

// Agent describes an agent at registration time.
type Agent struct {
	ID            string
	Capabilities  []string
	MaxConcurrent int
	InputSchema   string // Optional JSON Schema the task payload must satisfy
}

// Outcome is reported when a dispatched call completes.
type Outcome struct {
	Success bool
	Latency time.Duration
}

// AgentDescriptor is an immutable snapshot of one agent.
type AgentDescriptor struct {
	ID                 string
	Capabilities       []string
	MaxConcurrent      int
	CurrentLoad        int
	RollingSuccessRate float64
	RollingLatency     time.Duration
	Calls              int64
	schema             *jsonschema.Schema
}

// Serves reports whether the agent has the capability label.
func (d AgentDescriptor) Serves(label string) bool {
	for _, c := range d.Capabilities {
		if c == label {
			return true
		}
	}
	return false
}

// Available reports whether the agent has a free slot.
func (d AgentDescriptor) Available() bool {
	return d.CurrentLoad < d.MaxConcurrent
}

// LoadRatio is CurrentLoad/MaxConcurrent.
func (d AgentDescriptor) LoadRatio() float64 {
	if d.MaxConcurrent <= 0 {
		return 1
	}
	return float64(d.CurrentLoad) / float64(d.MaxConcurrent)
}

// Accepts reports whether payload satisfies the agent's input schema.
// Agents without a schema accept everything.
func (d AgentDescriptor) Accepts(payload task.Payload) bool {
	if d.schema == nil {
		return true
	}
	v, err := payload.Value()
	if err != nil {
		return false
	}
	return d.schema.Validate(v) == nil
}

// HasSchema reports whether the agent declared an input schema.
func (d AgentDescriptor) HasSchema() bool { return d.schema != nil }

type entry struct {
	id           string
	capabilities []string
	max          int64
	schema       *jsonschema.Schema

	load *atomic.Int64 // Shared with the entry this one replaced

	mu          sync.Mutex
	successRate float64
	latency     time.Duration
	calls       int64
}

// Registry is the set of agents available for dispatch. Load counters are
// updated with compare-and-swap so CurrentLoad never exceeds MaxConcurrent.
type Registry struct {
	smoothing float64
	logger    *slog.Logger

	mu     sync.RWMutex
	agents map[string]*entry
}

// New creates an empty registry. smoothing <= 0 uses DefaultSmoothing.
func New(smoothing float64, logger *slog.Logger) *Registry {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = DefaultSmoothing
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		smoothing: smoothing,
		logger:    logger,
		agents:    make(map[string]*entry),
	}
}

// Register adds or replaces an agent. Replacing keeps the rolling statistics
// of the existing entry and shares its load counter, so calls admitted
// before the swap release against the same count. When the new
// MaxConcurrent is below the current load, nothing is admitted until enough
// of those calls finish.
func (r *Registry) Register(a Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: agent id is required", task.ErrValidation)
	}
	if a.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: agent %q: max concurrent must be positive", task.ErrValidation, a.ID)
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("%w: agent %q declares no capabilities", task.ErrValidation, a.ID)
	}

	var schema *jsonschema.Schema
	if strings.TrimSpace(a.InputSchema) != "" {
		compiled, err := jsonschema.CompileString(a.ID+".schema.json", a.InputSchema)
		if err != nil {
			return fmt.Errorf("%w: compile input schema for %q: %w", task.ErrValidation, a.ID, err)
		}
		schema = compiled
	}

	caps := make([]string, 0, len(a.Capabilities))
	seen := make(map[string]bool)
	for _, c := range a.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		caps = append(caps, c)
	}
	sort.Strings(caps)

	e := &entry{
		id:           a.ID,
		capabilities: caps,
		max:          int64(a.MaxConcurrent),
		schema:       schema,
		load:         new(atomic.Int64),
		successRate:  1.0,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.agents[a.ID]; ok {
		e.load = old.load
		old.mu.Lock()
		e.successRate, e.latency, e.calls = old.successRate, old.latency, old.calls
		old.mu.Unlock()
	}
	r.agents[a.ID] = e
	r.logger.Debug("agent registered", "agent", a.ID, "capabilities", caps, "max_concurrent", a.MaxConcurrent)
	return nil
}

// Deregister removes an agent. In-flight calls release against the removed
// entry and are otherwise unaffected.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[id]
	delete(r.agents, id)
	return ok
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	return e, ok
}

// TryAcquire reserves one slot on the agent. It returns false when the agent
// is saturated and an error when the agent is unknown.
func (r *Registry) TryAcquire(id string) (bool, error) {
	e, ok := r.lookup(id)
	if !ok {
		return false, fmt.Errorf("agent %q: %w", id, task.ErrNotFound)
	}
	for {
		cur := e.load.Load()
		if cur >= e.max {
			return false, nil
		}
		if e.load.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

// Release frees a slot taken by TryAcquire and folds the call outcome into the
// agent's rolling success rate and latency.
func (r *Registry) Release(id string, out Outcome) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	for {
		cur := e.load.Load()
		if cur <= 0 {
			r.logger.Error("agent load underflow", "agent", id)
			break
		}
		if e.load.CompareAndSwap(cur, cur-1) {
			break
		}
	}

	success := 0.0
	if out.Success {
		success = 1.0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls == 1 {
		e.successRate = success
		e.latency = out.Latency
		return
	}
	a := r.smoothing
	e.successRate = a*success + (1-a)*e.successRate
	e.latency = time.Duration(a*float64(out.Latency) + (1-a)*float64(e.latency))
}

func (e *entry) descriptor() AgentDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return AgentDescriptor{
		ID:                 e.id,
		Capabilities:       append([]string(nil), e.capabilities...),
		MaxConcurrent:      int(e.max),
		CurrentLoad:        int(e.load.Load()),
		RollingSuccessRate: e.successRate,
		RollingLatency:     e.latency,
		Calls:              e.calls,
		schema:             e.schema,
	}
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (AgentDescriptor, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return AgentDescriptor{}, false
	}
	return e.descriptor(), true
}

// Snapshot returns every agent ordered by id.
func (r *Registry) Snapshot() []AgentDescriptor {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]AgentDescriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
