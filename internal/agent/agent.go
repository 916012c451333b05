// Package agent is the boundary to the workers that actually perform tasks.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/taskrouter/internal/resilience"
	"github.com/aristath/taskrouter/internal/task"
)

// Output is the structured result of one agent call.
type Output map[string]any

// Clone returns a shallow copy of o.
func (o Output) Clone() Output {
	if o == nil {
		return nil
	}
	cp := make(Output, len(o))
	for k, v := range o {
		cp[k] = v
	}
	return cp
}

// StepOutput is the result of an earlier sequential step.
type StepOutput struct {
	Step   string `json:"step"`
	Agent  string `json:"agent"`
	Output Output `json:"output"`
}

// Input is what an agent receives for one call.
type Input struct {
	TaskID   string       `json:"task_id"`
	Title    string       `json:"title,omitempty"`
	Step     string       `json:"step,omitempty"`
	Label    string       `json:"label,omitempty"`
	Payload  task.Payload `json:"payload"`
	Previous []StepOutput `json:"previous,omitempty"`
}

// Invoker dispatches a call to an agent by id. The call's timeout is carried
// by ctx. Errors should be marked with resilience.Transient or
// resilience.Permanent where the agent knows which applies.
type Invoker interface {
	Invoke(ctx context.Context, agentID string, in Input) (Output, error)
}

// Compensator provides inverse actions for completed calls. A nil function
// means the call has no inverse and is recorded as a no-op marker.
type Compensator interface {
	CompensationFor(agentID string, in Input, out Output) resilience.CompensationFunc
}

// Agent is a single worker.
type Agent interface {
	Invoke(ctx context.Context, in Input) (Output, error)
}

// Reversible is an Agent whose effects can be undone.
type Reversible interface {
	Agent
	Compensate(ctx context.Context, in Input, out Output) error
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, in Input) (Output, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

// WithUndo pairs an agent with its inverse action.
type WithUndo struct {
	Do   Agent
	Undo func(ctx context.Context, in Input, out Output) error
}

// Invoke calls the wrapped agent.
func (w WithUndo) Invoke(ctx context.Context, in Input) (Output, error) {
	return w.Do.Invoke(ctx, in)
}

// Compensate calls Undo.
func (w WithUndo) Compensate(ctx context.Context, in Input, out Output) error {
	if w.Undo == nil {
		return nil
	}
	return w.Undo(ctx, in, out)
}

// Directory maps agent ids to agents and implements Invoker and Compensator.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{agents: make(map[string]Agent)}
}

// Add registers a under id, replacing any previous agent.
func (d *Directory) Add(id string, a Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[id] = a
}

// Remove drops id.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, id)
}

// IDs returns the registered ids in order.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Directory) get(id string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	return a, ok
}

// Invoke implements Invoker.
func (d *Directory) Invoke(ctx context.Context, agentID string, in Input) (Output, error) {
	a, ok := d.get(agentID)
	if !ok {
		return nil, resilience.Permanent(fmt.Errorf("agent %q: %w", agentID, task.ErrNotFound))
	}
	return a.Invoke(ctx, in)
}

// CompensationFor implements Compensator.
func (d *Directory) CompensationFor(agentID string, in Input, out Output) resilience.CompensationFunc {
	a, ok := d.get(agentID)
	if !ok {
		return nil
	}
	r, ok := a.(Reversible)
	if !ok {
		return nil
	}
	if c, ok := a.(interface{ CanCompensate() bool }); ok && !c.CanCompensate() {
		return nil
	}
	return func(ctx context.Context) error {
		return r.Compensate(ctx, in, out)
	}
}

// DecodeOutput parses a JSON object into an Output.
func DecodeOutput(data []byte) (Output, error) {
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode agent output: %w", err)
	}
	if out == nil {
		out = Output{}
	}
	return out, nil
}
