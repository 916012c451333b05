package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/taskrouter/internal/task"
)

// CompensationFunc undoes one completed step. A nil func is a no-op marker.
type CompensationFunc func(ctx context.Context) error

// CompensationResult reports the outcome of one compensating action.
type CompensationResult struct {
	Name string
	NoOp bool
	Err  error
}

type compensationAction struct {
	name string
	fn   CompensationFunc
}

// Compensation is a stack of compensating actions for completed steps.
// Unwind runs them in strict reverse registration order, at most once.
type Compensation struct {
	mu      sync.Mutex
	actions []compensationAction
	unwound bool
}

// ErrAlreadyUnwound is returned by a second Unwind call.
var ErrAlreadyUnwound = errors.New("compensation already ran")

// NewCompensation creates an empty compensation stack.
func NewCompensation() *Compensation {
	return &Compensation{}
}

// Register records the compensating action for a completed step.
func (c *Compensation) Register(name string, fn CompensationFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, compensationAction{name: name, fn: fn})
}

// Pending returns registered step names in registration order.
func (c *Compensation) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, len(c.actions))
	for i, a := range c.actions {
		names[i] = a.name
	}
	return names
}

// Len returns the number of registered actions.
func (c *Compensation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}

// Unwind runs every compensating action in reverse order. A failing action
// does not stop the unwind; all failures are joined under
// task.ErrCompensationFailure. observe, if non-nil, sees each result as it
// completes.
func (c *Compensation) Unwind(ctx context.Context, observe func(CompensationResult)) ([]CompensationResult, error) {
	c.mu.Lock()
	if c.unwound {
		c.mu.Unlock()
		return nil, ErrAlreadyUnwound
	}
	c.unwound = true
	actions := make([]compensationAction, len(c.actions))
	copy(actions, c.actions)
	c.mu.Unlock()

	results := make([]CompensationResult, 0, len(actions))
	var errs []error
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		res := CompensationResult{Name: a.name, NoOp: a.fn == nil}
		if a.fn != nil {
			if err := a.fn(ctx); err != nil {
				res.Err = err
				errs = append(errs, fmt.Errorf("undo %s: %w", a.name, err))
			}
		}
		results = append(results, res)
		if observe != nil {
			observe(res)
		}
	}

	if len(errs) > 0 {
		return results, fmt.Errorf("%w: %w", task.ErrCompensationFailure, errors.Join(errs...))
	}
	return results, nil
}
