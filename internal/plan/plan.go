// Package plan orders the declared sub-steps of a task.
package plan

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskrouter/internal/task"
)

// Validate checks step names are unique and non-empty, every dependency
// names a declared step, and the dependency graph has no cycle.
func Validate(steps []task.Step) error {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("%w: step %d has no name", task.ErrValidation, i)
		}
		if _, dup := index[name]; dup {
			return fmt.Errorf("%w: duplicate step %q", task.ErrValidation, name)
		}
		index[name] = i
	}

	var edges []toposort.Edge
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			// Step with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, s.Name})
			continue
		}
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", task.ErrValidation, s.Name, dep)
			}
			if dep == s.Name {
				return fmt.Errorf("%w: step %q depends on itself", task.ErrValidation, s.Name)
			}
			edges = append(edges, toposort.Edge{dep, s.Name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return fmt.Errorf("%w: step dependencies contain a cycle: %w", task.ErrValidation, err)
	}

	found := 0
	for _, id := range sorted {
		if id != nil {
			found++
		}
	}
	if found != len(steps) {
		return fmt.Errorf("%w: topological sort lost %d steps", task.ErrValidation, len(steps)-found)
	}
	return nil
}

// Order returns steps in execution order: every step after its dependencies,
// otherwise in declaration order.
func Order(steps []task.Step) ([]task.Step, error) {
	if err := Validate(steps); err != nil {
		return nil, err
	}

	placed := make(map[string]bool, len(steps))
	ordered := make([]task.Step, 0, len(steps))
	for len(ordered) < len(steps) {
		progressed := false
		for _, s := range steps {
			if placed[s.Name] || !ready(s, placed) {
				continue
			}
			placed[s.Name] = true
			ordered = append(ordered, s)
			progressed = true
			break // Restart so earlier-declared steps unblocked by s go first
		}
		if !progressed {
			// Unreachable after Validate.
			return nil, fmt.Errorf("%w: unable to order steps", task.ErrValidation)
		}
	}
	return ordered, nil
}

func ready(s task.Step, placed map[string]bool) bool {
	for _, dep := range s.DependsOn {
		if !placed[dep] {
			return false
		}
	}
	return true
}

// Names returns the step names in order.
func Names(steps []task.Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}
