package executor

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/task"
)

// TieBreak selects how equal vote counts are resolved during reconciliation.
type TieBreak string

const (
	TieBreakSuccessRate TieBreak = "successRate"
	TieBreakNone        TieBreak = "none"
)

// AgentOutput is one agent's answer in a scatter-gather round.
type AgentOutput struct {
	Agent  string       `json:"agent"`
	Output agent.Output `json:"output"`
}

type ballot struct {
	value      any
	supporters []string
	bestRate   float64
}

// Reconcile merges outputs field by field. Each field takes the value most
// agents returned for it; agents that omitted the field do not vote. Equal
// counts go to the value whose best supporter has the highest success rate
// when tb is TieBreakSuccessRate. Fields that remain tied are returned as
// conflicts together with task.ErrReconciliationAmbiguous.
func Reconcile(outputs []AgentOutput, successRates map[string]float64, tb TieBreak) (agent.Output, []string, error) {
	if len(outputs) == 0 {
		return nil, nil, fmt.Errorf("%w: no outputs to reconcile", task.ErrReconciliationAmbiguous)
	}

	fields := make(map[string]map[string]*ballot)
	for _, o := range outputs {
		for field, value := range o.Output {
			key, err := canonical(value)
			if err != nil {
				return nil, nil, fmt.Errorf("agent %q field %q: %w", o.Agent, field, err)
			}
			votes, ok := fields[field]
			if !ok {
				votes = make(map[string]*ballot)
				fields[field] = votes
			}
			b, ok := votes[key]
			if !ok {
				b = &ballot{value: value, bestRate: -1}
				votes[key] = b
			}
			b.supporters = append(b.supporters, o.Agent)
			b.bestRate = max(b.bestRate, successRates[o.Agent])
		}
	}

	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	merged := make(agent.Output, len(fields))
	var conflicts []string
	for _, f := range names {
		winner, ok := elect(fields[f], tb)
		if !ok {
			conflicts = append(conflicts, f)
			continue
		}
		merged[f] = winner.value
	}

	if len(conflicts) > 0 {
		return merged, conflicts, fmt.Errorf("%w: fields %v", task.ErrReconciliationAmbiguous, conflicts)
	}
	return merged, nil, nil
}

func elect(votes map[string]*ballot, tb TieBreak) (*ballot, bool) {
	var top []*ballot
	most := 0
	for _, b := range votes {
		switch n := len(b.supporters); {
		case n > most:
			most, top = n, []*ballot{b}
		case n == most:
			top = append(top, b)
		}
	}
	if len(top) == 1 {
		return top[0], true
	}
	if tb != TieBreakSuccessRate {
		return nil, false
	}

	var best *ballot
	tied := false
	for _, b := range top {
		switch {
		case best == nil || b.bestRate > best.bestRate:
			best, tied = b, false
		case b.bestRate == best.bestRate:
			tied = true
		}
	}
	return best, !tied
}

// canonical encodes v so equal JSON values compare equal. Maps encode with
// sorted keys.
func canonical(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
