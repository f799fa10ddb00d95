package collab

import (
	"fmt"
	"sort"
)

// Strategy selects how votes are merged.
type Strategy string

const (
	StrategyMajority  Strategy = "MAJORITY"
	StrategyUnanimous Strategy = "UNANIMOUS"
	StrategyWeighted  Strategy = "WEIGHTED"
)

// ParseStrategy maps a config string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyMajority, StrategyUnanimous, StrategyWeighted:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown consensus strategy %q", s)
}

// Vote is one agent's answer. Weight only matters under WEIGHTED; zero means
// the agent's registered weight of 1.
type Vote struct {
	AgentID string  `json:"agent_id"`
	Value   string  `json:"value"`
	Weight  float64 `json:"weight,omitempty"`
}

// Decision is a consensus verdict. Decided is false on ties, insufficient
// voters, or a broken unanimity requirement; the tally is returned either
// way so callers can log why.
type Decision struct {
	Decided bool               `json:"decided"`
	Value   string             `json:"value,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Tally   map[string]float64 `json:"tally"`
}

// Decide folds votes under the strategy. minVoters <= 0 means any number of
// votes may decide.
func Decide(strategy Strategy, votes []Vote, minVoters int) (Decision, error) {
	switch strategy {
	case StrategyMajority, StrategyUnanimous, StrategyWeighted:
	default:
		return Decision{}, fmt.Errorf("unknown consensus strategy %q", strategy)
	}

	tally := make(map[string]float64)
	for _, v := range votes {
		w := 1.0
		if strategy == StrategyWeighted && v.Weight > 0 {
			w = v.Weight
		}
		tally[v.Value] += w
	}
	d := Decision{Tally: tally}

	if len(votes) < minVoters {
		d.Reason = fmt.Sprintf("insufficient voters: %d < %d", len(votes), minVoters)
		return d, nil
	}
	if len(votes) == 0 {
		d.Reason = "no votes"
		return d, nil
	}

	if strategy == StrategyUnanimous {
		if len(tally) != 1 {
			d.Reason = "votes not unanimous"
			return d, nil
		}
		d.Decided = true
		d.Value = votes[0].Value
		return d, nil
	}

	// MAJORITY and WEIGHTED both pick the top tally; an exact tie fails the
	// round rather than picking arbitrarily.
	values := make([]string, 0, len(tally))
	for v := range tally {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return tally[values[i]] > tally[values[j]] })

	top := values[0]
	if len(values) > 1 && tally[values[1]] == tally[top] {
		d.Reason = "tie"
		return d, nil
	}
	d.Decided = true
	d.Value = top
	return d, nil
}
