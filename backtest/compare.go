package backtest

import (
	"context"
	"fmt"
	"sort"

	"github.com/web3guy0/omnibot/strategy"
)

// Candidate pairs a label with a strategy instance for comparison runs.
type Candidate struct {
	Name     string
	Strategy strategy.Strategy
}

// ComparisonEntry is one candidate's result.
type ComparisonEntry struct {
	Name   string
	Result *Result
}

// Compare replays the same config against each candidate and returns the
// entries sorted by total return, best first. Candidates must be fresh
// instances: strategy state carries across evaluations within a run.
func Compare(ctx context.Context, cfg Config, candidates ...Candidate) ([]ComparisonEntry, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates to compare")
	}

	entries := make([]ComparisonEntry, 0, len(candidates))
	for _, c := range candidates {
		res, err := NewEngine(nil).Run(ctx, cfg, c.Strategy)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Name, err)
		}
		entries = append(entries, ComparisonEntry{Name: c.Name, Result: res})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Result.Metrics.TotalReturnPct > entries[j].Result.Metrics.TotalReturnPct
	})
	return entries, nil
}
