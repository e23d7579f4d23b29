package backtest

import (
	"fmt"
	"math/rand"
	"sort"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MONTE CARLO - Shuffled-return robustness check
// ═══════════════════════════════════════════════════════════════════════════════
//
// Reorders the run's daily returns N times to estimate how much of the
// result is path luck. Seeded: the same inputs always give the same report.
//
// ═══════════════════════════════════════════════════════════════════════════════

// majorLossPct is the "major loss" boundary for the tail probability.
const majorLossPct = -20.0

// MonteCarloReport summarizes the shuffled trajectories.
type MonteCarloReport struct {
	Iterations int

	// Percentiles of final return % keyed 5, 25, 50, 75, 95.
	Percentiles map[int]float64

	ProbProfit    float64
	ProbMajorLoss float64 // final return below -20%
	ExpectedValue float64 // mean final return %
}

// MonteCarlo shuffles the result's daily returns iterations times.
func MonteCarlo(res *Result, iterations int, seed int64) (*MonteCarloReport, error) {
	if res == nil {
		return nil, fmt.Errorf("nil backtest result")
	}
	daily := dailyReturns(res.EquityCurve)
	if len(daily) < 2 {
		return nil, fmt.Errorf("equity curve too short for monte carlo: %d daily returns", len(daily))
	}
	if iterations <= 0 {
		iterations = 1000
	}

	rng := rand.New(rand.NewSource(seed))
	finals := make([]float64, iterations)
	shuffled := make([]float64, len(daily))

	for i := 0; i < iterations; i++ {
		copy(shuffled, daily)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		equity := 1.0
		for _, r := range shuffled {
			equity *= 1 + r
		}
		finals[i] = (equity - 1) * 100
	}
	sort.Float64s(finals)

	report := &MonteCarloReport{
		Iterations:  iterations,
		Percentiles: make(map[int]float64, 5),
	}
	for _, p := range []int{5, 25, 50, 75, 95} {
		report.Percentiles[p] = percentile(finals, float64(p))
	}

	profit, major, sum := 0, 0, 0.0
	for _, f := range finals {
		if f > 0 {
			profit++
		}
		if f < majorLossPct {
			major++
		}
		sum += f
	}
	report.ProbProfit = float64(profit) / float64(iterations)
	report.ProbMajorLoss = float64(major) / float64(iterations)
	report.ExpectedValue = sum / float64(iterations)
	return report, nil
}

// percentile interpolates linearly on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
