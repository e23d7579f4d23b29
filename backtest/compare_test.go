package backtest

import (
	"context"
	"testing"
	"time"
)

func TestCompareRanksByReturn(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(ticksOf([]string{"0.50", "0.55", "0.60", "0.66"}, time.Hour))

	entries, err := Compare(context.Background(), cfg,
		Candidate{Name: "idle", Strategy: &countingStrategy{}},
		Candidate{Name: "hold", Strategy: &buyAndHold{costFactor: dec("1.0015")}},
	)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Name != "hold" {
		t.Fatalf("best = %s, want hold (rising market)", entries[0].Name)
	}
	if entries[0].Result.Metrics.TotalReturnPct <= entries[1].Result.Metrics.TotalReturnPct {
		t.Fatal("entries not sorted by total return")
	}
	if entries[1].Result.Metrics.TotalReturnPct != 0 {
		t.Fatalf("idle return = %v, want 0", entries[1].Result.Metrics.TotalReturnPct)
	}
}

func TestCompareRequiresCandidates(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(ticksOf([]string{"0.50", "0.55"}, time.Hour))
	if _, err := Compare(context.Background(), cfg); err == nil {
		t.Fatal("expected error for empty candidate list")
	}
}
