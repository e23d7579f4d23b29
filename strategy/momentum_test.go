package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

func momentumContext(prices []float64) *Context {
	ticks := make([]types.Tick, len(prices))
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, p := range prices {
		ticks[i] = types.Tick{Time: base.Add(time.Duration(i) * time.Second), Price: decimal.NewFromFloat(p)}
	}
	return &Context{
		Now:          base.Add(time.Duration(len(prices)) * time.Second),
		Positions:    map[string]types.Position{},
		PriceHistory: map[string][]types.Tick{"poly:MKT1:YES": ticks},
		Params:       map[string]float64{"lookback": 5, "entry_threshold": 0.02, "exit_threshold": 0.01},
	}
}

func TestMomentumEntersOnUptrend(t *testing.T) {
	t.Parallel()

	m := NewMomentum("poly", "MKT1", "TOK1", "YES")
	ctx := momentumContext([]float64{0.50, 0.51, 0.52, 0.53, 0.55})

	signals, err := m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	sig := signals[0]
	if sig.Type != types.SignalBuy {
		t.Fatalf("type = %s, want buy", sig.Type)
	}
	if sig.Confidence < 0.5 || sig.Confidence > 1 {
		t.Fatalf("confidence %v outside [0.5,1]", sig.Confidence)
	}
	if err := sig.Validate(); err != nil {
		t.Fatalf("emitted invalid signal: %v", err)
	}
}

func TestMomentumExitsOnReversal(t *testing.T) {
	t.Parallel()

	m := NewMomentum("poly", "MKT1", "TOK1", "YES")
	ctx := momentumContext([]float64{0.60, 0.59, 0.58, 0.57, 0.55})
	ctx.Positions["poly:MKT1:YES"] = types.Position{
		ID:   "poly:MKT1:TOK1",
		Side: types.SideLong,
		Size: decimal.NewFromInt(100),
	}

	signals, err := m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 1 || signals[0].Type != types.SignalSell {
		t.Fatalf("expected one sell signal, got %+v", signals)
	}
	if !signals[0].Size.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("sell size = %s, want full position", signals[0].Size)
	}
}

func TestMomentumHoldsWithoutData(t *testing.T) {
	t.Parallel()

	m := NewMomentum("poly", "MKT1", "TOK1", "YES")
	ctx := momentumContext([]float64{0.50, 0.55}) // fewer ticks than lookback

	signals, err := m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("signals = %d, want 0 on short history", len(signals))
	}
}

func TestMomentumFlatInsideThresholds(t *testing.T) {
	t.Parallel()

	m := NewMomentum("poly", "MKT1", "TOK1", "YES")
	ctx := momentumContext([]float64{0.50, 0.501, 0.502, 0.501, 0.503})

	signals, err := m.Evaluate(ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("signals = %d, want 0 inside thresholds", len(signals))
	}
}
