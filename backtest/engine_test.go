package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/strategy"
	"github.com/web3guy0/omnibot/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// buyAndHold buys everything affordable on the first evaluation.
type buyAndHold struct {
	costFactor decimal.Decimal // 1 + commission + slippage
	bought     bool
}

func (s *buyAndHold) Name() string { return "buy-and-hold" }

func (s *buyAndHold) Evaluate(ctx *strategy.Context) ([]types.Signal, error) {
	if s.bought {
		return nil, nil
	}
	var price decimal.Decimal
	for _, ticks := range ctx.PriceHistory {
		price = ticks[len(ticks)-1].Price
	}
	if price.IsZero() {
		return nil, nil
	}
	s.bought = true
	size := ctx.FreeCash.Div(price.Mul(s.costFactor))
	return []types.Signal{{
		Type: types.SignalBuy, Platform: "poly", MarketID: "MKT1", Outcome: "YES",
		Price: price, Size: size, Confidence: 1, Strategy: s.Name(),
	}}, nil
}

// flipper alternates buy and sell every evaluation.
type flipper struct{ long bool }

func (s *flipper) Name() string { return "flipper" }

func (s *flipper) Evaluate(ctx *strategy.Context) ([]types.Signal, error) {
	var price decimal.Decimal
	for _, ticks := range ctx.PriceHistory {
		price = ticks[len(ticks)-1].Price
	}
	sig := types.Signal{
		Platform: "poly", MarketID: "MKT1", Outcome: "YES",
		Price: price, Confidence: 1, Strategy: s.Name(),
	}
	if s.long {
		sig.Type = types.SignalSell
	} else {
		sig.Type = types.SignalBuy
		sig.Size = decimal.NewFromInt(100)
	}
	s.long = !s.long
	return []types.Signal{sig}, nil
}

func ticksOf(prices []string, step time.Duration) []types.Tick {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.Tick, len(prices))
	for i, p := range prices {
		out[i] = types.Tick{Time: base.Add(time.Duration(i) * step), Price: dec(p)}
	}
	return out
}

func baseConfig(ticks []types.Tick) Config {
	return Config{
		Platform:       "poly",
		MarketID:       "MKT1",
		OutcomeID:      "YES",
		InitialCapital: dec("1000"),
		CommissionPct:  dec("0.001"),
		SlippagePct:    dec("0.0005"),
		Ticks:          ticks,
	}
}

func TestBuyAndHoldBaseline(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(ticksOf([]string{"1.00", "1.10"}, time.Hour))
	res, err := NewEngine(nil).Run(context.Background(), cfg, &buyAndHold{costFactor: dec("1.0015")})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Trades) != 1 || res.Trades[0].Side != "BUY" {
		t.Fatalf("trades = %+v, want exactly one buy", res.Trades)
	}

	final, _ := res.FinalEquity.Float64()
	if final < 1098.30 || final > 1098.40 {
		t.Fatalf("final equity = %v, want ≈1098.35", final)
	}
	if ret := res.Metrics.TotalReturnPct; ret < 9.83 || ret > 9.84 {
		t.Fatalf("total return = %v%%, want ≈9.835", ret)
	}
	if res.Metrics.MaxDrawdownPct != 0 {
		t.Fatalf("max drawdown = %v, want 0", res.Metrics.MaxDrawdownPct)
	}
}

func TestCashConservation(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(ticksOf([]string{"0.50", "0.55", "0.52", "0.60", "0.58", "0.63"}, time.Hour))
	res, err := NewEngine(nil).Run(context.Background(), cfg, &flipper{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) < 4 {
		t.Fatalf("trades = %d, want several round trips", len(res.Trades))
	}

	// initial = finalEquity − Σpnl + Σcommission + Σslippage, exact in decimal.
	recovered := res.FinalEquity.Sub(res.TotalPnL).Add(res.TotalCommission).Add(res.TotalSlippage)
	if !recovered.Equal(cfg.InitialCapital) {
		t.Fatalf("conservation law violated: recovered %s from initial %s", recovered, cfg.InitialCapital)
	}
}

func TestDeterminism(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(ticksOf([]string{"0.50", "0.55", "0.52", "0.60", "0.58", "0.63", "0.61"}, time.Minute))

	run := func() *Result {
		res, err := NewEngine(nil).Run(context.Background(), cfg, &flipper{})
		if err != nil {
			t.Fatal(err)
		}
		return res
	}
	a, b := run(), run()

	if len(a.Trades) != len(b.Trades) {
		t.Fatalf("trade counts differ: %d vs %d", len(a.Trades), len(b.Trades))
	}
	for i := range a.Trades {
		if !a.Trades[i].Price.Equal(b.Trades[i].Price) || !a.Trades[i].Size.Equal(b.Trades[i].Size) {
			t.Fatalf("trade %d differs: %+v vs %+v", i, a.Trades[i], b.Trades[i])
		}
	}
	if len(a.EquityCurve) != len(b.EquityCurve) {
		t.Fatalf("curve lengths differ")
	}
	for i := range a.EquityCurve {
		if !a.EquityCurve[i].Equity.Equal(b.EquityCurve[i].Equity) {
			t.Fatalf("curve point %d differs", i)
		}
	}
}

// countingStrategy records how many evaluations it saw.
type countingStrategy struct{ evals int }

func (s *countingStrategy) Name() string { return "counting" }
func (s *countingStrategy) Evaluate(*strategy.Context) ([]types.Signal, error) {
	s.evals++
	return nil, nil
}

func TestEvalIntervalThrottlesOnTickTime(t *testing.T) {
	t.Parallel()

	// 10 ticks, one per second; 5000ms interval → evaluations at t=0, 5.
	cfg := baseConfig(ticksOf([]string{"0.5", "0.5", "0.5", "0.5", "0.5", "0.5", "0.5", "0.5", "0.5", "0.5"}, time.Second))
	cfg.EvalIntervalMs = 5000

	strat := &countingStrategy{}
	if _, err := NewEngine(nil).Run(context.Background(), cfg, strat); err != nil {
		t.Fatal(err)
	}
	if strat.evals != 2 {
		t.Fatalf("evaluations = %d, want 2", strat.evals)
	}
}

func TestSellClampsToPosition(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(ticksOf([]string{"0.50", "0.60"}, time.Hour))
	res, err := NewEngine(nil).Run(context.Background(), cfg, &sellTooMuch{})
	if err != nil {
		t.Fatal(err)
	}
	// Buy 100, then a sell of 9999 clamps to 100.
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if !res.Trades[1].Size.Equal(dec("100")) {
		t.Fatalf("sell size = %s, want clamped 100", res.Trades[1].Size)
	}
}

type sellTooMuch struct{ step int }

func (s *sellTooMuch) Name() string { return "sell-too-much" }
func (s *sellTooMuch) Evaluate(ctx *strategy.Context) ([]types.Signal, error) {
	defer func() { s.step++ }()
	var price decimal.Decimal
	for _, ticks := range ctx.PriceHistory {
		price = ticks[len(ticks)-1].Price
	}
	switch s.step {
	case 0:
		return []types.Signal{{Type: types.SignalBuy, Platform: "poly", MarketID: "MKT1",
			Outcome: "YES", Price: price, Size: dec("100"), Confidence: 1}}, nil
	case 1:
		return []types.Signal{{Type: types.SignalSell, Platform: "poly", MarketID: "MKT1",
			Outcome: "YES", Price: price, Size: dec("9999"), Confidence: 1}}, nil
	}
	return nil, nil
}

func TestUnaffordableBuySkipped(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(ticksOf([]string{"0.50", "0.60"}, time.Hour))
	cfg.InitialCapital = dec("10")

	res, err := NewEngine(nil).Run(context.Background(), cfg, &sellTooMuch{})
	if err != nil {
		t.Fatal(err)
	}
	// 100 × 0.50 × 1.0015 = 50.075 > 10: buy skipped, then nothing to sell.
	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	if !res.FinalEquity.Equal(dec("10")) {
		t.Fatalf("final equity = %s, want untouched 10", res.FinalEquity)
	}
}

func TestMonteCarloSeededDeterminism(t *testing.T) {
	t.Parallel()

	// Multi-day curve so daily returns exist.
	cfg := baseConfig(ticksOf([]string{"0.50", "0.55", "0.52", "0.60", "0.58", "0.63", "0.61", "0.66"}, 12*time.Hour))
	res, err := NewEngine(nil).Run(context.Background(), cfg, &flipper{})
	if err != nil {
		t.Fatal(err)
	}

	a, err := MonteCarlo(res, 200, 42)
	if err != nil {
		t.Fatal(err)
	}
	b, err := MonteCarlo(res, 200, 42)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []int{5, 25, 50, 75, 95} {
		if a.Percentiles[p] != b.Percentiles[p] {
			t.Fatalf("p%d differs across seeded runs", p)
		}
	}
	if a.Percentiles[5] > a.Percentiles[95] {
		t.Fatal("percentiles not ordered")
	}
	if a.ProbProfit < 0 || a.ProbProfit > 1 {
		t.Fatalf("probability of profit %v outside [0,1]", a.ProbProfit)
	}
}
