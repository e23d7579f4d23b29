package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/strategy"
	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BACKTEST ENGINE - Deterministic single-threaded tick replay
// ═══════════════════════════════════════════════════════════════════════════════
//
// Replays recorded ticks through the live strategy contract. No scheduling
// primitives: everything runs synchronously against tick time. The same
// tick stream always produces the identical trade list and equity curve.
//
// Accounting convention: the position's average entry is tracked on raw
// tick prices; fills execute at raw ± slippagePct; slippage cost is the
// difference. This keeps the conservation law
//
//   initialCapital = finalEquity − Σpnl + Σcommission + Σslippage
//
// exact in decimal arithmetic.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config for one replay run. Percentages are fractions: 0.001 = 0.1%.
type Config struct {
	Platform  types.Platform
	MarketID  string
	OutcomeID string

	StartDate time.Time
	EndDate   time.Time

	InitialCapital decimal.Decimal
	CommissionPct  decimal.Decimal
	SlippagePct    decimal.Decimal

	// EvalIntervalMs throttles evaluate against tick time; 0 = every tick.
	EvalIntervalMs   int64
	PriceHistorySize int
	IncludeOrderbook bool

	Params map[string]float64

	// Preloaded data; when Ticks is empty the engine asks the TickSource.
	Ticks      []types.Tick
	Orderbooks []BookAt
}

// BookAt timestamps an orderbook snapshot for staleness gating.
type BookAt struct {
	Time time.Time
	Book *types.OrderbookSnapshot
}

// TickSource loads recorded ticks when the config carries none.
type TickSource interface {
	LoadTicks(ctx context.Context, platform types.Platform, marketID, outcomeID string, from, to time.Time) ([]types.Tick, error)
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time
	Equity decimal.Decimal
}

// Result of a replay run.
type Result struct {
	Config Config

	Trades      []types.Trade
	EquityCurve []EquityPoint

	FinalEquity     decimal.Decimal
	TotalPnL        decimal.Decimal // realized + open position marked at last raw price
	TotalCommission decimal.Decimal
	TotalSlippage   decimal.Decimal

	Metrics Metrics
}

// bookStaleness is the maximum age of an orderbook handed to strategies.
const bookStaleness = 60 * time.Second

const defaultHistorySize = 500

// Engine replays ticks through a strategy.
type Engine struct {
	source TickSource
}

// NewEngine creates an engine. source may be nil when configs preload ticks.
func NewEngine(source TickSource) *Engine {
	return &Engine{source: source}
}

// Run executes one deterministic replay.
func (e *Engine) Run(ctx context.Context, cfg Config, strat strategy.Strategy) (*Result, error) {
	ticks := cfg.Ticks
	if len(ticks) == 0 {
		if e.source == nil {
			return nil, fmt.Errorf("no ticks provided and no tick source configured")
		}
		loaded, err := e.source.LoadTicks(ctx, cfg.Platform, cfg.MarketID, cfg.OutcomeID, cfg.StartDate, cfg.EndDate)
		if err != nil {
			return nil, fmt.Errorf("load ticks: %w", err)
		}
		ticks = loaded
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("empty tick stream for %s:%s:%s", cfg.Platform, cfg.MarketID, cfg.OutcomeID)
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("initial capital must be positive")
	}

	// Deterministic order regardless of recorder quirks.
	sorted := append([]types.Tick(nil), ticks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	books := append([]BookAt(nil), cfg.Orderbooks...)
	sort.SliceStable(books, func(i, j int) bool { return books[i].Time.Before(books[j].Time) })

	histSize := cfg.PriceHistorySize
	if histSize <= 0 {
		histSize = defaultHistorySize
	}

	run := &replay{
		cfg:     cfg,
		strat:   strat,
		cash:    cfg.InitialCapital,
		history: types.NewRing[types.Tick](histSize),
		books:   books,
		key:     fmt.Sprintf("%s:%s:%s", cfg.Platform, cfg.MarketID, cfg.OutcomeID),
	}

	if init, ok := strat.(strategy.Initializer); ok {
		if err := init.Init(run.buildContext(sorted[0].Time, sorted[0].Price)); err != nil {
			return nil, fmt.Errorf("strategy init: %w", err)
		}
	}

	for _, tick := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := run.step(tick); err != nil {
			return nil, err
		}
	}

	if cleaner, ok := strat.(strategy.Cleaner); ok {
		if err := cleaner.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("Strategy cleanup failed after replay")
		}
	}

	return run.finish(sorted[len(sorted)-1]), nil
}

// replay holds the mutable state of one run.
type replay struct {
	cfg   Config
	strat strategy.Strategy
	key   string

	cash     decimal.Decimal
	posSize  decimal.Decimal
	avgEntry decimal.Decimal

	realizedPnL     decimal.Decimal
	totalCommission decimal.Decimal
	totalSlippage   decimal.Decimal

	history *types.Ring[types.Tick]
	books   []BookAt
	bookIdx int

	trades []types.Trade
	curve  []EquityPoint

	lastEval      time.Time
	evaluatedOnce bool
	lastCurveSec  int64
	tradeSeq      int
}

func (r *replay) step(tick types.Tick) error {
	prev := decimal.Zero
	if last, ok := r.history.Last(); ok {
		prev = last.Price
	}
	r.history.Push(types.Tick{Time: tick.Time, Price: tick.Price, PrevPrice: prev})

	// Throttle evaluate against tick time, never wall clock.
	interval := time.Duration(r.cfg.EvalIntervalMs) * time.Millisecond
	if !r.evaluatedOnce || interval == 0 || tick.Time.Sub(r.lastEval) >= interval {
		r.evaluatedOnce = true
		r.lastEval = tick.Time

		signals, err := r.strat.Evaluate(r.buildContext(tick.Time, tick.Price))
		if err != nil {
			return fmt.Errorf("evaluate at %s: %w", tick.Time.Format(time.RFC3339), err)
		}
		for _, sig := range signals {
			r.applySignal(sig, tick)
		}
	}

	r.recordEquity(tick)
	return nil
}

func (r *replay) buildContext(now time.Time, price decimal.Decimal) *strategy.Context {
	ctx := &strategy.Context{
		Now:          now,
		IsBacktest:   true,
		FreeCash:     r.cash,
		Positions:    make(map[string]types.Position, 1),
		PriceHistory: map[string][]types.Tick{r.key: r.history.Items()},
		Books:        make(map[string]*types.OrderbookSnapshot),
		Params:       r.cfg.Params,
	}
	ctx.PortfolioValue = r.equity(price)

	if r.posSize.IsPositive() {
		ctx.Positions[r.key] = types.Position{
			ID:            types.PositionID(r.cfg.Platform, r.cfg.MarketID, r.cfg.OutcomeID),
			Platform:      r.cfg.Platform,
			MarketID:      r.cfg.MarketID,
			TokenID:       r.cfg.OutcomeID,
			OutcomeName:   r.cfg.OutcomeID,
			Side:          types.SideLong,
			Size:          r.posSize,
			EntryPrice:    r.avgEntry,
			CurrentPrice:  price,
			Status:        types.PositionOpen,
			UnrealizedPnL: price.Sub(r.avgEntry).Mul(r.posSize),
		}
	}

	if r.cfg.IncludeOrderbook {
		if ob := r.nearestBook(now); ob != nil {
			ctx.Books[fmt.Sprintf("%s:%s", r.cfg.Platform, r.cfg.MarketID)] = ob
		}
	}
	return ctx
}

// nearestBook returns the latest snapshot at or before now within staleness.
func (r *replay) nearestBook(now time.Time) *types.OrderbookSnapshot {
	for r.bookIdx+1 < len(r.books) && !r.books[r.bookIdx+1].Time.After(now) {
		r.bookIdx++
	}
	if len(r.books) == 0 || r.books[r.bookIdx].Time.After(now) {
		return nil
	}
	if now.Sub(r.books[r.bookIdx].Time) > bookStaleness {
		return nil
	}
	return r.books[r.bookIdx].Book
}

// applySignal simulates one fill at the current tick price ± slippage.
func (r *replay) applySignal(sig types.Signal, tick types.Tick) {
	one := decimal.NewFromInt(1)
	raw := tick.Price

	switch sig.Type {
	case types.SignalBuy:
		size := sig.Size
		if !size.IsPositive() {
			return
		}
		// Affordability on the raw price, commission and slippage included.
		cost := size.Mul(raw).Mul(one.Add(r.cfg.CommissionPct).Add(r.cfg.SlippagePct))
		if r.cash.LessThan(cost) {
			return
		}
		fill := raw.Mul(one.Add(r.cfg.SlippagePct))
		commission := fill.Mul(size).Mul(r.cfg.CommissionPct)
		slip := size.Mul(fill.Sub(raw))

		r.cash = r.cash.Sub(size.Mul(fill)).Sub(commission)
		r.totalCommission = r.totalCommission.Add(commission)
		r.totalSlippage = r.totalSlippage.Add(slip)

		if r.posSize.IsPositive() {
			oldNotional := r.avgEntry.Mul(r.posSize)
			r.avgEntry = oldNotional.Add(raw.Mul(size)).Div(r.posSize.Add(size))
		} else {
			r.avgEntry = raw
		}
		r.posSize = r.posSize.Add(size)
		r.emitTrade(sig, "BUY", fill, size, commission, decimal.Zero, tick.Time)

	case types.SignalSell:
		if !r.posSize.IsPositive() {
			return
		}
		size := sig.Size
		if !size.IsPositive() || size.GreaterThan(r.posSize) {
			size = r.posSize
		}
		fill := raw.Mul(one.Sub(r.cfg.SlippagePct))
		commission := fill.Mul(size).Mul(r.cfg.CommissionPct)
		slip := size.Mul(raw.Sub(fill))
		pnl := raw.Sub(r.avgEntry).Mul(size)

		r.cash = r.cash.Add(size.Mul(fill)).Sub(commission)
		r.totalCommission = r.totalCommission.Add(commission)
		r.totalSlippage = r.totalSlippage.Add(slip)
		r.realizedPnL = r.realizedPnL.Add(pnl)
		r.posSize = r.posSize.Sub(size)
		r.emitTrade(sig, "SELL", fill, size, commission, pnl, tick.Time)
	}
}

func (r *replay) emitTrade(sig types.Signal, side string, fill, size, commission, pnl decimal.Decimal, at time.Time) {
	r.tradeSeq++
	r.trades = append(r.trades, types.Trade{
		ID:        fmt.Sprintf("BT-%d", r.tradeSeq),
		Platform:  r.cfg.Platform,
		MarketID:  r.cfg.MarketID,
		TokenID:   r.cfg.OutcomeID,
		Outcome:   r.cfg.OutcomeID,
		Side:      side,
		Price:     fill,
		Size:      size,
		Fee:       commission,
		PnL:       pnl,
		Strategy:  sig.Strategy,
		Timestamp: at,
	})
}

func (r *replay) equity(price decimal.Decimal) decimal.Decimal {
	return r.cash.Add(r.posSize.Mul(price))
}

// recordEquity appends at most one curve point per simulated second.
func (r *replay) recordEquity(tick types.Tick) {
	sec := tick.Time.Unix()
	eq := r.equity(tick.Price)
	if len(r.curve) > 0 && sec == r.lastCurveSec {
		r.curve[len(r.curve)-1] = EquityPoint{Time: tick.Time, Equity: eq}
		return
	}
	r.lastCurveSec = sec
	r.curve = append(r.curve, EquityPoint{Time: tick.Time, Equity: eq})
}

func (r *replay) finish(last types.Tick) *Result {
	finalEquity := r.equity(last.Price)
	openPnL := decimal.Zero
	if r.posSize.IsPositive() {
		openPnL = last.Price.Sub(r.avgEntry).Mul(r.posSize)
	}

	res := &Result{
		Config:          r.cfg,
		Trades:          r.trades,
		EquityCurve:     r.curve,
		FinalEquity:     finalEquity,
		TotalPnL:        r.realizedPnL.Add(openPnL),
		TotalCommission: r.totalCommission,
		TotalSlippage:   r.totalSlippage,
	}
	res.Metrics = ComputeMetrics(r.cfg.InitialCapital, r.curve, r.trades, 0)

	log.Info().
		Int("trades", len(r.trades)).
		Str("final_equity", finalEquity.StringFixed(2)).
		Str("pnl", res.TotalPnL.StringFixed(2)).
		Msg("Backtest complete")
	return res
}
