package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// All strategies implement this interface:
//   Evaluate(*Context) ([]types.Signal, error)
//
// The runtime calls Evaluate on every scheduled tick with a read-only
// snapshot. Strategies never touch live portfolio state; the same code runs
// unchanged live and in backtest.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy is the interface all trading strategies must implement.
type Strategy interface {
	// Name returns the strategy identifier.
	Name() string

	// Evaluate inspects the snapshot and returns zero or more signals.
	// Returning an error marks the tick failed without stopping the bot.
	Evaluate(ctx *Context) ([]types.Signal, error)
}

// Initializer is implemented by strategies needing one-time setup before the
// first evaluation tick.
type Initializer interface {
	Init(ctx *Context) error
}

// TradeListener is implemented by strategies that want fill notifications,
// e.g. market makers tracking inventory.
type TradeListener interface {
	OnTrade(trade types.Trade)
}

// Cleaner is implemented by strategies holding resources to release on stop.
type Cleaner interface {
	Cleanup() error
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVALUATION CONTEXT
// ═══════════════════════════════════════════════════════════════════════════════

// Context is the immutable snapshot a strategy evaluates against. All maps
// and slices are copies owned by the strategy for the duration of the call.
type Context struct {
	Now        time.Time
	IsBacktest bool
	DryRun     bool

	PortfolioValue decimal.Decimal
	FreeCash       decimal.Decimal

	// Positions keyed by platform:marketId:outcome.
	Positions map[string]types.Position

	// RecentTrades, newest last.
	RecentTrades []types.Trade

	// PriceHistory keyed by platform:marketId:outcome, oldest first.
	PriceHistory map[string][]types.Tick

	// Books keyed by platform:marketId; nil entry when no snapshot yet.
	Books map[string]*types.OrderbookSnapshot

	// Params from the bot's StrategyConfig.
	Params map[string]float64
}

// Param returns a named parameter or the fallback when absent.
func (c *Context) Param(name string, fallback float64) float64 {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return fallback
}

// Position looks up an open position by key.
func (c *Context) Position(key string) (types.Position, bool) {
	p, ok := c.Positions[key]
	return p, ok
}

// History returns the price history for a key, oldest first.
func (c *Context) History(key string) []types.Tick {
	return c.PriceHistory[key]
}

// LastPrice returns the most recent tick price for a key, or zero.
func (c *Context) LastPrice(key string) decimal.Decimal {
	h := c.PriceHistory[key]
	if len(h) == 0 {
		return decimal.Zero
	}
	return h[len(h)-1].Price
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL BUILDER - Helper for creating well-formed signals
// ═══════════════════════════════════════════════════════════════════════════════

// SignalBuilder helps construct signals with defaults applied.
type SignalBuilder struct {
	signal types.Signal
}

// NewSignal creates a builder with neutral defaults.
func NewSignal(strategyName string) *SignalBuilder {
	return &SignalBuilder{
		signal: types.Signal{
			Type:       types.SignalBuy,
			Confidence: 0.5,
			Strategy:   strategyName,
		},
	}
}

// Market sets platform, market and outcome.
func (sb *SignalBuilder) Market(platform types.Platform, marketID, outcome string) *SignalBuilder {
	sb.signal.Platform = platform
	sb.signal.MarketID = marketID
	sb.signal.Outcome = outcome
	return sb
}

// Token sets the venue token id.
func (sb *SignalBuilder) Token(tokenID string) *SignalBuilder {
	sb.signal.TokenID = tokenID
	return sb
}

// Buy marks the signal as an entry.
func (sb *SignalBuilder) Buy() *SignalBuilder {
	sb.signal.Type = types.SignalBuy
	return sb
}

// Sell marks the signal as an exit.
func (sb *SignalBuilder) Sell() *SignalBuilder {
	sb.signal.Type = types.SignalSell
	return sb
}

// Price sets the limit price.
func (sb *SignalBuilder) Price(p decimal.Decimal) *SignalBuilder {
	sb.signal.Price = p
	return sb
}

// Confidence sets the 0..1 conviction score.
func (sb *SignalBuilder) Confidence(c float64) *SignalBuilder {
	sb.signal.Confidence = c
	return sb
}

// Size overrides router sizing with an explicit share count.
func (sb *SignalBuilder) Size(size decimal.Decimal) *SignalBuilder {
	sb.signal.Size = size
	return sb
}

// Tag attaches a user tag for router allowlist filtering.
func (sb *SignalBuilder) Tag(tag string) *SignalBuilder {
	sb.signal.Tag = tag
	return sb
}

// Reason sets the human-readable rationale.
func (sb *SignalBuilder) Reason(r string) *SignalBuilder {
	sb.signal.Reason = r
	return sb
}

// Meta attaches one metadata key, allocating the map on first use.
func (sb *SignalBuilder) Meta(key, value string) *SignalBuilder {
	if sb.signal.Metadata == nil {
		sb.signal.Metadata = make(map[string]string)
	}
	sb.signal.Metadata[key] = value
	return sb
}

// Build returns the completed signal.
func (sb *SignalBuilder) Build() types.Signal {
	return sb.signal
}
