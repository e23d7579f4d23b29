package mm

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/strategy"
	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET MAKER - Quoting strategy over the standard strategy contract
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each evaluation: derive fair value from the book, smooth with an EMA,
// requote only when the fair value moved past the threshold or the requote
// timer elapsed. Fills skew subsequent ladders through inventory. A breach
// of the inventory-value or loss limit halts quoting until Resume.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config for one market-making instance on a single market.
type Config struct {
	Platform types.Platform
	MarketID string
	TokenID  string
	Outcome  string

	Method    FairValueMethod
	EMAAlpha  float64
	TopLevels int

	Quote QuoteParams

	RequoteThresholdCents float64
	RequoteInterval       time.Duration

	MaxPositionValueUSD float64
	MaxLossUSD          float64
}

// DefaultConfig returns sane quoting parameters for binary markets.
func DefaultConfig(platform types.Platform, marketID, tokenID, outcome string) Config {
	return Config{
		Platform:  platform,
		MarketID:  marketID,
		TokenID:   tokenID,
		Outcome:   outcome,
		Method:    FairMicroprice,
		EMAAlpha:  0.3,
		TopLevels: 3,
		Quote: QuoteParams{
			BaseHalfSpread: 0.01,
			SkewCoeff:      0.02,
			Levels:         2,
			LevelStep:      0.01,
			LevelSize:      50,
			MaxInventory:   500,
			MinPrice:       0.01,
			MaxPrice:       0.99,
		},
		RequoteThresholdCents: 0.5,
		RequoteInterval:       5 * time.Second,
		MaxPositionValueUSD:   250,
		MaxLossUSD:            50,
	}
}

// Engine is the market-making strategy instance. It owns its private state;
// the runtime only sees signals and fills.
type Engine struct {
	mu sync.Mutex

	cfg Config
	ema *EMA

	inventory   float64
	realizedPnL float64
	fillCount   int

	lastQuoteFV float64
	lastQuoteAt time.Time
	quoted      bool

	haltReason string
}

// NewEngine creates a halted-free engine with an unprimed EMA.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg: cfg,
		ema: NewEMA(cfg.EMAAlpha),
	}
}

// Name implements strategy.Strategy.
func (e *Engine) Name() string {
	return fmt.Sprintf("mm-%s-%s", e.cfg.Platform, e.cfg.MarketID)
}

// Evaluate implements strategy.Strategy: emits the quote ladder as limit
// signals, or nothing when halted / inside the requote discipline.
func (e *Engine) Evaluate(ctx *strategy.Context) ([]types.Signal, error) {
	book := ctx.Books[fmt.Sprintf("%s:%s", e.cfg.Platform, e.cfg.MarketID)]
	raw, ok := RawFairValue(book, e.cfg.Method, e.cfg.TopLevels)
	if !ok {
		return nil, nil // one-sided or missing book, keep prior quotes
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fv := e.ema.Update(raw)

	if reason := e.haltCheckLocked(fv); reason != "" {
		return nil, nil
	}

	// Requote discipline: move threshold OR timer, whichever comes first.
	moved := math.Abs(fv-e.lastQuoteFV) * 100 // cents
	elapsed := ctx.Now.Sub(e.lastQuoteAt)
	if e.quoted && moved < e.cfg.RequoteThresholdCents && elapsed < e.cfg.RequoteInterval {
		return nil, nil
	}

	set := BuildQuotes(fv, e.inventory, e.cfg.Quote)
	if len(set.Bids) == 0 && len(set.Asks) == 0 {
		return nil, nil
	}
	if set.Crossed() {
		log.Warn().Str("market", e.cfg.MarketID).Msg("Skewed ladder crossed, suppressing requote")
		return nil, nil
	}

	e.lastQuoteFV = fv
	e.lastQuoteAt = ctx.Now
	e.quoted = true

	signals := make([]types.Signal, 0, len(set.Bids)+len(set.Asks))
	for _, q := range set.Bids {
		signals = append(signals, e.quoteSignal(types.SignalBuy, q))
	}
	for _, q := range set.Asks {
		signals = append(signals, e.quoteSignal(types.SignalSell, q))
	}

	log.Debug().
		Str("market", e.cfg.MarketID).
		Float64("fair_value", fv).
		Float64("inventory", e.inventory).
		Int("quotes", len(signals)).
		Msg("Requoted")
	return signals, nil
}

func (e *Engine) quoteSignal(t types.SignalType, q Quote) types.Signal {
	return types.Signal{
		Type:       t,
		Platform:   e.cfg.Platform,
		MarketID:   e.cfg.MarketID,
		TokenID:    e.cfg.TokenID,
		Outcome:    e.cfg.Outcome,
		Price:      decimal.NewFromFloat(q.Price).Round(4),
		Size:       decimal.NewFromFloat(q.Size),
		Confidence: 1,
		Reason:     "requote",
		Strategy:   e.Name(),
	}
}

// haltCheckLocked sets haltReason on a limit breach. Caller holds mu.
func (e *Engine) haltCheckLocked(markPrice float64) string {
	if e.haltReason != "" {
		return e.haltReason
	}
	if e.cfg.MaxPositionValueUSD > 0 && math.Abs(e.inventory)*markPrice > e.cfg.MaxPositionValueUSD {
		e.haltReason = fmt.Sprintf("inventory value %.2f exceeds %.2f",
			math.Abs(e.inventory)*markPrice, e.cfg.MaxPositionValueUSD)
	} else if e.cfg.MaxLossUSD > 0 && e.realizedPnL < -e.cfg.MaxLossUSD {
		e.haltReason = fmt.Sprintf("realized loss %.2f exceeds %.2f", -e.realizedPnL, e.cfg.MaxLossUSD)
	}
	if e.haltReason != "" {
		log.Warn().Str("market", e.cfg.MarketID).Str("reason", e.haltReason).Msg("🛑 Market maker halted")
	}
	return e.haltReason
}

// OnTrade implements strategy.TradeListener: fills move inventory and
// accrue realized PnL against the prevailing fair value.
func (e *Engine) OnTrade(trade types.Trade) {
	if trade.Platform != e.cfg.Platform || trade.MarketID != e.cfg.MarketID {
		return
	}
	price, _ := trade.Price.Float64()
	size, _ := trade.Size.Float64()

	e.mu.Lock()
	defer e.mu.Unlock()

	fv := e.ema.Value()
	if trade.Side == "BUY" {
		e.inventory += size
		e.realizedPnL += (fv - price) * size // bought below fair = edge captured
	} else {
		e.inventory -= size
		e.realizedPnL += (price - fv) * size
	}
	e.fillCount++
}

// Halted returns the halt reason, empty when quoting.
func (e *Engine) Halted() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haltReason
}

// Resume clears the halt and re-enables quoting.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltReason = ""
	e.quoted = false
	log.Info().Str("market", e.cfg.MarketID).Msg("Market maker resumed")
}

// Stats returns (inventory, realizedPnL, fillCount) for observers.
func (e *Engine) Stats() (float64, float64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inventory, e.realizedPnL, e.fillCount
}

var (
	_ strategy.Strategy      = (*Engine)(nil)
	_ strategy.TradeListener = (*Engine)(nil)
)
