package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/execution"
	"github.com/web3guy0/omnibot/risk"
	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL ROUTER - Admission control between strategies and execution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pipeline, short-circuit on first rejection:
//
//   1. type / tag allowlist
//   2. strength threshold
//   3. daily-stop state          (buys rejected, sells admitted to reduce)
//   4. concurrent-position cap   (buys only)
//   5. cooldown per key
//   6. notional derivation
//   7. global risk gates
//   8. dispatch and record
//
// Serialized per (platform, marketId, outcome) key: admissions for the same
// key are FIFO, distinct keys proceed in parallel.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config is the router policy. Copy semantics; swapped atomically via SetConfig.
type Config struct {
	DryRun          bool
	MinStrength     float64
	DefaultSizeUSD  decimal.Decimal
	MaxSizeUSD      decimal.Decimal
	StrengthScaling bool
	MaxDailyLoss    decimal.Decimal
	MaxPositions    int
	Cooldown        time.Duration
	OrderMode       types.OrderMode
	MaxSlippage     decimal.Decimal // protected-market only
	AllowedTypes    []types.SignalType
	AllowedTags     []string
	RecordRetention int
}

// DefaultConfig returns a conservative live policy.
func DefaultConfig() Config {
	return Config{
		MinStrength:     0.3,
		DefaultSizeUSD:  decimal.NewFromInt(50),
		MaxSizeUSD:      decimal.NewFromInt(250),
		StrengthScaling: true,
		MaxDailyLoss:    decimal.NewFromInt(100),
		MaxPositions:    10,
		Cooldown:        30 * time.Second,
		OrderMode:       types.OrderModeLimit,
		MaxSlippage:     decimal.NewFromFloat(0.02),
		AllowedTypes:    []types.SignalType{types.SignalBuy, types.SignalSell},
		RecordRetention: 500,
	}
}

// PositionBook is the slice of the position manager the router needs.
type PositionBook interface {
	OpenCount() int
}

// Router admits, sizes and dispatches strategy signals.
type Router struct {
	cfgMu sync.RWMutex
	cfg   Config

	exec      *execution.Service
	gate      *risk.Gate
	positions PositionBook

	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	stateMu      sync.Mutex
	lastExecuted map[string]time.Time
	records      *types.Ring[types.ExecutionRecord]
	listeners    []func(types.ExecutionRecord)
	draining     bool

	// daily realized PnL, reset at the UTC day boundary
	realizedToday decimal.Decimal
	day           time.Time
	dailyStop     bool

	now func() time.Time
}

// New creates a router over the execution service and risk gate.
func New(cfg Config, exec *execution.Service, gate *risk.Gate, positions PositionBook) *Router {
	if cfg.RecordRetention <= 0 {
		cfg.RecordRetention = 500
	}
	return &Router{
		cfg:          cfg,
		exec:         exec,
		gate:         gate,
		positions:    positions,
		keyLocks:     make(map[string]*sync.Mutex),
		lastExecuted: make(map[string]time.Time),
		records:      types.NewRing[types.ExecutionRecord](cfg.RecordRetention),
		now:          time.Now,
	}
}

// GetConfig returns a copy of the active policy.
func (r *Router) GetConfig() Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// SetConfig swaps the policy. Takes effect for subsequent admissions.
func (r *Router) SetConfig(cfg Config) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.cfg = cfg
	log.Info().
		Bool("dry_run", cfg.DryRun).
		Str("order_mode", string(cfg.OrderMode)).
		Msg("Router config updated")
}

// Subscribe registers an execution-record listener. Not safe after routing starts.
func (r *Router) Subscribe(fn func(types.ExecutionRecord)) {
	r.listeners = append(r.listeners, fn)
}

// Drain rejects all new admissions; in-flight ones finish.
func (r *Router) Drain() {
	r.stateMu.Lock()
	r.draining = true
	r.stateMu.Unlock()
	log.Info().Msg("Router draining")
}

// Records returns recent execution records, oldest first.
func (r *Router) Records() []types.ExecutionRecord {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.records.Items()
}

// ═══════════════════════════════════════════════════════════════════════════════
// DAILY LOSS ACCOUNTING
// ═══════════════════════════════════════════════════════════════════════════════

// RecordPnL folds a realized fill PnL into the daily accumulator. Once the
// loss limit is crossed the stop latches for the rest of the UTC day; a
// recovery above the limit does not re-open admissions.
func (r *Router) RecordPnL(pnl decimal.Decimal) {
	cfg := r.GetConfig()

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.rollDayLocked()
	r.realizedToday = r.realizedToday.Add(pnl)
	if !r.dailyStop && cfg.MaxDailyLoss.IsPositive() &&
		r.realizedToday.LessThanOrEqual(cfg.MaxDailyLoss.Neg()) {
		r.dailyStop = true
		log.Warn().
			Str("realized", r.realizedToday.StringFixed(2)).
			Str("limit", cfg.MaxDailyLoss.StringFixed(2)).
			Msg("🛑 DAILY LOSS LIMIT - trading stopped until day boundary")
	}
}

// DailyStop reports whether the daily-loss latch is set.
func (r *Router) DailyStop() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.rollDayLocked()
	return r.dailyStop
}

// rollDayLocked resets the accumulator and latch at the UTC day boundary.
func (r *Router) rollDayLocked() {
	today := r.now().UTC().Truncate(24 * time.Hour)
	if !today.Equal(r.day) {
		if r.dailyStop {
			log.Info().Msg("Day boundary: daily-loss stop reset")
		}
		r.day = today
		r.realizedToday = decimal.Zero
		r.dailyStop = false
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADMISSION
// ═══════════════════════════════════════════════════════════════════════════════

func (r *Router) keyLock(key string) *sync.Mutex {
	r.keyMu.Lock()
	defer r.keyMu.Unlock()
	mu, ok := r.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		r.keyLocks[key] = mu
	}
	return mu
}

// Route runs one signal through the admission pipeline and returns the record.
func (r *Router) Route(ctx context.Context, sig types.Signal) types.ExecutionRecord {
	if err := sig.Validate(); err != nil {
		return r.finish(sig, types.ExecRejected, "validation: "+err.Error(), execution.OrderResult{})
	}

	key := sig.Key()
	mu := r.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	cfg := r.GetConfig()

	r.stateMu.Lock()
	draining := r.draining
	r.stateMu.Unlock()
	if draining {
		return r.finish(sig, types.ExecRejected, "draining", execution.OrderResult{})
	}

	// 1. Allowlist.
	if !allowed(cfg, sig) {
		return r.finish(sig, types.ExecRejected, "not_allowed", execution.OrderResult{})
	}
	if sig.Type == types.SignalHold {
		return r.finish(sig, types.ExecSkipped, "hold", execution.OrderResult{})
	}

	// 2. Strength.
	if sig.Confidence < cfg.MinStrength {
		return r.finish(sig, types.ExecRejected, "min_strength", execution.OrderResult{})
	}

	isBuy := sig.Type == types.SignalBuy

	// 3. Daily stop. Sells remain admitted to reduce exposure.
	if isBuy && r.DailyStop() {
		return r.finish(sig, types.ExecRejected, "daily_loss_limit", execution.OrderResult{})
	}

	// 4. Position cap, buys only.
	if isBuy && cfg.MaxPositions > 0 && r.positions != nil && r.positions.OpenCount() >= cfg.MaxPositions {
		return r.finish(sig, types.ExecRejected, "max_positions", execution.OrderResult{})
	}

	// 5. Cooldown per key, counted from the last executed signal.
	r.stateMu.Lock()
	last, seen := r.lastExecuted[key]
	r.stateMu.Unlock()
	if seen && cfg.Cooldown > 0 && r.now().Sub(last) < cfg.Cooldown {
		return r.finish(sig, types.ExecSkipped, "cooldown", execution.OrderResult{})
	}

	// 6. Notional derivation.
	price, size, notional := r.derive(cfg, sig)
	if size.IsZero() || price.IsZero() {
		return r.finish(sig, types.ExecRejected, "unsized", execution.OrderResult{})
	}

	// 7. Risk gates, buys only: sells release exposure rather than add it.
	if isBuy && r.gate != nil {
		if err := r.gate.Check("router", sig.Platform, sig.MarketID, sig.Outcome, notional, sig.Strategy); err != nil {
			return r.finish(sig, types.ExecRejected, err.Error(), execution.OrderResult{})
		}
	}

	// 8. Dispatch.
	if cfg.DryRun {
		r.markExecuted(key)
		rec := r.finish(sig, types.ExecSkipped, "dry_run", execution.OrderResult{})
		rec.OrderPrice = price
		rec.OrderSize = size
		return rec
	}

	result, err := r.dispatch(ctx, cfg, sig, price, size)
	if err != nil {
		if isBuy && r.gate != nil {
			r.gate.Release(sig.Platform, sig.MarketID, sig.Outcome, notional)
		}
		return r.finish(sig, types.ExecFailed, err.Error(), result)
	}
	if !result.Success {
		if isBuy && r.gate != nil {
			r.gate.Release(sig.Platform, sig.MarketID, sig.Outcome, notional)
		}
		return r.finish(sig, types.ExecRejected, result.Error, result)
	}

	if !isBuy && r.gate != nil {
		r.gate.Release(sig.Platform, sig.MarketID, sig.Outcome, result.AvgFillPrice.Mul(result.FilledSize))
	}

	r.markExecuted(key)
	return r.finish(sig, types.ExecExecuted, sig.Reason, result)
}

func (r *Router) markExecuted(key string) {
	r.stateMu.Lock()
	r.lastExecuted[key] = r.now()
	r.stateMu.Unlock()
}

func allowed(cfg Config, sig types.Signal) bool {
	if len(cfg.AllowedTypes) == 0 && len(cfg.AllowedTags) == 0 {
		return true
	}
	for _, t := range cfg.AllowedTypes {
		if sig.Type == t {
			return true
		}
	}
	for _, tag := range cfg.AllowedTags {
		if sig.Tag == tag {
			return true
		}
	}
	return false
}

// derive computes the order price, share size and USD notional.
func (r *Router) derive(cfg Config, sig types.Signal) (price, size, notional decimal.Decimal) {
	price = sig.Price

	if sig.Size.IsPositive() {
		size = sig.Size
		notional = price.Mul(size)
		if cfg.MaxSizeUSD.IsPositive() && notional.GreaterThan(cfg.MaxSizeUSD) {
			notional = cfg.MaxSizeUSD
			size = notional.Div(price)
		}
		return price, size, notional
	}

	notional = cfg.DefaultSizeUSD
	if cfg.StrengthScaling {
		notional = cfg.DefaultSizeUSD.Mul(decimal.NewFromFloat(sig.Confidence))
		if notional.LessThan(decimal.NewFromInt(1)) {
			notional = decimal.NewFromInt(1)
		}
		if cfg.MaxSizeUSD.IsPositive() && notional.GreaterThan(cfg.MaxSizeUSD) {
			notional = cfg.MaxSizeUSD
		}
	}
	if price.IsPositive() {
		size = notional.Div(price)
	}
	return price, size, notional
}

func (r *Router) dispatch(ctx context.Context, cfg Config, sig types.Signal, price, size decimal.Decimal) (execution.OrderResult, error) {
	req := execution.OrderRequest{
		Platform: sig.Platform,
		MarketID: sig.MarketID,
		TokenID:  sig.TokenID,
		Outcome:  sig.Outcome,
		Price:    price,
		Size:     size,
		Strategy: sig.Strategy,
	}
	isBuy := sig.Type == types.SignalBuy

	switch cfg.OrderMode {
	case types.OrderModeProtectedMarket:
		if isBuy {
			return r.exec.ProtectedBuy(ctx, req, cfg.MaxSlippage)
		}
		return r.exec.ProtectedSell(ctx, req, cfg.MaxSlippage)
	case types.OrderModeMarket:
		// Marketable limit at the signal price; adapters treat a crossing
		// limit as immediate-or-rest.
		fallthrough
	default:
		if isBuy {
			return r.exec.BuyLimit(ctx, req)
		}
		return r.exec.SellLimit(ctx, req)
	}
}

// finish records and publishes the admission outcome.
func (r *Router) finish(sig types.Signal, status types.ExecStatus, reason string, result execution.OrderResult) types.ExecutionRecord {
	rec := types.ExecutionRecord{
		ID:         uuid.NewString(),
		Signal:     sig,
		Status:     status,
		OrderID:    result.OrderID,
		OrderPrice: result.AvgFillPrice,
		OrderSize:  result.FilledSize,
		Reason:     reason,
		Timestamp:  r.now(),
	}

	r.stateMu.Lock()
	r.records.Push(rec)
	listeners := r.listeners
	r.stateMu.Unlock()

	evt := log.Debug()
	if status == types.ExecExecuted {
		evt = log.Info()
	}
	evt.
		Str("key", sig.Key()).
		Str("type", string(sig.Type)).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("Signal routed")

	for _, fn := range listeners {
		fn(rec)
	}
	return rec
}
