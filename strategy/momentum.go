package strategy

import (
	"fmt"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MOMENTUM - Simple directional strategy over the rolling price window
// ═══════════════════════════════════════════════════════════════════════════════
//
// Buys when the return over the lookback window exceeds the entry threshold,
// sells an open position when momentum reverses past the exit threshold.
//
// Params:
//   lookback        number of ticks to measure momentum over (default 20)
//   entry_threshold fractional return to enter, e.g. 0.02 = 2% (default 0.02)
//   exit_threshold  fractional adverse return to exit (default 0.01)
//
// ═══════════════════════════════════════════════════════════════════════════════

// Momentum trades lookback-window price momentum on a single market outcome.
type Momentum struct {
	platform types.Platform
	marketID string
	tokenID  string
	outcome  string
}

// NewMomentum creates a momentum strategy bound to one market outcome.
func NewMomentum(platform types.Platform, marketID, tokenID, outcome string) *Momentum {
	return &Momentum{
		platform: platform,
		marketID: marketID,
		tokenID:  tokenID,
		outcome:  outcome,
	}
}

// Name implements Strategy.
func (m *Momentum) Name() string { return "momentum" }

// Evaluate implements Strategy.
func (m *Momentum) Evaluate(ctx *Context) ([]types.Signal, error) {
	key := fmt.Sprintf("%s:%s:%s", m.platform, m.marketID, m.outcome)

	lookback := int(ctx.Param("lookback", 20))
	if lookback < 2 {
		lookback = 2
	}
	entryThr := ctx.Param("entry_threshold", 0.02)
	exitThr := ctx.Param("exit_threshold", 0.01)

	history := ctx.History(key)
	if len(history) < lookback {
		return nil, nil // not enough data yet
	}

	window := history[len(history)-lookback:]
	first := window[0].Price
	last := window[len(window)-1].Price
	if first.IsZero() {
		return nil, nil
	}
	ret, _ := last.Sub(first).Div(first).Float64()

	pos, holding := ctx.Position(key)

	if holding && ret <= -exitThr {
		sig := NewSignal(m.Name()).
			Market(m.platform, m.marketID, m.outcome).
			Token(m.tokenID).
			Sell().
			Price(last).
			Size(pos.Size).
			Confidence(momentumConfidence(-ret, exitThr)).
			Reason(fmt.Sprintf("momentum reversal %.2f%% over %d ticks", ret*100, lookback)).
			Build()
		return []types.Signal{sig}, nil
	}

	if !holding && ret >= entryThr {
		sig := NewSignal(m.Name()).
			Market(m.platform, m.marketID, m.outcome).
			Token(m.tokenID).
			Buy().
			Price(last).
			Confidence(momentumConfidence(ret, entryThr)).
			Reason(fmt.Sprintf("momentum %.2f%% over %d ticks", ret*100, lookback)).
			Build()
		return []types.Signal{sig}, nil
	}

	return nil, nil
}

// momentumConfidence maps excess momentum over the threshold to [0.5, 1.0].
func momentumConfidence(ret, threshold float64) float64 {
	if threshold <= 0 {
		return 0.5
	}
	excess := (ret - threshold) / threshold
	conf := 0.5 + 0.25*excess
	if conf > 1 {
		conf = 1
	}
	if conf < 0.5 {
		conf = 0.5
	}
	return conf
}

var _ Strategy = (*Momentum)(nil)
