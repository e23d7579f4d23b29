package risk

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXPOSURE GATE - Per-order and per-(market,outcome) notional budgets
// ═══════════════════════════════════════════════════════════════════════════════
//
// Used by the signal router and directly by venue adapters. Two independent
// budgets: a hard cap on single-order notional, and a running exposure cap
// per (platform, marketId, outcome) key.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Rejection is a typed policy rejection carrying remaining headroom.
type Rejection struct {
	Rule      string // "max_order_notional" | "max_exposure"
	Key       string
	Requested decimal.Decimal
	Headroom  decimal.Decimal
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: requested %s, headroom %s (%s)",
		r.Rule, r.Requested.StringFixed(2), r.Headroom.StringFixed(2), r.Key)
}

// Gate enforces the exposure budgets.
type Gate struct {
	mu sync.Mutex

	maxOrderNotional decimal.Decimal // zero = unlimited
	maxExposure      decimal.Decimal // per key, zero = unlimited
	exposure         map[string]decimal.Decimal
}

// NewGate creates a gate with the given budgets. A zero budget disables
// that rule.
func NewGate(maxOrderNotional, maxExposure decimal.Decimal) *Gate {
	return &Gate{
		maxOrderNotional: maxOrderNotional,
		maxExposure:      maxExposure,
		exposure:         make(map[string]decimal.Decimal),
	}
}

func exposureKey(platform types.Platform, marketID, outcome string) string {
	return fmt.Sprintf("%s:%s:%s", platform, marketID, outcome)
}

// Check validates notional against both budgets and, on success, reserves
// the exposure. Label is carried into logs only.
func (g *Gate) Check(userID string, platform types.Platform, marketID, outcome string, notional decimal.Decimal, label string) error {
	key := exposureKey(platform, marketID, outcome)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.maxOrderNotional.IsPositive() && notional.GreaterThan(g.maxOrderNotional) {
		return &Rejection{
			Rule:      "max_order_notional",
			Key:       key,
			Requested: notional,
			Headroom:  g.maxOrderNotional,
		}
	}

	if g.maxExposure.IsPositive() {
		used := g.exposure[key]
		headroom := g.maxExposure.Sub(used)
		if notional.GreaterThan(headroom) {
			log.Debug().
				Str("user", userID).
				Str("key", key).
				Str("label", label).
				Str("headroom", headroom.StringFixed(2)).
				Msg("🚫 Exposure gate rejected")
			return &Rejection{
				Rule:      "max_exposure",
				Key:       key,
				Requested: notional,
				Headroom:  headroom,
			}
		}
		g.exposure[key] = used.Add(notional)
	}

	return nil
}

// Release returns exposure to the budget after a position closes or an
// order fails. Clamped at zero.
func (g *Gate) Release(platform types.Platform, marketID, outcome string, notional decimal.Decimal) {
	key := exposureKey(platform, marketID, outcome)

	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := g.exposure[key].Sub(notional)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	g.exposure[key] = remaining
}

// Exposure returns the current reserved notional for a key.
func (g *Gate) Exposure(platform types.Platform, marketID, outcome string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exposure[exposureKey(platform, marketID, outcome)]
}
