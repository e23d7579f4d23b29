package mm

// ═══════════════════════════════════════════════════════════════════════════════
// QUOTE GENERATION - Inventory-skewed ladders around fair value
// ═══════════════════════════════════════════════════════════════════════════════

// Quote is one price level of a ladder.
type Quote struct {
	Price float64
	Size  float64
}

// QuoteSet is the full two-sided ladder for one requote.
type QuoteSet struct {
	Bids []Quote
	Asks []Quote
}

// QuoteParams shape the ladder.
type QuoteParams struct {
	BaseHalfSpread float64 // s0
	SkewCoeff      float64 // k
	Levels         int     // L
	LevelStep      float64 // δ
	LevelSize      float64 // m
	MaxInventory   float64 // Q
	MinPrice       float64 // legal floor, e.g. 0.01
	MaxPrice       float64 // legal ceiling, e.g. 0.99
}

// BuildQuotes generates the skewed ladder. Positive inventory shifts both
// sides down to discourage further buying; quotes outside the legal price
// range are dropped, not clamped into it.
func BuildQuotes(fairValue, inventory float64, p QuoteParams) QuoteSet {
	if p.Levels < 1 {
		p.Levels = 1
	}
	skew := 0.0
	if p.MaxInventory > 0 {
		skew = p.SkewCoeff * (inventory / p.MaxInventory)
	}

	var set QuoteSet
	for i := 0; i < p.Levels; i++ {
		step := float64(i) * p.LevelStep
		bid := fairValue - p.BaseHalfSpread - step - skew
		ask := fairValue + p.BaseHalfSpread + step - skew
		if bid > p.MinPrice && bid < p.MaxPrice {
			set.Bids = append(set.Bids, Quote{Price: bid, Size: p.LevelSize})
		}
		if ask > p.MinPrice && ask < p.MaxPrice {
			set.Asks = append(set.Asks, Quote{Price: ask, Size: p.LevelSize})
		}
	}
	return set
}

// Crossed reports whether the best bid and ask of the set overlap.
func (q QuoteSet) Crossed() bool {
	if len(q.Bids) == 0 || len(q.Asks) == 0 {
		return false
	}
	return q.Bids[0].Price >= q.Asks[0].Price
}
