package mm

import (
	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FAIR VALUE - Book-derived reference price with EMA smoothing
// ═══════════════════════════════════════════════════════════════════════════════

// FairValueMethod selects how the raw reference price is derived.
type FairValueMethod string

const (
	// FairMid is the book midpoint (bestBid + bestAsk) / 2.
	FairMid FairValueMethod = "mid"
	// FairMicroprice is size-weighted toward the thinner side.
	FairMicroprice FairValueMethod = "microprice"
	// FairVWAP is volume-weighted over the top-k levels of both sides.
	FairVWAP FairValueMethod = "vwap"
)

// RawFairValue computes the unsmoothed reference price from a book snapshot.
// Returns false when the book is one-sided or empty.
func RawFairValue(book *types.OrderbookSnapshot, method FairValueMethod, topK int) (float64, bool) {
	if book == nil {
		return 0, false
	}
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	if !hasBid || !hasAsk {
		return 0, false
	}

	bidPx, _ := bid.Price.Float64()
	askPx, _ := ask.Price.Float64()

	switch method {
	case FairMicroprice:
		bidSz, _ := bid.Size.Float64()
		askSz, _ := ask.Size.Float64()
		if bidSz+askSz <= 0 {
			return (bidPx + askPx) / 2, true
		}
		// Weight toward the side with less resting size.
		return (bidPx*askSz + askPx*bidSz) / (bidSz + askSz), true

	case FairVWAP:
		if topK < 1 {
			topK = 3
		}
		num, den := 0.0, 0.0
		for i := 0; i < topK && i < len(book.Bids); i++ {
			px, _ := book.Bids[i].Price.Float64()
			sz, _ := book.Bids[i].Size.Float64()
			num += px * sz
			den += sz
		}
		for i := 0; i < topK && i < len(book.Asks); i++ {
			px, _ := book.Asks[i].Price.Float64()
			sz, _ := book.Asks[i].Size.Float64()
			num += px * sz
			den += sz
		}
		if den <= 0 {
			return (bidPx + askPx) / 2, true
		}
		return num / den, true

	default: // FairMid
		return (bidPx + askPx) / 2, true
	}
}

// EMA smooths a raw fair value stream: ema ← α·raw + (1−α)·ema.
type EMA struct {
	alpha  float64
	value  float64
	primed bool
}

// NewEMA creates an EMA with smoothing factor alpha in (0, 1].
func NewEMA(alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &EMA{alpha: alpha}
}

// Update folds a raw observation in and returns the smoothed value. The
// first observation primes the EMA directly.
func (e *EMA) Update(raw float64) float64 {
	if !e.primed {
		e.value = raw
		e.primed = true
		return e.value
	}
	e.value = e.alpha*raw + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current smoothed value.
func (e *EMA) Value() float64 { return e.value }

// Primed reports whether at least one observation has been folded in.
func (e *EMA) Primed() bool { return e.primed }
