package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER VENUE - Simulated adapter for dry-run and tests
// ═══════════════════════════════════════════════════════════════════════════════

// PaperVenue fills every order immediately at the requested price adjusted
// by a fixed slippage, clamped to the binary-market price range.
type PaperVenue struct {
	mu sync.Mutex

	platform    types.Platform
	slippageBps int64
	minPrice    decimal.Decimal
	maxPrice    decimal.Decimal

	// filled orders by venue id, for idempotent cancel semantics
	filled map[string]OpenOrder
	open   map[string]OpenOrder
}

// NewPaperVenue creates a simulated venue.
func NewPaperVenue(platform types.Platform, slippageBps int64) *PaperVenue {
	return &PaperVenue{
		platform:    platform,
		slippageBps: slippageBps,
		minPrice:    decimal.NewFromFloat(0.01),
		maxPrice:    decimal.NewFromFloat(0.99),
		filled:      make(map[string]OpenOrder),
		open:        make(map[string]OpenOrder),
	}
}

// Platform implements VenueAdapter.
func (p *PaperVenue) Platform() types.Platform { return p.platform }

// PlaceOrder simulates an immediate full fill.
func (p *PaperVenue) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Replaying the same client id returns the original fill (venue-side dedupe).
	for id, o := range p.filled {
		if o.ClientID == req.ClientID && req.ClientID != "" {
			return OrderResult{
				Success:      true,
				OrderID:      id,
				ClientID:     req.ClientID,
				FilledSize:   o.Size,
				AvgFillPrice: o.Price,
				Status:       StatusFilled,
			}, nil
		}
	}

	slip := decimal.NewFromInt(p.slippageBps).Div(decimal.NewFromInt(10000))
	fillPrice := req.Price
	if req.Side == "BUY" {
		fillPrice = req.Price.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		fillPrice = req.Price.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	if fillPrice.LessThan(p.minPrice) {
		fillPrice = p.minPrice
	}
	if fillPrice.GreaterThan(p.maxPrice) {
		fillPrice = p.maxPrice
	}

	orderID := "PAPER-" + uuid.NewString()
	p.filled[orderID] = OpenOrder{
		OrderID:    orderID,
		ClientID:   req.ClientID,
		Platform:   p.platform,
		MarketID:   req.MarketID,
		TokenID:    req.TokenID,
		Side:       req.Side,
		Price:      fillPrice,
		Size:       req.Size,
		FilledSize: req.Size,
		CreatedAt:  time.Now().UTC(),
	}

	log.Debug().
		Str("order_id", orderID).
		Str("side", req.Side).
		Str("fill_price", fillPrice.StringFixed(4)).
		Msg("Order filled (PAPER)")

	return OrderResult{
		Success:      true,
		OrderID:      orderID,
		ClientID:     req.ClientID,
		FilledSize:   req.Size,
		AvgFillPrice: fillPrice,
		Status:       StatusFilled,
	}, nil
}

// CancelOrder is idempotent: filled or unknown orders return false.
func (p *PaperVenue) CancelOrder(_ context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.open[orderID]; ok {
		delete(p.open, orderID)
		return true, nil
	}
	return false, nil
}

// CancelAllOrders cancels all resting orders.
func (p *PaperVenue) CancelAllOrders(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.open)
	p.open = make(map[string]OpenOrder)
	return n, nil
}

// GetOrder returns a resting order, or nil when filled/unknown.
func (p *PaperVenue) GetOrder(_ context.Context, orderID string) (*OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.open[orderID]; ok {
		return &o, nil
	}
	return nil, nil
}

// GetOpenOrders lists resting orders.
func (p *PaperVenue) GetOpenOrders(_ context.Context) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OpenOrder, 0, len(p.open))
	for _, o := range p.open {
		out = append(out, o)
	}
	return out, nil
}

// Rest parks an order in the book instead of filling it; used to exercise
// cancel and query paths in tests and dry-run.
func (p *PaperVenue) Rest(req OrderRequest) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	orderID := fmt.Sprintf("PAPER-REST-%d", len(p.open)+len(p.filled)+1)
	p.open[orderID] = OpenOrder{
		OrderID:   orderID,
		ClientID:  req.ClientID,
		Platform:  p.platform,
		MarketID:  req.MarketID,
		TokenID:   req.TokenID,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Size,
		CreatedAt: time.Now().UTC(),
	}
	return orderID
}
