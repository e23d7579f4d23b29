package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/feeds"
	"github.com/web3guy0/omnibot/risk"
	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION SERVICE - Idempotent order submission across venues
// ═══════════════════════════════════════════════════════════════════════════════
//
// Responsibilities:
// 1. Limit / maker (post-only) / slippage-protected submission
// 2. Retry transient failures with capped exponential backoff + jitter
// 3. Per-venue circuit breaking (timeouts count as failures)
// 4. Fill tracking and fill callbacks
// 5. Global kill switch enforcement
//
// ═══════════════════════════════════════════════════════════════════════════════

// VenueConfig tunes per-venue behavior.
type VenueConfig struct {
	Timeout          time.Duration // per external call
	MaxRetries       int           // transient retry attempts after the first
	RetryBaseDelay   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultVenueConfig returns sensible defaults.
func DefaultVenueConfig() VenueConfig {
	return VenueConfig{
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBaseDelay:   200 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

type venue struct {
	adapter VenueAdapter
	cfg     VenueConfig
	breaker *CircuitBreaker
}

// Service coordinates execution across registered venue adapters.
type Service struct {
	mu     sync.RWMutex
	venues map[types.Platform]*venue

	feed feeds.Feed
	kill *risk.KillSwitch

	fills  *types.Ring[types.Trade]
	onFill []func(types.Trade)

	sleep func(time.Duration) // injectable for tests
	rng   *rand.Rand
}

// NewService creates a service. feed may be nil when no orderbook-dependent
// operation (maker, protected) is used.
func NewService(feed feeds.Feed, kill *risk.KillSwitch) *Service {
	return &Service{
		venues: make(map[types.Platform]*venue),
		feed:   feed,
		kill:   kill,
		fills:  types.NewRing[types.Trade](500),
		sleep:  time.Sleep,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterVenue adds an adapter with its config.
func (s *Service) RegisterVenue(adapter VenueAdapter, cfg VenueConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[adapter.Platform()] = &venue{
		adapter: adapter,
		cfg:     cfg,
		breaker: NewCircuitBreaker(adapter.Platform(), cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
	log.Info().
		Str("platform", string(adapter.Platform())).
		Dur("timeout", cfg.Timeout).
		Int("max_retries", cfg.MaxRetries).
		Msg("⚡ Venue registered")
}

// OnFill registers a callback invoked for every tracked fill.
func (s *Service) OnFill(fn func(types.Trade)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFill = append(s.onFill, fn)
}

func (s *Service) venueFor(platform types.Platform) (*venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.venues[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return v, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// SUBMISSION VARIANTS
// ═══════════════════════════════════════════════════════════════════════════════

// BuyLimit places a limit buy. At-most-once per successful submission: the
// client order id is generated here and reused across retries so the venue
// can dedupe.
func (s *Service) BuyLimit(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req.Side = "BUY"
	return s.submit(ctx, req)
}

// SellLimit places a limit sell.
func (s *Service) SellLimit(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req.Side = "SELL"
	return s.submit(ctx, req)
}

// MakerBuy places a post-only buy; refuses to cross the spread.
func (s *Service) MakerBuy(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req.Side = "BUY"
	if crossed, err := s.wouldCross(req); err != nil {
		return failResult(req, err.Error()), err
	} else if crossed {
		return failResult(req, "would_cross"), nil
	}
	req.PostOnly = true
	return s.submit(ctx, req)
}

// MakerSell places a post-only sell; refuses to cross the spread.
func (s *Service) MakerSell(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req.Side = "SELL"
	if crossed, err := s.wouldCross(req); err != nil {
		return failResult(req, err.Error()), err
	} else if crossed {
		return failResult(req, "would_cross"), nil
	}
	req.PostOnly = true
	return s.submit(ctx, req)
}

// ProtectedBuy estimates the fill from the book and aborts when expected
// slippage exceeds maxSlippage (fractional); otherwise submits a limit at
// the aggressive expected price.
func (s *Service) ProtectedBuy(ctx context.Context, req OrderRequest, maxSlippage decimal.Decimal) (OrderResult, error) {
	req.Side = "BUY"
	return s.protected(ctx, req, maxSlippage)
}

// ProtectedSell is the sell-side protected variant.
func (s *Service) ProtectedSell(ctx context.Context, req OrderRequest, maxSlippage decimal.Decimal) (OrderResult, error) {
	req.Side = "SELL"
	return s.protected(ctx, req, maxSlippage)
}

func (s *Service) protected(ctx context.Context, req OrderRequest, maxSlippage decimal.Decimal) (OrderResult, error) {
	est, err := s.EstimateSlippage(req)
	if err != nil {
		return failResult(req, err.Error()), err
	}
	if est.Slippage.GreaterThan(maxSlippage) {
		log.Warn().
			Str("market", req.MarketID).
			Str("expected", est.ExpectedPrice.StringFixed(4)).
			Str("slippage", est.Slippage.StringFixed(4)).
			Str("max", maxSlippage.StringFixed(4)).
			Msg("🚫 Protected order aborted")
		return failResult(req, "slippage_exceeded"), nil
	}
	// Submit at the aggressive expected price so the order crosses.
	req.Price = est.ExpectedPrice
	return s.submit(ctx, req)
}

// wouldCross checks the book for a post-only violation.
func (s *Service) wouldCross(req OrderRequest) (bool, error) {
	if s.feed == nil {
		return false, fmt.Errorf("no feed attached, cannot verify post-only")
	}
	ob := s.feed.GetOrderbook(req.Platform, req.MarketID)
	if ob == nil {
		return false, fmt.Errorf("no orderbook for %s:%s", req.Platform, req.MarketID)
	}
	if req.Side == "BUY" {
		if ask, ok := ob.BestAsk(); ok && req.Price.GreaterThanOrEqual(ask.Price) {
			return true, nil
		}
	} else {
		if bid, ok := ob.BestBid(); ok && req.Price.LessThanOrEqual(bid.Price) {
			return true, nil
		}
	}
	return false, nil
}

// EstimateSlippage walks the book for the requested size and reports the
// expected average fill price and the slippage fraction relative to the
// request price.
func (s *Service) EstimateSlippage(req OrderRequest) (SlippageEstimate, error) {
	if s.feed == nil {
		return SlippageEstimate{}, fmt.Errorf("no feed attached")
	}
	ob := s.feed.GetOrderbook(req.Platform, req.MarketID)
	if ob == nil {
		return SlippageEstimate{}, fmt.Errorf("no orderbook for %s:%s", req.Platform, req.MarketID)
	}

	levels := ob.Asks
	if req.Side == "SELL" {
		levels = ob.Bids
	}
	if len(levels) == 0 {
		return SlippageEstimate{}, fmt.Errorf("empty book side for %s:%s", req.Platform, req.MarketID)
	}

	remaining := req.Size
	cost := decimal.Zero
	filled := decimal.Zero
	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := decimal.Min(remaining, lvl.Size)
		cost = cost.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	if filled.IsZero() {
		return SlippageEstimate{}, fmt.Errorf("no depth for size %s", req.Size)
	}
	// Unfilled remainder assumed at the worst touched level.
	if remaining.IsPositive() {
		worst := levels[len(levels)-1].Price
		cost = cost.Add(remaining.Mul(worst))
		filled = filled.Add(remaining)
	}

	expected := cost.Div(filled)
	var slippage decimal.Decimal
	if req.Price.IsPositive() {
		if req.Side == "BUY" {
			slippage = expected.Sub(req.Price).Div(req.Price)
		} else {
			slippage = req.Price.Sub(expected).Div(req.Price)
		}
	}
	if slippage.IsNegative() {
		slippage = decimal.Zero
	}
	return SlippageEstimate{ExpectedPrice: expected, Slippage: slippage}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CORE SUBMIT PATH
// ═══════════════════════════════════════════════════════════════════════════════

func failResult(req OrderRequest, reason string) OrderResult {
	return OrderResult{
		Success:  false,
		ClientID: req.ClientID,
		Status:   StatusFailed,
		Error:    reason,
	}
}

func (s *Service) submit(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if s.kill != nil && s.kill.Active() {
		return failResult(req, "kill_switch"), nil
	}
	if req.Size.LessThanOrEqual(decimal.Zero) || req.Price.IsNegative() {
		return failResult(req, "invalid_order"), fmt.Errorf("invalid order: size %s price %s", req.Size, req.Price)
	}

	v, err := s.venueFor(req.Platform)
	if err != nil {
		return failResult(req, err.Error()), err
	}
	if !v.breaker.Allow() {
		return failResult(req, "circuit_open"), nil
	}

	if req.ClientID == "" {
		req.ClientID = "OB-" + uuid.NewString()
	}
	if req.TimeInForce == "" {
		req.TimeInForce = TIFGoodTilCancel
	}

	var res OrderResult
	var lastErr error
	for attempt := 0; attempt <= v.cfg.MaxRetries; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
		res, lastErr = v.adapter.PlaceOrder(cctx, req)
		cancel()

		if lastErr == nil {
			v.breaker.RecordSuccess()
			res.ClientID = req.ClientID
			s.trackFill(req, res)
			return res, nil
		}

		kind := Classify(lastErr)
		if kind == KindPermanent {
			// Business rejection: surface, do not count toward the breaker.
			log.Warn().Err(lastErr).Str("client_id", req.ClientID).Msg("Order rejected by venue")
			return failResult(req, lastErr.Error()), lastErr
		}

		v.breaker.RecordFailure()
		if attempt == v.cfg.MaxRetries {
			break
		}

		delay := s.backoff(v.cfg.RetryBaseDelay, attempt)
		if hint := RetryAfterHint(lastErr); hint > delay {
			delay = hint
		}
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Str("client_id", req.ClientID).
			Msg("⚠️ Order submission failed, retrying...")
		s.sleep(delay)

		if !v.breaker.Allow() {
			return failResult(req, "circuit_open"), nil
		}
	}

	log.Error().Err(lastErr).Str("client_id", req.ClientID).Msg("❌ Order failed after retries")
	return failResult(req, lastErr.Error()), lastErr
}

// backoff returns base × 2^attempt with up to 25% jitter, capped at 5s.
func (s *Service) backoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	s.mu.Lock()
	jitter := time.Duration(s.rng.Int63n(int64(d)/4 + 1))
	s.mu.Unlock()
	return d + jitter
}

func (s *Service) trackFill(req OrderRequest, res OrderResult) {
	if !res.Success || res.FilledSize.LessThanOrEqual(decimal.Zero) {
		return
	}

	trade := types.Trade{
		ID:         res.OrderID,
		Platform:   req.Platform,
		MarketID:   req.MarketID,
		TokenID:    req.TokenID,
		Outcome:    req.Outcome,
		Side:       req.Side,
		Price:      res.AvgFillPrice,
		Size:       res.FilledSize,
		Strategy:   req.Strategy,
		Protective: req.Protective,
		Timestamp:  time.Now().UTC(),
	}
	if trade.ID == "" {
		trade.ID = res.ClientID
	}

	s.mu.Lock()
	s.fills.Push(trade)
	callbacks := append(make([]func(types.Trade), 0, len(s.onFill)), s.onFill...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(trade)
	}

	log.Info().
		Str("order_id", trade.ID).
		Str("side", trade.Side).
		Str("price", trade.Price.StringFixed(4)).
		Str("size", trade.Size.StringFixed(2)).
		Str("strategy", trade.Strategy).
		Msg("✅ Fill tracked")
}

// ═══════════════════════════════════════════════════════════════════════════════
// CANCELLATION & QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// CancelOrder cancels one order. Idempotent: already filled / unknown
// returns false without retry.
func (s *Service) CancelOrder(ctx context.Context, platform types.Platform, orderID string) (bool, error) {
	v, err := s.venueFor(platform)
	if err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	return v.adapter.CancelOrder(cctx, orderID)
}

// CancelAllOrders cancels every resting order on a venue.
func (s *Service) CancelAllOrders(ctx context.Context, platform types.Platform) (int, error) {
	v, err := s.venueFor(platform)
	if err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	return v.adapter.CancelAllOrders(cctx)
}

// GetOrder queries one order; nil when unknown.
func (s *Service) GetOrder(ctx context.Context, platform types.Platform, orderID string) (*OpenOrder, error) {
	v, err := s.venueFor(platform)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	return v.adapter.GetOrder(cctx, orderID)
}

// GetOpenOrders lists resting orders on a venue.
func (s *Service) GetOpenOrders(ctx context.Context, platform types.Platform) ([]OpenOrder, error) {
	v, err := s.venueFor(platform)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()
	return v.adapter.GetOpenOrders(cctx)
}

// GetTrackedFills returns the recent fill history, oldest-first.
func (s *Service) GetTrackedFills() []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fills.Items()
}

// BreakerState reports a venue's circuit state.
func (s *Service) BreakerState(platform types.Platform) BreakerState {
	v, err := s.venueFor(platform)
	if err != nil {
		return BreakerClosed
	}
	return v.breaker.State()
}

// Close shuts the service down; when cancelAll is set, every venue's
// resting orders are cancelled first.
func (s *Service) Close(ctx context.Context, cancelAll bool) {
	if cancelAll {
		s.mu.RLock()
		platforms := make([]types.Platform, 0, len(s.venues))
		for p := range s.venues {
			platforms = append(platforms, p)
		}
		s.mu.RUnlock()

		for _, p := range platforms {
			if n, err := s.CancelAllOrders(ctx, p); err != nil {
				log.Error().Err(err).Str("platform", string(p)).Msg("Cancel-all on close failed")
			} else if n > 0 {
				log.Info().Int("cancelled", n).Str("platform", string(p)).Msg("Orders cancelled on close")
			}
		}
	}
	log.Info().Msg("Execution service closed")
}
