package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/feeds"
	"github.com/web3guy0/omnibot/risk"
	"github.com/web3guy0/omnibot/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeFeed serves a fixed orderbook.
type fakeFeed struct {
	book *types.OrderbookSnapshot
}

func (f *fakeFeed) SubscribePrice(types.Platform, string, func(feeds.PriceUpdate)) func() {
	return func() {}
}

func (f *fakeFeed) GetOrderbook(types.Platform, string) *types.OrderbookSnapshot {
	return f.book
}

// flakyAdapter fails n times with the given error, then fills.
type flakyAdapter struct {
	platform  types.Platform
	failures  int
	failErr   error
	attempts  int
	lastReq   OrderRequest
	clientIDs []string
}

func (a *flakyAdapter) Platform() types.Platform { return a.platform }

func (a *flakyAdapter) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	a.attempts++
	a.lastReq = req
	a.clientIDs = append(a.clientIDs, req.ClientID)
	if a.attempts <= a.failures {
		return OrderResult{}, a.failErr
	}
	return OrderResult{
		Success:      true,
		OrderID:      "ORD-1",
		FilledSize:   req.Size,
		AvgFillPrice: req.Price,
		Status:       StatusFilled,
	}, nil
}

func (a *flakyAdapter) CancelOrder(context.Context, string) (bool, error)    { return false, nil }
func (a *flakyAdapter) CancelAllOrders(context.Context) (int, error)         { return 0, nil }
func (a *flakyAdapter) GetOrder(context.Context, string) (*OpenOrder, error) { return nil, nil }
func (a *flakyAdapter) GetOpenOrders(context.Context) ([]OpenOrder, error)   { return nil, nil }

func newTestService(feed feeds.Feed) *Service {
	s := NewService(feed, risk.NewKillSwitch())
	s.sleep = func(time.Duration) {} // no real waiting in tests
	return s
}

func baseRequest() OrderRequest {
	return OrderRequest{
		Platform: "poly",
		MarketID: "MKT1",
		TokenID:  "TOK1",
		Outcome:  "YES",
		Price:    dec("0.50"),
		Size:     dec("10"),
	}
}

func TestProtectedBuySlippageAbort(t *testing.T) {
	t.Parallel()

	// Top of book implies expected fill 0.55 against a 0.50 limit: 10%.
	feed := &fakeFeed{book: &types.OrderbookSnapshot{
		Time: time.Now(),
		Asks: []types.OrderbookLevel{{Price: dec("0.55"), Size: dec("100")}},
		Bids: []types.OrderbookLevel{{Price: dec("0.45"), Size: dec("100")}},
	}}
	adapter := &flakyAdapter{platform: "poly"}
	svc := newTestService(feed)
	svc.RegisterVenue(adapter, DefaultVenueConfig())

	res, err := svc.ProtectedBuy(context.Background(), baseRequest(), dec("0.02"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected protected buy to abort")
	}
	if res.Error != "slippage_exceeded" {
		t.Fatalf("error = %q, want slippage_exceeded", res.Error)
	}
	if adapter.attempts != 0 {
		t.Fatalf("order was submitted %d times, want 0", adapter.attempts)
	}
}

func TestProtectedBuyWithinBound(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{book: &types.OrderbookSnapshot{
		Time: time.Now(),
		Asks: []types.OrderbookLevel{{Price: dec("0.505"), Size: dec("100")}},
	}}
	adapter := &flakyAdapter{platform: "poly"}
	svc := newTestService(feed)
	svc.RegisterVenue(adapter, DefaultVenueConfig())

	res, err := svc.ProtectedBuy(context.Background(), baseRequest(), dec("0.02"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected fill, got %q", res.Error)
	}
	// Order is submitted at the aggressive expected price.
	if !adapter.lastReq.Price.Equal(dec("0.505")) {
		t.Fatalf("submitted price = %s, want 0.505", adapter.lastReq.Price)
	}
}

func TestMakerBuyWouldCross(t *testing.T) {
	t.Parallel()

	feed := &fakeFeed{book: &types.OrderbookSnapshot{
		Time: time.Now(),
		Asks: []types.OrderbookLevel{{Price: dec("0.50"), Size: dec("100")}},
	}}
	adapter := &flakyAdapter{platform: "poly"}
	svc := newTestService(feed)
	svc.RegisterVenue(adapter, DefaultVenueConfig())

	res, err := svc.MakerBuy(context.Background(), baseRequest()) // bid 0.50 >= ask 0.50
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Error != "would_cross" {
		t.Fatalf("result = %+v, want would_cross failure", res)
	}
	if adapter.attempts != 0 {
		t.Fatal("crossing maker order reached the venue")
	}
}

func TestTransientRetriesKeepClientID(t *testing.T) {
	t.Parallel()

	adapter := &flakyAdapter{
		platform: "poly",
		failures: 2,
		failErr:  Transient(errors.New("rate limited")),
	}
	svc := newTestService(nil)
	svc.RegisterVenue(adapter, DefaultVenueConfig())

	res, err := svc.BuyLimit(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected eventual fill, got %q", res.Error)
	}
	if adapter.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", adapter.attempts)
	}
	for _, id := range adapter.clientIDs {
		if id != adapter.clientIDs[0] || id == "" {
			t.Fatalf("client id changed across retries: %v", adapter.clientIDs)
		}
	}
	fills := svc.GetTrackedFills()
	if len(fills) != 1 {
		t.Fatalf("tracked fills = %d, want 1", len(fills))
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	adapter := &flakyAdapter{
		platform: "poly",
		failures: 10,
		failErr:  Permanent(errors.New("insufficient balance")),
	}
	svc := newTestService(nil)
	svc.RegisterVenue(adapter, DefaultVenueConfig())

	res, err := svc.BuyLimit(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected surfaced error")
	}
	if res.Success {
		t.Fatal("expected failed result")
	}
	if adapter.attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on permanent)", adapter.attempts)
	}
	// Permanent rejections do not trip the breaker.
	if got := svc.BreakerState("poly"); got != BreakerClosed {
		t.Fatalf("breaker state = %s, want closed", got)
	}
}

func TestKillSwitchBlocksSubmission(t *testing.T) {
	t.Parallel()

	adapter := &flakyAdapter{platform: "poly"}
	kill := risk.NewKillSwitch()
	svc := NewService(nil, kill)
	svc.sleep = func(time.Duration) {}
	svc.RegisterVenue(adapter, DefaultVenueConfig())

	kill.Activate("manual")
	res, err := svc.BuyLimit(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Error != "kill_switch" {
		t.Fatalf("result = %+v, want kill_switch rejection", res)
	}
	if adapter.attempts != 0 {
		t.Fatal("order reached the venue while killed")
	}
}

func TestFillFanoutCarriesProtectiveFlag(t *testing.T) {
	t.Parallel()

	adapter := &flakyAdapter{platform: "poly"}
	svc := newTestService(nil)
	svc.RegisterVenue(adapter, DefaultVenueConfig())

	var first, second []types.Trade
	svc.OnFill(func(tr types.Trade) { first = append(first, tr) })
	svc.OnFill(func(tr types.Trade) { second = append(second, tr) })

	req := baseRequest()
	req.Protective = true
	if _, err := svc.SellLimit(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("callback deliveries = %d/%d, want 1/1", len(first), len(second))
	}
	if !first[0].Protective || !second[0].Protective {
		t.Fatal("protective flag dropped from tracked fill")
	}
}

func TestPaperVenueCancelIdempotent(t *testing.T) {
	t.Parallel()

	paper := NewPaperVenue("poly", 10)
	ctx := context.Background()

	res, err := paper.PlaceOrder(ctx, baseRequest())
	if err != nil || !res.Success {
		t.Fatalf("paper fill failed: %v %+v", err, res)
	}

	// Cancelling a filled order returns false, nil.
	ok, err := paper.CancelOrder(ctx, res.OrderID)
	if err != nil || ok {
		t.Fatalf("cancel filled = %v, %v; want false, nil", ok, err)
	}

	// A resting order cancels exactly once.
	restID := paper.Rest(baseRequest())
	ok, _ = paper.CancelOrder(ctx, restID)
	if !ok {
		t.Fatal("first cancel of resting order failed")
	}
	ok, _ = paper.CancelOrder(ctx, restID)
	if ok {
		t.Fatal("second cancel of same order succeeded")
	}
}
