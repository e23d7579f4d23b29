package position

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// recordingCloser captures executeClose invocations.
type recordingCloser struct {
	mu    sync.Mutex
	calls []struct {
		id     string
		size   decimal.Decimal
		reason string
	}
	result bool
}

func (r *recordingCloser) close(pos types.Position, size decimal.Decimal, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		id     string
		size   decimal.Decimal
		reason string
	}{pos.ID, size, reason})
	return r.result
}

func (r *recordingCloser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func openLong(m *Manager, entry string, size int64) types.Position {
	return m.ApplyFill(types.Trade{
		ID:        "T1",
		Platform:  "poly",
		MarketID:  "MKT1",
		TokenID:   "TOK1",
		Outcome:   "YES",
		Side:      "BUY",
		Price:     dec(entry),
		Size:      decimal.NewFromInt(size),
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
}

func TestApplyFillAveragesEntry(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: true}
	m := NewManager(closer.close)

	openLong(m, "0.50", 100)
	p := m.ApplyFill(types.Trade{
		Platform: "poly", MarketID: "MKT1", TokenID: "TOK1", Outcome: "YES",
		Side: "BUY", Price: dec("0.60"), Size: decimal.NewFromInt(100),
	})

	if !p.Size.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("size = %s, want 200", p.Size)
	}
	if !p.EntryPrice.Equal(dec("0.55")) {
		t.Fatalf("avg entry = %s, want 0.55", p.EntryPrice)
	}
}

func TestStopLossFiresOnce(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: true}
	m := NewManager(closer.close)
	p := openLong(m, "0.60", 100)

	if err := m.SetStopLoss(p.ID, types.StopLoss{PercentFromEntry: dec("10")}); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(p.ID)
	if !got.StopLoss.Price.Equal(dec("0.54")) {
		t.Fatalf("derived stop = %s, want 0.54", got.StopLoss.Price)
	}

	m.UpdatePrice(p.ID, dec("0.55")) // above stop
	if closer.count() != 0 {
		t.Fatal("stop fired above trigger price")
	}

	m.UpdatePrice(p.ID, dec("0.54")) // at stop
	m.UpdatePrice(p.ID, dec("0.50")) // already closed, no second fire
	if closer.count() != 1 {
		t.Fatalf("close calls = %d, want 1", closer.count())
	}
	if closer.calls[0].reason != "stop_loss" {
		t.Fatalf("reason = %s", closer.calls[0].reason)
	}

	got, _ = m.Get(p.ID)
	if got.Status != types.PositionClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	// (0.54 − 0.60) × 100
	if !got.RealizedPnL.Equal(dec("-6")) {
		t.Fatalf("realized pnl = %s, want -6", got.RealizedPnL)
	}
}

func TestTrailingStopTightensAndFires(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: true}
	m := NewManager(closer.close)
	p := openLong(m, "0.60", 100)

	if err := m.SetStopLoss(p.ID, types.StopLoss{
		PercentFromEntry: dec("10"),
		TrailingPercent:  dec("10"),
	}); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		price    string
		wantStop string
	}{
		{"0.60", "0.54"},
		{"0.66", "0.594"},
		{"0.72", "0.648"},
		{"0.70", "0.648"}, // pullback: stop never loosens
	}
	for _, s := range steps {
		m.UpdatePrice(p.ID, dec(s.price))
		got, _ := m.Get(p.ID)
		if !got.StopLoss.Price.Equal(dec(s.wantStop)) {
			t.Fatalf("at %s: stop = %s, want %s", s.price, got.StopLoss.Price, s.wantStop)
		}
	}

	m.UpdatePrice(p.ID, dec("0.648"))
	if closer.count() != 1 {
		t.Fatalf("close calls = %d, want 1", closer.count())
	}
	if closer.calls[0].reason != "trailing_stop" {
		t.Fatalf("reason = %s, want trailing_stop", closer.calls[0].reason)
	}
	got, _ := m.Get(p.ID)
	// (0.648 − 0.60) × 100
	if !got.RealizedPnL.Equal(dec("4.8")) {
		t.Fatalf("realized pnl = %s, want 4.8", got.RealizedPnL)
	}
}

func TestPartialLadderClosesInRungs(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: true}
	m := NewManager(closer.close)
	p := openLong(m, "0.50", 200)

	if err := m.SetTakeProfit(p.ID, types.TakeProfit{
		PartialLevels: []types.PartialLevel{
			{PricePct: dec("10"), CloseFraction: dec("0.5")},
			{PricePct: dec("20"), CloseFraction: dec("1")},
		},
	}); err != nil {
		t.Fatal(err)
	}

	m.UpdatePrice(p.ID, dec("0.55")) // +10%: close half
	got, _ := m.Get(p.ID)
	if !got.Size.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("size after rung 1 = %s, want 100", got.Size)
	}
	if got.Status != types.PositionOpen {
		t.Fatal("position closed after partial rung")
	}

	m.UpdatePrice(p.ID, dec("0.55")) // same price: rung must not refire
	if closer.count() != 1 {
		t.Fatalf("close calls = %d, want 1 after refire check", closer.count())
	}

	m.UpdatePrice(p.ID, dec("0.60")) // +20%: close remainder
	got, _ = m.Get(p.ID)
	if got.Status != types.PositionClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	if closer.count() != 2 {
		t.Fatalf("close calls = %d, want 2", closer.count())
	}
	if !closer.calls[1].size.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("final rung size = %s, want remaining 100", closer.calls[1].size)
	}
	// 100×0.05 + 100×0.10
	if !got.RealizedPnL.Equal(dec("15")) {
		t.Fatalf("realized pnl = %s, want 15", got.RealizedPnL)
	}
}

func TestTriggerCloseFillEchoNotDoubleCounted(t *testing.T) {
	t.Parallel()

	// Mimics the live wiring: the close order's fill echoes back through
	// ApplyFill tagged protective before the trigger path folds the close.
	var m *Manager
	m = NewManager(func(pos types.Position, size decimal.Decimal, reason string) bool {
		m.ApplyFill(types.Trade{
			Platform: pos.Platform, MarketID: pos.MarketID, TokenID: pos.TokenID,
			Outcome: pos.OutcomeName, Side: "SELL", Price: pos.CurrentPrice,
			Size: size, Protective: true,
		})
		return true
	})
	p := openLong(m, "0.50", 200)
	if err := m.SetTakeProfit(p.ID, types.TakeProfit{
		PartialLevels: []types.PartialLevel{
			{PricePct: dec("10"), CloseFraction: dec("0.5")},
			{PricePct: dec("20"), CloseFraction: dec("1")},
		},
	}); err != nil {
		t.Fatal(err)
	}

	m.UpdatePrice(p.ID, dec("0.55")) // +10%: close half, once
	got, _ := m.Get(p.ID)
	if !got.Size.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("size after rung 1 = %s, want 100", got.Size)
	}
	if got.Status != types.PositionOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}
	// 100 × 0.05
	if !got.RealizedPnL.Equal(dec("5")) {
		t.Fatalf("realized pnl = %s, want 5", got.RealizedPnL)
	}
}

func TestFailedPartialRungRearms(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: false}
	m := NewManager(closer.close)
	p := openLong(m, "0.50", 200)
	if err := m.SetTakeProfit(p.ID, types.TakeProfit{
		PartialLevels: []types.PartialLevel{
			{PricePct: dec("10"), CloseFraction: dec("0.5")},
			{PricePct: dec("20"), CloseFraction: dec("1")},
		},
	}); err != nil {
		t.Fatal(err)
	}

	m.UpdatePrice(p.ID, dec("0.55")) // venue rejects the rung
	got, _ := m.Get(p.ID)
	if !got.Size.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("size = %s, want untouched 200", got.Size)
	}

	closer.result = true
	m.UpdatePrice(p.ID, dec("0.55")) // same rung fires again
	got, _ = m.Get(p.ID)
	if !got.Size.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("size = %s, want 100 after retried rung", got.Size)
	}
	if closer.count() != 2 {
		t.Fatalf("close calls = %d, want 2", closer.count())
	}
}

func TestListenersMayReadBookDuringEmit(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: true}
	m := NewManager(closer.close)

	var seen []string
	m.Subscribe(func(ev Event) {
		m.Get(ev.Position.ID) // listeners reenter the book in production
		seen = append(seen, ev.Type)
	})

	p := openLong(m, "0.60", 100)
	if err := m.SetStopLoss(p.ID, types.StopLoss{PercentFromEntry: dec("10")}); err != nil {
		t.Fatal(err)
	}
	m.UpdatePrice(p.ID, dec("0.54"))

	want := []string{"position_opened", "stop_updated", "position_closed"}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events = %v, want %v", seen, want)
		}
	}
}

func TestFailedCloseAllowsRetrigger(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: false}
	m := NewManager(closer.close)
	p := openLong(m, "0.60", 100)
	if err := m.SetStopLoss(p.ID, types.StopLoss{Price: dec("0.54")}); err != nil {
		t.Fatal(err)
	}

	m.UpdatePrice(p.ID, dec("0.50"))
	got, _ := m.Get(p.ID)
	if got.Status != types.PositionOpen {
		t.Fatal("position closed despite failed callback")
	}

	closer.result = true
	m.UpdatePrice(p.ID, dec("0.49"))
	got, _ = m.Get(p.ID)
	if got.Status != types.PositionClosed {
		t.Fatal("position not closed after successful retry")
	}
	if closer.count() != 2 {
		t.Fatalf("close calls = %d, want 2", closer.count())
	}
}

func TestTimeExitFiresNearExpiry(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: true}
	m := NewManager(closer.close)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	p := openLong(m, "0.60", 100)
	if err := m.SetExpiry(p.ID, now.Add(10*time.Minute)); err != nil {
		t.Fatal(err)
	}

	m.UpdatePrice(p.ID, dec("0.61"))
	if closer.count() != 0 {
		t.Fatal("time exit fired too early")
	}

	now = now.Add(9*time.Minute + 30*time.Second) // inside the expiry window
	m.Sweep()
	if closer.count() != 1 || closer.calls[0].reason != "time_exit" {
		t.Fatalf("calls = %+v, want one time_exit", closer.calls)
	}
}

func TestSellFillReducesAndCloses(t *testing.T) {
	t.Parallel()

	closer := &recordingCloser{result: true}
	m := NewManager(closer.close)
	p := openLong(m, "0.50", 100)

	got := m.ApplyFill(types.Trade{
		Platform: "poly", MarketID: "MKT1", TokenID: "TOK1", Outcome: "YES",
		Side: "SELL", Price: dec("0.55"), Size: decimal.NewFromInt(40),
	})
	if !got.Size.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("size = %s, want 60", got.Size)
	}
	if !got.RealizedPnL.Equal(dec("2")) {
		t.Fatalf("pnl = %s, want 2", got.RealizedPnL)
	}

	got = m.ApplyFill(types.Trade{
		Platform: "poly", MarketID: "MKT1", TokenID: "TOK1", Outcome: "YES",
		Side: "SELL", Price: dec("0.55"), Size: decimal.NewFromInt(999), // clamped
	})
	if got.Status != types.PositionClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
	_ = p
}
