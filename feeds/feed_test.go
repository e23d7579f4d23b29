package feeds

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

func update(market, outcome, price string, at time.Time) PriceUpdate {
	p, _ := decimal.NewFromString(price)
	return PriceUpdate{
		Platform:  "poly",
		MarketID:  market,
		OutcomeID: outcome,
		Price:     p,
		Timestamp: at,
	}
}

func TestHubDropsOutOfOrderTicks(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var got []PriceUpdate
	hub.SubscribePrice("poly", "MKT1", func(u PriceUpdate) {
		got = append(got, u)
	})

	hub.Publish(update("MKT1", "YES", "0.50", base))
	hub.Publish(update("MKT1", "YES", "0.55", base.Add(time.Second)))
	hub.Publish(update("MKT1", "YES", "0.40", base.Add(-time.Second))) // stale, dropped
	hub.Publish(update("MKT1", "YES", "0.55", base.Add(time.Second)))  // duplicate, delivered

	if len(got) != 3 {
		t.Fatalf("deliveries = %d, want 3 (stale tick dropped)", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Fatalf("timestamps regressed at %d", i)
		}
	}
}

func TestHubReplaysLastValueToLateSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hub.Publish(update("MKT1", "YES", "0.62", base))

	var got []PriceUpdate
	hub.SubscribePrice("poly", "MKT1", func(u PriceUpdate) {
		got = append(got, u)
	})

	if len(got) != 1 {
		t.Fatalf("replay deliveries = %d, want 1", len(got))
	}
	if !got[0].Price.Equal(decimal.NewFromFloat(0.62)) || got[0].OutcomeID != "YES" {
		t.Fatalf("replayed %+v, want last-known 0.62 YES", got[0])
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	count := 0
	unsub := hub.SubscribePrice("poly", "MKT1", func(PriceUpdate) { count++ })

	hub.Publish(update("MKT1", "YES", "0.50", base))
	unsub()
	hub.Publish(update("MKT1", "YES", "0.51", base.Add(time.Second)))

	if count != 1 {
		t.Fatalf("deliveries = %d, want 1 after unsubscribe", count)
	}
}

func TestHubIgnoresOlderOrderbook(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newer := &types.OrderbookSnapshot{Time: base.Add(time.Second)}
	older := &types.OrderbookSnapshot{Time: base}

	hub.SetOrderbook("poly", "MKT1", newer)
	hub.SetOrderbook("poly", "MKT1", older)

	if got := hub.GetOrderbook("poly", "MKT1"); got != newer {
		t.Fatal("older snapshot replaced a newer one")
	}
	if hub.GetOrderbook("poly", "UNKNOWN") != nil {
		t.Fatal("unknown market should return nil book")
	}
}
