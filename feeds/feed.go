package feeds

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEED - Price tick and orderbook distribution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sources (WebSocket clients, REST pollers, replay) publish into a Hub.
// Consumers subscribe per (platform, marketId) and read last-known books.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceUpdate is a single delivered tick.
type PriceUpdate struct {
	Platform  types.Platform
	MarketID  string
	OutcomeID string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Feed is the capability surface the core consumes.
type Feed interface {
	// SubscribePrice registers a callback for ticks on (platform, marketId).
	// The returned func removes the subscription. Callbacks must be safe to
	// invoke from any goroutine.
	SubscribePrice(platform types.Platform, marketID string, fn func(PriceUpdate)) (unsubscribe func())

	// GetOrderbook returns the last-known snapshot, possibly stale, or nil.
	GetOrderbook(platform types.Platform, marketID string) *types.OrderbookSnapshot
}

// Hub is the in-process Feed implementation shared by all sources.
type Hub struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[string]map[int]func(PriceUpdate) // platform:marketId -> id -> callback
	books   map[string]*types.OrderbookSnapshot
	lastTs  map[string]time.Time // platform:marketId:outcomeId -> last delivered ts
	lastVal map[string]decimal.Decimal
}

// NewHub creates an empty feed hub.
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]map[int]func(PriceUpdate)),
		books:   make(map[string]*types.OrderbookSnapshot),
		lastTs:  make(map[string]time.Time),
		lastVal: make(map[string]decimal.Decimal),
	}
}

func feedKey(platform types.Platform, marketID string) string {
	return string(platform) + ":" + marketID
}

// SubscribePrice implements Feed. A new subscriber immediately receives the
// last-known value for the market, if any.
func (h *Hub) SubscribePrice(platform types.Platform, marketID string, fn func(PriceUpdate)) func() {
	key := feedKey(platform, marketID)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]func(PriceUpdate))
	}
	h.subs[key][id] = fn

	// Replay last-known values for this market so late subscribers start warm.
	var replay []PriceUpdate
	for k, ts := range h.lastTs {
		if len(k) > len(key) && k[:len(key)+1] == key+":" {
			replay = append(replay, PriceUpdate{
				Platform:  platform,
				MarketID:  marketID,
				OutcomeID: k[len(key)+1:],
				Price:     h.lastVal[k],
				Timestamp: ts,
			})
		}
	}
	h.mu.Unlock()

	for _, u := range replay {
		fn(u)
	}

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[key], id)
	}
}

// GetOrderbook implements Feed.
func (h *Hub) GetOrderbook(platform types.Platform, marketID string) *types.OrderbookSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.books[feedKey(platform, marketID)]
}

// Publish delivers a tick to subscribers. Out-of-order updates for a
// (platform, marketId, outcomeId) stream are dropped so downstream consumers
// always see nondecreasing timestamps. Duplicates pass through; consumers
// are required to be idempotent.
func (h *Hub) Publish(u PriceUpdate) {
	key := feedKey(u.Platform, u.MarketID)
	streamKey := key + ":" + u.OutcomeID

	h.mu.Lock()
	if last, ok := h.lastTs[streamKey]; ok && u.Timestamp.Before(last) {
		h.mu.Unlock()
		return
	}
	h.lastTs[streamKey] = u.Timestamp
	h.lastVal[streamKey] = u.Price

	fns := make([]func(PriceUpdate), 0, len(h.subs[key]))
	for _, fn := range h.subs[key] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// SetOrderbook stores the latest snapshot for a market. Older snapshots are
// ignored.
func (h *Hub) SetOrderbook(platform types.Platform, marketID string, ob *types.OrderbookSnapshot) {
	if ob == nil {
		return
	}
	key := feedKey(platform, marketID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if cur := h.books[key]; cur != nil && ob.Time.Before(cur.Time) {
		return
	}
	h.books[key] = ob
}
