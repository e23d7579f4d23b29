package feeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REST POLLER - Orderbook snapshots over HTTP
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fallback/supplement for venues whose WS book channel is unreliable. Polls
// GET {base}/book?market={id} and stores snapshots in the Hub.
//
// ═══════════════════════════════════════════════════════════════════════════════

// RESTPoller polls venue orderbooks at a fixed interval.
type RESTPoller struct {
	mu sync.Mutex

	platform types.Platform
	client   *resty.Client
	hub      *Hub
	interval time.Duration
	markets  map[string]struct{}
	running  bool
	stopCh   chan struct{}
}

// NewRESTPoller creates a poller against the venue REST base URL.
func NewRESTPoller(platform types.Platform, baseURL string, hub *Hub, interval time.Duration) *RESTPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond)

	return &RESTPoller{
		platform: platform,
		client:   client,
		hub:      hub,
		interval: interval,
		markets:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Track adds a market to the poll set.
func (p *RESTPoller) Track(marketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markets[marketID] = struct{}{}
}

// Start begins polling.
func (p *RESTPoller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.loop()
	log.Info().Str("platform", string(p.platform)).Dur("interval", p.interval).Msg("📚 Book poller started")
}

// Stop halts polling.
func (p *RESTPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

func (p *RESTPoller) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			markets := make([]string, 0, len(p.markets))
			for m := range p.markets {
				markets = append(markets, m)
			}
			p.mu.Unlock()

			for _, m := range markets {
				if err := p.pollOne(m); err != nil {
					log.Debug().Err(err).Str("market", m).Msg("Book poll failed")
				}
			}
		}
	}
}

type restBookResponse struct {
	Market    string `json:"market"`
	Timestamp int64  `json:"timestamp"`
	Bids      []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"asks"`
}

func (p *RESTPoller) pollOne(marketID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var body restBookResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("market", marketID).
		SetResult(&body).
		Get("/book")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("book request: status %d", resp.StatusCode())
	}

	ob := &types.OrderbookSnapshot{Time: time.UnixMilli(body.Timestamp).UTC()}
	if body.Timestamp <= 0 {
		ob.Time = time.Now().UTC()
	}
	for _, l := range body.Bids {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 == nil && err2 == nil {
			ob.Bids = append(ob.Bids, types.OrderbookLevel{Price: price, Size: size})
		}
	}
	for _, l := range body.Asks {
		price, err1 := decimal.NewFromString(l.Price)
		size, err2 := decimal.NewFromString(l.Size)
		if err1 == nil && err2 == nil {
			ob.Asks = append(ob.Asks, types.OrderbookLevel{Price: price, Size: size})
		}
	}

	bid, okB := ob.BestBid()
	ask, okA := ob.BestAsk()
	if okB && okA {
		ob.MidPrice = bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
		ob.Spread = ask.Price.Sub(bid.Price)
	}

	p.hub.SetOrderbook(p.platform, marketID, ob)
	return nil
}
