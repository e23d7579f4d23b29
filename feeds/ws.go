package feeds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET SOURCE - Live market data into the Hub
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// WSSource maintains a venue WebSocket connection and publishes book and
// price events into a Hub.
type WSSource struct {
	mu sync.RWMutex

	platform  types.Platform
	wsURL     string
	hub       *Hub
	conn      *websocket.Conn
	connected bool
	running   bool
	stopCh    chan struct{}

	// Markets to (re)subscribe after connect.
	markets map[string][]string // marketId -> asset/token ids
}

// NewWSSource creates a source for one venue endpoint.
func NewWSSource(platform types.Platform, wsURL string, hub *Hub) *WSSource {
	return &WSSource{
		platform: platform,
		wsURL:    wsURL,
		hub:      hub,
		stopCh:   make(chan struct{}),
		markets:  make(map[string][]string),
	}
}

// Start connects and begins processing.
func (s *WSSource) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectionLoop()
	log.Info().Str("platform", string(s.platform)).Msg("📡 Feed source started")
}

// Stop closes the connection.
func (s *WSSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)

	if s.conn != nil {
		s.conn.Close()
	}
	log.Info().Str("platform", string(s.platform)).Msg("Feed source stopped")
}

// Track subscribes to a market's channels. Safe to call before Start; the
// subscription is replayed on every reconnect.
func (s *WSSource) Track(marketID string, assetIDs ...string) error {
	s.mu.Lock()
	s.markets[marketID] = assetIDs
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.sendSubscribe(conn, marketID, assetIDs)
}

func (s *WSSource) sendSubscribe(conn *websocket.Conn, marketID string, assetIDs []string) error {
	msg := map[string]interface{}{
		"type":       "subscribe",
		"market":     marketID,
		"assets_ids": assetIDs,
		"channel":    "market",
	}
	return conn.WriteJSON(msg)
}

// connectionLoop maintains the connection with reconnects.
func (s *WSSource) connectionLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Error().Err(err).Str("platform", string(s.platform)).Msg("Connection failed, retrying...")
			time.Sleep(reconnectDelay)
			continue
		}

		s.readLoop()
		time.Sleep(reconnectDelay)
	}
}

func (s *WSSource) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	markets := make(map[string][]string, len(s.markets))
	for m, a := range s.markets {
		markets[m] = a
	}
	s.mu.Unlock()

	log.Info().Str("platform", string(s.platform)).Msg("🔌 WebSocket connected")

	for m, a := range markets {
		if err := s.sendSubscribe(conn, m, a); err != nil {
			log.Warn().Err(err).Str("market", m).Msg("Resubscribe failed")
		}
	}

	go s.pingLoop(conn)
	return nil
}

func (s *WSSource) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn == conn && s.connected
			s.mu.RUnlock()
			if !current {
				return
			}
			conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (s *WSSource) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("platform", string(s.platform)).Msg("Read error")
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			return
		}

		s.processMessage(message)
	}
}

// wsMessage is the venue wire shape.
type wsMessage struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	AssetID   string          `json:"asset_id"`
	Price     string          `json:"price"`
	Timestamp int64           `json:"timestamp"`
	Bids      [][]json.Number `json:"bids"`
	Asks      [][]json.Number `json:"asks"`
}

func (s *WSSource) processMessage(data []byte) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []wsMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "book":
			s.handleBook(msg)
		case "price_change", "last_trade_price":
			s.handlePrice(msg)
		}
	}
}

func (s *WSSource) eventTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func (s *WSSource) handleBook(msg wsMessage) {
	ob := &types.OrderbookSnapshot{
		Time: s.eventTime(msg.Timestamp),
		Bids: parseLevels(msg.Bids, true),
		Asks: parseLevels(msg.Asks, false),
	}

	bid, okB := ob.BestBid()
	ask, okA := ob.BestAsk()
	if okB && okA {
		ob.MidPrice = bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
		ob.Spread = ask.Price.Sub(bid.Price)
	}

	s.hub.SetOrderbook(s.platform, msg.Market, ob)

	if okB && okA {
		s.hub.Publish(PriceUpdate{
			Platform:  s.platform,
			MarketID:  msg.Market,
			OutcomeID: msg.AssetID,
			Price:     ob.MidPrice,
			Timestamp: ob.Time,
		})
	}
}

func (s *WSSource) handlePrice(msg wsMessage) {
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}

	s.hub.Publish(PriceUpdate{
		Platform:  s.platform,
		MarketID:  msg.Market,
		OutcomeID: msg.AssetID,
		Price:     price,
		Timestamp: s.eventTime(msg.Timestamp),
	})
}

// parseLevels converts wire levels, sorting is assumed from the venue:
// bids best-first descending, asks best-first ascending.
func parseLevels(raw [][]json.Number, _ bool) []types.OrderbookLevel {
	levels := make([]types.OrderbookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(l[0].String())
		size, err2 := decimal.NewFromString(l[1].String())
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, types.OrderbookLevel{Price: price, Size: size})
	}
	return levels
}
