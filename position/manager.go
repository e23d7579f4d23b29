package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Mark-to-market and auto-exit triggers
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns the set of positions. Price updates drive trigger evaluation in order:
//
//   1. stop-loss          long: price <= stop, short: price >= stop
//   2. trailing tighten   stop follows HWM/LWM, never loosens
//   3. take-profit        absolute, percent, or partial ladder
//   4. time-based exit    expiry within threshold of now
//
// A periodic sweep re-evaluates silent markets. Closure is at-most-once per
// position: the closing flag is set before the callback; a failed callback
// clears it and re-arms the ladder rung that fired. Listeners are notified
// outside the manager lock, so they may read the book reentrantly.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CloseFunc submits the closing order. Returning true finalizes the closure.
type CloseFunc func(pos types.Position, size decimal.Decimal, reason string) bool

// Event is emitted on position lifecycle changes.
type Event struct {
	Type     string // position_opened | position_closed | partial_close | stop_updated
	Position types.Position
	Reason   string
	Size     decimal.Decimal
	Time     time.Time
}

// PriceUpdate pairs a position id with a new mark.
type PriceUpdate struct {
	PositionID string
	Price      decimal.Decimal
}

// Manager tracks positions and fires exit triggers.
type Manager struct {
	mu sync.RWMutex

	positions map[string]*types.Position
	closing   map[string]bool

	executeClose CloseFunc
	listeners    []func(Event)

	sweepInterval time.Duration
	expiryWindow  time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	now func() time.Time
}

// NewManager creates a stopped manager. executeClose is required.
func NewManager(executeClose CloseFunc) *Manager {
	return &Manager{
		positions:     make(map[string]*types.Position),
		closing:       make(map[string]bool),
		executeClose:  executeClose,
		sweepInterval: time.Second,
		expiryWindow:  time.Minute,
		now:           time.Now,
	}
}

// Subscribe registers a lifecycle event listener. Not safe after Start.
func (m *Manager) Subscribe(fn func(Event)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev Event) {
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// Start begins the periodic sweep for silent markets.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop(ctx)
	log.Info().Dur("interval", m.sweepInterval).Msg("Position manager started")
}

// Stop halts the sweep. Open positions remain tracked.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.Info().Msg("Position manager stopped")
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep re-evaluates triggers for all open positions at their last mark.
func (m *Manager) Sweep() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.positions))
	for id, p := range m.positions {
		if p.Status == types.PositionOpen {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.mu.Lock()
		p, ok := m.positions[id]
		if !ok || p.Status != types.PositionOpen || p.CurrentPrice.IsZero() {
			m.mu.Unlock()
			continue
		}
		fire := m.evaluateTriggersLocked(p, p.CurrentPrice)
		m.mu.Unlock()
		if fire != nil {
			m.fireClose(id, *fire)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION BOOK
// ═══════════════════════════════════════════════════════════════════════════════

// ApplyFill folds an execution fill into the book: buys open or grow a
// position with a size-weighted average entry, sells reduce and realize PnL.
// Fills tagged protective are echoes of trigger closes the trigger path has
// already folded in, so they are not accounted twice.
// Returns the position after the fill.
func (m *Manager) ApplyFill(trade types.Trade) types.Position {
	id := types.PositionID(trade.Platform, trade.MarketID, trade.TokenID)

	if trade.Protective {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if p, ok := m.positions[id]; ok {
			return p.Clone()
		}
		return types.Position{}
	}

	m.mu.Lock()
	out, ev := m.applyFillLocked(id, trade)
	m.mu.Unlock()
	if ev != nil {
		m.emit(*ev)
	}
	return out
}

func (m *Manager) applyFillLocked(id string, trade types.Trade) (types.Position, *Event) {
	p, ok := m.positions[id]

	if trade.Side == "BUY" {
		if !ok || p.Status == types.PositionClosed {
			p = &types.Position{
				ID:            id,
				Platform:      trade.Platform,
				MarketID:      trade.MarketID,
				TokenID:       trade.TokenID,
				OutcomeName:   trade.Outcome,
				Side:          types.SideLong,
				Size:          trade.Size,
				EntryPrice:    trade.Price,
				CurrentPrice:  trade.Price,
				OpenedAt:      trade.Timestamp,
				Status:        types.PositionOpen,
				HighWaterMark: trade.Price,
				LowWaterMark:  trade.Price,
				Strategy:      trade.Strategy,
			}
			m.positions[id] = p
			log.Info().
				Str("position", id).
				Str("entry", trade.Price.StringFixed(4)).
				Str("size", trade.Size.String()).
				Msg("📈 Position opened")
			return p.Clone(), &Event{Type: "position_opened", Position: p.Clone(), Time: trade.Timestamp}
		}
		// Weighted average entry across adds.
		oldNotional := p.EntryPrice.Mul(p.Size)
		addNotional := trade.Price.Mul(trade.Size)
		newSize := p.Size.Add(trade.Size)
		p.EntryPrice = oldNotional.Add(addNotional).Div(newSize)
		p.Size = newSize
		p.CurrentPrice = trade.Price
		return p.Clone(), nil
	}

	// SELL
	if !ok || p.Status != types.PositionOpen {
		log.Warn().Str("position", id).Msg("Sell fill with no open position")
		return types.Position{}, nil
	}
	closeSize := trade.Size
	if closeSize.GreaterThan(p.Size) {
		closeSize = p.Size
	}
	pnl := trade.Price.Sub(p.EntryPrice).Mul(closeSize)
	if p.Side == types.SideShort {
		pnl = p.EntryPrice.Sub(trade.Price).Mul(closeSize)
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.Size = p.Size.Sub(closeSize)
	p.CurrentPrice = trade.Price

	if p.Size.IsZero() {
		now := trade.Timestamp
		p.Status = types.PositionClosed
		p.ClosedAt = &now
		p.UnrealizedPnL = decimal.Zero
		delete(m.closing, id)
		log.Info().
			Str("position", id).
			Str("pnl", p.RealizedPnL.StringFixed(2)).
			Msg("Position closed")
		return p.Clone(), &Event{Type: "position_closed", Position: p.Clone(), Reason: "sold", Size: closeSize, Time: now}
	}
	return p.Clone(), nil
}

// Track registers a pre-built position, e.g. restored from storage.
func (m *Manager) Track(p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p.Clone()
	if cp.HighWaterMark.IsZero() {
		cp.HighWaterMark = cp.EntryPrice
	}
	if cp.LowWaterMark.IsZero() {
		cp.LowWaterMark = cp.EntryPrice
	}
	m.positions[cp.ID] = &cp
}

// Get returns a copy of the position, or false.
func (m *Manager) Get(id string) (types.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return types.Position{}, false
	}
	return p.Clone(), true
}

// Open returns copies of all open positions.
func (m *Manager) Open() []types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == types.PositionOpen {
			out = append(out, p.Clone())
		}
	}
	return out
}

// OpenCount returns the number of open positions.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.positions {
		if p.Status == types.PositionOpen {
			n++
		}
	}
	return n
}

// ═══════════════════════════════════════════════════════════════════════════════
// PROTECTIVE ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

// SetStopLoss attaches or replaces the stop descriptor. The effective stop
// price is derived immediately from entry when only a percent is given.
func (m *Manager) SetStopLoss(id string, sl types.StopLoss) error {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok || p.Status != types.PositionOpen {
		m.mu.Unlock()
		return fmt.Errorf("position %s not open", id)
	}
	if sl.Price.IsZero() && !sl.PercentFromEntry.IsZero() {
		sl.Price = stopFromPercent(p.Side, p.EntryPrice, sl.PercentFromEntry)
	}
	p.StopLoss = &sl
	ev := Event{Type: "stop_updated", Position: p.Clone(), Time: m.now()}
	m.mu.Unlock()

	m.emit(ev)
	return nil
}

// SetTakeProfit attaches or replaces the take-profit descriptor.
func (m *Manager) SetTakeProfit(id string, tp types.TakeProfit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Status != types.PositionOpen {
		return fmt.Errorf("position %s not open", id)
	}
	p.TakeProfit = &tp
	return nil
}

// SetExpiry attaches a time-based exit.
func (m *Manager) SetExpiry(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Status != types.PositionOpen {
		return fmt.Errorf("position %s not open", id)
	}
	p.ExpiresAt = &at
	return nil
}

// CancelProtection removes stop-loss and take-profit.
func (m *Manager) CancelProtection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[id]; ok {
		p.StopLoss = nil
		p.TakeProfit = nil
	}
}

func stopFromPercent(side types.Side, entry, pct decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	if side == types.SideShort {
		return entry.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred)))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(pct.Div(hundred)))
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARK-TO-MARKET & TRIGGERS
// ═══════════════════════════════════════════════════════════════════════════════

// UpdatePrice marks one position and evaluates its triggers.
func (m *Manager) UpdatePrice(id string, price decimal.Decimal) {
	m.UpdatePrices([]PriceUpdate{{PositionID: id, Price: price}})
}

// UpdatePrices marks a batch, then runs a single trigger pass.
func (m *Manager) UpdatePrices(updates []PriceUpdate) {
	type pending struct {
		id   string
		fire triggerFire
	}
	var fires []pending

	m.mu.Lock()
	for _, u := range updates {
		p, ok := m.positions[u.PositionID]
		if !ok || p.Status != types.PositionOpen || u.Price.IsZero() {
			continue
		}
		p.CurrentPrice = u.Price
		if u.Price.GreaterThan(p.HighWaterMark) {
			p.HighWaterMark = u.Price
		}
		if p.LowWaterMark.IsZero() || u.Price.LessThan(p.LowWaterMark) {
			p.LowWaterMark = u.Price
		}
		p.UnrealizedPnL = p.MarkPnL(u.Price)
	}
	for _, u := range updates {
		p, ok := m.positions[u.PositionID]
		if !ok || p.Status != types.PositionOpen {
			continue
		}
		if f := m.evaluateTriggersLocked(p, p.CurrentPrice); f != nil {
			fires = append(fires, pending{id: u.PositionID, fire: *f})
		}
	}
	m.mu.Unlock()

	for _, f := range fires {
		m.fireClose(f.id, f.fire)
	}
}

type triggerFire struct {
	size   decimal.Decimal
	reason string
	rung   int // partial ladder index, -1 otherwise
}

// evaluateTriggersLocked checks triggers in order and returns the first fire.
// Trailing stops are tightened before the stop comparison uses them on the
// next update; partial ladder rungs are marked fired here. Caller holds mu.
func (m *Manager) evaluateTriggersLocked(p *types.Position, price decimal.Decimal) *triggerFire {
	if m.closing[p.ID] {
		return nil
	}

	// Trailing tighten first so a new HWM moves the stop before comparison.
	if p.StopLoss != nil && !p.StopLoss.TrailingPercent.IsZero() {
		hundred := decimal.NewFromInt(100)
		frac := p.StopLoss.TrailingPercent.Div(hundred)
		if p.Side == types.SideLong {
			candidate := p.HighWaterMark.Mul(decimal.NewFromInt(1).Sub(frac))
			if candidate.GreaterThan(p.StopLoss.Price) {
				p.StopLoss.Price = candidate
			}
		} else {
			candidate := p.LowWaterMark.Mul(decimal.NewFromInt(1).Add(frac))
			if p.StopLoss.Price.IsZero() || candidate.LessThan(p.StopLoss.Price) {
				p.StopLoss.Price = candidate
			}
		}
	}

	// 1. Stop-loss.
	if p.StopLoss != nil && !p.StopLoss.Price.IsZero() {
		hit := p.Side == types.SideLong && price.LessThanOrEqual(p.StopLoss.Price) ||
			p.Side == types.SideShort && price.GreaterThanOrEqual(p.StopLoss.Price)
		if hit {
			reason := "stop_loss"
			if !p.StopLoss.TrailingPercent.IsZero() {
				reason = "trailing_stop"
			}
			m.closing[p.ID] = true
			return &triggerFire{size: p.Size, reason: reason, rung: -1}
		}
	}

	// 2. Take-profit.
	if p.TakeProfit != nil {
		if fire := m.takeProfitLocked(p, price); fire != nil {
			return fire
		}
	}

	// 3. Time-based exit.
	if p.ExpiresAt != nil && m.now().Add(m.expiryWindow).After(*p.ExpiresAt) {
		m.closing[p.ID] = true
		return &triggerFire{size: p.Size, reason: "time_exit", rung: -1}
	}

	return nil
}

func (m *Manager) takeProfitLocked(p *types.Position, price decimal.Decimal) *triggerFire {
	tp := p.TakeProfit
	hundred := decimal.NewFromInt(100)

	// Partial ladder takes precedence over the simple target.
	if len(tp.PartialLevels) > 0 {
		for i := range tp.PartialLevels {
			lvl := &tp.PartialLevels[i]
			if lvl.Fired {
				continue
			}
			var target decimal.Decimal
			if p.Side == types.SideLong {
				target = p.EntryPrice.Mul(decimal.NewFromInt(1).Add(lvl.PricePct.Div(hundred)))
				if price.LessThan(target) {
					return nil // rungs are ordered; later ones cannot be hit
				}
			} else {
				target = p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(lvl.PricePct.Div(hundred)))
				if price.GreaterThan(target) {
					return nil
				}
			}
			lvl.Fired = true
			size := p.Size.Mul(lvl.CloseFraction)
			if i == len(tp.PartialLevels)-1 || size.GreaterThan(p.Size) {
				size = p.Size // last rung closes the remainder
			}
			if !size.IsPositive() {
				return nil
			}
			if size.Equal(p.Size) {
				m.closing[p.ID] = true
			}
			return &triggerFire{size: size, reason: fmt.Sprintf("take_profit_partial_%d", i+1), rung: i}
		}
		return nil
	}

	target := tp.Price
	if target.IsZero() && !tp.PercentFromEntry.IsZero() {
		if p.Side == types.SideLong {
			target = p.EntryPrice.Mul(decimal.NewFromInt(1).Add(tp.PercentFromEntry.Div(hundred)))
		} else {
			target = p.EntryPrice.Mul(decimal.NewFromInt(1).Sub(tp.PercentFromEntry.Div(hundred)))
		}
	}
	if target.IsZero() {
		return nil
	}
	hit := p.Side == types.SideLong && price.GreaterThanOrEqual(target) ||
		p.Side == types.SideShort && price.LessThanOrEqual(target)
	if hit {
		m.closing[p.ID] = true
		return &triggerFire{size: p.Size, reason: "take_profit", rung: -1}
	}
	return nil
}

// fireClose runs the injected close callback outside the lock, then folds
// the result back into the book. A failed callback re-arms the trigger,
// including the ladder rung that fired, so a later update can retry.
func (m *Manager) fireClose(id string, fire triggerFire) {
	m.mu.RLock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.RUnlock()
		return
	}
	snapshot := p.Clone()
	m.mu.RUnlock()

	log.Info().
		Str("position", id).
		Str("reason", fire.reason).
		Str("size", fire.size.String()).
		Str("price", snapshot.CurrentPrice.StringFixed(4)).
		Msg("🎯 Exit trigger fired")

	if !m.executeClose(snapshot, fire.size, fire.reason) {
		m.mu.Lock()
		delete(m.closing, id) // allow a later retrigger
		if fire.rung >= 0 {
			if p, ok := m.positions[id]; ok && p.TakeProfit != nil && fire.rung < len(p.TakeProfit.PartialLevels) {
				p.TakeProfit.PartialLevels[fire.rung].Fired = false
			}
		}
		m.mu.Unlock()
		log.Warn().Str("position", id).Str("reason", fire.reason).Msg("Close callback failed")
		return
	}

	m.mu.Lock()
	p, ok = m.positions[id]
	if !ok || p.Status != types.PositionOpen {
		m.mu.Unlock()
		return
	}

	pnl := p.CurrentPrice.Sub(p.EntryPrice).Mul(fire.size)
	if p.Side == types.SideShort {
		pnl = p.EntryPrice.Sub(p.CurrentPrice).Mul(fire.size)
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.Size = p.Size.Sub(fire.size)

	if p.Size.IsPositive() {
		ev := Event{Type: "partial_close", Position: p.Clone(), Reason: fire.reason, Size: fire.size, Time: m.now()}
		m.mu.Unlock()
		m.emit(ev)
		return
	}

	now := m.now()
	p.Status = types.PositionClosed
	p.ClosedAt = &now
	p.UnrealizedPnL = decimal.Zero
	delete(m.closing, id)
	ev := Event{Type: "position_closed", Position: p.Clone(), Reason: fire.reason, Size: fire.size, Time: now}
	realized := p.RealizedPnL
	m.mu.Unlock()

	m.emit(ev)
	log.Info().
		Str("position", id).
		Str("reason", fire.reason).
		Str("pnl", realized.StringFixed(2)).
		Msg("Position closed")
}
