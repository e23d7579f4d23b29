package core

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/feeds"
	"github.com/web3guy0/omnibot/position"
	"github.com/web3guy0/omnibot/router"
	"github.com/web3guy0/omnibot/strategy"
	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BOT MANAGER - Strategy registry and scheduler
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs each registered strategy at its configured cadence. Evaluations are
// parallel across bots, serialized within a bot: a tick arriving while the
// previous evaluation is in flight is counted skipped, never queued.
//
// Errors inside evaluate mark the bot `error` and dispatch nothing; three
// consecutive errors auto-pause it.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	historySize     = 500
	recentTradeSize = 100
	stopWait        = 5 * time.Second
	autoPauseAfter  = 3
)

type bot struct {
	mu sync.Mutex

	cfg   types.StrategyConfig
	strat strategy.Strategy

	state        types.BotState
	lastCheck    time.Time
	lastError    string
	consecErrors int
	tradesCount  int
	wins         int
	closes       int
	totalPnL     decimal.Decimal
	skippedEvals int64

	initialized bool
	inFlight    atomic.Bool
	stop        chan struct{}
	done        chan struct{}
}

// Manager owns the set of strategies and their run state.
type Manager struct {
	mu   sync.RWMutex
	bots map[string]*bot

	feed      feeds.Feed
	router    *router.Router
	positions *position.Manager

	histMu  sync.RWMutex
	history map[string]*types.Ring[types.Tick] // platform:marketId:outcomeId
	unsubs  []func()

	tradeMu sync.Mutex
	trades  *types.Ring[types.Trade]

	// Portfolio reports (total value, free cash); wired by the composition
	// root, zero values when absent.
	Portfolio func() (decimal.Decimal, decimal.Decimal)

	now func() time.Time
}

// NewManager wires the scheduler to its collaborators and subscribes to
// router and position events for per-bot stats.
func NewManager(feed feeds.Feed, rt *router.Router, positions *position.Manager) *Manager {
	m := &Manager{
		bots:      make(map[string]*bot),
		feed:      feed,
		router:    rt,
		positions: positions,
		history:   make(map[string]*types.Ring[types.Tick]),
		trades:    types.NewRing[types.Trade](recentTradeSize),
		now:       time.Now,
	}
	if rt != nil {
		rt.Subscribe(m.onRecord)
	}
	if positions != nil {
		positions.Subscribe(m.onPositionEvent)
	}
	return m
}

// ═══════════════════════════════════════════════════════════════════════════════
// REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════

// RegisterStrategy adds a stopped bot and subscribes its markets.
func (m *Manager) RegisterStrategy(cfg types.StrategyConfig, strat strategy.Strategy) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if strat == nil {
		return fmt.Errorf("strategy %s: nil implementation", cfg.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bots[cfg.ID]; exists {
		return fmt.Errorf("strategy %s already registered", cfg.ID)
	}
	m.bots[cfg.ID] = &bot{cfg: cfg, strat: strat, state: types.BotStopped}

	for _, platform := range cfg.Platforms {
		for _, marketID := range cfg.Markets {
			m.subscribeMarket(platform, marketID)
		}
	}

	log.Info().
		Str("id", cfg.ID).
		Str("strategy", strat.Name()).
		Int64("interval_ms", cfg.IntervalMs).
		Msg("Strategy registered")
	return nil
}

// UnregisterStrategy stops and removes a bot.
func (m *Manager) UnregisterStrategy(id string) error {
	if err := m.StopBot(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bots, id)
	return nil
}

func (m *Manager) getBot(id string) (*bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, fmt.Errorf("unknown bot %s", id)
	}
	return b, nil
}

// subscribeMarket collects tick history for a market and bridges marks to
// the position manager. Idempotent per (platform, marketId): duplicate
// subscriptions only cost a redundant ring write guard.
func (m *Manager) subscribeMarket(platform types.Platform, marketID string) {
	if m.feed == nil {
		return
	}
	unsub := m.feed.SubscribePrice(platform, marketID, func(u feeds.PriceUpdate) {
		key := fmt.Sprintf("%s:%s:%s", u.Platform, u.MarketID, u.OutcomeID)

		m.histMu.Lock()
		ring, ok := m.history[key]
		if !ok {
			ring = types.NewRing[types.Tick](historySize)
			m.history[key] = ring
		}
		prev := decimal.Zero
		if last, has := ring.Last(); has {
			if last.Time.Equal(u.Timestamp) && last.Price.Equal(u.Price) {
				m.histMu.Unlock()
				return // duplicate delivery
			}
			prev = last.Price
		}
		ring.Push(types.Tick{Time: u.Timestamp, Price: u.Price, PrevPrice: prev})
		m.histMu.Unlock()

		if m.positions != nil {
			m.positions.UpdatePrice(types.PositionID(u.Platform, u.MarketID, u.OutcomeID), u.Price)
		}
	})
	m.unsubs = append(m.unsubs, unsub)
}

// History returns a copy of the collected tick history for one outcome,
// oldest first. Used by the control surface to replay recent data.
func (m *Manager) History(platform types.Platform, marketID, outcomeID string) []types.Tick {
	key := fmt.Sprintf("%s:%s:%s", platform, marketID, outcomeID)
	m.histMu.Lock()
	defer m.histMu.Unlock()
	ring, ok := m.history[key]
	if !ok {
		return nil
	}
	return ring.Items()
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT HOOKS
// ═══════════════════════════════════════════════════════════════════════════════

func (m *Manager) onRecord(rec types.ExecutionRecord) {
	if rec.Status != types.ExecExecuted {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bots {
		if b.strat.Name() == rec.Signal.Strategy {
			b.mu.Lock()
			b.tradesCount++
			b.mu.Unlock()
		}
	}
}

func (m *Manager) onPositionEvent(ev position.Event) {
	if ev.Type != "position_closed" {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bots {
		if b.strat.Name() != ev.Position.Strategy {
			continue
		}
		b.mu.Lock()
		b.closes++
		if ev.Position.RealizedPnL.IsPositive() {
			b.wins++
		}
		b.totalPnL = b.totalPnL.Add(ev.Position.RealizedPnL)
		b.mu.Unlock()
	}
}

// OnFill forwards an execution fill to strategies that listen for trades.
// Wired to the execution service's fill callback by the composition root.
func (m *Manager) OnFill(trade types.Trade) {
	m.tradeMu.Lock()
	m.trades.Push(trade)
	m.tradeMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bots {
		if b.strat.Name() != trade.Strategy {
			continue
		}
		if listener, ok := b.strat.(strategy.TradeListener); ok {
			listener.OnTrade(trade)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUN CONTROL
// ═══════════════════════════════════════════════════════════════════════════════

// StartBot begins scheduled evaluation. Idempotent for a running bot.
func (m *Manager) StartBot(id string) error {
	b, err := m.getBot(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.state == types.BotRunning {
		b.mu.Unlock()
		return nil
	}
	if !b.initialized {
		if init, ok := b.strat.(strategy.Initializer); ok {
			ctx := m.buildContext(b.cfg)
			if err := init.Init(ctx); err != nil {
				b.mu.Unlock()
				return fmt.Errorf("init %s: %w", id, err)
			}
		}
		b.initialized = true
	}
	b.state = types.BotRunning
	b.consecErrors = 0
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	stop, done := b.stop, b.done
	b.mu.Unlock()

	go m.runLoop(b, stop, done)
	log.Info().Str("id", id).Msg("▶️ Bot started")
	return nil
}

// StopBot cancels scheduling and awaits the in-flight evaluation with a
// bounded wait; on timeout the bot is force-marked stopped.
func (m *Manager) StopBot(id string) error {
	b, err := m.getBot(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.state == types.BotStopped {
		b.mu.Unlock()
		return nil
	}
	stop, done := b.stop, b.done
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(stopWait):
			log.Warn().Str("id", id).Msg("Bot stop timed out, force-marking stopped")
		}
	}

	b.mu.Lock()
	b.state = types.BotStopped
	b.stop = nil
	b.done = nil
	b.mu.Unlock()

	if cleaner, ok := b.strat.(strategy.Cleaner); ok {
		if err := cleaner.Cleanup(); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Strategy cleanup failed")
		}
	}
	log.Info().Str("id", id).Msg("⏹️ Bot stopped")
	return nil
}

// PauseBot keeps the schedule alive but skips evaluations.
func (m *Manager) PauseBot(id string) error {
	b, err := m.getBot(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.BotRunning && b.state != types.BotError {
		return fmt.Errorf("bot %s not running", id)
	}
	b.state = types.BotPaused
	log.Info().Str("id", id).Msg("⏸️ Bot paused")
	return nil
}

// ResumeBot re-enables a paused or errored bot.
func (m *Manager) ResumeBot(id string) error {
	b, err := m.getBot(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.BotPaused && b.state != types.BotError {
		return fmt.Errorf("bot %s not paused", id)
	}
	b.state = types.BotRunning
	b.consecErrors = 0
	log.Info().Str("id", id).Msg("▶️ Bot resumed")
	return nil
}

// StopAll stops every bot; used by the shutdown cascade.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.StopBot(id)
	}
	m.histMu.Lock()
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.histMu.Unlock()
}

func (m *Manager) runLoop(b *bot, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Small startup jitter so co-registered bots don't tick in lockstep.
	if jitter := time.Duration(rand.Int63n(b.cfg.IntervalMs/4+1)) * time.Millisecond; jitter > 0 {
		select {
		case <-stop:
			return
		case <-time.After(jitter):
		}
	}

	ticker := time.NewTicker(time.Duration(b.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			// Await the in-flight evaluation before reporting done.
			for b.inFlight.Load() {
				time.Sleep(10 * time.Millisecond)
			}
			return
		case <-ticker.C:
			b.mu.Lock()
			state := b.state
			b.mu.Unlock()
			if state == types.BotPaused {
				continue
			}
			if !b.inFlight.CompareAndSwap(false, true) {
				b.mu.Lock()
				b.skippedEvals++
				b.mu.Unlock()
				log.Debug().Str("id", b.cfg.ID).Msg("Evaluation overrun, tick skipped")
				continue
			}
			go func() {
				defer b.inFlight.Store(false)
				m.evaluate(b, true)
			}()
		}
	}
}

// evaluate runs one evaluation; dispatch controls whether signals are routed.
func (m *Manager) evaluate(b *bot, dispatch bool) []types.Signal {
	ctx := m.buildContext(b.cfg)

	signals, err := m.safeEvaluate(b, ctx)

	b.mu.Lock()
	b.lastCheck = m.now()
	if err != nil {
		b.state = types.BotError
		b.lastError = err.Error()
		b.consecErrors++
		consec := b.consecErrors
		if consec >= autoPauseAfter {
			b.state = types.BotPaused
		}
		b.mu.Unlock()
		log.Error().Err(err).Str("id", b.cfg.ID).Int("consecutive", consec).Msg("Evaluation failed")
		if consec >= autoPauseAfter {
			log.Warn().Str("id", b.cfg.ID).Msg("⏸️ Auto-paused after repeated errors")
		}
		return nil
	}
	b.consecErrors = 0
	if b.state == types.BotError {
		b.state = types.BotRunning
	}
	b.mu.Unlock()

	if !dispatch || m.router == nil {
		return signals
	}
	for _, sig := range signals {
		if sig.Strategy == "" {
			sig.Strategy = b.strat.Name()
		}
		m.router.Route(context.Background(), sig)
	}
	return signals
}

// safeEvaluate converts a panic inside a strategy into an error.
func (m *Manager) safeEvaluate(b *bot, ctx *strategy.Context) (signals []types.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return b.strat.Evaluate(ctx)
}

// EvaluateNow runs one evaluation immediately and returns the signals
// without dispatching them. Used for inspection and testing.
func (m *Manager) EvaluateNow(id string) ([]types.Signal, error) {
	b, err := m.getBot(id)
	if err != nil {
		return nil, err
	}
	if !b.inFlight.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("bot %s evaluation in flight", id)
	}
	defer b.inFlight.Store(false)

	signals := m.evaluate(b, false)
	b.mu.Lock()
	lastErr := b.lastError
	state := b.state
	b.mu.Unlock()
	if state == types.BotError {
		return nil, fmt.Errorf("%s", lastErr)
	}
	return signals, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// GetBotStatus returns the observable state of one bot.
func (m *Manager) GetBotStatus(id string) (types.BotStatus, error) {
	b, err := m.getBot(id)
	if err != nil {
		return types.BotStatus{}, err
	}
	return m.status(b), nil
}

// GetAllBotStatuses returns every bot's status.
func (m *Manager) GetAllBotStatuses() []types.BotStatus {
	m.mu.RLock()
	bots := make([]*bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()

	out := make([]types.BotStatus, 0, len(bots))
	for _, b := range bots {
		out = append(out, m.status(b))
	}
	return out
}

func (m *Manager) status(b *bot) types.BotStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	winRate := 0.0
	if b.closes > 0 {
		winRate = float64(b.wins) / float64(b.closes)
	}
	return types.BotStatus{
		ID:           b.cfg.ID,
		Name:         b.strat.Name(),
		State:        b.state,
		TradesCount:  b.tradesCount,
		TotalPnL:     b.totalPnL,
		WinRate:      winRate,
		LastCheck:    b.lastCheck,
		LastError:    b.lastError,
		SkippedEvals: int(b.skippedEvals),
	}
}
