package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/feeds"
	"github.com/web3guy0/omnibot/strategy"
	"github.com/web3guy0/omnibot/types"
)

// scriptedStrategy returns canned results and counts invocations.
type scriptedStrategy struct {
	mu       sync.Mutex
	evals    int
	signals  []types.Signal
	err      error
	delay    time.Duration
	inited   bool
	cleaned  bool
	lastSeen *strategy.Context
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Evaluate(ctx *strategy.Context) ([]types.Signal, error) {
	s.mu.Lock()
	s.evals++
	s.lastSeen = ctx
	err := s.err
	sigs := s.signals
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return sigs, err
}

func (s *scriptedStrategy) Init(*strategy.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inited = true
	return nil
}

func (s *scriptedStrategy) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = true
	return nil
}

func (s *scriptedStrategy) evalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

func testConfig(id string) types.StrategyConfig {
	return types.StrategyConfig{
		ID:         id,
		Name:       "scripted",
		Platforms:  []types.Platform{"poly"},
		Markets:    []string{"MKT1"},
		IntervalMs: 100,
		Params:     map[string]float64{"x": 1},
	}
}

func TestRegisterValidatesInterval(t *testing.T) {
	t.Parallel()

	m := NewManager(feeds.NewHub(), nil, nil)
	cfg := testConfig("b1")
	cfg.IntervalMs = 50
	if err := m.RegisterStrategy(cfg, &scriptedStrategy{}); err == nil {
		t.Fatal("accepted sub-100ms interval")
	}
	if err := m.RegisterStrategy(testConfig("b1"), &scriptedStrategy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RegisterStrategy(testConfig("b1"), &scriptedStrategy{}); err == nil {
		t.Fatal("accepted duplicate id")
	}
}

func TestEvaluateNowReturnsWithoutDispatch(t *testing.T) {
	t.Parallel()

	strat := &scriptedStrategy{signals: []types.Signal{{
		Type: types.SignalBuy, Platform: "poly", MarketID: "MKT1",
		Outcome: "YES", Price: decimal.NewFromFloat(0.5), Confidence: 0.8,
	}}}
	m := NewManager(feeds.NewHub(), nil, nil)
	if err := m.RegisterStrategy(testConfig("b1"), strat); err != nil {
		t.Fatal(err)
	}

	sigs, err := m.EvaluateNow("b1")
	if err != nil {
		t.Fatalf("evaluate now: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}

	st, _ := m.GetBotStatus("b1")
	if st.State != types.BotStopped {
		t.Fatalf("state = %s, evaluate-now must not start the bot", st.State)
	}
}

func TestSchedulerRunsAndStops(t *testing.T) {
	t.Parallel()

	strat := &scriptedStrategy{}
	m := NewManager(feeds.NewHub(), nil, nil)
	if err := m.RegisterStrategy(testConfig("b1"), strat); err != nil {
		t.Fatal(err)
	}

	if err := m.StartBot("b1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(350 * time.Millisecond)
	if err := m.StopBot("b1"); err != nil {
		t.Fatal(err)
	}

	n := strat.evalCount()
	if n < 2 {
		t.Fatalf("evaluations = %d, want >= 2 over 350ms at 100ms cadence", n)
	}
	strat.mu.Lock()
	inited, cleaned := strat.inited, strat.cleaned
	strat.mu.Unlock()
	if !inited {
		t.Fatal("Init hook not called on first start")
	}
	if !cleaned {
		t.Fatal("Cleanup hook not called on stop")
	}

	time.Sleep(250 * time.Millisecond)
	if strat.evalCount() != n {
		t.Fatal("evaluations continued after stop")
	}
}

func TestOverrunSkipsNotQueues(t *testing.T) {
	t.Parallel()

	strat := &scriptedStrategy{delay: 250 * time.Millisecond}
	m := NewManager(feeds.NewHub(), nil, nil)
	if err := m.RegisterStrategy(testConfig("b1"), strat); err != nil {
		t.Fatal(err)
	}

	if err := m.StartBot("b1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(600 * time.Millisecond)
	_ = m.StopBot("b1")

	st, _ := m.GetBotStatus("b1")
	if st.SkippedEvals == 0 {
		t.Fatal("no ticks counted skipped despite 250ms evaluations at 100ms cadence")
	}
	if strat.evalCount() > 4 {
		t.Fatalf("evaluations = %d, overlapping runs queued", strat.evalCount())
	}
}

func TestThreeErrorsAutoPause(t *testing.T) {
	t.Parallel()

	strat := &scriptedStrategy{err: errors.New("boom")}
	m := NewManager(feeds.NewHub(), nil, nil)
	if err := m.RegisterStrategy(testConfig("b1"), strat); err != nil {
		t.Fatal(err)
	}

	if err := m.StartBot("b1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _ := m.GetBotStatus("b1")
		if st.State == types.BotPaused {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	st, _ := m.GetBotStatus("b1")
	if st.State != types.BotPaused {
		t.Fatalf("state = %s, want paused after repeated errors", st.State)
	}
	if st.LastError != "boom" {
		t.Fatalf("lastError = %q", st.LastError)
	}

	// Resume clears the error streak.
	strat.mu.Lock()
	strat.err = nil
	strat.mu.Unlock()
	if err := m.ResumeBot("b1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)
	_ = m.StopBot("b1")
	st, _ = m.GetBotStatus("b1")
	if st.State != types.BotStopped {
		t.Fatalf("state = %s, want stopped", st.State)
	}
}

func TestResumeClearsErrorState(t *testing.T) {
	t.Parallel()

	strat := &scriptedStrategy{err: errors.New("boom")}
	m := NewManager(feeds.NewHub(), nil, nil)
	if err := m.RegisterStrategy(testConfig("b1"), strat); err != nil {
		t.Fatal(err)
	}

	if _, err := m.EvaluateNow("b1"); err == nil {
		t.Fatal("expected evaluation error")
	}
	st, _ := m.GetBotStatus("b1")
	if st.State != types.BotError {
		t.Fatalf("state = %s, want error", st.State)
	}

	strat.mu.Lock()
	strat.err = nil
	strat.mu.Unlock()
	if err := m.ResumeBot("b1"); err != nil {
		t.Fatalf("resume from error: %v", err)
	}
	st, _ = m.GetBotStatus("b1")
	if st.State != types.BotRunning {
		t.Fatalf("state = %s, want running", st.State)
	}
	_ = m.StopBot("b1")
}

func TestContextIncludesHistoryAndParams(t *testing.T) {
	t.Parallel()

	hub := feeds.NewHub()
	strat := &scriptedStrategy{}
	m := NewManager(hub, nil, nil)
	if err := m.RegisterStrategy(testConfig("b1"), strat); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		hub.Publish(feeds.PriceUpdate{
			Platform:  "poly",
			MarketID:  "MKT1",
			OutcomeID: "TOK1",
			Price:     decimal.NewFromFloat(0.5 + float64(i)*0.01),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}

	if _, err := m.EvaluateNow("b1"); err != nil {
		t.Fatal(err)
	}
	strat.mu.Lock()
	ctx := strat.lastSeen
	strat.mu.Unlock()

	if ctx == nil {
		t.Fatal("strategy never saw a context")
	}
	hist := ctx.PriceHistory["poly:MKT1:TOK1"]
	if len(hist) != 3 {
		t.Fatalf("history = %d ticks, want 3", len(hist))
	}
	if ctx.Param("x", 0) != 1 {
		t.Fatal("params not propagated")
	}
}
