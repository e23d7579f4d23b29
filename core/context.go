package core

import (
	"fmt"

	"github.com/web3guy0/omnibot/strategy"
	"github.com/web3guy0/omnibot/types"
)

// buildContext assembles the read-only snapshot a strategy evaluates
// against. Everything is copied: a strategy can never mutate live state.
func (m *Manager) buildContext(cfg types.StrategyConfig) *strategy.Context {
	ctx := &strategy.Context{
		Now:          m.now(),
		DryRun:       cfg.DryRun,
		Positions:    make(map[string]types.Position),
		PriceHistory: make(map[string][]types.Tick),
		Books:        make(map[string]*types.OrderbookSnapshot),
		Params:       copyParams(cfg.Params),
	}

	if m.Portfolio != nil {
		ctx.PortfolioValue, ctx.FreeCash = m.Portfolio()
	}

	if m.positions != nil {
		for _, p := range m.positions.Open() {
			key := fmt.Sprintf("%s:%s:%s", p.Platform, p.MarketID, p.OutcomeName)
			ctx.Positions[key] = p
		}
	}

	m.histMu.RLock()
	for key, ring := range m.history {
		ctx.PriceHistory[key] = ring.Items()
	}
	m.histMu.RUnlock()

	if m.feed != nil {
		for _, platform := range cfg.Platforms {
			for _, marketID := range cfg.Markets {
				if ob := m.feed.GetOrderbook(platform, marketID); ob != nil {
					ctx.Books[fmt.Sprintf("%s:%s", platform, marketID)] = ob
				}
			}
		}
	}

	m.tradeMu.Lock()
	ctx.RecentTrades = m.trades.Items()
	m.tradeMu.Unlock()

	if m.router != nil {
		ctx.DryRun = ctx.DryRun || m.router.GetConfig().DryRun
	}
	return ctx
}

func copyParams(params map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
