package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/bot"
	"github.com/web3guy0/omnibot/core"
	"github.com/web3guy0/omnibot/execution"
	"github.com/web3guy0/omnibot/feeds"
	"github.com/web3guy0/omnibot/internal/config"
	"github.com/web3guy0/omnibot/mm"
	"github.com/web3guy0/omnibot/position"
	"github.com/web3guy0/omnibot/risk"
	"github.com/web3guy0/omnibot/router"
	"github.com/web3guy0/omnibot/storage"
	"github.com/web3guy0/omnibot/strategy"
	"github.com/web3guy0/omnibot/types"
	"github.com/web3guy0/omnibot/venues/polymarket"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	setupLogging(cfg.Logging)

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              OMNIBOT - MULTI-VENUE TRADING RUNTIME")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.Open(cfg.Store.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	log.Info().Msg("✅ Storage layer initialized")

	// 2. Market data
	hub := feeds.NewHub()
	ws := feeds.NewWSSource(types.PlatformPolymarket, cfg.Polymarket.WSMarketURL, hub)
	poller := feeds.NewRESTPoller(types.PlatformPolymarket, cfg.Polymarket.CLOBBaseURL, hub, cfg.Feeds.RestPollInterval)
	log.Info().Msg("✅ Market data feeds initialized")

	// 3. Risk rails
	kill := risk.NewKillSwitch()
	gate := risk.NewGate(
		decimal.NewFromFloat(cfg.Risk.MaxOrderNotionalUSD),
		decimal.NewFromFloat(cfg.Risk.MaxExposureUSD),
	)
	log.Info().Msg("✅ Risk layer initialized")

	// 4. Execution
	exec := execution.NewService(hub, kill)
	venueCfg := execution.DefaultVenueConfig()
	if cfg.Risk.BreakerThreshold > 0 {
		venueCfg.BreakerThreshold = cfg.Risk.BreakerThreshold
	}
	if cfg.Risk.BreakerCooldownSec > 0 {
		venueCfg.BreakerCooldown = time.Duration(cfg.Risk.BreakerCooldownSec) * time.Second
	}
	if cfg.DryRun {
		exec.RegisterVenue(execution.NewPaperVenue(types.PlatformPolymarket, 10), venueCfg)
	} else {
		clob, err := polymarket.NewClient(polymarket.Config{
			BaseURL:       cfg.Polymarket.CLOBBaseURL,
			PrivateKeyHex: cfg.Polymarket.PrivateKey,
			APIKey:        cfg.Polymarket.ApiKey,
			APISecret:     cfg.Polymarket.Secret,
			Passphrase:    cfg.Polymarket.Passphrase,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Polymarket client")
		}
		exec.RegisterVenue(clob, venueCfg)
	}
	log.Info().Msg("✅ Execution layer initialized")

	// 5. Position manager; closes route back through the execution service.
	positions := position.NewManager(func(p types.Position, size decimal.Decimal, reason string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Protective so the fill hook below doesn't fold the close a second
		// time; the trigger path owns the accounting for these sells.
		res, err := exec.SellLimit(ctx, execution.OrderRequest{
			Platform:   p.Platform,
			MarketID:   p.MarketID,
			TokenID:    p.TokenID,
			Outcome:    p.OutcomeName,
			Side:       "SELL",
			Price:      p.CurrentPrice,
			Size:       size,
			Strategy:   p.Strategy,
			Protective: true,
		})
		if err != nil || !res.Success {
			log.Error().Err(err).Str("position", p.ID).Str("reason", reason).Msg("❌ Protective close failed")
			return false
		}
		gate.Release(p.Platform, p.MarketID, p.OutcomeName, p.EntryPrice.Mul(size))
		return true
	})

	resumed, err := db.LoadOpenPositions()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load open positions")
	}
	for _, p := range resumed {
		positions.Track(p)
	}

	// 6. Signal router
	rt := router.New(routerConfig(cfg), exec, gate, positions)
	if today, err := db.DailyRealizedPnL(time.Now().UTC().Truncate(24 * time.Hour)); err == nil && !today.IsZero() {
		rt.RecordPnL(today)
	}
	log.Info().Msg("✅ Signal router initialized")

	// 7. Strategy runtime
	mgr := core.NewManager(hub, rt, positions)
	log.Info().Msg("✅ Strategy runtime initialized")

	// Persist position changes and fold realized PnL into the daily stop.
	positions.Subscribe(func(ev position.Event) {
		_ = db.SavePosition(ev.Position)
		if ev.Type == "position_closed" || ev.Type == "partial_close" {
			realized := ev.Position.CurrentPrice.Sub(ev.Position.EntryPrice).Mul(ev.Size)
			rt.RecordPnL(realized)
		}
	})

	// Every fill updates positions, protection, persistence and bot stats.
	exec.OnFill(func(t types.Trade) {
		p := positions.ApplyFill(t)
		if t.Side == "BUY" && p.Status == types.PositionOpen {
			applyProtection(positions, p.ID, cfg.Protection)
		}
		_ = db.LogTrade(t)
		mgr.OnFill(t)
	})

	registerStrategies(mgr, cfg)

	// 8. Telegram control surface
	var tg *bot.TelegramBot
	if cfg.Telegram.Enabled {
		tg, err = bot.NewTelegramBot(cfg.Telegram.Token, cfg.Telegram.ChatID, mgr, rt, kill, positions, exec)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
		positions.Subscribe(tg.NotifyPositionClosed)
		exec.OnFill(tg.NotifyTrade)
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	for _, s := range cfg.Strategies {
		if err := ws.Track(s.MarketID, s.OutcomeID); err != nil {
			log.Warn().Err(err).Str("market", s.MarketID).Msg("WS track failed")
		}
		poller.Track(s.MarketID)
	}
	for _, m := range cfg.MM {
		if err := ws.Track(m.MarketID, m.OutcomeID); err != nil {
			log.Warn().Err(err).Str("market", m.MarketID).Msg("WS track failed")
		}
		poller.Track(m.MarketID)
	}
	ws.Start()
	poller.Start()
	positions.Start()

	started := 0
	for _, s := range cfg.Strategies {
		if err := mgr.StartBot(s.ID); err != nil {
			log.Error().Err(err).Str("bot", s.ID).Msg("Failed to start bot")
			continue
		}
		started++
	}
	for _, m := range cfg.MM {
		if err := mgr.StartBot(m.ID); err != nil {
			log.Error().Err(err).Str("bot", m.ID).Msg("Failed to start market maker")
			continue
		}
		started++
	}

	if tg != nil {
		tg.Start()
		mode := "LIVE"
		if cfg.DryRun {
			mode = "PAPER"
		}
		tg.NotifyStartup(mode, started)
	}

	log.Info().Int("bots", started).Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")

	if tg != nil {
		tg.Stop()
	}
	mgr.StopAll()
	rt.Drain()
	positions.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	exec.Close(shutdownCtx, !cfg.DryRun)
	cancel()

	ws.Stop()
	poller.Stop()
	db.Close()

	log.Info().Msg("👋 Goodbye!")
}

func setupLogging(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func routerConfig(cfg *config.Config) router.Config {
	rc := router.DefaultConfig()
	rc.DryRun = cfg.DryRun
	rc.MinStrength = cfg.Router.MinStrength
	rc.DefaultSizeUSD = decimal.NewFromFloat(cfg.Router.DefaultSizeUSD)
	rc.MaxSizeUSD = decimal.NewFromFloat(cfg.Router.MaxSizeUSD)
	rc.StrengthScaling = cfg.Router.StrengthScaling
	rc.MaxDailyLoss = decimal.NewFromFloat(cfg.Router.MaxDailyLoss)
	rc.MaxPositions = cfg.Router.MaxPositions
	rc.Cooldown = cfg.Router.Cooldown
	rc.OrderMode = types.OrderMode(cfg.Router.OrderMode)
	rc.MaxSlippage = decimal.NewFromFloat(cfg.Router.MaxSlippage)
	rc.AllowedTags = cfg.Router.AllowedTags
	if cfg.Router.RecordRetention > 0 {
		rc.RecordRetention = cfg.Router.RecordRetention
	}
	return rc
}

// applyProtection attaches the configured default stops to a fresh position.
func applyProtection(positions *position.Manager, id string, p config.ProtectionConfig) {
	if p.StopLossPct > 0 || p.TrailingPct > 0 {
		_ = positions.SetStopLoss(id, types.StopLoss{
			PercentFromEntry: decimal.NewFromFloat(p.StopLossPct),
			TrailingPercent:  decimal.NewFromFloat(p.TrailingPct),
		})
	}
	if p.TakeProfitPct > 0 {
		_ = positions.SetTakeProfit(id, types.TakeProfit{
			PercentFromEntry: decimal.NewFromFloat(p.TakeProfitPct),
		})
	}
	if p.MaxHoldTime > 0 {
		_ = positions.SetExpiry(id, time.Now().UTC().Add(p.MaxHoldTime))
	}
}

func registerStrategies(mgr *core.Manager, cfg *config.Config) {
	for _, s := range cfg.Strategies {
		var strat strategy.Strategy
		switch s.Name {
		case "momentum", "":
			strat = strategy.NewMomentum(types.Platform(s.Platform), s.MarketID, s.OutcomeID, s.OutcomeID)
		default:
			log.Error().Str("strategy", s.Name).Msg("Unknown strategy, skipping")
			continue
		}

		err := mgr.RegisterStrategy(types.StrategyConfig{
			ID:         s.ID,
			Name:       s.Name,
			Platforms:  []types.Platform{types.Platform(s.Platform)},
			Markets:    []string{s.MarketID},
			IntervalMs: s.IntervalMs,
			DryRun:     s.DryRun,
			Params:     s.Params,
		}, strat)
		if err != nil {
			log.Error().Err(err).Str("bot", s.ID).Msg("Failed to register strategy")
		}
	}

	for _, m := range cfg.MM {
		engine := mm.NewEngine(mmConfig(m))
		interval := m.IntervalMs
		if interval < 100 {
			interval = 500
		}
		err := mgr.RegisterStrategy(types.StrategyConfig{
			ID:         m.ID,
			Name:       engine.Name(),
			Platforms:  []types.Platform{types.Platform(m.Platform)},
			Markets:    []string{m.MarketID},
			IntervalMs: interval,
		}, engine)
		if err != nil {
			log.Error().Err(err).Str("bot", m.ID).Msg("Failed to register market maker")
		}
	}
}

func mmConfig(m config.MMConfig) mm.Config {
	c := mm.DefaultConfig(types.Platform(m.Platform), m.MarketID, m.OutcomeID, m.OutcomeID)
	switch m.Method {
	case "mid":
		c.Method = mm.FairMid
	case "vwap":
		c.Method = mm.FairVWAP
	case "microprice", "":
		c.Method = mm.FairMicroprice
	}
	if m.EMAAlpha > 0 {
		c.EMAAlpha = m.EMAAlpha
	}
	if m.TopLevels > 0 {
		c.TopLevels = m.TopLevels
	}
	if m.BaseHalfSpread > 0 {
		c.Quote.BaseHalfSpread = m.BaseHalfSpread
	}
	if m.SkewCoeff > 0 {
		c.Quote.SkewCoeff = m.SkewCoeff
	}
	if m.Levels > 0 {
		c.Quote.Levels = m.Levels
	}
	if m.LevelStep > 0 {
		c.Quote.LevelStep = m.LevelStep
	}
	if m.LevelSize > 0 {
		c.Quote.LevelSize = m.LevelSize
	}
	if m.MaxInventory > 0 {
		c.Quote.MaxInventory = m.MaxInventory
	}
	if m.RequoteThresholdCents > 0 {
		c.RequoteThresholdCents = m.RequoteThresholdCents
	}
	if m.RequoteInterval > 0 {
		c.RequoteInterval = m.RequoteInterval
	}
	if m.MaxPositionValueUSD > 0 {
		c.MaxPositionValueUSD = m.MaxPositionValueUSD
	}
	if m.MaxLossUSD > 0 {
		c.MaxLossUSD = m.MaxLossUSD
	}
	return c
}
