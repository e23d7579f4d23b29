package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/omnibot/backtest"
	"github.com/web3guy0/omnibot/core"
	"github.com/web3guy0/omnibot/execution"
	"github.com/web3guy0/omnibot/position"
	"github.com/web3guy0/omnibot/risk"
	"github.com/web3guy0/omnibot/router"
	"github.com/web3guy0/omnibot/strategy"
	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Control surface & trading notifications
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🎛️ Strategy control (/bots, /startbot, /stopbot, /pausebot, /resumebot)
//   🔍 Inspection (/evalnow, /positions, /trades, /router)
//   🛑 Kill switch (/kill, /resumetrading)
//   💰 Trade and position-close notifications
//
// ═══════════════════════════════════════════════════════════════════════════════

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	bots      *core.Manager
	rt        *router.Router
	kill      *risk.KillSwitch
	positions *position.Manager
	exec      *execution.Service
}

// NewTelegramBot creates the bot from an explicit token and chat id.
func NewTelegramBot(token string, chatIDStr string, bots *core.Manager, rt *router.Router, kill *risk.KillSwitch, positions *position.Manager, exec *execution.Service) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &TelegramBot{
		api:       api,
		chatID:    chatID,
		stopCh:    make(chan struct{}),
		bots:      bots,
		rt:        rt,
		kill:      kill,
		positions: positions,
		exec:      exec,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the command loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyTrade sends a fill alert. Wire to the execution service's OnFill.
func (b *TelegramBot) NotifyTrade(t types.Trade) {
	emoji := "🟢"
	if t.Side == "SELL" {
		emoji = "🔴"
	}

	msg := fmt.Sprintf(`%s *FILL*

📊 %s %s - %s
💵 Price: *%s¢*
📦 Size: *%s*
🤖 %s`,
		emoji,
		t.Platform, t.MarketID, t.Side,
		t.Price.Mul(decimal.NewFromInt(100)).StringFixed(1),
		t.Size.StringFixed(2),
		t.Strategy,
	)
	b.sendMarkdown(msg)
}

// NotifyPositionClosed sends a close alert. Wire to the position manager.
func (b *TelegramBot) NotifyPositionClosed(ev position.Event) {
	if ev.Type != "position_closed" {
		return
	}
	p := ev.Position
	emoji := "📈"
	sign := "+"
	if p.RealizedPnL.IsNegative() {
		emoji = "📉"
		sign = ""
	}

	msg := fmt.Sprintf(`%s *POSITION CLOSED* (%s)

📊 %s
💵 P&L: *%s$%s*`,
		emoji, ev.Reason,
		p.ID,
		sign, p.RealizedPnL.StringFixed(2),
	)
	b.sendMarkdown(msg)
}

// NotifyError sends an error alert.
func (b *TelegramBot) NotifyError(err error) {
	b.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error()))
}

// NotifyStartup sends the startup banner.
func (b *TelegramBot) NotifyStartup(mode string, strategies int) {
	msg := fmt.Sprintf(`🚀 *OMNIBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
🤖 Strategies: *%d*

Use /help for commands`, mode, strategies)
	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			// Only respond to the authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())
	arg := strings.TrimSpace(msg.CommandArguments())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "bots":
		b.cmdBots()
	case "startbot":
		b.cmdBotControl(arg, b.bots.StartBot, "▶️ started")
	case "stopbot":
		b.cmdBotControl(arg, b.bots.StopBot, "⏹️ stopped")
	case "pausebot":
		b.cmdBotControl(arg, b.bots.PauseBot, "⏸️ paused")
	case "resumebot":
		b.cmdBotControl(arg, b.bots.ResumeBot, "▶️ resumed")
	case "evalnow":
		b.cmdEvalNow(arg)
	case "positions":
		b.cmdPositions()
	case "trades":
		b.cmdTrades()
	case "setsl":
		b.cmdSetStopLoss(arg)
	case "settp":
		b.cmdSetTakeProfit(arg)
	case "cancelprot":
		b.cmdCancelProtection(arg)
	case "orders":
		b.cmdOpenOrders(arg)
	case "order":
		b.cmdManualOrder(arg)
	case "backtest":
		b.cmdBacktest(arg)
	case "router":
		b.cmdRouter()
	case "dryrun":
		b.cmdDryRun(arg)
	case "kill":
		b.kill.Activate("telegram command")
		b.send("🛑 Kill switch ACTIVE. All execution disabled.")
	case "resumetrading":
		b.kill.Deactivate()
		b.send("✅ Kill switch cleared. Execution re-enabled.")
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *OMNIBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status - Runtime overview
🤖 /bots - Strategy statuses
▶️ /startbot <id> - Start strategy
⏹️ /stopbot <id> - Stop strategy
⏸️ /pausebot <id> - Pause strategy
▶️ /resumebot <id> - Resume strategy
🔍 /evalnow <id> - Dry evaluation
💼 /positions - Open positions
📜 /trades - Recent executions
🛡️ /setsl <pos> <pct> [trail] - Stop loss
🎯 /settp <pos> <pct> - Take profit
🚮 /cancelprot <pos> - Drop protection
📋 /orders [platform] - Open orders
✍️ /order <platform> <market> <token> <buy|sell> <price> <size>
📈 /backtest <platform> <market> <outcome> [capital]
🎛️ /router - Router policy
📝 /dryrun on|off - Toggle dry run
🛑 /kill - Disable all execution
✅ /resumetrading - Re-enable execution
🏓 /ping - Test connection`
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	cfg := b.rt.GetConfig()
	mode := "LIVE"
	if cfg.DryRun {
		mode = "PAPER"
	}
	killState := "off"
	if b.kill.Active() {
		killState = "🛑 ACTIVE: " + b.kill.Reason()
	}
	dailyStop := "no"
	if b.rt.DailyStop() {
		dailyStop = "🛑 yes"
	}

	statuses := b.bots.GetAllBotStatuses()
	running := 0
	for _, s := range statuses {
		if s.State == types.BotRunning {
			running++
		}
	}

	msg := fmt.Sprintf(`📊 *RUNTIME STATUS*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
🤖 Bots: *%d running / %d total*
💼 Open positions: *%d*
🛑 Kill switch: *%s*
📉 Daily stop: *%s*`,
		mode, running, len(statuses), b.positions.OpenCount(), killState, dailyStop)
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdBots() {
	statuses := b.bots.GetAllBotStatuses()
	if len(statuses) == 0 {
		b.send("📭 No strategies registered")
		return
	}

	msg := "🤖 *STRATEGIES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, s := range statuses {
		stateEmoji := map[types.BotState]string{
			types.BotRunning: "🟢",
			types.BotPaused:  "⏸️",
			types.BotStopped: "⚪",
			types.BotError:   "🔴",
		}[s.State]

		line := fmt.Sprintf("%s *%s* (%s) - %s\n   trades: %d | pnl: $%s | win: %.0f%%\n",
			stateEmoji, s.ID, s.Name, s.State,
			s.TradesCount, s.TotalPnL.StringFixed(2), s.WinRate*100)
		if s.LastError != "" {
			line += fmt.Sprintf("   ⚠️ `%s`\n", s.LastError)
		}
		msg += line + "\n"
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdBotControl(id string, fn func(string) error, verb string) {
	if id == "" {
		b.send("Usage: /<command> <bot-id>")
		return
	}
	if err := fn(id); err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.send(fmt.Sprintf("Bot %s %s", id, verb))
}

func (b *TelegramBot) cmdEvalNow(id string) {
	if id == "" {
		b.send("Usage: /evalnow <bot-id>")
		return
	}
	signals, err := b.bots.EvaluateNow(id)
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	if len(signals) == 0 {
		b.send("🔍 No signals")
		return
	}
	msg := fmt.Sprintf("🔍 *%d SIGNALS* (not dispatched)\n\n", len(signals))
	for _, s := range signals {
		msg += fmt.Sprintf("• %s %s @ %s¢ conf %.2f - %s\n",
			s.Type, s.Key(), s.Price.Mul(decimal.NewFromInt(100)).StringFixed(1),
			s.Confidence, s.Reason)
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdPositions() {
	positions := b.positions.Open()
	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	msg := "💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for i, p := range positions {
		sign := "+"
		if p.UnrealizedPnL.IsNegative() {
			sign = ""
		}
		duration := time.Since(p.OpenedAt).Round(time.Second)
		msg += fmt.Sprintf(`🟢 *%s*
💵 Entry: %s¢ | Mark: %s¢ | Size: %s
📈 uPnL: %s$%s | ⏱️ %v

`,
			p.ID,
			p.EntryPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
			p.CurrentPrice.Mul(decimal.NewFromInt(100)).StringFixed(1),
			p.Size.StringFixed(2),
			sign, p.UnrealizedPnL.StringFixed(2),
			duration,
		)
		if i >= 4 {
			msg += fmt.Sprintf("_... and %d more_", len(positions)-5)
			break
		}
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdTrades() {
	records := b.rt.Records()
	if len(records) == 0 {
		b.send("📭 No executions yet")
		return
	}
	// Newest last in the ring; show the latest 10.
	start := len(records) - 10
	if start < 0 {
		start = 0
	}

	msg := "📜 *RECENT EXECUTIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, r := range records[start:] {
		statusEmoji := map[types.ExecStatus]string{
			types.ExecExecuted: "✅",
			types.ExecRejected: "🚫",
			types.ExecSkipped:  "⏭️",
			types.ExecFailed:   "❌",
		}[r.Status]
		msg += fmt.Sprintf("%s %s %s - %s\n   _%s_\n\n",
			statusEmoji, r.Signal.Type, r.Signal.Key(), r.Reason,
			r.Timestamp.Format("Jan 2 15:04:05"))
	}
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdRouter() {
	cfg := b.rt.GetConfig()
	msg := fmt.Sprintf(`🎛️ *ROUTER POLICY*
━━━━━━━━━━━━━━━━━━━━

📝 Dry run: *%v*
💪 Min strength: *%.2f*
💵 Size: *$%s* (max $%s, scaling %v)
📉 Max daily loss: *$%s*
💼 Max positions: *%d*
⏱️ Cooldown: *%s*
📦 Order mode: *%s*`,
		cfg.DryRun, cfg.MinStrength,
		cfg.DefaultSizeUSD.StringFixed(0), cfg.MaxSizeUSD.StringFixed(0), cfg.StrengthScaling,
		cfg.MaxDailyLoss.StringFixed(0),
		cfg.MaxPositions,
		cfg.Cooldown,
		cfg.OrderMode,
	)
	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdDryRun(arg string) {
	cfg := b.rt.GetConfig()
	switch strings.ToLower(arg) {
	case "on":
		cfg.DryRun = true
	case "off":
		cfg.DryRun = false
	default:
		b.send("Usage: /dryrun on|off")
		return
	}
	b.rt.SetConfig(cfg)
	b.send(fmt.Sprintf("📝 Dry run: %v", cfg.DryRun))
}

func (b *TelegramBot) cmdSetStopLoss(arg string) {
	parts := strings.Fields(arg)
	if len(parts) < 2 {
		b.send("Usage: /setsl <position-id> <pct> [trailing-pct]")
		return
	}
	sl := types.StopLoss{}
	pct, err := decimal.NewFromString(parts[1])
	if err != nil {
		b.send("❌ invalid percent: " + parts[1])
		return
	}
	sl.PercentFromEntry = pct
	if len(parts) >= 3 {
		trail, err := decimal.NewFromString(parts[2])
		if err != nil {
			b.send("❌ invalid trailing percent: " + parts[2])
			return
		}
		sl.TrailingPercent = trail
	}
	if err := b.positions.SetStopLoss(parts[0], sl); err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.send(fmt.Sprintf("🛡️ Stop loss set on %s: %s%% from entry", parts[0], pct))
}

func (b *TelegramBot) cmdSetTakeProfit(arg string) {
	parts := strings.Fields(arg)
	if len(parts) < 2 {
		b.send("Usage: /settp <position-id> <pct>")
		return
	}
	pct, err := decimal.NewFromString(parts[1])
	if err != nil {
		b.send("❌ invalid percent: " + parts[1])
		return
	}
	if err := b.positions.SetTakeProfit(parts[0], types.TakeProfit{PercentFromEntry: pct}); err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.send(fmt.Sprintf("🎯 Take profit set on %s: %s%% from entry", parts[0], pct))
}

func (b *TelegramBot) cmdCancelProtection(arg string) {
	if arg == "" {
		b.send("Usage: /cancelprot <position-id>")
		return
	}
	b.positions.CancelProtection(arg)
	b.send("🚮 Protection cancelled on " + arg)
}

func (b *TelegramBot) cmdOpenOrders(arg string) {
	platform := types.PlatformPolymarket
	if arg != "" {
		platform = types.Platform(arg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	orders, err := b.exec.GetOpenOrders(ctx, platform)
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	if len(orders) == 0 {
		b.send("📭 No open orders on " + string(platform))
		return
	}

	msg := fmt.Sprintf("📋 *OPEN ORDERS* (%s)\n━━━━━━━━━━━━━━━━━━━━\n\n", platform)
	for _, o := range orders {
		msg += fmt.Sprintf("• `%s` %s %s @ %s¢ - %s/%s filled\n",
			o.OrderID, o.Side, o.MarketID,
			o.Price.Mul(decimal.NewFromInt(100)).StringFixed(1),
			o.FilledSize.StringFixed(2), o.Size.StringFixed(2))
	}
	b.sendMarkdown(msg)
}

// cmdManualOrder submits directly through the execution service, bypassing
// the router. No strategy attribution.
func (b *TelegramBot) cmdManualOrder(arg string) {
	parts := strings.Fields(arg)
	if len(parts) != 6 {
		b.send("Usage: /order <platform> <market> <token> <buy|sell> <price> <size>")
		return
	}
	price, err1 := decimal.NewFromString(parts[4])
	size, err2 := decimal.NewFromString(parts[5])
	if err1 != nil || err2 != nil || !price.IsPositive() || !size.IsPositive() {
		b.send("❌ price and size must be positive numbers")
		return
	}

	req := execution.OrderRequest{
		Platform: types.Platform(parts[0]),
		MarketID: parts[1],
		TokenID:  parts[2],
		Price:    price,
		Size:     size,
		Strategy: "manual",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var res execution.OrderResult
	var err error
	switch strings.ToLower(parts[3]) {
	case "buy":
		req.Side = "BUY"
		res, err = b.exec.BuyLimit(ctx, req)
	case "sell":
		req.Side = "SELL"
		res, err = b.exec.SellLimit(ctx, req)
	default:
		b.send("❌ side must be buy or sell")
		return
	}
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.sendMarkdown(fmt.Sprintf("✍️ Manual order `%s` - %s", res.OrderID, res.Status))
}

// cmdBacktest replays the tick history collected this session through the
// momentum strategy and reports the summary.
func (b *TelegramBot) cmdBacktest(arg string) {
	parts := strings.Fields(arg)
	if len(parts) < 3 {
		b.send("Usage: /backtest <platform> <market> <outcome> [capital]")
		return
	}
	platform := types.Platform(parts[0])
	marketID, outcomeID := parts[1], parts[2]

	capital := decimal.NewFromInt(1000)
	if len(parts) >= 4 {
		if c, err := decimal.NewFromString(parts[3]); err == nil && c.IsPositive() {
			capital = c
		}
	}

	ticks := b.bots.History(platform, marketID, outcomeID)
	if len(ticks) < 20 {
		b.send(fmt.Sprintf("📭 Only %d ticks collected for that outcome, need at least 20", len(ticks)))
		return
	}

	cfg := backtest.Config{
		Platform:       platform,
		MarketID:       marketID,
		OutcomeID:      outcomeID,
		InitialCapital: capital,
		CommissionPct:  decimal.NewFromFloat(0.001),
		SlippagePct:    decimal.NewFromFloat(0.0005),
		Ticks:          ticks,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	strat := strategy.NewMomentum(platform, marketID, outcomeID, outcomeID)
	res, err := backtest.NewEngine(nil).Run(ctx, cfg, strat)
	if err != nil {
		b.send("❌ " + err.Error())
		return
	}

	m := res.Metrics
	msg := fmt.Sprintf(`📈 *BACKTEST* - momentum on %s (%d ticks)
━━━━━━━━━━━━━━━━━━━━

💵 Final equity: *$%s* (%.2f%%)
📊 Trades: %d | Win rate: %.0f%%
📉 Max drawdown: %.2f%%
⚖️ Sharpe: %.2f | Sortino: %.2f`,
		marketID, len(ticks),
		res.FinalEquity.StringFixed(2), m.TotalReturnPct,
		m.TotalTrades, m.WinRate*100,
		m.MaxDrawdownPct,
		m.SharpeRatio, m.SortinoRatio,
	)

	if mc, err := backtest.MonteCarlo(res, 500, 42); err == nil {
		msg += fmt.Sprintf("\n\n🎲 Monte Carlo (%d runs): p5 %.1f%% | p50 %.1f%% | p95 %.1f%% | P(profit) %.0f%%",
			mc.Iterations, mc.Percentiles[5], mc.Percentiles[50], mc.Percentiles[95], mc.ProbProfit*100)
	}
	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
