package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Core data model, no behavior beyond derived fields
// ═══════════════════════════════════════════════════════════════════════════════

// Platform identifies a trading venue. Opaque tag used for dispatch.
type Platform string

const (
	PlatformPolymarket Platform = "polymarket"
	PlatformPaper      Platform = "paper"
)

// SignalType is the intent of a strategy signal.
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalHold SignalType = "hold"
)

// Side of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus lifecycle.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// OrderMode selects how an admitted signal is translated to an execution call.
type OrderMode string

const (
	OrderModeLimit           OrderMode = "limit"
	OrderModeMarket          OrderMode = "market"
	OrderModeProtectedMarket OrderMode = "protected-market"
)

// ExecStatus is the outcome recorded for a routed signal.
type ExecStatus string

const (
	ExecExecuted ExecStatus = "executed"
	ExecRejected ExecStatus = "rejected"
	ExecSkipped  ExecStatus = "skipped"
	ExecFailed   ExecStatus = "failed"
)

// BotState is the strategy runner state machine.
type BotState string

const (
	BotStopped BotState = "stopped"
	BotRunning BotState = "running"
	BotPaused  BotState = "paused"
	BotError   BotState = "error"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ═══════════════════════════════════════════════════════════════════════════════

// Signal is a strategy's intent to buy, sell or hold a market outcome.
// Size is optional: the router derives notional when zero.
type Signal struct {
	Type       SignalType
	Platform   Platform
	MarketID   string
	TokenID    string
	Outcome    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Confidence float64 // 0..1
	Reason     string
	Tag        string
	Strategy   string
	Metadata   map[string]string
}

// Key returns the routing key platform:marketId:outcome.
func (s Signal) Key() string {
	return fmt.Sprintf("%s:%s:%s", s.Platform, s.MarketID, s.Outcome)
}

// Validate checks a signal is well-formed. Malformed signals are never routed.
func (s Signal) Validate() error {
	switch s.Type {
	case SignalBuy, SignalSell, SignalHold:
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	if s.Platform == "" || s.MarketID == "" || s.Outcome == "" {
		return fmt.Errorf("signal missing platform/market/outcome")
	}
	if s.Price.IsNegative() {
		return fmt.Errorf("signal price is negative")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal confidence %v outside [0,1]", s.Confidence)
	}
	if s.Size.IsNegative() {
		return fmt.Errorf("signal size is negative")
	}
	return nil
}

// ExecutionRecord is the append-only result of an admission decision.
type ExecutionRecord struct {
	ID         string
	Signal     Signal
	Status     ExecStatus
	OrderID    string
	OrderPrice decimal.Decimal
	OrderSize  decimal.Decimal
	Reason     string
	Timestamp  time.Time
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// StopLoss describes a stop trigger. Price is the effective stop and is
// maintained by the position manager; for a trailing stop it only tightens.
type StopLoss struct {
	Price            decimal.Decimal
	PercentFromEntry decimal.Decimal
	TrailingPercent  decimal.Decimal
}

// PartialLevel is one rung of a take-profit ladder. Each rung fires at most
// once and closes CloseFraction of the remaining size.
type PartialLevel struct {
	PricePct      decimal.Decimal // percent from entry, in the profit direction
	CloseFraction decimal.Decimal // (0, 1]
	Fired         bool
}

// TakeProfit describes a profit trigger: absolute price, percent from entry,
// or an ordered partial ladder.
type TakeProfit struct {
	Price            decimal.Decimal
	PercentFromEntry decimal.Decimal
	PartialLevels    []PartialLevel
}

// Position is an open or historical trade tracked by the position manager.
type Position struct {
	ID            string // platform:marketId:tokenId
	Platform      Platform
	MarketID      string
	TokenID       string
	OutcomeName   string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	OpenedAt      time.Time
	ClosedAt      *time.Time
	Status        PositionStatus
	StopLoss      *StopLoss
	TakeProfit    *TakeProfit
	ExpiresAt     *time.Time
	HighWaterMark decimal.Decimal
	LowWaterMark  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Strategy      string
	Tags          []string
}

// PositionID derives the canonical position key.
func PositionID(platform Platform, marketID, tokenID string) string {
	return fmt.Sprintf("%s:%s:%s", platform, marketID, tokenID)
}

// MarkPnL returns unrealized PnL for the position at price.
func (p *Position) MarkPnL(price decimal.Decimal) decimal.Decimal {
	if p.Side == SideShort {
		return p.EntryPrice.Sub(price).Mul(p.Size)
	}
	return price.Sub(p.EntryPrice).Mul(p.Size)
}

// Clone returns a deep copy safe to hand to strategy contexts.
func (p *Position) Clone() Position {
	cp := *p
	if p.StopLoss != nil {
		sl := *p.StopLoss
		cp.StopLoss = &sl
	}
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		tp.PartialLevels = append([]PartialLevel(nil), p.TakeProfit.PartialLevels...)
		cp.TakeProfit = &tp
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	cp.Tags = append([]string(nil), p.Tags...)
	return cp
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADES & MARKET DATA
// ═══════════════════════════════════════════════════════════════════════════════

// Trade is a single fill attributed to a strategy.
type Trade struct {
	ID         string
	Platform   Platform
	MarketID   string
	TokenID    string
	Outcome    string
	Side       string // BUY or SELL
	Price      decimal.Decimal
	Size       decimal.Decimal
	Fee        decimal.Decimal
	PnL        decimal.Decimal
	Strategy   string
	Protective bool // close placed by the trigger path, already folded into the book
	Timestamp  time.Time
}

// Tick is a single recorded price point.
type Tick struct {
	Time      time.Time
	Price     decimal.Decimal
	PrevPrice decimal.Decimal
}

// OrderbookLevel is one side level of a book snapshot.
type OrderbookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderbookSnapshot is the last-known book state. Possibly stale; callers
// gate on Time.
type OrderbookSnapshot struct {
	Time     time.Time
	Bids     []OrderbookLevel // sorted best (highest) first
	Asks     []OrderbookLevel // sorted best (lowest) first
	MidPrice decimal.Decimal
	Spread   decimal.Decimal
}

// BestBid returns the top bid level, or false when the side is empty.
func (ob *OrderbookSnapshot) BestBid() (OrderbookLevel, bool) {
	if len(ob.Bids) == 0 {
		return OrderbookLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask level, or false when the side is empty.
func (ob *OrderbookSnapshot) BestAsk() (OrderbookLevel, bool) {
	if len(ob.Asks) == 0 {
		return OrderbookLevel{}, false
	}
	return ob.Asks[0], true
}

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY CONFIG & STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// StrategyConfig is the plain record describing a registered strategy.
type StrategyConfig struct {
	ID              string
	Name            string
	Platforms       []Platform
	Markets         []string
	IntervalMs      int64 // >= 100
	MaxPositionSize decimal.Decimal
	MaxExposure     decimal.Decimal
	DryRun          bool
	Params          map[string]float64
}

// Validate enforces the config invariants the manager relies on.
func (c StrategyConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("strategy config missing id")
	}
	if c.IntervalMs < 100 {
		return fmt.Errorf("strategy %s: intervalMs %d below 100ms floor", c.ID, c.IntervalMs)
	}
	return nil
}

// BotStatus is the observable state of a registered strategy.
type BotStatus struct {
	ID           string
	Name         string
	State        BotState
	TradesCount  int
	TotalPnL     decimal.Decimal
	WinRate      float64
	LastCheck    time.Time
	LastError    string
	SkippedEvals int
}
