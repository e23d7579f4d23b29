package storage

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/omnibot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trade log and position persistence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Append-only trade log plus a position table keyed platform:marketId:tokenId.
// Writes are idempotent: replayed fills insert-or-ignore, position upserts
// converge. Open positions are loaded on start and resumed.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TradeRow is one fill in the append-only log.
type TradeRow struct {
	ID         string `gorm:"primaryKey"`
	Platform   string `gorm:"index"`
	MarketID   string `gorm:"index"`
	TokenID    string
	Outcome    string
	Side       string
	Price      decimal.Decimal `gorm:"type:numeric"`
	Size       decimal.Decimal `gorm:"type:numeric"`
	Fee        decimal.Decimal `gorm:"type:numeric"`
	PnL        decimal.Decimal `gorm:"type:numeric"`
	Strategy   string          `gorm:"index"`
	Protective bool
	Timestamp  time.Time `gorm:"index"`
}

// TableName keeps the historical table name.
func (TradeRow) TableName() string { return "trades" }

// PositionRow mirrors a tracked position.
type PositionRow struct {
	ID            string `gorm:"primaryKey"` // platform:marketId:tokenId
	Platform      string `gorm:"index"`
	MarketID      string
	TokenID       string
	Outcome       string
	Side          string
	Size          decimal.Decimal `gorm:"type:numeric"`
	EntryPrice    decimal.Decimal `gorm:"type:numeric"`
	CurrentPrice  decimal.Decimal `gorm:"type:numeric"`
	RealizedPnL   decimal.Decimal `gorm:"type:numeric"`
	HighWaterMark decimal.Decimal `gorm:"type:numeric"`
	LowWaterMark  decimal.Decimal `gorm:"type:numeric"`
	Status        string          `gorm:"index"`
	Strategy      string
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// TableName keeps the historical table name.
func (PositionRow) TableName() string { return "positions" }

// Database wraps the gorm handle. A nil-path database is disabled and every
// operation becomes a no-op, so callers never branch on persistence.
type Database struct {
	db      *gorm.DB
	enabled bool
}

// Open connects to the sqlite file at path and migrates the schema. An
// empty path disables persistence.
func Open(path string) (*Database, error) {
	if path == "" {
		log.Warn().Msg("No database path set, running without persistence")
		return &Database{}, nil
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&TradeRow{}, &PositionRow{}); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("💾 Database connected")
	return &Database{db: db, enabled: true}, nil
}

// IsEnabled reports whether persistence is active.
func (d *Database) IsEnabled() bool { return d.enabled }

// Close releases the underlying connection.
func (d *Database) Close() {
	if !d.enabled {
		return
	}
	if sqlDB, err := d.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADES
// ═══════════════════════════════════════════════════════════════════════════════

// LogTrade appends a fill. Replays of the same trade id are ignored.
func (d *Database) LogTrade(t types.Trade) error {
	if !d.enabled {
		return nil
	}
	row := TradeRow{
		ID:         t.ID,
		Platform:   string(t.Platform),
		MarketID:   t.MarketID,
		TokenID:    t.TokenID,
		Outcome:    t.Outcome,
		Side:       t.Side,
		Price:      t.Price,
		Size:       t.Size,
		Fee:        t.Fee,
		PnL:        t.PnL,
		Strategy:   t.Strategy,
		Protective: t.Protective,
		Timestamp:  t.Timestamp,
	}
	err := d.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		log.Error().Err(err).Str("trade", t.ID).Msg("Failed to log trade")
	}
	return err
}

// RecentTrades returns the newest fills, newest first.
func (d *Database) RecentTrades(limit int) ([]types.Trade, error) {
	if !d.enabled {
		return nil, nil
	}
	var rows []TradeRow
	if err := d.db.Order("timestamp DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Trade{
			ID:         r.ID,
			Platform:   types.Platform(r.Platform),
			MarketID:   r.MarketID,
			TokenID:    r.TokenID,
			Outcome:    r.Outcome,
			Side:       r.Side,
			Price:      r.Price,
			Size:       r.Size,
			Fee:        r.Fee,
			PnL:        r.PnL,
			Strategy:   r.Strategy,
			Protective: r.Protective,
			Timestamp:  r.Timestamp,
		})
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS
// ═══════════════════════════════════════════════════════════════════════════════

// SavePosition upserts the position row; repeated saves converge.
func (d *Database) SavePosition(p types.Position) error {
	if !d.enabled {
		return nil
	}
	row := PositionRow{
		ID:            p.ID,
		Platform:      string(p.Platform),
		MarketID:      p.MarketID,
		TokenID:       p.TokenID,
		Outcome:       p.OutcomeName,
		Side:          string(p.Side),
		Size:          p.Size,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		RealizedPnL:   p.RealizedPnL,
		HighWaterMark: p.HighWaterMark,
		LowWaterMark:  p.LowWaterMark,
		Status:        string(p.Status),
		Strategy:      p.Strategy,
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
	}
	err := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		log.Error().Err(err).Str("position", p.ID).Msg("Failed to save position")
	}
	return err
}

// LoadOpenPositions returns unclosed positions for resume on start.
func (d *Database) LoadOpenPositions() ([]types.Position, error) {
	if !d.enabled {
		return nil, nil
	}
	var rows []PositionRow
	if err := d.db.Where("status = ?", string(types.PositionOpen)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.Position{
			ID:            r.ID,
			Platform:      types.Platform(r.Platform),
			MarketID:      r.MarketID,
			TokenID:       r.TokenID,
			OutcomeName:   r.Outcome,
			Side:          types.Side(r.Side),
			Size:          r.Size,
			EntryPrice:    r.EntryPrice,
			CurrentPrice:  r.CurrentPrice,
			RealizedPnL:   r.RealizedPnL,
			HighWaterMark: r.HighWaterMark,
			LowWaterMark:  r.LowWaterMark,
			Status:        types.PositionStatus(r.Status),
			Strategy:      r.Strategy,
			OpenedAt:      r.OpenedAt,
			ClosedAt:      r.ClosedAt,
		})
	}
	if len(out) > 0 {
		log.Info().Int("count", len(out)).Msg("Resuming open positions")
	}
	return out, nil
}

// DailyRealizedPnL sums fill PnL since the given UTC day start; used to
// rebuild the router's daily-loss accumulator after a restart.
func (d *Database) DailyRealizedPnL(dayStart time.Time) (decimal.Decimal, error) {
	if !d.enabled {
		return decimal.Zero, nil
	}
	var rows []TradeRow
	if err := d.db.Where("timestamp >= ?", dayStart).Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.PnL)
	}
	return sum, nil
}
