// Package config defines all configuration for the trading runtime.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OMNI_* environment variables. A .env
// file next to the binary is loaded first when present.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Polymarket VenueConfig      `mapstructure:"polymarket"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Router     RouterConfig     `mapstructure:"router"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Protection ProtectionConfig `mapstructure:"protection"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
	MM         []MMConfig       `mapstructure:"mm"`
	Store      StoreConfig      `mapstructure:"store"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "console" or "json"
}

// TelegramConfig enables the remote control surface. Token and chat id
// come from TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"-"`
	ChatID  string `mapstructure:"-"`
}

// VenueConfig holds the Polymarket endpoints and credentials. The private
// key signs orders; API credentials authenticate CLOB requests.
type VenueConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	PrivateKey   string `mapstructure:"-"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"-"`
	Passphrase   string `mapstructure:"-"`
}

// FeedsConfig controls market data ingestion.
type FeedsConfig struct {
	RestPollInterval time.Duration `mapstructure:"rest_poll_interval"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

// RouterConfig mirrors the signal admission policy. Money fields are
// plain floats here; the composition root converts them to decimals.
type RouterConfig struct {
	MinStrength     float64       `mapstructure:"min_strength"`
	DefaultSizeUSD  float64       `mapstructure:"default_size_usd"`
	MaxSizeUSD      float64       `mapstructure:"max_size_usd"`
	StrengthScaling bool          `mapstructure:"strength_scaling"`
	MaxDailyLoss    float64       `mapstructure:"max_daily_loss"`
	MaxPositions    int           `mapstructure:"max_positions"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	OrderMode       string        `mapstructure:"order_mode"` // limit | market | protected-market
	MaxSlippage     float64       `mapstructure:"max_slippage"`
	AllowedTags     []string      `mapstructure:"allowed_tags"`
	RecordRetention int           `mapstructure:"record_retention"`
}

// RiskConfig sets the exposure budgets and execution safety rails.
type RiskConfig struct {
	MaxOrderNotionalUSD float64 `mapstructure:"max_order_notional_usd"`
	MaxExposureUSD      float64 `mapstructure:"max_exposure_usd"`
	BreakerThreshold    int     `mapstructure:"breaker_threshold"`
	BreakerCooldownSec  int     `mapstructure:"breaker_cooldown_sec"`
}

// ProtectionConfig is the default protection attached to new positions.
// Zero disables the corresponding trigger.
type ProtectionConfig struct {
	StopLossPct   float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct float64       `mapstructure:"take_profit_pct"`
	TrailingPct   float64       `mapstructure:"trailing_pct"`
	MaxHoldTime   time.Duration `mapstructure:"max_hold_time"`
}

// StrategyConfig declares one scheduled strategy instance.
type StrategyConfig struct {
	ID         string             `mapstructure:"id"`
	Name       string             `mapstructure:"name"` // momentum | mm
	Platform   string             `mapstructure:"platform"`
	MarketID   string             `mapstructure:"market_id"`
	OutcomeID  string             `mapstructure:"outcome_id"`
	IntervalMs int64              `mapstructure:"interval_ms"`
	DryRun     bool               `mapstructure:"dry_run"`
	Params     map[string]float64 `mapstructure:"params"`
}

// MMConfig binds the market-making engine to one market.
type MMConfig struct {
	ID                    string        `mapstructure:"id"`
	Platform              string        `mapstructure:"platform"`
	MarketID              string        `mapstructure:"market_id"`
	OutcomeID             string        `mapstructure:"outcome_id"`
	IntervalMs            int64         `mapstructure:"interval_ms"`
	Method                string        `mapstructure:"method"` // mid | microprice | vwap
	EMAAlpha              float64       `mapstructure:"ema_alpha"`
	TopLevels             int           `mapstructure:"top_levels"`
	BaseHalfSpread        float64       `mapstructure:"base_half_spread"`
	SkewCoeff             float64       `mapstructure:"skew_coeff"`
	Levels                int           `mapstructure:"levels"`
	LevelStep             float64       `mapstructure:"level_step"`
	LevelSize             float64       `mapstructure:"level_size"`
	MaxInventory          float64       `mapstructure:"max_inventory"`
	RequoteThresholdCents float64       `mapstructure:"requote_threshold_cents"`
	RequoteInterval       time.Duration `mapstructure:"requote_interval"`
	MaxPositionValueUSD   float64       `mapstructure:"max_position_value_usd"`
	MaxLossUSD            float64       `mapstructure:"max_loss_usd"`
}

// StoreConfig sets where trades and positions are persisted. An empty
// path runs without persistence.
type StoreConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// Load reads config from a YAML file with env var overrides. Secrets come
// only from the environment: ETH_PRIVATE_KEY, CLOB_API_KEY,
// CLOB_API_SECRET, CLOB_PASSPHRASE, TELEGRAM_BOT_TOKEN, TELEGRAM_CHAT_ID.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OMNI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Telegram.ChatID = os.Getenv("TELEGRAM_CHAT_ID")
	cfg.Polymarket.PrivateKey = os.Getenv("ETH_PRIVATE_KEY")
	if key := os.Getenv("CLOB_API_KEY"); key != "" {
		cfg.Polymarket.ApiKey = key
	}
	cfg.Polymarket.Secret = os.Getenv("CLOB_API_SECRET")
	cfg.Polymarket.Passphrase = os.Getenv("CLOB_PASSPHRASE")
	if dr := os.Getenv("OMNI_DRY_RUN"); dr == "true" || dr == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("polymarket.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")

	v.SetDefault("feeds.rest_poll_interval", "2s")
	v.SetDefault("feeds.reconnect_backoff", "1s")

	v.SetDefault("router.min_strength", 0.3)
	v.SetDefault("router.default_size_usd", 50)
	v.SetDefault("router.max_size_usd", 250)
	v.SetDefault("router.strength_scaling", true)
	v.SetDefault("router.max_daily_loss", 100)
	v.SetDefault("router.max_positions", 10)
	v.SetDefault("router.cooldown", "30s")
	v.SetDefault("router.order_mode", "limit")
	v.SetDefault("router.max_slippage", 0.02)
	v.SetDefault("router.record_retention", 500)

	v.SetDefault("risk.breaker_threshold", 5)
	v.SetDefault("risk.breaker_cooldown_sec", 30)
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun && c.Polymarket.PrivateKey == "" {
		return fmt.Errorf("live mode requires ETH_PRIVATE_KEY")
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram enabled but TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID not set")
	}
	switch c.Router.OrderMode {
	case "limit", "market", "protected-market":
	default:
		return fmt.Errorf("router.order_mode must be limit, market or protected-market")
	}
	if c.Router.MaxSizeUSD < c.Router.DefaultSizeUSD {
		return fmt.Errorf("router.max_size_usd below router.default_size_usd")
	}
	for i, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies[%d]: id is required", i)
		}
		if s.IntervalMs < 100 {
			return fmt.Errorf("strategy %s: interval_ms %d below the 100ms floor", s.ID, s.IntervalMs)
		}
		if s.MarketID == "" {
			return fmt.Errorf("strategy %s: market_id is required", s.ID)
		}
	}
	for i, m := range c.MM {
		if m.MarketID == "" {
			return fmt.Errorf("mm[%d]: market_id is required", i)
		}
		switch m.Method {
		case "", "mid", "microprice", "vwap":
		default:
			return fmt.Errorf("mm %s: unknown fair value method %q", m.ID, m.Method)
		}
	}
	return nil
}
