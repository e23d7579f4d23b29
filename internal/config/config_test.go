package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "dry_run: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Router.OrderMode != "limit" {
		t.Fatalf("order_mode = %q, want default limit", cfg.Router.OrderMode)
	}
	if cfg.Router.Cooldown != 30*time.Second {
		t.Fatalf("cooldown = %v, want default 30s", cfg.Router.Cooldown)
	}
	if cfg.Polymarket.CLOBBaseURL == "" {
		t.Fatal("clob_base_url default missing")
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level = %q, want info", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadParsesStrategies(t *testing.T) {
	path := writeConfig(t, `
dry_run: true
strategies:
  - id: momo-1
    name: momentum
    platform: polymarket
    market_id: "0xABC"
    outcome_id: "YES"
    interval_ms: 1000
    params:
      lookback: 20
      entry_threshold: 0.02
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Strategies) != 1 {
		t.Fatalf("strategies = %d, want 1", len(cfg.Strategies))
	}
	s := cfg.Strategies[0]
	if s.ID != "momo-1" || s.MarketID != "0xABC" || s.IntervalMs != 1000 {
		t.Fatalf("strategy parsed wrong: %+v", s)
	}
	if s.Params["lookback"] != 20 {
		t.Fatalf("params = %v", s.Params)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"interval floor", `
dry_run: true
strategies:
  - id: fast
    market_id: "0xABC"
    interval_ms: 50
`},
		{"missing market", `
dry_run: true
strategies:
  - id: nomarket
    interval_ms: 1000
`},
		{"bad order mode", `
dry_run: true
router:
  order_mode: ioc
`},
		{"max below default size", `
dry_run: true
router:
  default_size_usd: 100
  max_size_usd: 50
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.yaml))
			if err != nil {
				t.Fatal(err)
			}
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("CLOB_API_SECRET", "s3cret")
	t.Setenv("ETH_PRIVATE_KEY", "deadbeef")

	cfg, err := Load(writeConfig(t, "dry_run: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Polymarket.Secret != "s3cret" {
		t.Fatalf("secret = %q", cfg.Polymarket.Secret)
	}
	if cfg.Polymarket.PrivateKey != "deadbeef" {
		t.Fatalf("private key = %q", cfg.Polymarket.PrivateKey)
	}
}
