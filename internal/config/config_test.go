package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	cfgPath := writeTempConfig(t, `
market:
  asset: btc
  currency: mxn
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Market.Asset != "BTC" || cfg.Market.Currency != "MXN" {
		t.Fatalf("market = %+v, want BTC/MXN", cfg.Market)
	}
	if cfg.Exchange.RestBaseURL != "https://api.bitso.com/v3" {
		t.Fatalf("exchange.rest_base_url = %q, want bitso v3", cfg.Exchange.RestBaseURL)
	}
	if cfg.Exchange.HTTPTimeoutMs != 6000 {
		t.Fatalf("exchange.http_timeout_ms = %d, want 6000", cfg.Exchange.HTTPTimeoutMs)
	}
	if *cfg.Exchange.PlacementDelayMs != 1000 {
		t.Fatalf("exchange.placement_delay_ms = %d, want 1000", *cfg.Exchange.PlacementDelayMs)
	}
	if !cfg.Exchange.DefaultFee.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("exchange.default_fee = %s, want 0.005", cfg.Exchange.DefaultFee)
	}
	if !*cfg.Exchange.PrefetchFee {
		t.Fatalf("exchange.prefetch_fee = false, want true")
	}
	if cfg.Retry.MaxRetries != 10 || cfg.Retry.InitialIntervalMs != 1000 || cfg.Retry.MaxIntervalMs != 4000 {
		t.Fatalf("retry = %+v, want 10 retries over 1000..4000ms", cfg.Retry)
	}
	if cfg.Retry.Multiplier != 1.2 {
		t.Fatalf("retry.multiplier = %v, want 1.2", cfg.Retry.Multiplier)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != LogFormatText {
		t.Fatalf("logging = %+v, want info/text", cfg.Logging)
	}
	if cfg.HasCredentials() {
		t.Fatalf("HasCredentials() = true, want false")
	}
}

func TestLoadOptimizedConnectionShortensTimeout(t *testing.T) {
	cfgPath := writeTempConfig(t, `
market: {asset: eth, currency: mxn}
exchange:
  optimized_connection: true
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.HTTPTimeoutMs != 500 {
		t.Fatalf("exchange.http_timeout_ms = %d, want 500", cfg.Exchange.HTTPTimeoutMs)
	}
}

func TestLoadKeepsExplicitZeroPlacementDelay(t *testing.T) {
	cfgPath := writeTempConfig(t, `
market: {asset: btc, currency: mxn}
exchange:
  placement_delay_ms: 0
  prefetch_fee: false
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if *cfg.Exchange.PlacementDelayMs != 0 {
		t.Fatalf("exchange.placement_delay_ms = %d, want 0", *cfg.Exchange.PlacementDelayMs)
	}
	if *cfg.Exchange.PrefetchFee {
		t.Fatalf("exchange.prefetch_fee = true, want false")
	}
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	cfgPath := writeTempConfig(t, `
market: {asset: btc, currency: mxn}
exchange:
  api_key: yaml-key
  api_secret: yaml-secret
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Fatalf("credentials = %q/%q, want env values", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
	if !cfg.HasCredentials() {
		t.Fatalf("HasCredentials() = false, want true")
	}
}

func TestLoadNormalizesStatusMap(t *testing.T) {
	cfgPath := writeTempConfig(t, `
market: {asset: btc, currency: mxn}
status_map:
  " PARTIAL-FILL ": partially_filled
  Queued: OPEN
`)
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StatusMap["partial-fill"] != "partially_filled" {
		t.Fatalf("status_map[partial-fill] = %q, want partially_filled", cfg.StatusMap["partial-fill"])
	}
	if cfg.StatusMap["queued"] != "open" {
		t.Fatalf("status_map[queued] = %q, want open", cfg.StatusMap["queued"])
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing market", `exchange: {burst: 2}`, "market asset and currency are required"},
		{"unknown field", "market: {asset: btc, currency: mxn}\nmode: live", "field mode not found"},
		{"lonely key", "market: {asset: btc, currency: mxn}\nexchange: {api_key: k}", "must be set together"},
		{"bad status", "market: {asset: btc, currency: mxn}\nstatus_map: {queued: pending}", "state must be open"},
		{"bad ws url", "market: {asset: btc, currency: mxn}\nexchange: {ws_base_url: 'https://ws.bitso.com'}", "ws_base_url scheme must be ws or wss"},
		{"bad fee", "market: {asset: btc, currency: mxn}\nexchange: {default_fee: '1.5'}", "default_fee must be in [0, 1)"},
		{"bad multiplier", "market: {asset: btc, currency: mxn}\nretry: {multiplier: 0.5}", "multiplier must be >= 1"},
		{"bad format", "market: {asset: btc, currency: mxn}\nlogging: {format: xml}", "logging.format must be text or json"},
		{"telegram", "market: {asset: btc, currency: mxn}\nobservability: {telegram: {enabled: true}}", "bot_token is required"},
	}
	for _, tc := range cases {
		_, err := Load(writeTempConfig(t, tc.body))
		if err == nil {
			t.Fatalf("%s: Load() error = nil, want error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: Load() error = %q, want contains %q", tc.name, err.Error(), tc.want)
		}
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	cfgPath := writeTempConfig(t, `
market: {asset: btc, currency: mxn}
---
market: {asset: eth, currency: mxn}
`)
	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
