package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	EnvAPIKey    = "BITSO_API_KEY"
	EnvAPISecret = "BITSO_API_SECRET"
)

type Config struct {
	Market         MarketConfig         `yaml:"market"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Retry          RetryConfig          `yaml:"retry"`
	StatusMap      map[string]string    `yaml:"status_map"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logging        LoggingConfig        `yaml:"logging"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type MarketConfig struct {
	Asset    string `yaml:"asset"`
	Currency string `yaml:"currency"`
}

type ExchangeConfig struct {
	APIKey              string  `yaml:"api_key"`
	APISecret           string  `yaml:"api_secret"`
	RestBaseURL         string  `yaml:"rest_base_url"`
	WSBaseURL           string  `yaml:"ws_base_url"`
	OptimizedConnection bool    `yaml:"optimized_connection"`
	HTTPTimeoutMs       int64   `yaml:"http_timeout_ms"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
	Burst               int     `yaml:"burst"`
	PlacementDelayMs    *int64  `yaml:"placement_delay_ms"`
	PrefetchFee         *bool   `yaml:"prefetch_fee"`
	DefaultFee          Decimal `yaml:"default_fee"`
}

type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialIntervalMs int64   `yaml:"initial_interval_ms"`
	MaxIntervalMs     int64   `yaml:"max_interval_ms"`
	Multiplier        float64 `yaml:"multiplier"`
	Randomization     float64 `yaml:"randomization"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
}

type LoggingConfig struct {
	Level      string    `yaml:"level"`
	Format     LogFormat `yaml:"format"`
	Output     string    `yaml:"output"`
	MaxSizeMB  int       `yaml:"max_size_mb"`
	MaxBackups int       `yaml:"max_backups"`
	MaxAgeDays int       `yaml:"max_age_days"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Output      string `yaml:"output"`
	Pretty      bool   `yaml:"pretty"`
}

// Load reads a single-document YAML config, applies env credential
// overrides and defaults, then validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		c.Exchange.APISecret = v
	}
}

func (c *Config) normalize() {
	c.Market.Asset = strings.ToUpper(strings.TrimSpace(c.Market.Asset))
	c.Market.Currency = strings.ToUpper(strings.TrimSpace(c.Market.Currency))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = LogFormat(strings.ToLower(strings.TrimSpace(string(c.Logging.Format))))
	c.Logging.Output = strings.TrimSpace(c.Logging.Output)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.Tracing.ServiceName = strings.TrimSpace(c.Observability.Tracing.ServiceName)
	if len(c.StatusMap) > 0 {
		normalized := make(map[string]string, len(c.StatusMap))
		for raw, state := range c.StatusMap {
			normalized[strings.ToLower(strings.TrimSpace(raw))] = strings.ToLower(strings.TrimSpace(state))
		}
		c.StatusMap = normalized
	}
}

func (c *Config) applyDefaults() {
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.bitso.com/v3"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://ws.bitso.com"
	}
	if c.Exchange.HTTPTimeoutMs == 0 {
		c.Exchange.HTTPTimeoutMs = 6000
		if c.Exchange.OptimizedConnection {
			c.Exchange.HTTPTimeoutMs = 500
		}
	}
	if c.Exchange.RequestsPerSecond == 0 {
		c.Exchange.RequestsPerSecond = 5
	}
	if c.Exchange.Burst == 0 {
		c.Exchange.Burst = 1
	}
	if c.Exchange.PlacementDelayMs == nil {
		delay := int64(1000)
		c.Exchange.PlacementDelayMs = &delay
	}
	if c.Exchange.PrefetchFee == nil {
		enabled := true
		c.Exchange.PrefetchFee = &enabled
	}
	if c.Exchange.DefaultFee.IsZero() {
		c.Exchange.DefaultFee = Decimal{decimal.RequireFromString("0.005")}
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 10
	}
	if c.Retry.InitialIntervalMs == 0 {
		c.Retry.InitialIntervalMs = 1000
	}
	if c.Retry.MaxIntervalMs == 0 {
		c.Retry.MaxIntervalMs = 4000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 1.2
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = LogFormatText
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "bitso-adapter"
	}
}

var canonicalStates = map[string]bool{
	"open":             true,
	"partially_filled": true,
	"filled":           true,
	"cancelled":        true,
}

func (c Config) Validate() error {
	if c.Market.Asset == "" || c.Market.Currency == "" {
		return fmt.Errorf("market asset and currency are required")
	}
	if !isValidCode(c.Market.Asset) || !isValidCode(c.Market.Currency) {
		return fmt.Errorf("market codes must match [A-Z0-9], length 2..10")
	}
	if (c.Exchange.APIKey == "") != (c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange api_key and api_secret must be set together")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.Exchange.HTTPTimeoutMs < 1 || c.Exchange.HTTPTimeoutMs > 120000 {
		return fmt.Errorf("exchange http_timeout_ms must be between 1 and 120000")
	}
	if c.Exchange.RequestsPerSecond < 0 {
		return fmt.Errorf("exchange requests_per_second must be >= 0")
	}
	if c.Exchange.Burst < 1 {
		return fmt.Errorf("exchange burst must be >= 1")
	}
	if *c.Exchange.PlacementDelayMs < 0 || *c.Exchange.PlacementDelayMs > 60000 {
		return fmt.Errorf("exchange placement_delay_ms must be between 0 and 60000")
	}
	if c.Exchange.DefaultFee.Cmp(decimal.Zero) < 0 || c.Exchange.DefaultFee.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("exchange default_fee must be in [0, 1)")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 100 {
		return fmt.Errorf("retry max_retries must be between 0 and 100")
	}
	if c.Retry.InitialIntervalMs < 1 {
		return fmt.Errorf("retry initial_interval_ms must be >= 1")
	}
	if c.Retry.MaxIntervalMs < c.Retry.InitialIntervalMs {
		return fmt.Errorf("retry max_interval_ms must be >= initial_interval_ms")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}
	if c.Retry.Randomization < 0 || c.Retry.Randomization >= 1 {
		return fmt.Errorf("retry randomization must be in [0, 1)")
	}
	for raw, state := range c.StatusMap {
		if raw == "" {
			return fmt.Errorf("status_map keys must not be empty")
		}
		if !canonicalStates[state] {
			return fmt.Errorf("status_map %q: state must be open, partially_filled, filled, or cancelled", raw)
		}
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	if c.Logging.Format != LogFormatText && c.Logging.Format != LogFormatJSON {
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Logging.MaxSizeMB < 1 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging rotation limits must be positive")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// HasCredentials reports whether private endpoints may be called.
func (c Config) HasCredentials() bool {
	return c.Exchange.APIKey != "" && c.Exchange.APISecret != ""
}

func isValidCode(v string) bool {
	if len(v) < 2 || len(v) > 10 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
