package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// CopyConfig controls the copy engine and leader feed ingestor.
type CopyConfig struct {
	PollIntervalSec    int `yaml:"poll_interval_sec"`
	FillSyncSec        int `yaml:"fill_sync_sec"`
	FeedTradeLimit     int `yaml:"feed_trade_limit"`
	RequestTimeoutSec  int `yaml:"request_timeout_sec"`
	FeedRequestsPerSec int `yaml:"feed_requests_per_sec"`
}

// BreakerConfig parameterizes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold  int `yaml:"failure_threshold"`
	WindowSec         int `yaml:"window_sec"`
	RecoveryTimeoutMS int `yaml:"recovery_timeout_ms"`
	HalfOpenMaxCalls  int `yaml:"half_open_max_calls"`
}

// RateLimitConfig controls the signing rate limiter windows.
type RateLimitConfig struct {
	PerUserPerMinute int `yaml:"per_user_per_minute"`
	GlobalPerMinute  int `yaml:"global_per_minute"`
}

// RetryConfig controls backend retry behavior in the signing layer.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BaseDelayMS       int     `yaml:"base_delay_ms"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
	RateLimitRetrySec int     `yaml:"rate_limit_retry_sec"`
}

// SigningConfig selects and configures the trading authority backend.
type SigningConfig struct {
	Backend    string          `yaml:"backend"` // "mpc" or "local"
	MPCBaseURL string          `yaml:"mpc_base_url"`
	LocalSeed  string          `yaml:"local_seed"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Breaker    BreakerConfig   `yaml:"breaker"`
	Retry      RetryConfig     `yaml:"retry"`
}

// RelayConfig configures the gasless relay client.
type RelayConfig struct {
	BaseURL           string `yaml:"base_url"`
	FactoryAddress    string `yaml:"factory_address"`
	InitCodeHash      string `yaml:"init_code_hash"`
	RelayHubAddress   string `yaml:"relay_hub_address"`
	GasLimit          int64  `yaml:"gas_limit"`
	PollIntervalMS    int    `yaml:"poll_interval_ms"`
	MaxPollAttempts   int    `yaml:"max_poll_attempts"`
	BuilderAPIKey     string `yaml:"builder_api_key"`
	BuilderSecret     string `yaml:"builder_secret"`
	BuilderPassphrase string `yaml:"builder_passphrase"`
}

// ExchangeConfig configures CLOB and data-feed endpoints.
type ExchangeConfig struct {
	ClobURL     string `yaml:"clob_url"`
	DataAPIURL  string `yaml:"data_api_url"`
	MarketWSURL string `yaml:"market_ws_url"`
	ChainID     int64  `yaml:"chain_id"`
	NegRisk     bool   `yaml:"neg_risk"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server         ServerConfig   `yaml:"server"`
	Copy           CopyConfig     `yaml:"copy"`
	TradingBreaker BreakerConfig  `yaml:"trading_breaker"`
	Signing        SigningConfig  `yaml:"signing"`
	Relay          RelayConfig    `yaml:"relay"`
	Exchange       ExchangeConfig `yaml:"exchange"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8082,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Copy: CopyConfig{
			PollIntervalSec:    5,
			FillSyncSec:        30,
			FeedTradeLimit:     100,
			RequestTimeoutSec:  20,
			FeedRequestsPerSec: 5,
		},
		TradingBreaker: BreakerConfig{
			FailureThreshold:  5,
			WindowSec:         120,
			RecoveryTimeoutMS: 60000,
			HalfOpenMaxCalls:  1,
		},
		Signing: SigningConfig{
			Backend:    "local",
			MPCBaseURL: "http://localhost:9100",
			LocalSeed:  "dev-seed",
			RateLimit: RateLimitConfig{
				PerUserPerMinute: 30,
				GlobalPerMinute:  300,
			},
			Breaker: BreakerConfig{
				FailureThreshold:  5,
				WindowSec:         60,
				RecoveryTimeoutMS: 30000,
				HalfOpenMaxCalls:  2,
			},
			Retry: RetryConfig{
				MaxAttempts:       5,
				BaseDelayMS:       100,
				BackoffFactor:     2.0,
				RateLimitRetrySec: 2,
			},
		},
		Relay: RelayConfig{
			BaseURL:         "https://relayer-v2.polymarket.com",
			FactoryAddress:  "0xaB45c5A4B0c941a2F231C04C3f49182e1A254052",
			InitCodeHash:    "0x56e3b0d4a5c95e2dd22f8e78f6b0a9f5a08efe0bbcbc21d0b2a9e9a1a3c1b8aa",
			RelayHubAddress: "0xD216153c06E857cD7f72665E0aF1d7D82172F494",
			GasLimit:        600000,
			PollIntervalMS:  2000,
			MaxPollAttempts: 15,
		},
		Exchange: ExchangeConfig{
			ClobURL:    "https://clob.polymarket.com",
			DataAPIURL: "https://data-api.polymarket.com",
			ChainID:    137,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Copy.PollIntervalSec <= 0 {
		c.Copy.PollIntervalSec = def.Copy.PollIntervalSec
	}
	if c.Copy.FillSyncSec <= 0 {
		c.Copy.FillSyncSec = def.Copy.FillSyncSec
	}
	if c.Copy.FeedTradeLimit <= 0 {
		c.Copy.FeedTradeLimit = def.Copy.FeedTradeLimit
	}
	if c.Copy.RequestTimeoutSec <= 0 {
		c.Copy.RequestTimeoutSec = def.Copy.RequestTimeoutSec
	}
	if c.Copy.FeedRequestsPerSec <= 0 {
		c.Copy.FeedRequestsPerSec = def.Copy.FeedRequestsPerSec
	}
	applyBreakerDefaults(&c.TradingBreaker, def.TradingBreaker)
	applyBreakerDefaults(&c.Signing.Breaker, def.Signing.Breaker)
	if c.Signing.Backend == "" {
		c.Signing.Backend = def.Signing.Backend
	}
	if c.Signing.RateLimit.PerUserPerMinute <= 0 {
		c.Signing.RateLimit.PerUserPerMinute = def.Signing.RateLimit.PerUserPerMinute
	}
	if c.Signing.RateLimit.GlobalPerMinute <= 0 {
		c.Signing.RateLimit.GlobalPerMinute = def.Signing.RateLimit.GlobalPerMinute
	}
	if c.Signing.Retry.MaxAttempts <= 0 {
		c.Signing.Retry.MaxAttempts = def.Signing.Retry.MaxAttempts
	}
	if c.Signing.Retry.BaseDelayMS <= 0 {
		c.Signing.Retry.BaseDelayMS = def.Signing.Retry.BaseDelayMS
	}
	if c.Signing.Retry.BackoffFactor <= 1 {
		c.Signing.Retry.BackoffFactor = def.Signing.Retry.BackoffFactor
	}
	if c.Signing.Retry.RateLimitRetrySec <= 0 {
		c.Signing.Retry.RateLimitRetrySec = def.Signing.Retry.RateLimitRetrySec
	}
	if c.Relay.GasLimit <= 0 {
		c.Relay.GasLimit = def.Relay.GasLimit
	}
	if c.Relay.PollIntervalMS <= 0 {
		c.Relay.PollIntervalMS = def.Relay.PollIntervalMS
	}
	if c.Relay.MaxPollAttempts <= 0 {
		c.Relay.MaxPollAttempts = def.Relay.MaxPollAttempts
	}
	if c.Exchange.ClobURL == "" {
		c.Exchange.ClobURL = def.Exchange.ClobURL
	}
	if c.Exchange.DataAPIURL == "" {
		c.Exchange.DataAPIURL = def.Exchange.DataAPIURL
	}
	if c.Exchange.ChainID == 0 {
		c.Exchange.ChainID = def.Exchange.ChainID
	}
}

func applyBreakerDefaults(b *BreakerConfig, def BreakerConfig) {
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = def.FailureThreshold
	}
	if b.WindowSec <= 0 {
		b.WindowSec = def.WindowSec
	}
	if b.RecoveryTimeoutMS <= 0 {
		b.RecoveryTimeoutMS = def.RecoveryTimeoutMS
	}
	if b.HalfOpenMaxCalls <= 0 {
		b.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
}
