// Package config defines the top-level configuration for the gift
// fulfillment service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by GIFTD_* environment variables.
type Config struct {
	Custody     CustodyConfig     `toml:"custody"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Venue       VenueConfig       `toml:"venue"`
	Fulfillment FulfillmentConfig `toml:"fulfillment"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Queue       QueueConfig       `toml:"queue"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Reconcile   ReconcileConfig   `toml:"reconcile"`
	Archive     ArchiveConfig     `toml:"archive"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
	LogFormat   string            `toml:"log_format"`
}

// CustodyConfig holds the custody key source. Exactly one of PrivateKey or
// EncryptedKeyPath is used.
type CustodyConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// LedgerConfig holds the ledger RPC endpoint and confirmation policy.
type LedgerConfig struct {
	RPCURL              string   `toml:"rpc_url"`
	Commitment          string   `toml:"commitment"`
	ConfirmTimeout      duration `toml:"confirm_timeout"`
	ConfirmPollInterval duration `toml:"confirm_poll_interval"`
	MaxNodeRetries      int      `toml:"max_node_retries"`
}

// VenueConfig holds the execution venue endpoints.
type VenueConfig struct {
	TradeHost         string   `toml:"trade_host"`
	MetadataHost      string   `toml:"metadata_host"`
	APIKey            string   `toml:"api_key"`
	HTTPTimeout       duration `toml:"http_timeout"`
	SlippageBps       int      `toml:"slippage_bps"`
	RedeemSlippageBps int      `toml:"redeem_slippage_bps"`
	InputMint         string   `toml:"input_mint"`
	MarketCacheTTL    duration `toml:"market_cache_ttl"`
}

// FulfillmentConfig holds the purchase and claim budgets.
type FulfillmentConfig struct {
	FillPollInterval     duration `toml:"fill_poll_interval"`
	FillPollAttempts     int      `toml:"fill_poll_attempts"`
	PurchaseTimeout      duration `toml:"purchase_timeout"`
	ClaimTimeout         duration `toml:"claim_timeout"`
	PurchaseRetries      int      `toml:"purchase_retries"`
	ClaimRetries         int      `toml:"claim_retries"`
	RetryInitialInterval duration `toml:"retry_initial_interval"`
	LeaseTTL             duration `toml:"lease_ttl"`
	AppURL               string   `toml:"app_url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// QueueConfig holds the purchase task queue parameters.
type QueueConfig struct {
	Name        string `toml:"name"`
	Concurrency int    `toml:"concurrency"`
	MaxRetry    int    `toml:"max_retry"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	WebhookSecret string   `toml:"webhook_secret"`
	RateLimit     int      `toml:"rate_limit"`
	RateWindow    duration `toml:"rate_window"`
}

// NotifyConfig holds recipient email and operator alert channels.
type NotifyConfig struct {
	EmailURL          string   `toml:"email_url"`
	EmailAPIKey       string   `toml:"email_api_key"`
	EmailTimeout      duration `toml:"email_timeout"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ReconcileConfig controls the sweep over gifts stuck in pending_payment.
type ReconcileConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   duration `toml:"interval"`
	StaleAfter duration `toml:"stale_after"`
	BatchSize  int      `toml:"batch_size"`
}

// ArchiveConfig controls the export of finished gifts to object storage.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	BatchSize     int      `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:              "https://api.mainnet-beta.solana.com",
			Commitment:          "confirmed",
			ConfirmTimeout:      duration{60 * time.Second},
			ConfirmPollInterval: duration{time.Second},
			MaxNodeRetries:      3,
		},
		Venue: VenueConfig{
			TradeHost:         "https://dev-quote-api.dflow.net",
			MetadataHost:      "https://dev-prediction-markets-api.dflow.net",
			HTTPTimeout:       duration{30 * time.Second},
			SlippageBps:       50,
			RedeemSlippageBps: 100,
			InputMint:         "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			MarketCacheTTL:    duration{5 * time.Minute},
		},
		Fulfillment: FulfillmentConfig{
			FillPollInterval:     duration{2 * time.Second},
			FillPollAttempts:     30,
			PurchaseTimeout:      duration{3 * time.Minute},
			ClaimTimeout:         duration{90 * time.Second},
			PurchaseRetries:      3,
			ClaimRetries:         2,
			RetryInitialInterval: duration{500 * time.Millisecond},
			LeaseTTL:             duration{5 * time.Minute},
			AppURL:               "http://localhost:3001",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "giftd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "giftd-archive",
			ForcePathStyle: true,
		},
		Queue: QueueConfig{
			Name:        "fulfillment",
			Concurrency: 10,
			MaxRetry:    3,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			RateLimit:   60,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			EmailTimeout: duration{10 * time.Second},
			Events:       []string{"gift_expired", "claim_failed", "custody_insufficient"},
		},
		Reconcile: ReconcileConfig{
			Enabled:    true,
			Interval:   duration{time.Minute},
			StaleAfter: duration{10 * time.Minute},
			BatchSize:  50,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
			BatchSize:     500,
		},
		Mode:      "full",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":  true,
	"worker": true,
	"full":   true,
	"demo":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCommitments = map[string]bool{
	"processed": true,
	"confirmed": true,
	"finalized": true,
}

// NeedsInfrastructure reports whether the mode talks to Postgres, Redis and
// the real venue and ledger.
func (c *Config) NeedsInfrastructure() bool {
	return strings.ToLower(c.Mode) != "demo"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, worker, full, demo)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}

	// Fill and claim budgets apply in every mode.
	f := c.Fulfillment
	if f.FillPollInterval.Duration <= 0 {
		errs = append(errs, "fulfillment: fill_poll_interval must be > 0")
	}
	if f.FillPollAttempts < 1 {
		errs = append(errs, "fulfillment: fill_poll_attempts must be >= 1")
	}
	if f.PurchaseTimeout.Duration < f.FillPollInterval.Duration*time.Duration(f.FillPollAttempts) {
		errs = append(errs, "fulfillment: purchase_timeout must cover fill_poll_interval * fill_poll_attempts")
	}
	if f.ClaimTimeout.Duration <= 0 {
		errs = append(errs, "fulfillment: claim_timeout must be > 0")
	}
	if f.PurchaseRetries < 0 || f.ClaimRetries < 0 {
		errs = append(errs, "fulfillment: retries must be >= 0")
	}
	if f.LeaseTTL.Duration <= 0 {
		errs = append(errs, "fulfillment: lease_ttl must be > 0")
	} else if f.LeaseTTL.Duration <= f.PurchaseTimeout.Duration || f.LeaseTTL.Duration <= f.ClaimTimeout.Duration {
		errs = append(errs, "fulfillment: lease_ttl must exceed purchase_timeout and claim_timeout")
	}
	if f.AppURL == "" {
		errs = append(errs, "fulfillment: app_url must not be empty")
	}

	if c.Venue.SlippageBps <= 0 || c.Venue.SlippageBps > 10_000 {
		errs = append(errs, fmt.Sprintf("venue: slippage_bps must be 1-10000, got %d", c.Venue.SlippageBps))
	}

	if c.NeedsInfrastructure() {
		if c.Custody.PrivateKey == "" && c.Custody.EncryptedKeyPath == "" {
			errs = append(errs, "custody: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Custody.EncryptedKeyPath != "" && c.Custody.KeyPassword == "" {
			errs = append(errs, "custody: key_password is required when encrypted_key_path is set")
		}
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url must not be empty")
		}
		if !validCommitments[c.Ledger.Commitment] {
			errs = append(errs, fmt.Sprintf("ledger: unknown commitment %q", c.Ledger.Commitment))
		}
		if c.Ledger.ConfirmTimeout.Duration <= 0 {
			errs = append(errs, "ledger: confirm_timeout must be > 0")
		}
		if c.Venue.TradeHost == "" || c.Venue.MetadataHost == "" {
			errs = append(errs, "venue: trade_host and metadata_host must not be empty")
		}

		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}

		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Queue.Concurrency < 1 {
			errs = append(errs, "queue: concurrency must be >= 1")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" && c.S3.Region == "" {
			errs = append(errs, "s3: endpoint or region must be set when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	if c.Server.Enabled && mode != "worker" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.NeedsInfrastructure() && c.Server.WebhookSecret == "" {
			errs = append(errs, "server: webhook_secret is required to accept payment events")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
