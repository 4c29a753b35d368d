package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GIFTD_* environment variable overrides, and
// returns the final Config. A missing file is not an error when path is empty.
// The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GIFTD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Custody ──
	setStr(&cfg.Custody.PrivateKey, "GIFTD_CUSTODY_PRIVATE_KEY")
	setStr(&cfg.Custody.EncryptedKeyPath, "GIFTD_CUSTODY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Custody.KeyPassword, "GIFTD_CUSTODY_KEY_PASSWORD")

	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "GIFTD_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.Commitment, "GIFTD_LEDGER_COMMITMENT")
	setDuration(&cfg.Ledger.ConfirmTimeout, "GIFTD_LEDGER_CONFIRM_TIMEOUT")
	setDuration(&cfg.Ledger.ConfirmPollInterval, "GIFTD_LEDGER_CONFIRM_POLL_INTERVAL")
	setInt(&cfg.Ledger.MaxNodeRetries, "GIFTD_LEDGER_MAX_NODE_RETRIES")

	// ── Venue ──
	setStr(&cfg.Venue.TradeHost, "GIFTD_VENUE_TRADE_HOST")
	setStr(&cfg.Venue.MetadataHost, "GIFTD_VENUE_METADATA_HOST")
	setStr(&cfg.Venue.APIKey, "GIFTD_VENUE_API_KEY")
	setDuration(&cfg.Venue.HTTPTimeout, "GIFTD_VENUE_HTTP_TIMEOUT")
	setInt(&cfg.Venue.SlippageBps, "GIFTD_VENUE_SLIPPAGE_BPS")
	setInt(&cfg.Venue.RedeemSlippageBps, "GIFTD_VENUE_REDEEM_SLIPPAGE_BPS")
	setDuration(&cfg.Venue.MarketCacheTTL, "GIFTD_VENUE_MARKET_CACHE_TTL")

	// ── Fulfillment ──
	setDuration(&cfg.Fulfillment.FillPollInterval, "GIFTD_FULFILLMENT_FILL_POLL_INTERVAL")
	setInt(&cfg.Fulfillment.FillPollAttempts, "GIFTD_FULFILLMENT_FILL_POLL_ATTEMPTS")
	setDuration(&cfg.Fulfillment.PurchaseTimeout, "GIFTD_FULFILLMENT_PURCHASE_TIMEOUT")
	setDuration(&cfg.Fulfillment.ClaimTimeout, "GIFTD_FULFILLMENT_CLAIM_TIMEOUT")
	setInt(&cfg.Fulfillment.PurchaseRetries, "GIFTD_FULFILLMENT_PURCHASE_RETRIES")
	setInt(&cfg.Fulfillment.ClaimRetries, "GIFTD_FULFILLMENT_CLAIM_RETRIES")
	setDuration(&cfg.Fulfillment.LeaseTTL, "GIFTD_FULFILLMENT_LEASE_TTL")
	setStr(&cfg.Fulfillment.AppURL, "GIFTD_FULFILLMENT_APP_URL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GIFTD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "GIFTD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GIFTD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GIFTD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GIFTD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GIFTD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GIFTD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GIFTD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GIFTD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GIFTD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "GIFTD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GIFTD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GIFTD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GIFTD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GIFTD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GIFTD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "GIFTD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GIFTD_S3_REGION")
	setStr(&cfg.S3.Bucket, "GIFTD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GIFTD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GIFTD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GIFTD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GIFTD_S3_FORCE_PATH_STYLE")

	// ── Queue ──
	setStr(&cfg.Queue.Name, "GIFTD_QUEUE_NAME")
	setInt(&cfg.Queue.Concurrency, "GIFTD_QUEUE_CONCURRENCY")
	setInt(&cfg.Queue.MaxRetry, "GIFTD_QUEUE_MAX_RETRY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "GIFTD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "GIFTD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GIFTD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GIFTD_SERVER_API_KEY")
	setStr(&cfg.Server.WebhookSecret, "GIFTD_SERVER_WEBHOOK_SECRET")
	setInt(&cfg.Server.RateLimit, "GIFTD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "GIFTD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.EmailURL, "GIFTD_NOTIFY_EMAIL_URL")
	setStr(&cfg.Notify.EmailAPIKey, "GIFTD_NOTIFY_EMAIL_API_KEY")
	setStr(&cfg.Notify.TelegramToken, "GIFTD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GIFTD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GIFTD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GIFTD_NOTIFY_EVENTS")

	// ── Reconcile / Archive ──
	setBool(&cfg.Reconcile.Enabled, "GIFTD_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "GIFTD_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.StaleAfter, "GIFTD_RECONCILE_STALE_AFTER")
	setBool(&cfg.Archive.Enabled, "GIFTD_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "GIFTD_ARCHIVE_RETENTION_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "GIFTD_MODE")
	setStr(&cfg.LogLevel, "GIFTD_LOG_LEVEL")
	setStr(&cfg.LogFormat, "GIFTD_LOG_FORMAT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
