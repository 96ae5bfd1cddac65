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
// built-in defaults, applies ESCROW_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults
// plus environment. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
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

// applyEnvOverrides reads well-known ESCROW_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Driver, "ESCROW_STORE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ESCROW_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ESCROW_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ESCROW_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ESCROW_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ESCROW_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ESCROW_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ESCROW_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ESCROW_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ESCROW_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ESCROW_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ESCROW_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ESCROW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ESCROW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ESCROW_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ESCROW_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ESCROW_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ESCROW_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.StreamMaxLen, "ESCROW_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ESCROW_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ESCROW_S3_REGION")
	setStr(&cfg.S3.Bucket, "ESCROW_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "ESCROW_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "ESCROW_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ESCROW_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ESCROW_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ESCROW_S3_FORCE_PATH_STYLE")

	// ── Oracle ──
	setStr(&cfg.Oracle.Source, "ESCROW_ORACLE_SOURCE")
	setStr(&cfg.Oracle.HermesWSURL, "ESCROW_ORACLE_HERMES_WS_URL")
	setStr(&cfg.Oracle.HermesURL, "ESCROW_ORACLE_HERMES_URL")
	setStringSlice(&cfg.Oracle.FeedIDs, "ESCROW_ORACLE_FEED_IDS")
	setDuration(&cfg.Oracle.PollInterval, "ESCROW_ORACLE_POLL_INTERVAL")
	setDuration(&cfg.Oracle.MaxPriceAge, "ESCROW_ORACLE_MAX_PRICE_AGE")

	// ── Escrow ──
	setStr(&cfg.Escrow.FeedID, "ESCROW_FEED_ID")
	setDuration(&cfg.Escrow.LockTTL, "ESCROW_LOCK_TTL")
	setDuration(&cfg.Escrow.LockWait, "ESCROW_LOCK_WAIT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ESCROW_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ESCROW_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "ESCROW_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ESCROW_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ESCROW_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ESCROW_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ESCROW_SERVER_API_KEY")
	setDuration(&cfg.Server.MaxClockSkew, "ESCROW_SERVER_MAX_CLOCK_SKEW")
	setInt(&cfg.Server.RateLimit, "ESCROW_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ESCROW_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ESCROW_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ESCROW_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ESCROW_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ESCROW_NOTIFY_EVENTS")

	// ── Log ──
	setStr(&cfg.Log.Level, "ESCROW_LOG_LEVEL")
	setStr(&cfg.Log.Format, "ESCROW_LOG_FORMAT")
	setStr(&cfg.Log.File, "ESCROW_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "ESCROW_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "ESCROW_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "ESCROW_LOG_MAX_AGE_DAYS")
	setBool(&cfg.Log.Compress, "ESCROW_LOG_COMPRESS")

	// ── Client ──
	setStr(&cfg.Client.BaseURL, "ESCROW_CLIENT_BASE_URL")
	setStr(&cfg.Client.PrivateKey, "ESCROW_CLIENT_PRIVATE_KEY")
	setStr(&cfg.Client.EncryptedKeyPath, "ESCROW_CLIENT_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Client.KeyPassword, "ESCROW_CLIENT_KEY_PASSWORD")

	// ── Top-level ──
	setStr(&cfg.Mode, "ESCROW_MODE")
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
