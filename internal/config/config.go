// Package config defines the top-level configuration for the escrow service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ESCROW_* environment variables.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Oracle   OracleConfig   `toml:"oracle"`
	Escrow   EscrowConfig   `toml:"escrow"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Log      LogConfig      `toml:"log"`
	Client   ClientConfig   `toml:"client"`
	Mode     string         `toml:"mode"`
}

// StoreConfig selects the escrow persistence backend.
type StoreConfig struct {
	// Driver is "postgres" or "memory". The memory store keeps everything
	// in-process and loses it on restart.
	Driver string `toml:"driver"`
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
	// Enabled turns on distributed locks, the shared price cache, the event
	// bus and the shared rate limit. Without Redis the service runs as a
	// single process with an in-memory price cache and per-process limiter.
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// OracleConfig controls the Pyth price feeder.
type OracleConfig struct {
	// Source is "ws", "http" or "both".
	Source       string   `toml:"source"`
	HermesWSURL  string   `toml:"hermes_ws_url"`
	HermesURL    string   `toml:"hermes_url"`
	FeedIDs      []string `toml:"feed_ids"`
	PollInterval duration `toml:"poll_interval"`
	MaxPriceAge  duration `toml:"max_price_age"`
}

// EscrowConfig holds escrow transition parameters.
type EscrowConfig struct {
	// FeedID is the oracle feed new escrows track. Defaults to the first
	// oracle feed.
	FeedID   string   `toml:"feed_id"`
	LockTTL  duration `toml:"lock_ttl"`
	LockWait duration `toml:"lock_wait"`
}

// ArchiveConfig controls the S3 archive of finished escrows and ledger
// transfers.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards the operator routes; a comma separated list accepts any
	// of the keys during rotation. Empty disables the routes.
	APIKey       string   `toml:"api_key"`
	MaxClockSkew duration `toml:"max_clock_skew"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `toml:"level"`
	// Format is "json" or "text".
	Format string `toml:"format"`
	// File, when set, receives a rotated copy of the log.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ClientConfig holds the escrowctl signing key and the server it talks to.
type ClientConfig struct {
	BaseURL          string `toml:"base_url"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// DefaultFeedID is the Pyth ETH/USD feed.
const DefaultFeedID = "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Store: StoreConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "escrow",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "escrow-archive",
			ForcePathStyle: true,
		},
		Oracle: OracleConfig{
			Source:       "ws",
			HermesWSURL:  "wss://hermes.pyth.network/ws",
			HermesURL:    "https://hermes.pyth.network",
			FeedIDs:      []string{DefaultFeedID},
			PollInterval: duration{2 * time.Second},
			MaxPriceAge:  duration{30 * time.Second},
		},
		Escrow: EscrowConfig{
			LockTTL:  duration{10 * time.Second},
			LockWait: duration{2 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			MaxClockSkew: duration{time.Minute},
			RateLimit:    120,
			RateWindow:   duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"escrow.settled", "escrow.withdrawn"},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Client: ClientConfig{
			BaseURL: "http://localhost:8000",
		},
		Mode: "full",
	}
}

// FeedID returns the feed new escrows track.
func (c *Config) FeedID() string {
	if c.Escrow.FeedID != "" {
		return c.Escrow.FeedID
	}
	if len(c.Oracle.FeedIDs) > 0 {
		return c.Oracle.FeedIDs[0]
	}
	return ""
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"oracle":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for LogConfig.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, oracle, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Sprintf("log: unknown format %q (valid: json, text)", c.Log.Format))
	}

	// Store
	switch c.Store.Driver {
	case "memory":
		if mode != "full" {
			errs = append(errs, "store: the memory driver only works in full mode")
		}
	case "postgres":
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
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	} else if mode == "server" || mode == "oracle" {
		// Split deployments share prices and locks through Redis.
		errs = append(errs, "redis: must be enabled for mode "+mode)
	}

	// Oracle
	if len(c.Oracle.FeedIDs) == 0 {
		errs = append(errs, "oracle: feed_ids must not be empty")
	}
	switch c.Oracle.Source {
	case "ws":
		if c.Oracle.HermesWSURL == "" {
			errs = append(errs, "oracle: hermes_ws_url must not be empty for source ws")
		}
	case "http":
		if c.Oracle.HermesURL == "" {
			errs = append(errs, "oracle: hermes_url must not be empty for source http")
		}
	case "both":
		if c.Oracle.HermesWSURL == "" || c.Oracle.HermesURL == "" {
			errs = append(errs, "oracle: hermes_ws_url and hermes_url must be set for source both")
		}
	default:
		errs = append(errs, fmt.Sprintf("oracle: unknown source %q (valid: ws, http, both)", c.Oracle.Source))
	}
	if c.Oracle.Source != "ws" && c.Oracle.PollInterval.Duration <= 0 {
		errs = append(errs, "oracle: poll_interval must be > 0")
	}
	if c.Oracle.MaxPriceAge.Duration <= 0 {
		errs = append(errs, "oracle: max_price_age must be > 0")
	}

	// Escrow
	if c.FeedID() == "" {
		errs = append(errs, "escrow: feed_id must not be empty")
	}
	if c.Escrow.LockTTL.Duration <= 0 {
		errs = append(errs, "escrow: lock_ttl must be > 0")
	}
	if c.Escrow.LockWait.Duration < 0 {
		errs = append(errs, "escrow: lock_wait must be >= 0")
	}

	// Archive
	if c.Archive.Enabled || mode == "archive" {
		if c.Store.Driver != "postgres" {
			errs = append(errs, "archive: requires the postgres store")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.MaxClockSkew.Duration <= 0 {
			errs = append(errs, "server: max_clock_skew must be > 0")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateClient checks the settings escrowctl needs to sign requests.
func (c *Config) ValidateClient() error {
	var errs []string
	if c.Client.BaseURL == "" {
		errs = append(errs, "client: base_url must not be empty")
	}
	if c.Client.PrivateKey == "" && c.Client.EncryptedKeyPath == "" {
		errs = append(errs, "client: either private_key or encrypted_key_path must be set")
	}
	if c.Client.EncryptedKeyPath != "" && c.Client.KeyPassword == "" {
		errs = append(errs, "client: key_password is required when encrypted_key_path is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
