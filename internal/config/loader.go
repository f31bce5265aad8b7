package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BIDWATCH_* environment variable overrides, and
// returns the final Config. A missing file is not an error, so a container
// can run from defaults and environment alone. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BIDWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Marketplace ──
	setStr(&cfg.Marketplace.BaseURL, "BIDWATCH_MARKETPLACE_BASE_URL")
	setStr(&cfg.Marketplace.APIToken, "BIDWATCH_MARKETPLACE_API_TOKEN")
	setDuration(&cfg.Marketplace.Timeout, "BIDWATCH_MARKETPLACE_TIMEOUT")

	// ── Channel ──
	setStr(&cfg.Channel.URL, "BIDWATCH_CHANNEL_URL")
	setStr(&cfg.Channel.PollURL, "BIDWATCH_CHANNEL_POLL_URL")
	setStr(&cfg.Channel.AuthToken, "BIDWATCH_CHANNEL_AUTH_TOKEN")
	setInt(&cfg.Channel.ReconnectAttempts, "BIDWATCH_CHANNEL_RECONNECT_ATTEMPTS")
	setDuration(&cfg.Channel.ReconnectDelay, "BIDWATCH_CHANNEL_RECONNECT_DELAY")
	setDuration(&cfg.Channel.ConnectTimeout, "BIDWATCH_CHANNEL_CONNECT_TIMEOUT")
	setDuration(&cfg.Channel.PollInterval, "BIDWATCH_CHANNEL_POLL_INTERVAL")

	// ── Live ──
	setInt(&cfg.Live.BidLimit, "BIDWATCH_LIVE_BID_LIMIT")
	setDuration(&cfg.Live.BidWindow, "BIDWATCH_LIVE_BID_WINDOW")
	setDuration(&cfg.Live.ArchiveLockTTL, "BIDWATCH_LIVE_ARCHIVE_LOCK_TTL")
	setInt(&cfg.Live.SinkBuffer, "BIDWATCH_LIVE_SINK_BUFFER")
	setDuration(&cfg.Live.SinkTimeout, "BIDWATCH_LIVE_SINK_TIMEOUT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "BIDWATCH_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "BIDWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.Host, "BIDWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BIDWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BIDWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BIDWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BIDWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BIDWATCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BIDWATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BIDWATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BIDWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BIDWATCH_REDIS_ENABLED")
	setStr(&cfg.Redis.URL, "BIDWATCH_REDIS_URL")
	setStr(&cfg.Redis.Addr, "BIDWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BIDWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BIDWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BIDWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BIDWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BIDWATCH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BIDWATCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BIDWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BIDWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "BIDWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BIDWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BIDWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BIDWATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BIDWATCH_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "BIDWATCH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BIDWATCH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BIDWATCH_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "BIDWATCH_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BIDWATCH_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BIDWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BIDWATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BIDWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BIDWATCH_NOTIFY_EVENTS")

	// ── Watch ──
	setStr(&cfg.Watch.AuctionID, "BIDWATCH_WATCH_AUCTION_ID")

	// ── Top-level ──
	setStr(&cfg.Mode, "BIDWATCH_MODE")
	setStr(&cfg.LogLevel, "BIDWATCH_LOG_LEVEL")
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
