// Package config defines the top-level configuration for bidwatch and
// provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BIDWATCH_* environment variables.
type Config struct {
	Marketplace MarketplaceConfig `toml:"marketplace"`
	Channel     ChannelConfig     `toml:"channel"`
	Live        LiveConfig        `toml:"live"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Watch       WatchConfig       `toml:"watch"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// MarketplaceConfig points at the marketplace REST API.
type MarketplaceConfig struct {
	BaseURL  string   `toml:"base_url"`
	APIToken string   `toml:"api_token"`
	Timeout  duration `toml:"timeout"`
}

// ChannelConfig configures the push channel every session dials.
type ChannelConfig struct {
	// URL selects the transport by scheme: ws/wss, http/https (long-poll)
	// or nats.
	URL string `toml:"url"`
	// PollURL is the long-poll fallback used when the websocket upgrade is
	// refused. Empty disables the fallback.
	PollURL           string   `toml:"poll_url"`
	AuthToken         string   `toml:"auth_token"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	ConnectTimeout    duration `toml:"connect_timeout"`
	PollInterval      duration `toml:"poll_interval"`
}

// LiveConfig tunes the live service.
type LiveConfig struct {
	BidLimit       int      `toml:"bid_limit"`
	BidWindow      duration `toml:"bid_window"`
	ArchiveLockTTL duration `toml:"archive_lock_ttl"`
	SinkBuffer     int      `toml:"sink_buffer"`
	SinkTimeout    duration `toml:"sink_timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the audit store.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// RedisConfig holds Redis connection parameters. URL, when set, wins over
// the individual fields.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	URL        string `toml:"url"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// WatchConfig configures the headless watch mode.
type WatchConfig struct {
	AuctionID string `toml:"auction_id"`
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
		Marketplace: MarketplaceConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: duration{10 * time.Second},
		},
		Channel: ChannelConfig{
			URL:               "ws://localhost:8080/live",
			ReconnectAttempts: 10,
			ReconnectDelay:    duration{1500 * time.Millisecond},
			ConnectTimeout:    duration{10 * time.Second},
			PollInterval:      duration{time.Second},
		},
		Live: LiveConfig{
			BidLimit:       5,
			BidWindow:      duration{10 * time.Second},
			ArchiveLockTTL: duration{2 * time.Minute},
			SinkBuffer:     1024,
			SinkTimeout:    duration{15 * time.Second},
		},
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "bidwatch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        true,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "bidwatch-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"auction_closed", "channel_exhausted"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"watch":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// channelSchemes enumerates the push channel URL schemes with a transport.
var channelSchemes = map[string]bool{
	"ws":    true,
	"wss":   true,
	"http":  true,
	"https": true,
	"nats":  true,
	"tls":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, watch)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Marketplace
	if err := checkURL(c.Marketplace.BaseURL, "http", "https"); err != nil {
		errs = append(errs, "marketplace: base_url "+err.Error())
	}
	if c.Marketplace.Timeout.Duration <= 0 {
		errs = append(errs, "marketplace: timeout must be > 0")
	}

	// Channel
	if u, err := url.Parse(c.Channel.URL); err != nil || !channelSchemes[u.Scheme] || u.Host == "" {
		errs = append(errs, fmt.Sprintf("channel: url %q must be ws(s)://, http(s):// or nats://", c.Channel.URL))
	}
	if c.Channel.PollURL != "" {
		if err := checkURL(c.Channel.PollURL, "http", "https"); err != nil {
			errs = append(errs, "channel: poll_url "+err.Error())
		}
	}
	if c.Channel.ReconnectAttempts < 0 {
		errs = append(errs, "channel: reconnect_attempts must be >= 0")
	}
	if c.Channel.ReconnectDelay.Duration <= 0 {
		errs = append(errs, "channel: reconnect_delay must be > 0")
	}
	if c.Channel.ConnectTimeout.Duration <= 0 {
		errs = append(errs, "channel: connect_timeout must be > 0")
	}

	// Live
	if c.Live.BidLimit < 1 {
		errs = append(errs, "live: bid_limit must be >= 1")
	}
	if c.Live.BidWindow.Duration <= 0 {
		errs = append(errs, "live: bid_window must be > 0")
	}
	if c.Live.SinkBuffer < 1 {
		errs = append(errs, "live: sink_buffer must be >= 1")
	}

	// Postgres
	if c.Postgres.Enabled {
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
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.URL == "" && c.Redis.Addr == "" {
			errs = append(errs, "redis: addr or url must be set")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Watch
	if mode == "watch" && strings.TrimSpace(c.Watch.AuctionID) == "" {
		errs = append(errs, "watch: auction_id is required in watch mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// checkURL reports whether raw is an absolute URL with one of schemes.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q: %v", raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
}
