package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/bidwatch/internal/blob/s3"
	"github.com/alanyoungcy/bidwatch/internal/cache/redis"
	"github.com/alanyoungcy/bidwatch/internal/channel"
	"github.com/alanyoungcy/bidwatch/internal/config"
	"github.com/alanyoungcy/bidwatch/internal/domain"
	"github.com/alanyoungcy/bidwatch/internal/notify"
	"github.com/alanyoungcy/bidwatch/internal/platform/marketplace"
	"github.com/alanyoungcy/bidwatch/internal/server/handler"
	"github.com/alanyoungcy/bidwatch/internal/service"
	"github.com/alanyoungcy/bidwatch/internal/session"
	"github.com/alanyoungcy/bidwatch/internal/store/postgres"
)

// Dependencies bundles everything the modes need. Backends that are
// disabled in the configuration leave their fields nil.
type Dependencies struct {
	// Upstream
	Market   service.Marketplace
	Channels session.ChannelFactory

	// Stores
	EventStore   domain.EventStore
	ClosureStore domain.ClosureStore
	AuditStore   domain.AuditStore

	// Caches
	SnapshotCache domain.SnapshotCache
	RateLimiter   domain.RateLimiter
	LockManager   domain.LockManager
	SignalBus     domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Checks feed /api/health, keyed by backend name.
	Checks map[string]handler.Check
}

// Sinks returns the live service side-effect targets.
func (d *Dependencies) Sinks() service.Sinks {
	return service.Sinks{
		Cache:    d.SnapshotCache,
		Bus:      d.SignalBus,
		Limiter:  d.RateLimiter,
		Locks:    d.LockManager,
		Events:   d.EventStore,
		Closures: d.ClosureStore,
		Audit:    d.AuditStore,
		Archiver: d.Archiver,
		Notifier: d.Notifier,
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Marketplace REST + push channel ---
	deps.Market = marketplace.NewClient(
		cfg.Marketplace.BaseURL,
		cfg.Marketplace.APIToken,
		cfg.Marketplace.Timeout.Duration,
	)
	deps.Channels = session.ClientFactory(channel.Config{
		URL:               cfg.Channel.URL,
		PollURL:           cfg.Channel.PollURL,
		AuthToken:         cfg.Channel.AuthToken,
		ReconnectAttempts: cfg.Channel.ReconnectAttempts,
		ReconnectDelay:    cfg.Channel.ReconnectDelay.Duration,
		ConnectTimeout:    cfg.Channel.ConnectTimeout.Duration,
		PollInterval:      cfg.Channel.PollInterval.Duration,
	}, logger)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.EventStore = postgres.NewEventStore(pool)
		deps.ClosureStore = postgres.NewClosureStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		var (
			redisClient *redis.Client
			err         error
		)
		if cfg.Redis.URL != "" {
			redisClient, err = redis.NewFromURL(ctx, cfg.Redis.URL)
		} else {
			redisClient, err = redis.New(ctx, redis.ClientConfig{
				Addr:       cfg.Redis.Addr,
				Password:   cfg.Redis.Password,
				DB:         cfg.Redis.DB,
				PoolSize:   cfg.Redis.PoolSize,
				MaxRetries: cfg.Redis.MaxRetries,
				TLSEnabled: cfg.Redis.TLSEnabled,
			})
		}
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SnapshotCache = redis.NewSnapshotCache(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.AuditStore)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Int("notify_senders", len(senders)),
	)

	return deps, cleanup, nil
}
