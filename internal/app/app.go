package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/thenoetrevino/boardsync/internal/auth"
	"github.com/thenoetrevino/boardsync/internal/board"
	"github.com/thenoetrevino/boardsync/internal/changelog"
	"github.com/thenoetrevino/boardsync/internal/config"
	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/notify"
	"github.com/thenoetrevino/boardsync/internal/position"
	"github.com/thenoetrevino/boardsync/internal/registry"
	"github.com/thenoetrevino/boardsync/internal/server"
	"github.com/thenoetrevino/boardsync/internal/session"
)

// App holds every server component and wires them together.
// This is the main application container that manages their lifecycles.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Data API
	Store *datastore.Store

	// Sync engine
	Log      *changelog.Log
	Registry *registry.Registry
	Boards   *board.Manager
	Notifier *notify.Dispatcher
	Verifier *auth.Verifier
	Handler  *session.Handler
	Server   *server.Server

	memDedupe *notify.MemoryDeduper
	redis     *redis.Client
	ownStore  bool
	ownRedis  bool

	// watchers live until Close
	ctx    context.Context
	cancel context.CancelFunc
}

// OpenStore opens the configured datastore, creating the directory of a
// sqlite file when needed
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (*datastore.Store, error) {
	if cfg.Driver == datastore.DriverSQLite && !isMemoryDSN(cfg.DSN) {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return datastore.Open(ctx, cfg.Driver, cfg.DSN)
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}

// New creates the container from cfg. It opens the datastore and redis
// unless they are supplied through options.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	ac := &appConfig{}
	for _, opt := range opts {
		opt(ac)
	}
	logger := ac.logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{cfg: cfg, logger: logger, Store: ac.store, redis: ac.redis}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.Store == nil {
		store, err := OpenStore(ctx, cfg.Database)
		if err != nil {
			a.cancel()
			return nil, err
		}
		a.Store = store
		a.ownStore = true
	}

	if a.redis == nil && cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		a.ownRedis = true
	}

	var dedupe notify.Deduper
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		dedupe = notify.NewRedisDeduper(a.redis, cfg.Notifications.DedupeTTL)
		logger.Info("notification dedupe shared through redis")
	} else {
		a.memDedupe = notify.NewMemoryDeduper(cfg.Notifications.DedupeTTL)
		dedupe = a.memDedupe
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:          cfg.Auth.JWTSecret,
		JWKSURL:         cfg.Auth.JWKSURL,
		Audience:        cfg.Auth.Audience,
		Issuer:          cfg.Auth.Issuer,
		RefreshInterval: cfg.Auth.JWKSRefresh,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to set up auth: %w", err)
	}
	a.Verifier = verifier

	a.Log = changelog.New(changelog.Options{
		Retention: cfg.Sync.LogRetention,
		MaxAge:    cfg.Sync.LogMaxAge,
	})
	a.Registry = registry.New(
		registry.WithBufferSize(cfg.Sync.SendBuffer),
		registry.WithLogger(logger))
	a.Notifier = notify.New(a.Store, a.Registry,
		notify.WithDeduper(dedupe),
		notify.WithAttempts(cfg.Notifications.Attempts),
		notify.WithLogger(logger))
	a.Boards = board.NewManager(a.Store, a.Log,
		board.WithPublisher(a.Registry),
		board.WithAllocator(position.New(cfg.Sync.PositionGap)),
		board.WithLogger(logger),
		board.WithLoadHook(func(projectID string, seq int64) {
			a.Notifier.Watch(a.ctx, a.Log, projectID, seq)
		}))

	a.Handler = session.NewHandler(session.Config{
		HandshakeTimeout:    cfg.Sync.HandshakeTimeout,
		MutationTimeout:     cfg.Sync.MutationTimeout,
		WriteTimeout:        cfg.Sync.WriteTimeout,
		IdleTimeout:         cfg.Sync.IdleTimeout,
		PingInterval:        cfg.Sync.PingInterval,
		NotificationBacklog: cfg.Sync.NotificationBacklog,
	}, a.Verifier, a.Boards, a.Store, a.Registry, logger)

	a.Server = server.New(server.Config{
		Addr:              cfg.Server.Addr,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		PingInterval:      cfg.Sync.PingInterval,
		IdleTimeout:       cfg.Sync.IdleTimeout,
		PruneInterval:     cfg.Sync.PruneInterval,
	}, a.Handler, a.Registry, a.Log, a.Store, logger)

	return a, nil
}

// Run serves until ctx is done
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Run(gctx)
	})
	g.Go(func() error {
		a.sweepLoop(gctx)
		return nil
	})
	return g.Wait()
}

// sweepLoop drops expired in-memory dedupe keys. Redis expires its own.
func (a *App) sweepLoop(ctx context.Context) {
	if a.memDedupe == nil || a.cfg.Notifications.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.Notifications.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.memDedupe.Sweep(); n > 0 {
				a.logger.Debug("dedupe keys expired", "count", n)
			}
		}
	}
}

// Close stops the notification watchers and releases what New opened
func (a *App) Close() error {
	a.cancel()
	if a.Notifier != nil {
		a.Notifier.Wait()
	}
	if a.Verifier != nil {
		a.Verifier.Close()
	}

	var errs []error
	if a.ownRedis && a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.ownStore && a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
