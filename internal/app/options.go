package app

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/thenoetrevino/boardsync/internal/datastore"
)

// Option is a functional option for configuring App initialization
type Option func(*appConfig)

// appConfig holds the configuration for App initialization
type appConfig struct {
	store  *datastore.Store
	redis  *redis.Client
	logger *slog.Logger
}

// WithStore uses an already open datastore instead of opening the
// configured one. The caller keeps ownership and closes it.
func WithStore(store *datastore.Store) Option {
	return func(cfg *appConfig) {
		cfg.store = store
	}
}

// WithRedis uses an existing client for notification dedupe instead of
// dialing redis.url
func WithRedis(client *redis.Client) Option {
	return func(cfg *appConfig) {
		cfg.redis = client
	}
}

// WithLogger sets the logger for the application
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *appConfig) {
		cfg.logger = logger
	}
}
