package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config represents the server configuration
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Database      DatabaseConfig     `yaml:"database"`
	Redis         RedisConfig        `yaml:"redis"`
	Auth          AuthConfig         `yaml:"auth"`
	Sync          SyncConfig         `yaml:"sync"`
	Notifications NotificationConfig `yaml:"notifications"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// ServerConfig is the HTTP listener
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the data API backend. Driver is "sqlite" or "pgx".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig is optional. Without a URL notification dedupe stays in
// process memory.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig verifies handshake credentials. Either JWTSecret or JWKSURL
// must be set.
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	JWKSURL     string        `yaml:"jwks_url"`
	JWKSRefresh time.Duration `yaml:"jwks_refresh"`
	Audience    string        `yaml:"audience"`
	Issuer      string        `yaml:"issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// SyncConfig tunes the protocol
type SyncConfig struct {
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	MutationTimeout     time.Duration `yaml:"mutation_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	SendBuffer          int           `yaml:"send_buffer"`
	LogRetention        int           `yaml:"log_retention"`
	LogMaxAge           time.Duration `yaml:"log_max_age"`
	PruneInterval       time.Duration `yaml:"prune_interval"`
	PositionGap         int64         `yaml:"position_gap"`
	NotificationBacklog int           `yaml:"notification_backlog"`
}

// NotificationConfig tunes the dispatcher
type NotificationConfig struct {
	DedupeTTL     time.Duration `yaml:"dedupe_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Attempts      int           `yaml:"attempts"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns a config with every default applied
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the config at path, or the user config file when path is
// empty. A missing default file yields the defaults; a missing explicit
// path is an error. BOARDSYNC_* environment variables override the file.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := getConfigPath()
		if err == nil {
			path = p
		}
	}

	config := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	config.applyDefaults()
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// getConfigPath returns the path to the config file
func getConfigPath() (string, error) {
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "boardsync", "config.yaml"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "boardsync", "config.yaml"), nil
}

// DataDir is where the default sqlite file and client caches live
func DataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "boardsync")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".boardsync"
	}
	return filepath.Join(homeDir, ".boardsync")
}

// applyDefaults fills in missing configuration with defaults
func (c *Config) applyDefaults() {
	setString(&c.Server.Addr, ":8080")
	setDuration(&c.Server.ReadHeaderTimeout, 10*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	setString(&c.Database.Driver, "sqlite")
	setString(&c.Database.DSN, filepath.Join(DataDir(), "boardsync.db"))

	setDuration(&c.Auth.TokenTTL, 24*time.Hour)
	setDuration(&c.Auth.JWKSRefresh, 15*time.Minute)

	setDuration(&c.Sync.HandshakeTimeout, 10*time.Second)
	setDuration(&c.Sync.MutationTimeout, 5*time.Second)
	setDuration(&c.Sync.WriteTimeout, 10*time.Second)
	setDuration(&c.Sync.PingInterval, 30*time.Second)
	setDuration(&c.Sync.IdleTimeout, 90*time.Second)
	setInt(&c.Sync.SendBuffer, 256)
	setInt(&c.Sync.LogRetention, 1000)
	setDuration(&c.Sync.LogMaxAge, 10*time.Minute)
	setDuration(&c.Sync.PruneInterval, time.Minute)
	if c.Sync.PositionGap == 0 {
		c.Sync.PositionGap = 1024
	}
	setInt(&c.Sync.NotificationBacklog, 50)

	setDuration(&c.Notifications.DedupeTTL, 24*time.Hour)
	setDuration(&c.Notifications.SweepInterval, 10*time.Minute)
	setInt(&c.Notifications.Attempts, 3)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// applyEnv overrides file values with BOARDSYNC_* variables
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"BOARDSYNC_ADDR":            &c.Server.Addr,
		"BOARDSYNC_DATABASE_DRIVER": &c.Database.Driver,
		"BOARDSYNC_DATABASE_DSN":    &c.Database.DSN,
		"BOARDSYNC_REDIS_URL":       &c.Redis.URL,
		"BOARDSYNC_JWT_SECRET":      &c.Auth.JWTSecret,
		"BOARDSYNC_JWKS_URL":        &c.Auth.JWKSURL,
		"BOARDSYNC_LOG_LEVEL":       &c.Logging.Level,
		"BOARDSYNC_LOG_FORMAT":      &c.Logging.Format,
		"BOARDSYNC_LOG_FILE":        &c.Logging.File,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("BOARDSYNC_ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Server.AllowedOrigins = append(c.Server.AllowedOrigins, o)
			}
		}
	}

	if v, ok := os.LookupEnv("BOARDSYNC_SEND_BUFFER"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: BOARDSYNC_SEND_BUFFER: %w", ErrInvalid, err)
		}
		c.Sync.SendBuffer = n
	}
	if v, ok := os.LookupEnv("BOARDSYNC_MUTATION_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: BOARDSYNC_MUTATION_TIMEOUT: %w", ErrInvalid, err)
		}
		c.Sync.MutationTimeout = d
	}
	return nil
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		fail("database.driver must be sqlite or pgx, got %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		fail("auth.jwt_secret or auth.jwks_url is required")
	}
	if c.Sync.IdleTimeout <= c.Sync.PingInterval {
		fail("sync.idle_timeout (%s) must exceed sync.ping_interval (%s)", c.Sync.IdleTimeout, c.Sync.PingInterval)
	}
	if c.Sync.PositionGap < 2 {
		fail("sync.position_gap must be at least 2, got %d", c.Sync.PositionGap)
	}
	if c.Sync.SendBuffer < 1 {
		fail("sync.send_buffer must be positive, got %d", c.Sync.SendBuffer)
	}
	if c.Sync.MutationTimeout <= 0 {
		fail("sync.mutation_timeout must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		fail("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
