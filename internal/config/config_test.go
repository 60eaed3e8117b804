package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BOARDSYNC_JWT_SECRET", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, int64(1024), cfg.Sync.PositionGap)
	assert.Equal(t, 5*time.Second, cfg.Sync.MutationTimeout)
	assert.Equal(t, "secret", cfg.Auth.JWTSecret)
}

func TestLoadConfigWithFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := writeConfig(t, t.TempDir(), `
server:
  addr: "127.0.0.1:9000"
  allowed_origins: ["https://board.example.com"]
database:
  driver: pgx
  dsn: postgres://localhost/boards
auth:
  jwt_secret: from-file
sync:
  mutation_timeout: 2s
  position_gap: 10
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://board.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Sync.MutationTimeout)
	assert.Equal(t, int64(10), cfg.Sync.PositionGap)
	assert.Equal(t, "json", cfg.Logging.Format)

	// unspecified values use defaults
	assert.Equal(t, 90*time.Second, cfg.Sync.IdleTimeout)
	assert.Equal(t, 3, cfg.Notifications.Attempts)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  addr: ":7000"
auth:
  jwt_secret: from-file
`)
	t.Setenv("BOARDSYNC_ADDR", ":7100")
	t.Setenv("BOARDSYNC_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("BOARDSYNC_SEND_BUFFER", "16")
	t.Setenv("BOARDSYNC_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.Server.Addr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 16, cfg.Sync.SendBuffer)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
}

func TestEnvironmentRejectsBadNumber(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BOARDSYNC_JWT_SECRET", "secret")
	t.Setenv("BOARDSYNC_SEND_BUFFER", "lots")

	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"no credential source", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"idle not above ping", func(c *Config) { c.Sync.IdleTimeout = c.Sync.PingInterval }},
		{"gap too small", func(c *Config) { c.Sync.PositionGap = 1 }},
		{"empty send buffer", func(c *Config) { c.Sync.SendBuffer = -1 }},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "secret"
			require.NoError(t, cfg.Validate())

			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestValidateAcceptsJWKS(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWKSURL = "https://issuer.example.com/.well-known/jwks.json"
	assert.NoError(t, cfg.Validate())
}
