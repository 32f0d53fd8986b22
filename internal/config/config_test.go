package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const strongSecret = "0123456789abcdef0123456789abcdef-prod"

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

const sampleYAML = `
env: "dev"
http:
  port: "9000"
  allowed_origins: ["https://app.example.com"]
auth:
  jwt_secret: "dev-secret"
  lockout_threshold: 3
  lockout_duration: "5m"
ratelimit:
  backend: "redis"
  limit: 50
redis:
  url: "redis://localhost:6379/0"
`

func TestLoad_ExplicitPath(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "dev", cfg.Env)
	require.Equal(t, "0.0.0.0:9000", cfg.HTTP.Addr())
	require.Equal(t, []string{"https://app.example.com"}, cfg.HTTP.AllowedOrigins)
	require.Equal(t, 3, cfg.Auth.LockoutThreshold)
	require.Equal(t, 5*time.Minute, cfg.Auth.LockoutDuration)
	require.Equal(t, 2*time.Second, cfg.Auth.LookupTimeout)
	require.Equal(t, "redis", cfg.RateLimit.Backend)
	require.Equal(t, 50, cfg.RateLimit.Limit)
	require.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	t.Setenv("RATELIMIT_LIMIT", "75")
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 75, cfg.RateLimit.Limit)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_EnvOnly(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("JWT_SECRET", "local-secret")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "local", cfg.Env)
	require.Equal(t, "memory", cfg.RateLimit.Backend)
	require.Equal(t, 1000, cfg.RateLimit.Limit)
	require.Equal(t, 168*time.Hour, cfg.Auth.RefreshTokenTTL)
	require.True(t, cfg.GRPC.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func validConfig() Config {
	return Config{
		Env:  "prod",
		Auth: AuthConfig{JWTSecret: strongSecret, RefreshTokenTTL: 168 * time.Hour, LookupTimeout: time.Second, LockoutThreshold: 5, LockoutDuration: time.Minute},
		RateLimit: RateLimitConfig{
			Backend: "memory",
			Window:  15 * time.Minute,
			Limit:   1000,
		},
		DB: DBConfig{URL: "postgres://localhost/ledgerdesk"},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, false},
		{"weak secret in prod", func(c *Config) { c.Auth.JWTSecret = "changeme" }, false},
		{"short secret in prod", func(c *Config) { c.Auth.JWTSecret = "short-but-not-default" }, false},
		{"short secret outside prod", func(c *Config) {
			c.Env = "dev"
			c.Auth.JWTSecret = "short"
		}, true},
		{"unknown env", func(c *Config) { c.Env = "staging" }, false},
		{"refresh shorter than access", func(c *Config) { c.Auth.RefreshTokenTTL = time.Hour }, false},
		{"redis without url", func(c *Config) { c.RateLimit.Backend = "redis" }, false},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "memcached" }, false},
		{"prod without db", func(c *Config) { c.DB.URL = "" }, false},
		{"half bootstrap", func(c *Config) { c.Auth.BootstrapEmail = "root@example.com" }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
