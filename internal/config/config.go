// Package config loads service configuration from a YAML file overlaid with
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"ledgerdesk.org/internal/auth"
)

// Config is the root configuration. Sources by decreasing priority:
//  1. explicit --config path;
//  2. CONFIG_PATH;
//  3. ./local.yaml;
//  4. environment only.
//
// Environment variables always override values read from a file.
type Config struct {
	Env       string          `yaml:"env" env:"ENV" env-default:"local"`
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	DB        DBConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HTTP_HOST" env-default:"0.0.0.0"`
	Port            string        `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-separator:","`
	// TrustProxy makes X-Forwarded-For decide the client address used for
	// rate limiting. Enable only behind a proxy that overwrites the header.
	TrustProxy      bool          `yaml:"trust_proxy" env:"HTTP_TRUST_PROXY"`
}

// GRPCConfig serves only the health service.
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled" env:"GRPC_ENABLED" env-default:"true"`
	Host    string `yaml:"host" env:"GRPC_HOST" env-default:"0.0.0.0"`
	Port    string `yaml:"port" env:"GRPC_PORT" env-default:"9090"`
}

func (c HTTPConfig) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

func (c GRPCConfig) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer            string        `yaml:"issuer" env:"JWT_ISSUER" env-default:"ledgerdesk"`
	RefreshTokenTTL   time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	LookupTimeout     time.Duration `yaml:"lookup_timeout" env:"AUTH_LOOKUP_TIMEOUT" env-default:"2s"`
	LockoutThreshold  int           `yaml:"lockout_threshold" env:"AUTH_LOCKOUT_THRESHOLD" env-default:"5"`
	LockoutDuration   time.Duration `yaml:"lockout_duration" env:"AUTH_LOCKOUT_DURATION" env-default:"15m"`
	JanitorInterval   time.Duration `yaml:"janitor_interval" env:"AUTH_JANITOR_INTERVAL" env-default:"10m"`
	BootstrapEmail    string        `yaml:"bootstrap_admin_email" env:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapPassword string        `yaml:"bootstrap_admin_password" env:"BOOTSTRAP_ADMIN_PASSWORD"`
}

type RateLimitConfig struct {
	Backend     string        `yaml:"backend" env:"RATELIMIT_BACKEND" env-default:"memory"`
	Window      time.Duration `yaml:"window" env:"RATELIMIT_WINDOW" env-default:"15m"`
	Limit       int           `yaml:"limit" env:"RATELIMIT_LIMIT" env-default:"1000"`
	LoginPerSec float64       `yaml:"login_per_second" env:"RATELIMIT_LOGIN_RPS" env-default:"1"`
	LoginBurst  int           `yaml:"login_burst" env:"RATELIMIT_LOGIN_BURST" env-default:"10"`
	SweepEvery  time.Duration `yaml:"sweep_interval" env:"RATELIMIT_SWEEP_INTERVAL" env-default:"1m"`
}

// DBConfig is optional: without a URL principals and sessions live in memory.
type DBConfig struct {
	URL string `yaml:"url" env:"DATABASE_URL"`
}

type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// MustLoad wraps Load and panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration and validates it.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		if _, err := os.Stat("local.yaml"); err == nil {
			path = "local.yaml"
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q stat failed: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service must not start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case "local", "dev", "prod":
	default:
		errs = append(errs, fmt.Errorf("env: unknown environment %q", c.Env))
	}
	if err := auth.ValidateSecret(c.Auth.JWTSecret, c.Production()); err != nil {
		errs = append(errs, fmt.Errorf("auth.jwt_secret: %w", err))
	}
	if c.Auth.RefreshTokenTTL <= auth.AccessTokenTTL {
		errs = append(errs, fmt.Errorf("auth.refresh_token_ttl must exceed %s", auth.AccessTokenTTL))
	}
	if c.Auth.LookupTimeout <= 0 {
		errs = append(errs, errors.New("auth.lookup_timeout must be positive"))
	}
	if c.Auth.LockoutThreshold < 0 {
		errs = append(errs, errors.New("auth.lockout_threshold must not be negative"))
	}
	if c.Auth.LockoutThreshold > 0 && c.Auth.LockoutDuration <= 0 {
		errs = append(errs, errors.New("auth.lockout_duration must be positive when lockout is enabled"))
	}
	if (c.Auth.BootstrapEmail == "") != (c.Auth.BootstrapPassword == "") {
		errs = append(errs, errors.New("auth: bootstrap admin needs both email and password"))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("ratelimit.backend=redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend: unknown backend %q", c.RateLimit.Backend))
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.Limit <= 0 {
		errs = append(errs, errors.New("ratelimit: window and limit must be positive"))
	}
	if c.Production() && c.DB.URL == "" {
		errs = append(errs, errors.New("db.url is required in prod"))
	}
	return errors.Join(errs...)
}

func (c *Config) Production() bool { return c.Env == "prod" }
