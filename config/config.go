/*
Package config loads the server configuration.

PRECEDENCE (lowest to highest):
  1. Default()
  2. YAML file passed to Load (optional)
  3. LOYALTY_* environment variables
  4. Command-line flags, applied by cmd/server

EXAMPLE FILE:
  http:
    addr: ":8080"
    read_timeout: 15s
  database:
    path: ./data/loyalty.db
  platform:
    mode: graphql
    endpoint: https://shop.example.com/admin/api/graphql
    token: shpat_xxx
  redeem:
    timeout: 15s
    compensation_timeout: 10s
  monitor:
    interval: 1m
    low_water: 20
  cors:
    allowed_origins: ["https://shop.example.com"]
  log:
    level: info
    format: json

Durations use Go syntax ("1m30s").
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOYALTY_"

// Platform modes.
const (
	PlatformGraphQL = "graphql"
	PlatformMemory  = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Env      string         `yaml:"env"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Platform PlatformConfig `yaml:"platform"`
	Redeem   RedeemConfig   `yaml:"redeem"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	CORS     CORSConfig     `yaml:"cors"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // ":memory:" for an in-memory database
}

// PlatformConfig points at the storefront that owns customer records.
type PlatformConfig struct {
	Mode     string        `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RedeemConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	CompensationTimeout time.Duration `yaml:"compensation_timeout"`
}

// MonitorConfig drives the coupon pool monitor. An interval of zero
// disables it.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	LowWater int64         `yaml:"low_water"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// Default returns a configuration that runs locally with no file.
func Default() Config {
	return Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "loyalty.db"},
		Platform: PlatformConfig{
			Mode:    PlatformGraphQL,
			Timeout: 10 * time.Second,
		},
		Redeem: RedeemConfig{
			Timeout:             15 * time.Second,
			CompensationTimeout: 10 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval: time.Minute,
			LowWater: 20,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the server cannot start without.
func (c Config) Validate() error {
	var problems []string

	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is required")
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	switch c.Platform.Mode {
	case PlatformMemory:
	case PlatformGraphQL:
		if c.Platform.Endpoint == "" {
			problems = append(problems, "platform.endpoint is required in graphql mode")
		}
		if c.Platform.Token == "" {
			problems = append(problems, "platform.token is required in graphql mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("platform.mode %q is not graphql or memory", c.Platform.Mode))
	}
	if c.Redeem.Timeout <= 0 {
		problems = append(problems, "redeem.timeout must be positive")
	}
	if c.Redeem.CompensationTimeout <= 0 {
		problems = append(problems, "redeem.compensation_timeout must be positive")
	}
	if c.Monitor.Interval < 0 || c.Monitor.LowWater < 0 {
		problems = append(problems, "monitor values must not be negative")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not json or console", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	str("ENV", &c.Env)
	str("HTTP_ADDR", &c.HTTP.Addr)
	dur("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	dur("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	dur("HTTP_IDLE_TIMEOUT", &c.HTTP.IdleTimeout)
	dur("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	str("DB_PATH", &c.Database.Path)
	str("PLATFORM_MODE", &c.Platform.Mode)
	str("PLATFORM_ENDPOINT", &c.Platform.Endpoint)
	str("PLATFORM_TOKEN", &c.Platform.Token)
	dur("PLATFORM_TIMEOUT", &c.Platform.Timeout)
	dur("REDEEM_TIMEOUT", &c.Redeem.Timeout)
	dur("COMPENSATION_TIMEOUT", &c.Redeem.CompensationTimeout)
	dur("MONITOR_INTERVAL", &c.Monitor.Interval)
	num("MONITOR_LOW_WATER", &c.Monitor.LowWater)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok {
		c.CORS.AllowedOrigins = splitList(v)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
