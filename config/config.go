// Package config loads the visit engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/visit-engine/logging"
	"gopkg.in/yaml.v3"
)

// Duration reads "30s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Billing   BillingConfig   `yaml:"billing"`
	Logging   logging.Config  `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Address        string   `yaml:"address"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects the store. Driver is sqlite or postgres.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the Redis event broker. An empty URL keeps events in process.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type JobsConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Timezone            string `yaml:"timezone"`
	MaterializeSchedule string `yaml:"materialize_schedule"`
	BillingSchedule     string `yaml:"billing_schedule"`
	HorizonDays         int    `yaml:"horizon_days"`
	BillingLookbackDays int    `yaml:"billing_lookback_days"`
	PageSize            int    `yaml:"page_size"`
}

type BillingConfig struct {
	BillMissedDefault bool `yaml:"bill_missed_default"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(0),
			IdleTimeout:  Duration(60 * time.Second),
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "visits.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		Jobs: JobsConfig{
			Enabled:             true,
			Timezone:            "UTC",
			MaterializeSchedule: "0 2 * * *",
			BillingSchedule:     "30 3 * * *",
			HorizonDays:         28,
			BillingLookbackDays: 35,
			PageSize:            100,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load reads path, expands ${ENV} references, applies VISIT_* overrides and
// validates the result. An empty path starts from Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		data = []byte(os.ExpandEnv(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("VISIT_HTTP_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("VISIT_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("VISIT_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("VISIT_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("VISIT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VISIT_JOBS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VISIT_JOBS_ENABLED: %w", err)
		}
		c.Jobs.Enabled = b
	}
	if v := os.Getenv("VISIT_BILL_MISSED_DEFAULT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VISIT_BILL_MISSED_DEFAULT: %w", err)
		}
		c.Billing.BillMissedDefault = b
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Jobs.Enabled {
		if _, err := time.LoadLocation(c.Jobs.Timezone); err != nil {
			return fmt.Errorf("jobs.timezone: %w", err)
		}
		for name, spec := range map[string]string{
			"jobs.materialize_schedule": c.Jobs.MaterializeSchedule,
			"jobs.billing_schedule":     c.Jobs.BillingSchedule,
		} {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	if c.Jobs.HorizonDays < 1 {
		return fmt.Errorf("jobs.horizon_days must be positive")
	}
	if c.Jobs.BillingLookbackDays < 1 {
		return fmt.Errorf("jobs.billing_lookback_days must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("rate_limit requires positive requests_per_second and burst")
	}
	return nil
}
