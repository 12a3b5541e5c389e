// Package config provides YAML-based configuration loading for Delivr.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Delivr configuration, loaded from delivr.yaml.
type Config struct {
	DB        DBConfig        `yaml:"db"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api"`
	Platforms []string        `yaml:"platforms"`
}

// DBConfig holds connection settings for the MySQL server.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// SchedulerConfig holds tick, lease and retry settings. Durations are
// expressed in seconds so the YAML stays plain integers.
type SchedulerConfig struct {
	TickSeconds        int    `yaml:"tick_seconds"`
	LockLeaseSeconds   int    `yaml:"lock_lease_seconds"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	MaxTaskRetries     int    `yaml:"max_task_retries"`
	DefaultCronExpr    string `yaml:"default_cron_expr"`
}

// APIConfig holds settings for the HTTP API server.
type APIConfig struct {
	Port int `yaml:"port"`
}

// TickInterval returns the scheduler tick interval.
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickSeconds) * time.Second
}

// LockLease returns the distributed lock lease duration.
func (s SchedulerConfig) LockLease() time.Duration {
	return time.Duration(s.LockLeaseSeconds) * time.Second
}

// TaskTimeout returns the per-task executor timeout.
func (s SchedulerConfig) TaskTimeout() time.Duration {
	return time.Duration(s.TaskTimeoutSeconds) * time.Second
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with all defaults applied. Used by tests and
// in-memory deployments.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Host == "" {
		c.DB.Host = "127.0.0.1"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 3306
	}
	if c.DB.User == "" {
		c.DB.User = "root"
	}
	if c.DB.Database == "" {
		c.DB.Database = "delivr"
	}
	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = 60
	}
	if c.Scheduler.LockLeaseSeconds == 0 {
		c.Scheduler.LockLeaseSeconds = 120
	}
	if c.Scheduler.TaskTimeoutSeconds == 0 {
		c.Scheduler.TaskTimeoutSeconds = 30
	}
	if c.Scheduler.MaxTaskRetries == 0 {
		c.Scheduler.MaxTaskRetries = 3
	}
	if c.Scheduler.DefaultCronExpr == "" {
		c.Scheduler.DefaultCronExpr = "* * * * *"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if len(c.Platforms) == 0 {
		c.Platforms = []string{"android", "ios"}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Scheduler.TickSeconds < 0 {
		errs = append(errs, "scheduler.tick_seconds must not be negative")
	}
	if c.Scheduler.LockLeaseSeconds < c.Scheduler.TickSeconds {
		errs = append(errs, "scheduler.lock_lease_seconds must be at least tick_seconds")
	}
	if c.Scheduler.MaxTaskRetries < 1 {
		errs = append(errs, "scheduler.max_task_retries must be at least 1")
	}
	for i, p := range c.Platforms {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d] must not be empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
