// Package config loads the engine configuration from YAML or JSON.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	rcron "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-mockstate/disposition"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the full engine configuration.
type Config struct {
	Store    StoreConfig    `json:"store" yaml:"store"`
	Executor ExecutorConfig `json:"executor" yaml:"executor"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Sweep    SweepConfig    `json:"sweep" yaml:"sweep"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Chain    ChainConfig    `json:"chain" yaml:"chain"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	// Bundles lists state machine bundle files imported at start.
	Bundles []string `json:"bundles,omitempty" yaml:"bundles,omitempty"`
}

// StoreConfig selects the entity store backend.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	// DSN is the sqlite data source, ":memory:" when empty.
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	Prefix   string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// ExecutorConfig tunes the transition executor.
type ExecutorConfig struct {
	StepBudget   int           `json:"step_budget" yaml:"step_budget"`
	StaleRetries int           `json:"stale_retries" yaml:"stale_retries"`
	RetryBase    time.Duration `json:"retry_base,omitempty" yaml:"retry_base,omitempty"`
	RetryMax     time.Duration `json:"retry_max,omitempty" yaml:"retry_max,omitempty"`
	// InjectNow exposes the engine clock to guards as `now`.
	InjectNow bool `json:"inject_now,omitempty" yaml:"inject_now,omitempty"`
}

// EventsConfig configures lifecycle event delivery.
type EventsConfig struct {
	Workers   int               `json:"workers" yaml:"workers"`
	QueueSize int               `json:"queue_size" yaml:"queue_size"`
	Redis     RedisEventsConfig `json:"redis" yaml:"redis"`
}

// RedisEventsConfig publishes events on a redis channel.
type RedisEventsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// LoggingConfig selects the logger.
type LoggingConfig struct {
	Format string `json:"format" yaml:"format"`
	Level  string `json:"level" yaml:"level"`
}

// SweepConfig schedules the expiry sweeper.
type SweepConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Schedule string        `json:"schedule" yaml:"schedule"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// MetricsConfig exposes prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// ChainConfig holds the disposition rules.
type ChainConfig struct {
	FingerprintHeaders []string                    `json:"fingerprint_headers,omitempty" yaml:"fingerprint_headers,omitempty"`
	Fixtures           []disposition.Fixture       `json:"fixtures,omitempty" yaml:"fixtures,omitempty"`
	FixtureFiles       []string                    `json:"fixture_files,omitempty" yaml:"fixture_files,omitempty"`
	Faults             []disposition.FaultRule     `json:"faults,omitempty" yaml:"faults,omitempty"`
	Proxies            []disposition.ProxyRule     `json:"proxies,omitempty" yaml:"proxies,omitempty"`
	Stateful           []disposition.StatefulRoute `json:"stateful,omitempty" yaml:"stateful,omitempty"`
	RecorderCapacity   int                         `json:"recorder_capacity" yaml:"recorder_capacity"`
}

// ServerConfig is the management API listener.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == BackendSQLite && c.Store.DSN == "" {
		c.Store.DSN = ":memory:"
	}
	if c.Executor.StepBudget == 0 {
		c.Executor.StepBudget = 32
	}
	if c.Executor.StaleRetries == 0 {
		c.Executor.StaleRetries = 1
	}
	if c.Events.Workers == 0 {
		c.Events.Workers = 4
	}
	if c.Events.QueueSize == 0 {
		c.Events.QueueSize = 1024
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Channel == "" {
		c.Events.Redis.Channel = "mockstate:events"
	}
	if c.Events.Redis.Enabled && c.Events.Redis.URL == "" {
		c.Events.Redis.URL = c.Store.RedisURL
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "fmt"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 1m"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Chain.RecorderCapacity == 0 {
		c.Chain.RecorderCapacity = 1000
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
}

// Validate performs structural validation. Disposition rules are checked
// again when the chain is built.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if strings.TrimSpace(c.Store.RedisURL) == "" {
			return fmt.Errorf("store: redis backend requires redis_url")
		}
	default:
		return fmt.Errorf("store: unsupported backend %q", c.Store.Backend)
	}
	if c.Executor.StepBudget < 0 {
		return fmt.Errorf("executor: step_budget must not be negative")
	}
	if c.Executor.StaleRetries < 0 {
		return fmt.Errorf("executor: stale_retries must not be negative")
	}
	if c.Executor.RetryMax > 0 && c.Executor.RetryBase > c.Executor.RetryMax {
		return fmt.Errorf("executor: retry_base exceeds retry_max")
	}
	if c.Events.Workers < 0 || c.Events.QueueSize < 0 {
		return fmt.Errorf("events: workers and queue_size must not be negative")
	}
	if c.Events.Redis.Enabled && strings.TrimSpace(c.Events.Redis.URL) == "" {
		return fmt.Errorf("events: redis sink requires a url")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "fmt", "text", "json", "glog", "zap":
	default:
		return fmt.Errorf("logging: unsupported format %q", c.Logging.Format)
	}
	if c.Sweep.Enabled {
		parser := rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
		if _, err := parser.Parse(c.Sweep.Schedule); err != nil {
			return fmt.Errorf("sweep: invalid schedule %q: %w", c.Sweep.Schedule, err)
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics: path must start with /")
	}
	if c.Chain.RecorderCapacity < 0 {
		return fmt.Errorf("chain: recorder_capacity must not be negative")
	}
	for idx, route := range c.Chain.Stateful {
		if strings.TrimSpace(route.ResourceType) == "" {
			return fmt.Errorf("chain.stateful[%d]: resource_type is required", idx)
		}
		if strings.TrimSpace(route.Pattern) == "" {
			return fmt.Errorf("chain.stateful[%d]: pattern is required", idx)
		}
	}
	for idx, path := range c.Bundles {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("bundles[%d]: empty path", idx)
		}
	}
	return nil
}

// Parse decodes YAML or JSON, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		// yaml reads JSON too, so one attempt covers both
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// Load reads path with Parse. Relative bundle and fixture paths are
// resolved against the directory of path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return cfg, err
	}
	dir := filepath.Dir(path)
	cfg.Bundles = resolvePaths(dir, cfg.Bundles)
	cfg.Chain.FixtureFiles = resolvePaths(dir, cfg.Chain.FixtureFiles)
	return cfg, nil
}

func resolvePaths(dir string, paths []string) []string {
	if len(paths) == 0 {
		return paths
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		if filepath.IsAbs(p) {
			out[i] = p
			continue
		}
		out[i] = filepath.Join(dir, p)
	}
	return out
}
