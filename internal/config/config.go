// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete health-core configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Monitor      MonitorConfig       `yaml:"monitor"`
	Availability AvailabilityConfig  `yaml:"availability"`
	Cache        CacheConfig         `yaml:"cache"`
	Pool         PoolConfig          `yaml:"pool"`
	Gateways     []GatewayConfig     `yaml:"gateways"`
	Fallbacks    map[string][]string `yaml:"fallbacks"`
	Logging      LoggingConfig       `yaml:"logging"`
	Metrics      MetricsConfig       `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings for the admin surface.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// MonitorConfig controls the health monitor probe loop.
type MonitorConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval"`     // between probe passes
	ErrorBackoff     time.Duration `yaml:"error_backoff"`      // after a failed pass
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`      // per probe request
	ModelsPerGateway int           `yaml:"models_per_gateway"` // probe volume cap
	MaxConcurrent    int           `yaml:"max_concurrent"`     // probe fan-out bound
	ProbesPerSecond  float64       `yaml:"probes_per_second"`  // probe burst throttle
}

// AvailabilityConfig controls the availability service and its breakers.
type AvailabilityConfig struct {
	CheckInterval    time.Duration `yaml:"check_interval"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the optional distributed cache tier.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
}

// PoolConfig controls the shared HTTP connection pool.
type PoolConfig struct {
	MaxConnections  int           `yaml:"max_connections"`
	MaxIdle         int           `yaml:"max_idle"`
	KeepaliveExpiry time.Duration `yaml:"keepalive_expiry"`
}

// GatewayConfig describes one upstream gateway and its credentials.
// Models seeds the catalog for gateways without a live listing endpoint.
type GatewayConfig struct {
	Name    string   `yaml:"name"`
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Models  []string `yaml:"models"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Monitor: MonitorConfig{
			CheckInterval:    5 * time.Minute,
			ErrorBackoff:     time.Minute,
			ProbeTimeout:     30 * time.Second,
			ModelsPerGateway: 5,
			MaxConcurrent:    16,
			ProbesPerSecond:  10,
		},
		Availability: AvailabilityConfig{
			CheckInterval:    time.Minute,
			ErrorBackoff:     time.Minute,
			FailureThreshold: 5,
			RecoveryTimeout:  5 * time.Minute,
			SuccessThreshold: 3,
		},
		Cache: CacheConfig{
			MaxEntries: 10000,
			DefaultTTL: 30 * time.Minute,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				DialTimeout:  2 * time.Second,
				ReadTimeout:  2 * time.Second,
				WriteTimeout: 2 * time.Second,
				PoolSize:     10,
				MinIdleConns: 2,
			},
		},
		Pool: PoolConfig{
			MaxConnections:  100,
			MaxIdle:         20,
			KeepaliveExpiry: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// LoadFromFile reads and validates a YAML configuration file.
// Missing fields fall back to defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// ${VAR} references resolve from the environment, so API keys stay
	// out of the file itself.
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults repairs zero values left by partial YAML documents.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Monitor.CheckInterval <= 0 {
		c.Monitor.CheckInterval = def.Monitor.CheckInterval
	}
	if c.Monitor.ErrorBackoff <= 0 {
		c.Monitor.ErrorBackoff = def.Monitor.ErrorBackoff
	}
	if c.Monitor.ProbeTimeout <= 0 {
		c.Monitor.ProbeTimeout = def.Monitor.ProbeTimeout
	}
	if c.Monitor.ModelsPerGateway <= 0 {
		c.Monitor.ModelsPerGateway = def.Monitor.ModelsPerGateway
	}
	if c.Monitor.MaxConcurrent <= 0 {
		c.Monitor.MaxConcurrent = def.Monitor.MaxConcurrent
	}
	if c.Monitor.ProbesPerSecond <= 0 {
		c.Monitor.ProbesPerSecond = def.Monitor.ProbesPerSecond
	}
	if c.Availability.CheckInterval <= 0 {
		c.Availability.CheckInterval = def.Availability.CheckInterval
	}
	if c.Availability.ErrorBackoff <= 0 {
		c.Availability.ErrorBackoff = def.Availability.ErrorBackoff
	}
	if c.Availability.FailureThreshold <= 0 {
		c.Availability.FailureThreshold = def.Availability.FailureThreshold
	}
	if c.Availability.RecoveryTimeout <= 0 {
		c.Availability.RecoveryTimeout = def.Availability.RecoveryTimeout
	}
	if c.Availability.SuccessThreshold <= 0 {
		c.Availability.SuccessThreshold = def.Availability.SuccessThreshold
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = def.Cache.MaxEntries
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = def.Cache.DefaultTTL
	}
	if c.Pool.MaxConnections <= 0 {
		c.Pool.MaxConnections = def.Pool.MaxConnections
	}
	if c.Pool.MaxIdle <= 0 {
		c.Pool.MaxIdle = def.Pool.MaxIdle
	}
	if c.Pool.KeepaliveExpiry <= 0 {
		c.Pool.KeepaliveExpiry = def.Pool.KeepaliveExpiry
	}
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
}

// Validate checks constraints that defaults cannot repair.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Gateways))
	for _, gw := range c.Gateways {
		if gw.Name == "" {
			return fmt.Errorf("gateway with empty name")
		}
		if _, dup := seen[gw.Name]; dup {
			return fmt.Errorf("duplicate gateway %q", gw.Name)
		}
		seen[gw.Name] = struct{}{}
	}
	for model, fallbacks := range c.Fallbacks {
		for _, fb := range fallbacks {
			if fb == model {
				return fmt.Errorf("model %q lists itself as a fallback", model)
			}
		}
	}
	return nil
}
