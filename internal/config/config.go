// Package config loads the process configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the top-level process configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Log      LogConfig      `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Cache    CacheConfig    `yaml:"cache"`
	Limiter  LimiterConfig  `yaml:"limiter"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ListenConfig holds the bind addresses.
type ListenConfig struct {
	// Proxy serves the pipeline itself.
	Proxy string `yaml:"proxy"`
	// Ops serves health, metrics, and the operator endpoints.
	Ops string `yaml:"ops"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig points at the shared Redis deployment. Empty Addr runs the
// process on in-memory stores (single node, tests, local dev).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds the bearer-token verification secret. Empty disables
// verification; all callers are anonymous.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
}

// UpstreamConfig bounds outbound calls.
type UpstreamConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
}

// CacheConfig sizes the in-memory response cache. Ignored when Redis is
// configured.
type CacheConfig struct {
	MemorySize int `yaml:"memorySize"`
}

// LimiterConfig selects the rate-limit configuration document.
type LimiterConfig struct {
	DocumentID string `yaml:"documentId"`
}

// AuditConfig sizes the audit queue.
type AuditConfig struct {
	QueueDepth int `yaml:"queueDepth"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen: ListenConfig{
			Proxy: ":8080",
			Ops:   ":9090",
		},
		Log: LogConfig{Level: "info"},
		Upstream: UpstreamConfig{
			Timeout:      30 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		Cache: CacheConfig{MemorySize: 4096},
		Audit: AuditConfig{QueueDepth: 1024},
	}
}

// Load reads a YAML file over the defaults. Unset fields keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Listen.Proxy == "" {
		return fmt.Errorf("listen.proxy must not be empty")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.MaxBodyBytes <= 0 {
		return fmt.Errorf("upstream.maxBodyBytes must be positive")
	}
	return nil
}
