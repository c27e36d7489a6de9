package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

type Config struct {
	Validator  ValidatorConfig  `json:"validator"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Aggregator AggregatorConfig `json:"aggregator"`
	API        APIConfig        `json:"api"`
	Storage    StorageConfig    `json:"storage"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
}

type ValidatorConfig struct {
	ProbeURL            string `json:"probe_url"`
	TimeoutMs           int    `json:"timeout_ms"`
	Concurrency         int    `json:"concurrency"`
	Mode                string `json:"mode"` // "connect-only" or "full-http"
	InsecureSkipVerify  bool   `json:"insecure_skip_verify"`
	EnableFastFilter    bool   `json:"enable_fast_filter"`
	FastFilterThreshold int    `json:"fast_filter_threshold"`
	FastFilterTimeoutMs int    `json:"fast_filter_timeout_ms"`
}

type DispatcherConfig struct {
	TimeoutMs          int  `json:"timeout_ms"`
	Concurrency        int  `json:"concurrency"`
	Rounds             int  `json:"rounds"`
	InsecureSkipVerify bool `json:"insecure_skip_verify"`
}

type AggregatorConfig struct {
	Sources         []Source `json:"sources"`
	UserAgent       string   `json:"user_agent"`
	IntervalSeconds int      `json:"interval_seconds"`
}

type Source struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

type APIConfig struct {
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type string `json:"type"` // "file", "sqlite", "redis"
	Path string `json:"path"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "text"
}

// Load reads configuration from a JSON file. A missing file is not an
// error: the defaults are returned instead.
func Load(filePath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file exists
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (c *Config) setDefaults() {
	if c.Validator.ProbeURL == "" {
		c.Validator.ProbeURL = "https://httpbin.org/ip"
	}
	if c.Validator.TimeoutMs == 0 {
		c.Validator.TimeoutMs = 5000
	}
	if c.Validator.Concurrency == 0 {
		c.Validator.Concurrency = 50
	}
	if c.Validator.Mode == "" {
		c.Validator.Mode = "full-http"
	}
	if c.Validator.FastFilterThreshold == 0 {
		c.Validator.FastFilterThreshold = 1000
	}
	if c.Validator.FastFilterTimeoutMs == 0 {
		c.Validator.FastFilterTimeoutMs = 2000
	}
	if c.Dispatcher.TimeoutMs == 0 {
		c.Dispatcher.TimeoutMs = 1000
	}
	if c.Dispatcher.Concurrency == 0 {
		c.Dispatcher.Concurrency = 100
	}
	if c.Dispatcher.Rounds == 0 {
		c.Dispatcher.Rounds = 1
	}
	if c.Aggregator.IntervalSeconds == 0 {
		c.Aggregator.IntervalSeconds = 600
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "settings.json"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "proxybroadcast"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Validator.Concurrency < 1 || c.Validator.Concurrency > 100000 {
		return fmt.Errorf("validator.concurrency must be between 1 and 100000")
	}
	if c.Validator.TimeoutMs < 100 || c.Validator.TimeoutMs > 300000 {
		return fmt.Errorf("validator.timeout_ms must be between 100 and 300000")
	}
	if c.Validator.Mode != "connect-only" && c.Validator.Mode != "full-http" {
		return fmt.Errorf("validator.mode must be 'connect-only' or 'full-http'")
	}
	if u, err := url.Parse(c.Validator.ProbeURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("validator.probe_url must be an absolute http or https URL")
	}
	if c.Dispatcher.Concurrency < 1 || c.Dispatcher.Concurrency > 100000 {
		return fmt.Errorf("dispatcher.concurrency must be between 1 and 100000")
	}
	if c.Dispatcher.TimeoutMs < 100 || c.Dispatcher.TimeoutMs > 300000 {
		return fmt.Errorf("dispatcher.timeout_ms must be between 100 and 300000")
	}
	if c.Dispatcher.Rounds < 1 {
		return fmt.Errorf("dispatcher.rounds must be at least 1")
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}
	return nil
}

func (v ValidatorConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutMs) * time.Millisecond
}

func (v ValidatorConfig) FastFilterTimeout() time.Duration {
	return time.Duration(v.FastFilterTimeoutMs) * time.Millisecond
}

func (d DispatcherConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}
