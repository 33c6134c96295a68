package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults mirror the limits the outbound providers were tuned against.
const (
	DefaultMaxConcurrentRequests   = 1000
	DefaultClientRequestLimit      = 50
	DefaultClientExpire            = 300 * time.Second
	DefaultClientPoolSize          = 10
	DefaultTimeout                 = 30 * time.Second
	DefaultMaxConnections          = 200
	DefaultMaxKeepaliveConnections = 10
	DefaultLogConfig               = "log.config.json"
)

type Config struct {
	HTTPClient HTTPClientConfig `yaml:"http_client"`
	Admin      AdminConfig      `yaml:"admin"`
	LogConfig  string           `yaml:"log_config"`
}

// HTTPClientConfig holds every knob of the pooled client manager.
type HTTPClientConfig struct {
	MaxConcurrentRequests   int             `yaml:"max_concurrent_requests"`
	ClientRequestLimit      int             `yaml:"client_request_limit"`
	ClientExpire            time.Duration   `yaml:"client_expire"`
	ClientPoolSize          int             `yaml:"client_pool_size"`
	Timeout                 time.Duration   `yaml:"timeout"`
	MaxConnections          int             `yaml:"max_connections"`
	MaxKeepaliveConnections int             `yaml:"max_keepalive_connections"`
	HTTP2                   *bool           `yaml:"http2"`
	RateLimit               RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig paces outbound calls. A zero RequestsPerSecond disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AdminConfig struct {
	Addr      string          `yaml:"addr"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{LogConfig: DefaultLogConfig}
	cfg.HTTPClient.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default value.
func (c *HTTPClientConfig) ApplyDefaults() {
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if c.ClientRequestLimit == 0 {
		c.ClientRequestLimit = DefaultClientRequestLimit
	}
	if c.ClientExpire == 0 {
		c.ClientExpire = DefaultClientExpire
	}
	if c.ClientPoolSize == 0 {
		c.ClientPoolSize = DefaultClientPoolSize
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxKeepaliveConnections == 0 {
		c.MaxKeepaliveConnections = DefaultMaxKeepaliveConnections
	}
	if c.HTTP2 == nil {
		enabled := true
		c.HTTP2 = &enabled
	}
}

// HTTP2Enabled reports whether handles should negotiate HTTP/2.
func (c *HTTPClientConfig) HTTP2Enabled() bool {
	return c.HTTP2 == nil || *c.HTTP2
}

func (c *HTTPClientConfig) Validate() error {
	var errs []error
	if c.MaxConcurrentRequests <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_requests must be positive, got %d", c.MaxConcurrentRequests))
	}
	if c.ClientRequestLimit <= 0 {
		errs = append(errs, fmt.Errorf("client_request_limit must be positive, got %d", c.ClientRequestLimit))
	}
	if c.ClientExpire <= 0 {
		errs = append(errs, fmt.Errorf("client_expire must be positive, got %s", c.ClientExpire))
	}
	if c.ClientPoolSize <= 0 {
		errs = append(errs, fmt.Errorf("client_pool_size must be positive, got %d", c.ClientPoolSize))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", c.Timeout))
	}
	if c.MaxConnections < 0 || c.MaxKeepaliveConnections < 0 {
		errs = append(errs, errors.New("connection limits must not be negative"))
	}
	if c.MaxConnections > 0 && c.MaxKeepaliveConnections > c.MaxConnections {
		errs = append(errs, fmt.Errorf("max_keepalive_connections (%d) exceeds max_connections (%d)",
			c.MaxKeepaliveConnections, c.MaxConnections))
	}
	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r RateLimitConfig) Enabled() bool {
	return r.RequestsPerSecond > 0
}

func (r RateLimitConfig) Validate() error {
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative, got %v", r.RequestsPerSecond)
	}
	if r.Enabled() && r.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1 when a rate is set, got %d", r.Burst)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.HTTPClient.Validate(); err != nil {
		return fmt.Errorf("http_client: %w", err)
	}
	if err := c.Admin.RateLimit.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	return nil
}

// Load reads a YAML config file. A missing file yields the defaults so the
// binary can run on environment variables alone.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if config.LogConfig == "" {
		config.LogConfig = DefaultLogConfig
	}
	config.HTTPClient.ApplyDefaults()
	return &config, nil
}
