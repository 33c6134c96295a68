package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig overlays environment variables on top of a loaded Config.
// Unset or unparsable variables leave the existing value untouched.
type EnvConfig struct {
	config *Config
}

func NewEnvConfig(base *Config) *EnvConfig {
	if base == nil {
		base = Default()
	}
	return &EnvConfig{
		config: base,
	}
}

func (e *EnvConfig) Load() *Config {
	e.loadHTTPClient()
	e.loadRateLimit()
	e.loadAdmin()
	return e.config
}

func (e *EnvConfig) loadHTTPClient() {
	c := &e.config.HTTPClient
	c.MaxConcurrentRequests = getEnvInt("MAX_CONCURRENT_REQUESTS", c.MaxConcurrentRequests)
	c.ClientRequestLimit = getEnvInt("CLIENT_REQUEST_LIMIT", c.ClientRequestLimit)
	c.ClientExpire = getEnvSeconds("CLIENT_EXPIRE_SECONDS", c.ClientExpire)
	c.ClientPoolSize = getEnvInt("CLIENT_POOL_SIZE", c.ClientPoolSize)
	c.Timeout = getEnvSeconds("TIMEOUT", c.Timeout)
	c.MaxConnections = getEnvInt("MAX_CONNECTIONS", c.MaxConnections)
	c.MaxKeepaliveConnections = getEnvInt("MAX_KEEPALIVE_CONNECTIONS", c.MaxKeepaliveConnections)

	if _, exists := os.LookupEnv("HTTP2"); exists {
		enabled := getEnvBool("HTTP2", true)
		c.HTTP2 = &enabled
	}
}

func (e *EnvConfig) loadRateLimit() {
	r := &e.config.HTTPClient.RateLimit
	r.RequestsPerSecond = getEnvFloat("RATE_LIMIT_RPS", r.RequestsPerSecond)
	r.Burst = getEnvInt("RATE_LIMIT_BURST", r.Burst)
}

func (e *EnvConfig) loadAdmin() {
	e.config.Admin.Addr = getEnv("ADMIN_ADDR", e.config.Admin.Addr)
	e.config.Admin.RateLimit = RateLimitConfig{
		RequestsPerSecond: getEnvFloat("ADMIN_RATE_LIMIT_RPS", e.config.Admin.RateLimit.RequestsPerSecond),
		Burst:             getEnvInt("ADMIN_RATE_LIMIT_BURST", e.config.Admin.RateLimit.Burst),
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvSeconds accepts either a bare number of seconds ("300") or a Go
// duration string ("5m").
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
