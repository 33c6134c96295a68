package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger is a functional option for configuring the Manager with a custom logger.
// Handle creation and retirement are logged at debug level, transport failures at warn.
//
// Parameters:
// - logger: *zap.Logger is the logger instance to be used by the Manager.
//
// Usage Example:
// m, err := pool.New(cfg.HTTPClient, pool.WithLogger(logger))
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRegisterer is a functional option that registers the Manager's Prometheus
// collectors on reg. Without it the collectors are kept private to the Manager.
//
// Parameters:
// - reg: prometheus.Registerer receiving the egress_* collectors.
//
// Usage Example:
// registry := prometheus.NewRegistry()
// m, err := pool.New(cfg.HTTPClient, pool.WithRegisterer(registry))
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = reg
	}
}

// WithName labels the Manager's metrics with pool=name so managers for
// different providers can share one registry.
func WithName(name string) Option {
	return func(m *Manager) {
		m.name = name
	}
}

// WithTracerProvider sets the provider used to start request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracerProvider = tp
		}
	}
}

// withClock replaces time.Now. Tests use it to age handles.
func withClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// withClientFactory replaces the transport-building factory.
func withClientFactory(f clientFactory) Option {
	return func(m *Manager) {
		m.newClient = f
	}
}
