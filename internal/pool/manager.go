package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/egress/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/unkn0wn-root/egress/internal/pool"

var ErrManagerClosed = errors.New("pool: manager is closed")

// Manager multiplexes outbound requests over a bounded pool of recycled
// *http.Client handles. The admission gate is the only place a caller can
// block; taking from and returning to the pool never wait.
type Manager struct {
	cfg       config.HTTPClientConfig
	gate      *semaphore.Weighted
	idle      chan *handle
	limiter   *rate.Limiter
	newClient clientFactory
	now       func() time.Time

	name           string
	logger         *zap.Logger
	registerer     prometheus.Registerer
	metrics        *Metrics
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer

	// mu orders pool offers against Close so nothing is pooled after drain.
	mu     sync.RWMutex
	closed bool

	inFlight   atomic.Int64
	checkedOut atomic.Int64
	created    atomic.Int64
	retired    atomic.Int64
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Idle          int   `json:"idle"`
	Capacity      int   `json:"capacity"`
	InFlight      int64 `json:"in_flight"`
	MaxConcurrent int   `json:"max_concurrent"`
	CheckedOut    int64 `json:"checked_out"`
	Created       int64 `json:"created"`
	Retired       int64 `json:"retired"`
}

// New builds a Manager from cfg. Unset fields take their defaults before
// validation.
func New(cfg config.HTTPClientConfig, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool: invalid config: %w", err)
	}

	m := &Manager{
		cfg:            cfg,
		gate:           semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		idle:           make(chan *handle, cfg.ClientPoolSize),
		newClient:      newClientFactory(cfg),
		now:            time.Now,
		logger:         zap.NewNop(),
		tracerProvider: otel.GetTracerProvider(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if cfg.RateLimit.Enabled() {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	metrics, err := NewMetrics(m.registerer, m.name)
	if err != nil {
		return nil, fmt.Errorf("pool: register metrics: %w", err)
	}
	m.metrics = metrics
	m.tracer = m.tracerProvider.Tracer(tracerName)

	return m, nil
}

// Do performs r and returns the response with its body fully buffered.
// Any status code is a successful result; only transport failures are
// returned as errors, and they are returned unchanged.
func (m *Manager) Do(ctx context.Context, r *Request) (*http.Response, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	method := r.method()
	ctx, span := m.tracer.Start(ctx, "pool.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", r.URL),
		),
	)
	defer span.End()

	req, err := r.build(ctx)
	if err != nil {
		return nil, failSpan(span, err)
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, failSpan(span, err)
		}
	}

	if err := m.gate.Acquire(ctx, 1); err != nil {
		return nil, failSpan(span, err)
	}
	m.inFlight.Add(1)
	m.metrics.requestsInFlight.Inc()
	defer func() {
		m.inFlight.Add(-1)
		m.metrics.requestsInFlight.Dec()
		m.gate.Release(1)
	}()

	h, err := m.checkout()
	if err != nil {
		return nil, failSpan(span, err)
	}
	defer m.checkin(h)

	span.SetAttributes(
		attribute.String("pool.handle_id", h.id),
		attribute.Int("pool.handle_requests", h.requests),
	)

	start := time.Now()
	resp, err := send(h, req)
	m.metrics.observeRequest(method, time.Since(start), err)
	if err != nil {
		m.logger.Warn("outbound request failed",
			zap.String("method", method),
			zap.String("url", r.URL),
			zap.String("handle_id", h.id),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return nil, failSpan(span, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

// Get issues a GET through Do.
func (m *Manager) Get(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	return m.Do(ctx, &Request{URL: url, Method: http.MethodGet, Headers: headers})
}

// Post issues a POST with body encoded as JSON.
func (m *Manager) Post(ctx context.Context, url string, headers http.Header, body any) (*http.Response, error) {
	return m.Do(ctx, &Request{URL: url, Method: http.MethodPost, Headers: headers, JSON: body})
}

// send runs the call on the handle's client and buffers the body so the
// handle is done with the exchange before it is checked back in.
func send(h *handle, req *http.Request) (*http.Response, error) {
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pool: read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

func (m *Manager) checkout() (*handle, error) {
	select {
	case h := <-m.idle:
		m.metrics.handlesIdle.Dec()
		m.checkedOut.Add(1)
		return h, nil
	default:
	}

	h, err := m.create()
	if err != nil {
		return nil, err
	}
	m.checkedOut.Add(1)
	return h, nil
}

// checkin settles a handle after a call, whatever the call's outcome.
func (m *Manager) checkin(h *handle) {
	defer m.checkedOut.Add(-1)
	h.requests++

	if m.isClosed() {
		m.retire(h, retireClosed)
		return
	}

	if reason, expired := h.expired(m.now(), m.cfg.ClientExpire, m.cfg.ClientRequestLimit); expired {
		m.retire(h, reason)

		replacement, err := m.create()
		if err != nil {
			m.logger.Warn("failed to create replacement handle", zap.Error(err))
			return
		}
		if !m.offer(replacement) {
			m.retire(replacement, retireOverflow)
		}
		return
	}

	if !m.offer(h) {
		m.retire(h, retireOverflow)
	}
}

// offer pushes h into the pool without blocking. It reports false when the
// pool is full or the manager is closed.
func (m *Manager) offer(h *handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}

	select {
	case m.idle <- h:
		m.metrics.handlesIdle.Inc()
		return true
	default:
		return false
	}
}

func (m *Manager) create() (*handle, error) {
	client, err := m.newClient()
	if err != nil {
		return nil, err
	}

	h := newHandle(client, m.now())
	m.created.Add(1)
	m.metrics.handlesCreated.Inc()
	m.logger.Debug("created client handle", zap.String("handle_id", h.id))
	return h, nil
}

func (m *Manager) retire(h *handle, reason retireReason) {
	h.close()
	m.retired.Add(1)
	m.metrics.handlesRetired.WithLabelValues(string(reason)).Inc()
	m.logger.Debug("retired client handle",
		zap.String("handle_id", h.id),
		zap.String("reason", string(reason)),
		zap.Int("requests", h.requests),
		zap.Duration("age", m.now().Sub(h.createdAt)),
	)
}

func (m *Manager) Stats() Stats {
	return Stats{
		Idle:          len(m.idle),
		Capacity:      cap(m.idle),
		InFlight:      m.inFlight.Load(),
		MaxConcurrent: m.cfg.MaxConcurrentRequests,
		CheckedOut:    m.checkedOut.Load(),
		Created:       m.created.Load(),
		Retired:       m.retired.Load(),
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close stops pooling and closes every idle handle. Calls already in flight
// finish normally and their handles are retired on return. Close is
// idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for {
		select {
		case h := <-m.idle:
			m.metrics.handlesIdle.Dec()
			m.retire(h, retireClosed)
		default:
			m.logger.Info("client pool closed", zap.Int64("handles_created", m.created.Load()))
			return nil
		}
	}
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
