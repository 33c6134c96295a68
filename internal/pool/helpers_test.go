package pool

import (
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/egress/internal/config"
)

// testConfig returns a small config; HTTP/2 is off because httptest serves
// plain HTTP/1.1.
func testConfig() config.HTTPClientConfig {
	h2 := false
	return config.HTTPClientConfig{
		MaxConcurrentRequests:   10,
		ClientRequestLimit:      50,
		ClientExpire:            5 * time.Minute,
		ClientPoolSize:          10,
		Timeout:                 5 * time.Second,
		MaxConnections:          20,
		MaxKeepaliveConnections: 10,
		HTTP2:                   &h2,
	}
}

func newTestManager(t *testing.T, cfg config.HTTPClientConfig, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// recorder hands out clients whose transports report which client served
// each request and whether any client was ever used by two calls at once.
type recorder struct {
	mu         sync.Mutex
	next       int
	served     []int
	violations int
}

func (r *recorder) factory(timeout time.Duration) clientFactory {
	return func() (*http.Client, error) {
		r.mu.Lock()
		r.next++
		id := r.next
		r.mu.Unlock()

		return &http.Client{
			Transport: &trackingTransport{id: id, base: &http.Transport{}, rec: r},
			Timeout:   timeout,
		}, nil
	}
}

func (r *recorder) servedIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.served...)
}

func (r *recorder) violationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.violations
}

type trackingTransport struct {
	id     int
	base   *http.Transport
	rec    *recorder
	active atomic.Int32
}

func (t *trackingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	concurrent := t.active.Add(1) > 1
	defer t.active.Add(-1)

	t.rec.mu.Lock()
	t.rec.served = append(t.rec.served, t.id)
	if concurrent {
		t.rec.violations++
	}
	t.rec.mu.Unlock()

	return t.base.RoundTrip(req)
}

func (t *trackingTransport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
