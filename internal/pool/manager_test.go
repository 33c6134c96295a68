package pool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConcurrencyNeverExceedsGate(t *testing.T) {
	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxConcurrentRequests = 2
	m := newTestManager(t, cfg)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Get(context.Background(), srv.URL, nil)
			if err == nil && resp.StatusCode != http.StatusOK {
				err = errors.New(resp.Status)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(0), m.Stats().InFlight)
}

func TestRequestLimitRetiresEveryHandle(t *testing.T) {
	srv := okServer(t)

	rec := &recorder{}
	cfg := testConfig()
	cfg.ClientRequestLimit = 1
	m := newTestManager(t, cfg, withClientFactory(rec.factory(cfg.Timeout)))

	for i := 0; i < 3; i++ {
		resp, err := m.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	assert.Equal(t, []int{1, 2, 3}, rec.servedIDs())

	stats := m.Stats()
	assert.Equal(t, int64(4), stats.Created, "each retirement creates a replacement")
	assert.Equal(t, int64(3), stats.Retired)
	assert.Equal(t, 1, stats.Idle)
}

func TestExpiredHandleIsNotReused(t *testing.T) {
	srv := okServer(t)

	rec := &recorder{}
	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.ClientExpire = time.Minute
	m := newTestManager(t, cfg,
		withClientFactory(rec.factory(cfg.Timeout)),
		withClock(clock.Now),
		WithRegisterer(reg),
	)

	_, err := m.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	// Expiry is judged when the handle comes back, so the aged handle serves
	// one more call before it is retired.
	clock.Advance(2 * time.Minute)
	_, err = m.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	_, err = m.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 1, 2}, rec.servedIDs())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.handlesRetired.WithLabelValues(string(retireExpired))))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.metrics.handlesRetired.WithLabelValues(string(retireLimit))))
}

func TestPoolNeverHoldsMoreThanCapacity(t *testing.T) {
	var arrived atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if arrived.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ClientPoolSize = 1
	m := newTestManager(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Get(context.Background(), srv.URL, nil)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusOK, resp.StatusCode)
			}
		}()
	}
	wg.Wait()

	stats := m.Stats()
	assert.LessOrEqual(t, stats.Idle, 1)
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.Retired, "the handle that found the pool full is dropped")
}

func TestStatusCodesAreNotErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "nothing here", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	m := newTestManager(t, testConfig())

	resp, err := m.Get(context.Background(), srv.URL+"/missing", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = m.Get(context.Background(), srv.URL+"/fail", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "boom\n", string(body))
}

func TestTimeoutPropagatesAndReleasesHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxConcurrentRequests = 1
	m := newTestManager(t, cfg)

	_, err := m.Get(context.Background(), srv.URL+"/slow", nil)
	require.Error(t, err)
	var urlErr *url.Error
	require.ErrorAs(t, err, &urlErr)
	assert.True(t, urlErr.Timeout())

	stats := m.Stats()
	assert.Equal(t, int64(0), stats.CheckedOut)
	assert.Equal(t, int64(0), stats.InFlight)

	resp, err := m.Get(context.Background(), srv.URL+"/fast", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlesAreNeverShared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := &recorder{}
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 8
	cfg.ClientPoolSize = 2
	cfg.ClientRequestLimit = 3
	m := newTestManager(t, cfg, withClientFactory(rec.factory(cfg.Timeout)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Get(context.Background(), srv.URL, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, rec.violationCount())
	assert.Len(t, rec.servedIDs(), 50)
	assert.LessOrEqual(t, m.Stats().Idle, 2)
}

func TestNoLeakAcrossOutcomes(t *testing.T) {
	srv := okServer(t)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.MaxConcurrentRequests = 3
	cfg.ClientPoolSize = 2
	m := newTestManager(t, cfg)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		target := srv.URL
		if i%3 == 0 {
			target = deadURL
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Get(context.Background(), target, nil); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(7), failures.Load())

	stats := m.Stats()
	assert.Equal(t, int64(0), stats.CheckedOut)
	assert.Equal(t, int64(0), stats.InFlight)
	assert.Equal(t, stats.Created-stats.Retired, int64(stats.Idle), "every handle is either idle or retired")
}

func TestQueuedCallerHonoursContext(t *testing.T) {
	arrived := make(chan struct{}, 1)
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-unblock
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	m := newTestManager(t, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := m.Get(context.Background(), srv.URL, nil)
		done <- err
	}()
	<-arrived

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx, srv.URL, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), m.Stats().InFlight)

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), m.Stats().InFlight)
}

func TestCloseDrainsPoolAndRejectsCalls(t *testing.T) {
	srv := okServer(t)

	m, err := New(testConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 1, m.Stats().Idle)

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Stats().Idle)
	assert.Equal(t, int64(1), m.Stats().Retired)

	_, err = m.Get(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.NoError(t, m.Close())
}

func TestHandleReturnedAfterCloseIsRetired(t *testing.T) {
	arrived := make(chan struct{}, 1)
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-unblock
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, err := New(testConfig())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Get(context.Background(), srv.URL, nil)
		done <- err
	}()
	<-arrived

	require.NoError(t, m.Close())
	close(unblock)
	require.NoError(t, <-done)

	stats := m.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.Retired)
}

func TestMetrics(t *testing.T) {
	srv := okServer(t)

	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.ClientRequestLimit = 1
	m := newTestManager(t, cfg, WithRegisterer(reg))

	for i := 0; i < 2; i++ {
		_, err := m.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(m.metrics.handlesCreated))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.metrics.handlesRetired.WithLabelValues(string(retireLimit))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.handlesIdle))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.metrics.requestsInFlight))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.metrics.requestsTotal.WithLabelValues(http.MethodGet, "ok")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRequestSpan(t *testing.T) {
	srv := okServer(t)

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	m := newTestManager(t, testConfig(), WithTracerProvider(tp))

	_, err := m.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "pool.request", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", http.StatusOK))
	assert.Contains(t, spans[0].Attributes(), attribute.String("http.method", http.MethodGet))
}

func TestRateLimitPacesCalls(t *testing.T) {
	srv := okServer(t)

	cfg := testConfig()
	cfg.RateLimit.RequestsPerSecond = 20
	cfg.RateLimit.Burst = 1
	m := newTestManager(t, cfg)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := m.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ClientPoolSize = -1
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestBuildErrorsTakeNoSlot(t *testing.T) {
	m := newTestManager(t, testConfig())

	_, err := m.Do(context.Background(), &Request{})
	assert.ErrorIs(t, err, ErrMissingURL)

	stats := m.Stats()
	assert.Equal(t, int64(0), stats.Created)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestManagersShareRegistry(t *testing.T) {
	srv := okServer(t)
	reg := prometheus.NewRegistry()

	a := newTestManager(t, testConfig(), WithRegisterer(reg))
	b := newTestManager(t, testConfig(), WithRegisterer(reg))
	assert.Same(t, a.metrics.handlesCreated, b.metrics.handlesCreated)

	named := prometheus.NewRegistry()
	llm := newTestManager(t, testConfig(), WithRegisterer(named), WithName("llm"))
	ocr := newTestManager(t, testConfig(), WithRegisterer(named), WithName("ocr"))
	assert.NotSame(t, llm.metrics.handlesCreated, ocr.metrics.handlesCreated)

	for _, m := range []*Manager{a, b, llm} {
		_, err := m.Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(a.metrics.handlesCreated))
	assert.Equal(t, float64(1), testutil.ToFloat64(llm.metrics.handlesCreated))
	assert.Equal(t, float64(0), testutil.ToFloat64(ocr.metrics.handlesCreated))

	for _, r := range []*prometheus.Registry{reg, named} {
		_, err := r.Gather()
		require.NoError(t, err)
	}
}

func TestNewReportsRegistrationConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "egress_handles_created_total",
		Help: "conflicting collector with different help",
	}))

	_, err := New(testConfig(), WithRegisterer(reg))
	assert.Error(t, err)
}

func TestIdleGaugeTracksPool(t *testing.T) {
	srv := okServer(t)

	cfg := testConfig()
	cfg.ClientPoolSize = 4
	cfg.ClientRequestLimit = 3
	m := newTestManager(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				m.Get(context.Background(), srv.URL, nil)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(m.Stats().Idle), testutil.ToFloat64(m.metrics.handlesIdle))

	require.NoError(t, m.Close())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.metrics.handlesIdle))
}

func TestHostHeaderReachesServer(t *testing.T) {
	var gotHost atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.Host)
	}))
	defer srv.Close()

	m := newTestManager(t, testConfig())
	_, err := m.Get(context.Background(), srv.URL, http.Header{"Host": {"api.internal"}})
	require.NoError(t, err)

	assert.Equal(t, "api.internal", gotHost.Load())
}
