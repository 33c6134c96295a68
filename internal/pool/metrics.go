package pool

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "egress"

// Metrics exposes the manager's pool and gate state to Prometheus.
type Metrics struct {
	handlesCreated   prometheus.Counter
	handlesRetired   *prometheus.CounterVec
	handlesIdle      prometheus.Gauge
	requestsInFlight prometheus.Gauge
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them on reg. A non-empty
// name becomes a constant "pool" label, so several managers can report to
// one registry side by side. Managers sharing a name share collectors.
// A nil reg produces collectors that are updated but never exported.
func NewMetrics(reg prometheus.Registerer, name string) (*Metrics, error) {
	var labels prometheus.Labels
	if name != "" {
		labels = prometheus.Labels{"pool": name}
	}

	m := &Metrics{}
	var err error

	if m.handlesCreated, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "handles_created_total",
		Help:        "Total number of client handles created.",
		ConstLabels: labels,
	})); err != nil {
		return nil, err
	}
	if m.handlesRetired, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "handles_retired_total",
		Help:        "Total number of client handles retired, by reason.",
		ConstLabels: labels,
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.handlesIdle, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        "handles_idle",
		Help:        "Number of client handles idle in the pool.",
		ConstLabels: labels,
	})); err != nil {
		return nil, err
	}
	if m.requestsInFlight, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   metricsNamespace,
		Name:        "requests_in_flight",
		Help:        "Number of requests holding an admission slot.",
		ConstLabels: labels,
	})); err != nil {
		return nil, err
	}
	if m.requestsTotal, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   metricsNamespace,
		Name:        "requests_total",
		Help:        "Total number of outbound requests, by method and outcome.",
		ConstLabels: labels,
	}, []string{"method", "outcome"})); err != nil {
		return nil, err
	}
	if m.requestDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   metricsNamespace,
		Name:        "request_duration_seconds",
		Help:        "Duration of outbound requests in seconds.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: labels,
	}, []string{"method"})); err != nil {
		return nil, err
	}

	return m, nil
}

// register adds c to reg, handing back the collector already registered
// under the same descriptor if there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if reg == nil {
		return c, nil
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeRequest(method string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}
