package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/unkn0wn-root/egress/internal/config"
	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 20
	defaultBurst = 50
)

// RateLimiterMiddleware sheds inbound requests beyond a token-bucket rate.
type RateLimiterMiddleware struct {
	limiter *rate.Limiter
}

// NewRateLimiterMiddleware initializes and returns a new RateLimiterMiddleware.
// If the burst size or rps are not provided (i.e., zero), default values are used.
//
// Parameters:
// - cfg: config.RateLimitConfig with the allowed requests per second and burst size.
//
// Usage Example:
// limiter := NewRateLimiterMiddleware(config.RateLimitConfig{RequestsPerSecond: 5, Burst: 10})
// http.Handle("/", limiter.Middleware(myHandler))
func NewRateLimiterMiddleware(cfg config.RateLimitConfig) *RateLimiterMiddleware {
	rps, burst := cfg.RequestsPerSecond, cfg.Burst
	if burst == 0 {
		burst = defaultBurst
	}
	if rps == 0 {
		rps = defaultRPS
	}

	return &RateLimiterMiddleware{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Middleware answers 429 with a Retry-After hint once the bucket is empty.
func (m *RateLimiterMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := m.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
