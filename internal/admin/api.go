package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unkn0wn-root/egress/internal/config"
	"github.com/unkn0wn-root/egress/internal/middleware"
	"github.com/unkn0wn-root/egress/internal/pool"
	"go.uber.org/zap"
)

// StatsSource is the part of the pool manager the admin API reads.
type StatsSource interface {
	Stats() pool.Stats
}

// AdminAPI exposes pool state for operators.
type AdminAPI struct {
	stats    StatsSource
	gatherer prometheus.Gatherer
	config   config.AdminConfig
	logger   *zap.Logger
	mux      *http.ServeMux
	server   *http.Server
	addr     string
}

// NewAdminAPI creates a new instance of AdminAPI and registers its routes.
// A nil gatherer serves the default Prometheus registry.
func NewAdminAPI(stats StatsSource, gatherer prometheus.Gatherer, cfg config.AdminConfig, logger *zap.Logger) *AdminAPI {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api := &AdminAPI{
		stats:    stats,
		gatherer: gatherer,
		config:   cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	api.registerRoutes()
	return api
}

// registerRoutes sets up the HTTP handlers for the administrative endpoints.
func (a *AdminAPI) registerRoutes() {
	a.mux.HandleFunc("/healthz", a.handleHealth)
	a.mux.HandleFunc("/stats", a.handleStats)
	a.mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(a.logger),
	}))
}

// Handler returns the HTTP handler for the AdminAPI, wrapped with necessary middleware.
func (a *AdminAPI) Handler() http.Handler {
	chain := middleware.NewMiddlewareChain(
		middleware.NewLoggingMiddleware(a.logger.Named("admin")),
		middleware.NewTracingMiddleware(nil, "egress-admin"),
		middleware.NewRateLimiterMiddleware(a.config.RateLimit),
	)
	return chain.Then(a.mux)
}

// Start listens on the configured address and serves until Shutdown.
// It returns once the listener is bound; serve errors go to errChan.
func (a *AdminAPI) Start(errChan chan<- error) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}

	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(a.logger),
	}

	a.addr = ln.Addr().String()
	a.logger.Info("admin API listening", zap.String("addr", a.addr))
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (a *AdminAPI) Addr() string {
	return a.addr
}

func (a *AdminAPI) Shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStats returns the current pool and admission gate snapshot.
func (a *AdminAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.stats.Stats()); err != nil {
		a.logger.Error("failed to encode stats", zap.Error(err))
	}
}
