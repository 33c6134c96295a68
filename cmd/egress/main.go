package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/unkn0wn-root/egress/internal/admin"
	"github.com/unkn0wn-root/egress/internal/config"
	"github.com/unkn0wn-root/egress/internal/pool"
	"github.com/unkn0wn-root/egress/pkg/logger"
	"github.com/unkn0wn-root/egress/pkg/shutdown"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

type options struct {
	configPath    string
	logConfigPath string
	method        string
	headers       headerFlags
	query         formFlags
	form          formFlags
	data          string
	copies        int
	retries       int
	serve         bool
	urls          []string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{headers: headerFlags{}}

	fs := flag.NewFlagSet("egress", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "path to config file")
	fs.StringVar(&opts.configPath, "c", "config.yaml", "path to config file")
	fs.StringVar(&opts.logConfigPath, "log-config", "", "path to log config file")
	fs.StringVar(&opts.method, "X", "", "request method (default GET, or POST with a body)")
	fs.Var(opts.headers, "H", "request header 'Name: value' (repeatable)")
	fs.Var(&opts.query, "q", "query parameter name=value (repeatable)")
	fs.Var(&opts.form, "F", "form field name=value or file part name=@path (repeatable)")
	fs.StringVar(&opts.data, "d", "", "JSON request body")
	fs.IntVar(&opts.copies, "n", 1, "concurrent copies of each request")
	fs.IntVar(&opts.retries, "retries", 0, "retries per call on transport errors")
	fs.BoolVar(&opts.serve, "serve", false, "keep the admin API running until interrupted")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.urls = fs.Args()

	if opts.copies < 1 {
		return nil, fmt.Errorf("-n must be at least 1")
	}
	if opts.retries < 0 {
		return nil, fmt.Errorf("-retries must not be negative")
	}
	if opts.data != "" && len(opts.form) > 0 {
		return nil, fmt.Errorf("-d and -F are mutually exclusive")
	}
	if len(opts.urls) == 0 && !opts.serve {
		return nil, fmt.Errorf("no URLs given")
	}
	return opts, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Printf("egress: %v", err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = config.NewEnvConfig(cfg).Load()
	if opts.logConfigPath != "" {
		cfg.LogConfig = opts.logConfigPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.Init(cfg.LogConfig); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	lg := logger.Logger()
	defer lg.Sync()

	tmpl, err := newRequestTemplate(opts.method, opts.headers, opts.query, opts.form, opts.data)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager, err := pool.New(cfg.HTTPClient,
		pool.WithLogger(lg),
		pool.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(lg)
	gs.AddHandler("pool", func(context.Context) error { return manager.Close() })

	errChan := make(chan error, 1)
	if cfg.Admin.Addr != "" {
		api := admin.NewAdminAPI(manager, reg, cfg.Admin, lg)
		if err := api.Start(errChan); err != nil {
			return fmt.Errorf("start admin API: %w", err)
		}
		gs.AddHandler("admin", api.Shutdown)
	}

	fetchErr := fetchAll(ctx, manager, tmpl, opts, stdout, lg)

	if opts.serve {
		select {
		case <-ctx.Done():
			lg.Info("Shutdown signal received, starting graceful shutdown")
		case err := <-errChan:
			lg.Error("Admin server error triggered shutdown", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gs.Shutdown(shutdownCtx); err != nil {
		lg.Error("Error during shutdown", zap.Error(err))
	}

	return fetchErr
}

// fetchAll sends opts.copies calls per URL concurrently through one manager
// and prints a line per response. It returns the first call error, after
// every call has finished.
func fetchAll(ctx context.Context, m *pool.Manager, tmpl *requestTemplate, opts *options, stdout io.Writer, lg *zap.Logger) error {
	out := newLineWriter(stdout)

	var g errgroup.Group
	for _, target := range opts.urls {
		for i := 0; i < opts.copies; i++ {
			target := target
			g.Go(func() error {
				start := time.Now()
				resp, body, err := fetch(ctx, m, tmpl.request(target), opts.retries)
				if err != nil {
					lg.Error("request failed", zap.String("url", target), zap.Error(err))
					return fmt.Errorf("%s: %w", target, err)
				}
				out.printf("%d %s %d %s\n", resp.StatusCode, target, len(body), time.Since(start).Round(time.Millisecond))
				return nil
			})
		}
	}
	return g.Wait()
}

// fetch retries transport errors only. HTTP error statuses are returned
// as responses.
func fetch(ctx context.Context, m *pool.Manager, req *pool.Request, retries int) (*http.Response, []byte, error) {
	var (
		resp *http.Response
		body []byte
	)
	err := retry.Do(
		func() error {
			r, err := m.Do(ctx, req)
			if err != nil {
				return err
			}
			defer r.Body.Close()
			b, err := io.ReadAll(r.Body)
			if err != nil {
				return err
			}
			resp, body = r, b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(retries)+1),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
	return resp, body, err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, pool.ErrManagerClosed),
		errors.Is(err, pool.ErrMissingURL),
		errors.Is(err, pool.ErrConflictingBody):
		return false
	}
	return true
}
