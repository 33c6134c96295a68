package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type handler struct {
	name string
	fn   func(context.Context) error
}

// GracefulShutdown runs registered cleanup handlers concurrently and waits
// for them or for the context deadline, whichever comes first.
type GracefulShutdown struct {
	handlers []handler
	logger   *zap.Logger
	mu       sync.Mutex
}

func NewGracefulShutdown(logger *zap.Logger) *GracefulShutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GracefulShutdown{
		logger: logger,
	}
}

func (gs *GracefulShutdown) AddHandler(name string, fn func(context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.handlers = append(gs.handlers, handler{name: name, fn: fn})
}

// Shutdown returns the joined handler errors, or ctx.Err() if the deadline
// passes before every handler finished.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	handlers := append([]handler(nil), gs.handlers...)
	gs.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handlers {
		wg.Add(1)
		go func(h handler) {
			defer wg.Done()
			if err := h.fn(ctx); err != nil {
				gs.logger.Error("shutdown handler failed", zap.String("handler", h.name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
				mu.Unlock()
			}
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		return errors.Join(errs...)
	}
}
