package middleware

import (
	"net/http"
)

// Middleware defines an interface for HTTP middleware.
// Each middleware must implement the Middleware method, which takes the next handler in the chain
// and returns a new handler that wraps additional functionality around it.
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// StatusWriter is a ResponseWriter that records the status code and the
// number of body bytes written.
type StatusWriter struct {
	http.ResponseWriter
	status int
	length int
}

// NewStatusWriter wraps w. The status defaults to http.StatusOK until
// WriteHeader says otherwise.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{
		ResponseWriter: w,
		status:         http.StatusOK,
	}
}

func (w *StatusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *StatusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.length += n
	return n, err
}

func (w *StatusWriter) Status() int {
	return w.status
}

func (w *StatusWriter) Length() int {
	return w.length
}

// Flush delegates to the wrapped writer when it supports flushing.
func (w *StatusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// MiddlewareChain manages a sequence of middleware.
type MiddlewareChain struct {
	middlewares []Middleware
}

func NewMiddlewareChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{
		middlewares: middlewares,
	}
}

// Use appends a middleware to the chain.
func (c *MiddlewareChain) Use(middleware Middleware) {
	c.middlewares = append(c.middlewares, middleware)
}

// Then applies the middleware chain to the final HTTP handler.
// It wraps the final handler with each middleware in reverse order, so that the first middleware added
// is the first to process the request.
func (c *MiddlewareChain) Then(final http.Handler) http.Handler {
	if final == nil {
		final = http.NotFoundHandler()
	}

	for i := len(c.middlewares) - 1; i >= 0; i-- {
		final = c.middlewares[i].Middleware(final)
	}

	return final
}
