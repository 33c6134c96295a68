package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type TracingMiddleware struct {
	tracer trace.Tracer
}

// NewTracingMiddleware starts a server span per request. A nil provider
// falls back to the global one.
func NewTracingMiddleware(tp trace.TracerProvider, serviceName string) *TracingMiddleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingMiddleware{
		tracer: tp.Tracer(serviceName),
	}
}

func (t *TracingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := t.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		sw := NewStatusWriter(w)
		next.ServeHTTP(sw, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", sw.Status()))
	})
}
