package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader is the response header carrying the request's trace ID.
const TraceHeader = "X-Trace-ID"

// MetricsPath is the Prometheus scrape endpoint. Requests to it are measured
// but not traced.
const MetricsPath = "/metrics"

// otherRoute labels requests to paths outside the known route set.
const otherRoute = "other"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the debug HTTP server. routes lists the paths the
// server serves; any other path is recorded under the route "other" so that
// probing clients cannot grow the metric label set.
//
// Every request is recorded in [Metrics.HTTPRequestDuration]. Requests other
// than scrapes of [MetricsPath] also continue an incoming W3C trace (or start
// one), get a server span and echo its ID in [TraceHeader].
func Middleware(m *Metrics, routes ...string) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := r.URL.Path
			if !slices.Contains(routes, route) {
				route = otherRoute
			}

			ctx := r.Context()
			var span trace.Span
			if r.URL.Path != MetricsPath {
				ctx = prop.Extract(ctx, propagation.HeaderCarrier(r.Header))
				ctx, span = StartSpan(ctx, "HTTP "+r.Method+" "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.HTTPRoute(route),
					),
				)
				defer span.End()
				if id := TraceID(ctx); id != "" {
					w.Header().Set(TraceHeader, id)
				}
				prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			elapsed := time.Since(start)

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", rec.status),
				),
			)
			if span != nil {
				span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			}

			// Debug level: the console is the user interface.
			slog.LogAttrs(ctx, slog.LevelDebug, "debug request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
