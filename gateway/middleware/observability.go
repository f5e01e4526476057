package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendcore/observability"
)

// ContextKeyRequestID carries the request correlation ID.
const ContextKeyRequestID contextKey = "gateway.request_id"

// RequestIDHeader is echoed back to clients for correlation.
const RequestIDHeader = "X-Request-Id"

// Observability stamps a request ID and records per-route metrics.
type Observability struct {
	metrics *observability.GatewayMetrics
}

func NewObservability() *Observability {
	return &Observability{metrics: observability.Gateway()}
}

// Middleware wraps handlers for one named route.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			ctx := context.WithValue(r.Context(), ContextKeyRequestID, requestID)

			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			o.metrics.Observe(route, recorder.status, time.Since(start))
		})
	}
}

// MetricsHandler serves the process-wide prometheus registry.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RequestID returns the correlation ID stamped on the context, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
