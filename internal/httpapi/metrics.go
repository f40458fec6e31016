package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blocksuite_view_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	documentSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blocksuite_view_saves_total",
		Help: "Document saves by result",
	}, []string{"view", "result"})

	viewRenders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blocksuite_view_renders_total",
		Help: "View renders by outcome",
	}, []string{"view", "outcome"})
)

// unknownView is the label for requests naming a view that is not registered.
const unknownView = "unknown"

// viewLabel bounds the view label to registered names.
func (s *Server) viewLabel(name string) string {
	if _, ok := s.views.Views().Get(name); ok {
		return name
	}
	return unknownView
}

// metricsMiddleware records latency per route pattern so row ids do not
// end up as label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
