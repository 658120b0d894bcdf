// Package httpmetrics instruments the host's two HTTP surfaces, the admin
// and ingress API and the runner callback listener, with one request counter,
// one latency histogram and an optional request log.
package httpmetrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server label values.
const (
	ServerAPI      = "api"
	ServerCallback = "callback"
)

// Unmatched is the route class of requests no route accepted.
const Unmatched = "unmatched"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proceed_http_requests_total",
			Help: "Total number of HTTP requests, by server, route class and status.",
		},
		[]string{"server", "class", "method", "status"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proceed_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by server and route class.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "class"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
}

// Classifier maps a routed request to a bounded route class.
type Classifier func(r *http.Request) string

// Config selects what Middleware records.
type Config struct {
	Server   string
	Classify Classifier

	// Logger logs every request at LogLevel. Nil disables request logging.
	Logger   *slog.Logger
	LogLevel slog.Level
}

// Middleware counts, times and optionally logs every request. Classify runs
// after the handler, so chi route patterns are available to it.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			class := Unmatched
			if cfg.Classify != nil {
				class = cfg.Classify(r)
			}

			requestsTotal.WithLabelValues(cfg.Server, class, r.Method, strconv.Itoa(status)).Inc()
			requestDuration.WithLabelValues(cfg.Server, class).Observe(elapsed.Seconds())

			if cfg.Logger != nil {
				cfg.Logger.Log(r.Context(), cfg.LogLevel, "request",
					"server", cfg.Server,
					"class", class,
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"duration_ms", elapsed.Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}
		})
	}
}

// RoutePattern returns the matched chi route pattern, or "" before routing.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
