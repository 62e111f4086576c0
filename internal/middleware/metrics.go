package middleware

import (
	"net/http"
	"strconv"
	"time"

	"extension-gateway/internal/config"
	"extension-gateway/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CORS decisions recorded by RecordCORSDecision
const (
	CORSAllowed          = "allowed"
	CORSRejected         = "rejected"
	CORSPreflightAllowed = "preflight_allowed"
	CORSPreflightDenied  = "preflight_denied"
)

// UnmatchedRoute labels requests that no registered route claims
const UnmatchedRoute = "unmatched"

// otherMethod labels request methods outside the standard set
const otherMethod = "OTHER"

var (
	// RequestDuration tracks request duration
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks the total number of requests
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests",
		},
		[]string{"method", "path", "status"},
	)

	// corsDecisions tracks the outcome of every cross-origin request
	corsDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cors_decisions_total",
			Help: "Cross-origin requests by policy decision",
		},
		[]string{"decision"},
	)

	// csrfRejections tracks state-changing requests refused by origin checks
	csrfRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_csrf_rejections_total",
			Help: "State-changing requests rejected by CSRF protection",
		},
		[]string{"reason"},
	)

	// RateLimitRejections tracks rate limit rejections
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total number of requests rejected due to rate limits",
		},
		[]string{"route"},
	)
)

func init() {
	// Register metrics with Prometheus
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(corsDecisions)
	prometheus.MustRegister(csrfRejections)
	prometheus.MustRegister(rateLimitRejections)
}

// MetricsMiddleware provides metrics collection and endpoints. A nil
// *MetricsMiddleware records nothing.
type MetricsMiddleware struct {
	config *config.MetricsConfig
	routes RouteLabeler
	log    logger.Logger
}

// RouteLabeler names the route a request belongs to. It must only ever
// return a small fixed set of values, since each one becomes a series.
type RouteLabeler func(r *http.Request) string

// MuxRouteLabel labels a request with the path template of the router route
// it would be dispatched to, or UnmatchedRoute.
func MuxRouteLabel(router *mux.Router) RouteLabeler {
	return func(r *http.Request) string {
		var match mux.RouteMatch
		if router.Match(r, &match) && match.MatchErr == nil && match.Route != nil {
			if tpl, err := match.Route.GetPathTemplate(); err == nil {
				return tpl
			}
		}
		return UnmatchedRoute
	}
}

// CurrentRouteLabel labels a request already dispatched by a mux router
func CurrentRouteLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return UnmatchedRoute
}

func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return method
	}
	return otherMethod
}

// NewMetricsMiddleware creates a new metrics middleware
func NewMetricsMiddleware(config *config.MetricsConfig, log logger.Logger) *MetricsMiddleware {
	return &MetricsMiddleware{
		config: config,
		log:    log,
	}
}

// WithRoutes sets how requests are grouped into route labels. Without it
// every request is counted as UnmatchedRoute.
func (m *MetricsMiddleware) WithRoutes(routes RouteLabeler) *MetricsMiddleware {
	m.routes = routes
	return m
}

func (m *MetricsMiddleware) routeLabel(r *http.Request) string {
	if m.routes == nil {
		return UnmatchedRoute
	}
	return m.routes(r)
}

func (m *MetricsMiddleware) enabled() bool {
	return m != nil && m.config.Enabled
}

// Handler serves the Prometheus exposition endpoint
func (m *MetricsMiddleware) Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics middleware collects metrics for each request
func (m *MetricsMiddleware) Metrics(next http.Handler) http.Handler {
	if !m.enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := m.routeLabel(r)

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		method := methodLabel(r.Method)
		status := strconv.Itoa(recorder.statusCode)

		requestDuration.WithLabelValues(method, route, status).Observe(duration)
		requestsTotal.WithLabelValues(method, route, status).Inc()
	})
}

// RecordCORSDecision counts one cross-origin request outcome
func (m *MetricsMiddleware) RecordCORSDecision(decision string) {
	if m.enabled() {
		corsDecisions.WithLabelValues(decision).Inc()
	}
}

// RecordCSRFRejection counts one rejected state-changing request
func (m *MetricsMiddleware) RecordCSRFRejection(reason string) {
	if m.enabled() {
		csrfRejections.WithLabelValues(reason).Inc()
	}
}

// IncrementRateLimit increments the rate limit counter for a route label
func (m *MetricsMiddleware) IncrementRateLimit(route string) {
	if m.enabled() {
		rateLimitRejections.WithLabelValues(route).Inc()
	}
}
