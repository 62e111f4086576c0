package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"extension-gateway/internal/config"
	"extension-gateway/internal/policy"
	"extension-gateway/pkg/logger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CORSMiddleware answers preflights and decorates responses according to
// the origin policy
type CORSMiddleware struct {
	policy  *policy.OriginPolicy
	config  *config.CORSConfig
	metrics *MetricsMiddleware
	log     logger.Logger

	allowMethods string
	allowHeaders string
	exposed      string
	maxAge       string
}

// NewCORSMiddleware creates a new CORS middleware. metrics may be nil.
func NewCORSMiddleware(p *policy.OriginPolicy, cfg *config.CORSConfig, metrics *MetricsMiddleware, log logger.Logger) *CORSMiddleware {
	if p.AllowAllOrigins() && p.AllowCredentials() {
		log.Warn("CORS allows every origin with credentials; origins will be reflected, never '*'")
	}
	if inert := p.InertPatterns(); len(inert) > 0 {
		log.Warn("CORS origin patterns are inert under allow_all_origins",
			logger.Strings("patterns", inert))
	}

	return &CORSMiddleware{
		policy:       p,
		config:       cfg,
		metrics:      metrics,
		log:          log,
		allowMethods: strings.Join(p.AllowedMethods(), ", "),
		allowHeaders: strings.Join(p.AllowedHeaders(), ", "),
		exposed:      strings.Join(cfg.ExposedHeaders, ", "),
		maxAge:       strconv.Itoa(cfg.MaxAge),
	}
}

// CORS middleware handles Cross-Origin Resource Sharing
func (c *CORSMiddleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if c.reflectsOrigin() {
			w.Header().Add("Vary", "Origin")
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			// Not a CORS request
			next.ServeHTTP(w, r)
			return
		}

		isPreflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		span := trace.SpanFromContext(r.Context())

		if !c.policy.AllowsOrigin(origin) {
			c.metrics.RecordCORSDecision(CORSRejected)
			span.SetAttributes(attribute.String("cors.decision", CORSRejected))
			c.log.Debug("CORS origin not allowed",
				logger.String("origin", origin),
				logger.String("path", r.URL.Path),
			)
			if isPreflight {
				// Answer without CORS headers; the browser fails the preflight
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		c.setOriginHeaders(w.Header(), origin)

		if isPreflight {
			c.handlePreflight(w, r, origin, span)
			return
		}

		if c.exposed != "" {
			w.Header().Set("Access-Control-Expose-Headers", c.exposed)
		}
		c.metrics.RecordCORSDecision(CORSAllowed)
		span.SetAttributes(attribute.String("cors.decision", CORSAllowed))

		next.ServeHTTP(w, r)
	})
}

// handlePreflight processes OPTIONS preflight requests from an allowed
// origin. A preflight asking for anything outside the policy gets no
// allow-methods or allow-headers, which makes the browser abort it.
func (c *CORSMiddleware) handlePreflight(w http.ResponseWriter, r *http.Request, origin string, span trace.Span) {
	requestMethod := r.Header.Get("Access-Control-Request-Method")
	requestHeaders := parseHeaderList(r.Header.Values("Access-Control-Request-Headers"))

	h := w.Header()
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")

	if denied := c.deniedPreflightItem(requestMethod, requestHeaders); denied != "" {
		c.metrics.RecordCORSDecision(CORSPreflightDenied)
		span.SetAttributes(attribute.String("cors.decision", CORSPreflightDenied))
		c.log.Info("CORS preflight denied",
			logger.String("origin", origin),
			logger.String("method", requestMethod),
			logger.String("denied", denied),
		)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.Set("Access-Control-Allow-Methods", c.allowMethods)
	h.Set("Access-Control-Allow-Headers", c.allowHeaders)
	if c.config.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", c.maxAge)
	}

	c.metrics.RecordCORSDecision(CORSPreflightAllowed)
	span.SetAttributes(attribute.String("cors.decision", CORSPreflightAllowed))
	c.log.Debug("CORS preflight request processed",
		logger.String("origin", origin),
		logger.String("method", requestMethod),
	)

	w.WriteHeader(http.StatusNoContent)
}

// deniedPreflightItem returns the first requested method or header the
// policy does not allow, or "".
func (c *CORSMiddleware) deniedPreflightItem(method string, headers []string) string {
	if !c.policy.AllowsMethod(method) {
		return method
	}
	for _, name := range headers {
		if !c.policy.AllowsHeader(name) {
			return name
		}
	}
	return ""
}

// reflectsOrigin reports whether responses carry the request origin rather
// than a literal "*"
func (c *CORSMiddleware) reflectsOrigin() bool {
	return !c.policy.AllowAllOrigins() || c.policy.AllowCredentials()
}

func (c *CORSMiddleware) setOriginHeaders(h http.Header, origin string) {
	if c.reflectsOrigin() {
		h.Set("Access-Control-Allow-Origin", origin)
	} else {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	if c.policy.AllowCredentials() {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// parseHeaderList splits comma-separated header names, dropping empties
func parseHeaderList(values []string) []string {
	var names []string
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
