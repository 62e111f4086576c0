package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"extension-gateway/internal/config"
	"extension-gateway/internal/handlers"
	"extension-gateway/internal/policy"
	"extension-gateway/pkg/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrOriginMissing   = errors.New("csrf: request has neither Origin nor Referer")
	ErrOriginUntrusted = errors.New("csrf: origin is not trusted")
	ErrTokenMissing    = errors.New("csrf: token cookie or header missing")
	ErrTokenMismatch   = errors.New("csrf: token header does not match cookie")
)

// rejectionReasons maps CSRF errors to metric labels and response reasons
var rejectionReasons = map[error]string{
	ErrOriginMissing:   "origin_missing",
	ErrOriginUntrusted: "origin_untrusted",
	ErrTokenMissing:    "token_missing",
	ErrTokenMismatch:   "token_mismatch",
}

// CSRFMiddleware rejects state-changing requests from untrusted origins
type CSRFMiddleware struct {
	policy  *policy.OriginPolicy
	config  *config.CSRFConfig
	metrics *MetricsMiddleware
	log     logger.Logger
}

// NewCSRFMiddleware creates a new CSRF middleware. metrics may be nil.
func NewCSRFMiddleware(p *policy.OriginPolicy, cfg *config.CSRFConfig, metrics *MetricsMiddleware, log logger.Logger) *CSRFMiddleware {
	return &CSRFMiddleware{
		policy:  p,
		config:  cfg,
		metrics: metrics,
		log:     log,
	}
}

// isSafeMethod reports methods that must not change state
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// Check returns nil when r may proceed, or one of the ErrOrigin*/ErrToken*
// errors.
func (c *CSRFMiddleware) Check(r *http.Request) error {
	if isSafeMethod(r.Method) {
		return nil
	}

	source := requestOrigin(r)
	if source == "" {
		return ErrOriginMissing
	}
	if !c.policy.TrustsOrigin(source) {
		return ErrOriginUntrusted
	}

	if c.config.RequireToken {
		cookie, err := r.Cookie(c.config.CookieName)
		header := r.Header.Get(c.config.HeaderName)
		if err != nil || cookie.Value == "" || header == "" {
			return ErrTokenMissing
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			return ErrTokenMismatch
		}
	}

	return nil
}

// Protect wraps next with the CSRF check
func (c *CSRFMiddleware) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		err := c.Check(r)
		if err == nil {
			next.ServeHTTP(w, r)
			return
		}

		reason := rejectionReasons[err]
		c.metrics.RecordCSRFRejection(reason)
		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("csrf.rejected", reason),
		)
		c.log.Warn("CSRF check failed",
			logger.String("reason", reason),
			logger.String("origin", r.Header.Get("Origin")),
			logger.String("referer", r.Header.Get("Referer")),
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
		)

		handlers.ForbiddenHandler(w, r, reason)
	})
}

// tokenResponse is returned by TokenHandler
type tokenResponse struct {
	Token string `json:"csrf_token"`
}

// TokenHandler issues the double-submit token: it reuses the caller's
// cookie when present and sets a fresh one otherwise.
func (c *CSRFMiddleware) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(c.config.CookieName); err == nil && cookie.Value != "" {
			handlers.WriteJSON(w, http.StatusOK, tokenResponse{Token: cookie.Value})
			return
		}

		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		http.SetCookie(w, c.newCookie(token))
		handlers.WriteJSON(w, http.StatusOK, tokenResponse{Token: token})
	})
}

func (c *CSRFMiddleware) newCookie(token string) *http.Cookie {
	cookie := &http.Cookie{
		Name:     c.config.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   c.config.CookieMaxAge,
		Secure:   c.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	// Extension pages are cross-site, so the cookie only travels with them
	// when SameSite=None, which browsers accept on secure cookies only.
	if c.config.CookieSecure {
		cookie.SameSite = http.SameSiteNoneMode
	}
	return cookie
}

// requestOrigin returns the declared origin: the Origin header, falling back
// to the origin of the Referer.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return policy.RefererOrigin(r.Header.Get("Referer"))
}
