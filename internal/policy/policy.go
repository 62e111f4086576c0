// Package policy holds the origin trust policy consulted by the CORS and
// CSRF middleware. An OriginPolicy is built once at startup and never
// mutated, so it can be shared freely between request goroutines.
package policy

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Config is the raw, unvalidated form of an OriginPolicy.
type Config struct {
	AllowedOriginPatterns     []string `yaml:"allowed_origins"`
	AllowAllOrigins           bool     `yaml:"allow_all_origins"`
	AllowedHeaders            []string `yaml:"allowed_headers"`
	AllowedMethods            []string `yaml:"allowed_methods"`
	AllowCredentials          bool     `yaml:"allow_credentials"`
	CSRFTrustedOriginPatterns []string `yaml:"csrf_trusted_origins"`
	// Environment gates AllowAllOrigins: it is refused for "production".
	Environment string `yaml:"environment"`
}

// DefaultConfig returns the development policy the browser extension ships
// against.
func DefaultConfig() Config {
	return Config{
		AllowedOriginPatterns: []string{
			"chrome-extension://*",
			"http://localhost:8000",
			"http://127.0.0.1:8000",
		},
		AllowAllOrigins: true,
		AllowedHeaders: []string{
			"accept",
			"accept-encoding",
			"authorization",
			"content-type",
			"dnt",
			"origin",
			"user-agent",
			"x-csrftoken",
			"x-requested-with",
			"x-extension-id",
		},
		AllowedMethods: []string{
			http.MethodDelete,
			http.MethodGet,
			http.MethodOptions,
			http.MethodPatch,
			http.MethodPost,
			http.MethodPut,
		},
		AllowCredentials: true,
		CSRFTrustedOriginPatterns: []string{
			"http://localhost:8000",
			"http://127.0.0.1:8000",
			"chrome-extension://*",
		},
		Environment: "development",
	}
}

// OriginPolicy is the validated, immutable origin trust table.
type OriginPolicy struct {
	allowedOriginPatterns     []string
	allowAllOrigins           bool
	allowedHeaders            []string
	allowedMethods            []string
	allowCredentials          bool
	csrfTrustedOriginPatterns []string

	corsPatterns []pattern
	csrfPatterns []pattern
	inert        []string
	headerSet    map[string]struct{}
	methodSet    map[string]struct{}
}

// New validates cfg and builds an OriginPolicy. All problems are reported
// together.
//
// CORS patterns no strict matcher can honour (such as chrome-extension://*)
// are an error unless AllowAllOrigins is set, in which case they are kept
// but reported by InertPatterns.
func New(cfg Config) (*OriginPolicy, error) {
	var errs []error

	if cfg.AllowAllOrigins && strings.EqualFold(strings.TrimSpace(cfg.Environment), "production") {
		errs = append(errs, ErrAllowAllInProduction)
	}

	p := &OriginPolicy{
		allowedOriginPatterns:     append([]string(nil), cfg.AllowedOriginPatterns...),
		allowAllOrigins:           cfg.AllowAllOrigins,
		allowCredentials:          cfg.AllowCredentials,
		csrfTrustedOriginPatterns: append([]string(nil), cfg.CSRFTrustedOriginPatterns...),
		headerSet:                 make(map[string]struct{}, len(cfg.AllowedHeaders)),
		methodSet:                 make(map[string]struct{}, len(cfg.AllowedMethods)),
	}

	for _, raw := range cfg.AllowedOriginPatterns {
		pat, err := compilePattern(ListCORS, raw, false)
		if err != nil {
			if cfg.AllowAllOrigins {
				p.inert = append(p.inert, raw)
				continue
			}
			errs = append(errs, err)
			continue
		}
		p.corsPatterns = append(p.corsPatterns, pat)
	}

	for _, raw := range cfg.CSRFTrustedOriginPatterns {
		pat, err := compilePattern(ListCSRF, raw, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.csrfPatterns = append(p.csrfPatterns, pat)
	}

	for _, name := range cfg.AllowedHeaders {
		name = strings.ToLower(strings.TrimSpace(name))
		if !isToken(name) {
			errs = append(errs, &TokenError{Kind: "header", Value: name})
			continue
		}
		if _, dup := p.headerSet[name]; dup {
			continue
		}
		p.headerSet[name] = struct{}{}
		p.allowedHeaders = append(p.allowedHeaders, name)
	}

	for _, m := range cfg.AllowedMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !isToken(m) {
			errs = append(errs, &TokenError{Kind: "method", Value: m})
			continue
		}
		if _, dup := p.methodSet[m]; dup {
			continue
		}
		p.methodSet[m] = struct{}{}
		p.allowedMethods = append(p.allowedMethods, m)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

// MustNew is like New but panics on error.
func MustNew(cfg Config) *OriginPolicy {
	p, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Default returns the policy built from DefaultConfig.
func Default() *OriginPolicy {
	return MustNew(DefaultConfig())
}

func (p *OriginPolicy) AllowedOriginPatterns() []string {
	return append([]string(nil), p.allowedOriginPatterns...)
}

func (p *OriginPolicy) AllowAllOrigins() bool { return p.allowAllOrigins }

// AllowedHeaders returns the lower-cased header names in configuration
// order, without duplicates.
func (p *OriginPolicy) AllowedHeaders() []string {
	return append([]string(nil), p.allowedHeaders...)
}

// AllowedMethods returns the upper-cased methods in configuration order,
// without duplicates.
func (p *OriginPolicy) AllowedMethods() []string {
	return append([]string(nil), p.allowedMethods...)
}

func (p *OriginPolicy) AllowCredentials() bool { return p.allowCredentials }

func (p *OriginPolicy) CSRFTrustedOriginPatterns() []string {
	return append([]string(nil), p.csrfTrustedOriginPatterns...)
}

// InertPatterns lists CORS patterns kept only because the allow-all
// override makes them irrelevant.
func (p *OriginPolicy) InertPatterns() []string {
	return append([]string(nil), p.inert...)
}

// AllowsOrigin reports whether origin may read cross-origin responses.
func (p *OriginPolicy) AllowsOrigin(origin string) bool {
	if p.allowAllOrigins {
		return true
	}
	o, ok := parseRequestOrigin(origin)
	if !ok {
		return false
	}
	for _, pat := range p.corsPatterns {
		if pat.matches(o) {
			return true
		}
	}
	return false
}

// TrustsOrigin reports whether origin is a trusted source of
// state-changing requests. The allow-all override does not apply here.
func (p *OriginPolicy) TrustsOrigin(origin string) bool {
	o, ok := parseRequestOrigin(origin)
	if !ok {
		return false
	}
	for _, pat := range p.csrfPatterns {
		if pat.matches(o) {
			return true
		}
	}
	return false
}

// AllowsHeader reports whether the request header name is allowed,
// ignoring case.
func (p *OriginPolicy) AllowsHeader(name string) bool {
	_, ok := p.headerSet[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// AllowsMethod reports whether method is allowed. Methods are case-sensitive.
func (p *OriginPolicy) AllowsMethod(method string) bool {
	_, ok := p.methodSet[strings.TrimSpace(method)]
	return ok
}

// RefererOrigin extracts the scheme://host[:port] origin of a Referer
// header value. It returns "" when the referer is not an absolute URL.
func RefererOrigin(referer string) string {
	u, err := url.Parse(referer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// isToken reports whether s is a non-empty RFC 9110 token.
func isToken(s string) bool {
	return httpguts.ValidHeaderFieldName(s)
}
