package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"extension-gateway/internal/config"
	"extension-gateway/internal/handlers"
	"extension-gateway/pkg/logger"
)

// HTTPProxy forwards API requests to the summarization upstream
type HTTPProxy struct {
	config  *config.UpstreamConfig
	target  *url.URL
	proxy   *httputil.ReverseProxy
	breaker *CircuitBreaker
	log     logger.Logger
}

// NewHTTPProxy creates a new HTTP proxy for cfg.URL
func NewHTTPProxy(cfg *config.UpstreamConfig, log logger.Logger) (*HTTPProxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse upstream URL %q: %w", cfg.URL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream URL %q is not absolute", cfg.URL)
	}

	p := &HTTPProxy{
		config: cfg,
		target: target,
		log:    log,
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		clientHost := req.Host
		clientProto := "http"
		if req.TLS != nil {
			clientProto = "https"
		}

		// Handle path stripping before the target path is joined on
		if cfg.StripPrefix && strings.HasPrefix(req.URL.Path, cfg.PathPrefix) {
			req.URL.Path = "/" + strings.TrimPrefix(req.URL.Path, cfg.PathPrefix)
			req.URL.RawPath = ""
		}

		originalDirector(req)

		// Update the Host header to match the target
		req.Host = target.Host

		// X-Forwarded-For is appended by ReverseProxy itself
		req.Header.Set("X-Forwarded-Host", clientHost)
		req.Header.Set("X-Forwarded-Proto", clientProto)
		req.Header.Set("X-Gateway-Proxy", "true")
	}

	// The gateway owns the CORS answer; upstream copies would duplicate or
	// contradict it
	proxy.ModifyResponse = func(resp *http.Response) error {
		for name := range resp.Header {
			if strings.HasPrefix(name, "Access-Control-") {
				resp.Header.Del(name)
			}
		}
		return nil
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Error("Proxy error",
			logger.String("path", r.URL.Path),
			logger.String("method", r.Method),
			logger.String("upstream", target.String()),
			logger.Error(err),
		)
		handlers.BadGatewayHandler(w, r)
	}

	if cfg.Timeout > 0 {
		timeout := time.Duration(cfg.Timeout) * time.Second
		proxy.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
		}
	}

	p.proxy = proxy

	if cb := cfg.CircuitBreaker; cb.Enabled {
		p.breaker = NewCircuitBreaker(target.Host, CircuitBreakerConfig{
			Threshold:     cb.Threshold,
			Timeout:       time.Duration(cb.Timeout) * time.Second,
			MaxConcurrent: cb.MaxConcurrent,
		}, log)
	}

	return p, nil
}

// Target returns the upstream base URL
func (p *HTTPProxy) Target() *url.URL {
	u := *p.target
	return &u
}

// ServeHTTP proxies the request to the upstream service
func (p *HTTPProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.log.Debug("Proxying request",
		logger.String("path", r.URL.Path),
		logger.String("method", r.Method),
		logger.String("upstream", p.target.String()),
	)

	if p.breaker != nil {
		p.breaker.Execute(w, r, p.proxy)
		return
	}
	p.proxy.ServeHTTP(w, r)
}
