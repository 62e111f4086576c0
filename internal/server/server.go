package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"extension-gateway/internal/config"
	"extension-gateway/internal/handlers"
	"extension-gateway/internal/middleware"
	"extension-gateway/internal/policy"
	"extension-gateway/internal/proxy"
	"extension-gateway/pkg/logger"

	"github.com/gorilla/mux"
)

// sweepInterval is how often idle rate limit buckets are dropped
const sweepInterval = time.Minute

// Server represents the extension gateway server
type Server struct {
	config      *config.Config
	log         logger.Logger
	policy      *policy.OriginPolicy
	httpServer  *http.Server
	router      *mux.Router
	handler     http.Handler
	httpProxy   *proxy.HTTPProxy
	metrics     *middleware.MetricsMiddleware
	tracing     *middleware.TracingMiddleware
	cors        *middleware.CORSMiddleware
	csrf        *middleware.CSRFMiddleware
	rateLimiter *middleware.RateLimiter
	runCtx      context.Context
	cancel      context.CancelFunc
}

// NewServer creates a new server instance. The origin policy is validated
// here, so a bad policy stops the gateway before it listens.
func NewServer(cfg *config.Config, log logger.Logger) (*Server, error) {
	p, err := policy.New(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("invalid origin policy: %w", err)
	}

	httpProxy, err := proxy.NewHTTPProxy(&cfg.Upstream, log)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	metrics := middleware.NewMetricsMiddleware(&cfg.Metrics, log).WithRoutes(middleware.MuxRouteLabel(router))

	s := &Server{
		config:      cfg,
		log:         log,
		policy:      p,
		router:      router,
		httpProxy:   httpProxy,
		metrics:     metrics,
		tracing:     middleware.NewTracingMiddleware(&cfg.Tracing, log),
		cors:        middleware.NewCORSMiddleware(p, &cfg.Cors, metrics, log),
		csrf:        middleware.NewCSRFMiddleware(p, &cfg.CSRF, metrics, log),
		rateLimiter: middleware.NewRateLimiter(&cfg.RateLimit, cfg.Server.TrustProxyHeaders, metrics, log),
	}

	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.registerRoutes()
	s.handler = s.buildChain(s.router)

	s.httpServer = &http.Server{
		Addr:           cfg.Server.Address,
		Handler:        s.handler,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(cfg.Server.IdleTimeout) * time.Second,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return s, nil
}

// Handler returns the fully wrapped request handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Policy returns the origin policy the server enforces
func (s *Server) Policy() *policy.OriginPolicy {
	return s.policy
}

// Start starts the server and blocks until it stops
func (s *Server) Start() error {
	go s.rateLimiter.Run(s.runCtx, sweepInterval)

	s.log.Info("Starting server",
		logger.String("address", s.config.Server.Address),
		logger.String("upstream", s.httpProxy.Target().String()),
		logger.Bool("allow_all_origins", s.policy.AllowAllOrigins()),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("Failed to start server", logger.Error(err))
		return err
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Shutting down server...")
	s.cancel()

	return errors.Join(
		s.httpServer.Shutdown(ctx),
		s.tracing.Shutdown(ctx),
	)
}

// registerRoutes configures all the route handlers
func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", handlers.HealthCheckHandler).Methods(http.MethodGet)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Endpoint, s.metrics.Handler()).Methods(http.MethodGet)
	}

	if s.config.CSRF.Enabled {
		s.router.Handle(s.config.CSRF.TokenPath, s.csrf.TokenHandler()).Methods(http.MethodGet)
	}

	// With CORS enabled, preflights are answered before the router
	api := s.csrf.Protect(s.rateLimiter.RateLimit(s.httpProxy))
	s.router.PathPrefix(s.config.Upstream.PathPrefix).Handler(api)
	s.log.Info("Registered route",
		logger.String("path", s.config.Upstream.PathPrefix+"*"),
		logger.String("method", "ALL"),
		logger.String("upstream", s.httpProxy.Target().String()),
	)

	s.router.NotFoundHandler = http.HandlerFunc(handlers.NotFoundHandler)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowedHandler)
}

// buildChain wraps the router, outermost first: tracing, metrics, access
// log, CORS.
func (s *Server) buildChain(h http.Handler) http.Handler {
	h = s.cors.CORS(h)
	if s.config.Logging.EnableAccess {
		h = middleware.AccessLog(s.log, s.config.Server.TrustProxyHeaders)(h)
	}
	h = s.metrics.Metrics(h)
	return s.tracing.Tracing(h)
}
