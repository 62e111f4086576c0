package middleware

import (
	"context"
	"fmt"
	"net/http"

	"extension-gateway/internal/config"
	"extension-gateway/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.16.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "extension-gateway"

// TracingMiddleware provides distributed tracing functionality
type TracingMiddleware struct {
	config      *config.TracingConfig
	log         logger.Logger
	tracer      trace.Tracer
	tp          *sdktrace.TracerProvider
	initialized bool
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(config *config.TracingConfig, log logger.Logger) *TracingMiddleware {
	tm := &TracingMiddleware{
		config: config,
		log:    log,
	}

	// Only initialize if tracing is enabled
	if config.Enabled {
		if err := tm.initialize(); err != nil {
			log.Error("Failed to initialize tracing", logger.Error(err))
		}
	}

	return tm
}

// NewTracingMiddlewareWithProvider uses an already built provider instead
// of exporting to Jaeger
func NewTracingMiddlewareWithProvider(config *config.TracingConfig, log logger.Logger, tp *sdktrace.TracerProvider) *TracingMiddleware {
	return &TracingMiddleware{
		config:      config,
		log:         log,
		tracer:      tp.Tracer(tracerName),
		tp:          tp,
		initialized: true,
	}
}

// initialize sets up the tracer provider
func (t *TracingMiddleware) initialize() error {
	if t.config.Provider != "jaeger" {
		return fmt.Errorf("unsupported tracing provider %q", t.config.Provider)
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(t.config.Endpoint)))
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(t.config.ServiceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.config.SampleRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.tracer = tp.Tracer(tracerName)
	t.tp = tp
	t.initialized = true

	t.log.Info("Tracing initialized",
		logger.String("provider", t.config.Provider),
		logger.String("endpoint", t.config.Endpoint),
		logger.String("service", t.config.ServiceName),
		logger.Any("sample_rate", t.config.SampleRate),
	)

	return nil
}

// Tracing middleware adds distributed tracing to requests. The CORS and
// CSRF middleware annotate the span it starts with their decisions.
func (t *TracingMiddleware) Tracing(next http.Handler) http.Handler {
	if !t.config.Enabled || !t.initialized {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		spanName := r.Method + " " + r.URL.Path
		ctx, span := t.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.url", r.URL.String()),
			attribute.String("http.host", r.Host),
			attribute.String("http.user_agent", r.UserAgent()),
		)
		if origin := r.Header.Get("Origin"); origin != "" {
			span.SetAttributes(attribute.String("http.origin", origin))
		}

		recorder := newResponseRecorder(w)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", recorder.statusCode))
		if recorder.statusCode >= 500 {
			span.SetAttributes(attribute.Bool("error", true))
		}
	})
}

// Shutdown cleanly shuts down the tracer provider
func (t *TracingMiddleware) Shutdown(ctx context.Context) error {
	if t.initialized && t.tp != nil {
		return t.tp.Shutdown(ctx)
	}
	return nil
}
