package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"extension-gateway/internal/config"
	"extension-gateway/internal/handlers"
	"extension-gateway/internal/policy"
	"extension-gateway/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...logger.Field)  {}
func (m *mockLogger) Info(msg string, fields ...logger.Field)   {}
func (m *mockLogger) Warn(msg string, fields ...logger.Field)   {}
func (m *mockLogger) Error(msg string, fields ...logger.Field)  {}
func (m *mockLogger) Fatal(msg string, fields ...logger.Field)  {}
func (m *mockLogger) With(fields ...logger.Field) logger.Logger { return m }

// upstream stands in for the summarization API
type upstream struct {
	*httptest.Server
	hits atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"summary":"ok"}`))
	}))
	t.Cleanup(u.Close)
	return u
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:        "127.0.0.1:0",
			ReadTimeout:    10,
			WriteTimeout:   10,
			IdleTimeout:    30,
			MaxHeaderBytes: 1 << 20,
		},
		Logging: config.LoggingConfig{EnableAccess: true},
		Policy:  policy.DefaultConfig(),
		Cors:    config.CORSConfig{Enabled: true, MaxAge: 600},
		CSRF: config.CSRFConfig{
			Enabled:    true,
			CookieName: "csrftoken",
			HeaderName: "X-CSRFToken",
			TokenPath:  "/csrf/token",
		},
		Upstream: config.UpstreamConfig{
			URL:        upstreamURL,
			PathPrefix: "/api/",
			Timeout:    5,
		},
		RateLimit: config.RateLimitConfig{Enabled: true, Requests: 100, Period: "minute"},
		Metrics:   config.MetricsConfig{Enabled: true, Endpoint: "/metrics"},
	}
}

func newTestServer(t *testing.T) (*Server, *upstream) {
	t.Helper()
	u := newUpstream(t)
	s, err := NewServer(testConfig(u.URL), &mockLogger{})
	require.NoError(t, err)
	return s, u
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_RejectsInvalidPolicy(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8001")
	cfg.Policy.Environment = "production"

	s, err := NewServer(cfg, &mockLogger{})

	assert.Nil(t, s)
	assert.ErrorIs(t, err, policy.ErrAllowAllInProduction)
}

func TestNewServer_RejectsInertPatternWithoutAllowAll(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8001")
	cfg.Policy.AllowAllOrigins = false

	_, err := NewServer(cfg, &mockLogger{})

	var perr *policy.PatternError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "chrome-extension://*", perr.Pattern)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body handlers.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestPreflightIsAnsweredByGateway(t *testing.T) {
	s, u := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/summarize-email/", nil)
	req.Header.Set("Origin", "chrome-extension://abcdehijklmno")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type,x-extension-id")
	rec := serve(s, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "chrome-extension://abcdehijklmno", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, int32(0), u.hits.Load())
}

func TestExtensionRequestIsProxied(t *testing.T) {
	s, u := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/summarize-email/", strings.NewReader(`{"email":"..."}`))
	req.Header.Set("Origin", "chrome-extension://abcdehijklmno")
	req.Header.Set("Content-Type", "application/json")
	rec := serve(s, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"summary":"ok"}`, rec.Body.String())
	assert.Equal(t, []string{"chrome-extension://abcdehijklmno"}, rec.Header().Values("Access-Control-Allow-Origin"))
	assert.Equal(t, int32(1), u.hits.Load())
}

func TestUntrustedOriginIsRejected(t *testing.T) {
	s, u := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/summarize-email/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := serve(s, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body handlers.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "csrf_failed", body.Error)
	assert.Equal(t, "origin_untrusted", body.Reason)
	// allow-all still lets the browser read the rejection
	assert.Equal(t, "https://evil.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int32(0), u.hits.Load())
}

func TestMissingOriginIsRejected(t *testing.T) {
	s, u := newTestServer(t)

	rec := serve(s, httptest.NewRequest("DELETE", "/api/history/1", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "origin_missing")
	assert.Equal(t, int32(0), u.hits.Load())
}

func TestSafeRequestWithoutOriginIsProxied(t *testing.T) {
	s, u := newTestServer(t)

	rec := serve(s, httptest.NewRequest("GET", "/api/history", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), u.hits.Load())
}

func TestCSRFTokenEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/csrf/token", nil)
	req.Header.Set("Origin", "chrome-extension://abcdehijklmno")
	rec := serve(s, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "csrf_token")
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "csrftoken", cookies[0].Name)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	serve(s, httptest.NewRequest("GET", "/health", nil))

	rec := serve(s, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_requests_total")
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")

	rec = serve(s, httptest.NewRequest("POST", "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "method_not_allowed")
}

func TestStartStop(t *testing.T) {
	s, _ := newTestServer(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	// Give ListenAndServe a moment to bind
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
