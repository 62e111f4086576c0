package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	configData := `
server:
  address: ":9000"
  read_timeout: 10
  write_timeout: 10
  idle_timeout: 30
  max_header_bytes: 1048576
logging:
  level: "debug"
  format: "console"
  output: "stdout"
  enable_access_log: true
policy:
  environment: "staging"
  allow_all_origins: false
  allowed_origins: ["http://localhost:8000"]
  allowed_headers: ["content-type"]
  allowed_methods: ["GET", "POST"]
  allow_credentials: true
  csrf_trusted_origins: ["http://localhost:8000"]
cors:
  enabled: true
  max_age: 600
  exposed_headers: ["X-Request-Id"]
csrf:
  enabled: true
  require_token: true
upstream:
  url: "http://summarizer:8000"
  path_prefix: "/api/"
  strip_prefix: true
  timeout: 45
rate_limit:
  enabled: true
  requests: 10
  period: "second"
`

	err := os.WriteFile(configPath, []byte(configData), 0644)
	require.NoError(t, err)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, config)

	assert.Equal(t, ":9000", config.Server.Address)
	assert.Equal(t, 10, config.Server.ReadTimeout)
	assert.Equal(t, 30, config.Server.IdleTimeout)
	assert.Equal(t, 1048576, config.Server.MaxHeaderBytes)

	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "console", config.Logging.Format)
	assert.True(t, config.Logging.EnableAccess)

	assert.False(t, config.Policy.AllowAllOrigins)
	assert.Equal(t, []string{"http://localhost:8000"}, config.Policy.AllowedOriginPatterns)
	assert.Equal(t, []string{"content-type"}, config.Policy.AllowedHeaders)
	assert.Equal(t, []string{"GET", "POST"}, config.Policy.AllowedMethods)
	assert.Equal(t, "staging", config.Policy.Environment)

	assert.Equal(t, 600, config.Cors.MaxAge)
	assert.Equal(t, []string{"X-Request-Id"}, config.Cors.ExposedHeaders)

	assert.True(t, config.CSRF.RequireToken)
	assert.Equal(t, "csrftoken", config.CSRF.CookieName)
	assert.Equal(t, "X-CSRFToken", config.CSRF.HeaderName)
	assert.Equal(t, "/csrf/token", config.CSRF.TokenPath)

	assert.Equal(t, "http://summarizer:8000", config.Upstream.URL)
	assert.True(t, config.Upstream.StripPrefix)
	assert.Equal(t, 45, config.Upstream.Timeout)

	assert.Equal(t, "second", config.RateLimit.Period)
}

func TestLoadConfig_DefaultsPolicyWhenSectionMissing(t *testing.T) {
	config, err := ParseConfig([]byte(`
upstream:
  url: "http://127.0.0.1:8001"
`))
	require.NoError(t, err)

	assert.True(t, config.Policy.AllowAllOrigins)
	assert.True(t, config.Policy.AllowCredentials)
	assert.Contains(t, config.Policy.CSRFTrustedOriginPatterns, "chrome-extension://*")
	assert.Equal(t, ":8080", config.Server.Address)
	assert.Equal(t, "/api/", config.Upstream.PathPrefix)
	assert.False(t, config.Upstream.CircuitBreaker.Enabled)
	assert.Equal(t, 5, config.Upstream.CircuitBreaker.Threshold)
	assert.Equal(t, 30, config.Upstream.CircuitBreaker.Timeout)
	assert.Equal(t, "/metrics", config.Metrics.Endpoint)
	assert.Equal(t, 0.1, config.Tracing.SampleRate)
}

func TestLoadConfigNonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("TEST_PORT", "9090")
	t.Setenv("TEST_UPSTREAM", "http://upstream.internal:8000")

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	configData := `
server:
  address: ":${TEST_PORT}"
upstream:
  url: "${TEST_UPSTREAM}"
`

	err := os.WriteFile(configPath, []byte(configData), 0644)
	require.NoError(t, err)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.Server.Address)
	assert.Equal(t, "http://upstream.internal:8000", config.Upstream.URL)
}

func TestLoadConfigFromConfigsDir(t *testing.T) {
	currentDir, err := os.Getwd()
	require.NoError(t, err)

	tempDir := t.TempDir()
	configsDir := filepath.Join(tempDir, "configs")
	require.NoError(t, os.Mkdir(configsDir, 0755))

	configData := `
server:
  address: ":8081"
upstream:
  url: "http://127.0.0.1:8001"
`
	require.NoError(t, os.WriteFile(filepath.Join(configsDir, "gateway.yaml"), []byte(configData), 0644))

	require.NoError(t, os.Chdir(tempDir))
	defer os.Chdir(currentDir)

	config, err := LoadConfig("gateway.yaml")
	require.NoError(t, err)

	assert.Equal(t, ":8081", config.Server.Address)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing upstream",
			yaml:    `server: {address: ":8080"}`,
			wantErr: "upstream.url is required",
		},
		{
			name:    "relative upstream",
			yaml:    `upstream: {url: "summarizer:8000"}`,
			wantErr: "is not an absolute URL",
		},
		{
			name:    "bad prefix",
			yaml:    `upstream: {url: "http://a:1", path_prefix: "api"}`,
			wantErr: "must start with /",
		},
		{
			name:    "rate limit without requests",
			yaml:    `{upstream: {url: "http://a:1"}, rate_limit: {enabled: true}}`,
			wantErr: "rate_limit.requests must be positive",
		},
		{
			name:    "sample rate",
			yaml:    `{upstream: {url: "http://a:1"}, tracing: {sample_rate: 2}}`,
			wantErr: "tracing.sample_rate",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseConfigInvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("server: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}
