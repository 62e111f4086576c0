package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"extension-gateway/internal/policy"

	"gopkg.in/yaml.v3"
)

// Config contains all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Policy    policy.Config   `yaml:"policy"`
	Cors      CORSConfig      `yaml:"cors"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	Address        string `yaml:"address"`
	ReadTimeout    int    `yaml:"read_timeout"`
	WriteTimeout   int    `yaml:"write_timeout"`
	IdleTimeout    int    `yaml:"idle_timeout"`
	MaxHeaderBytes int    `yaml:"max_header_bytes"`

	// TrustProxyHeaders makes X-Real-IP and friends authoritative for the
	// client address. Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableAccess bool   `yaml:"enable_access_log"`
}

// CORSConfig holds the CORS middleware switches. Which origins, headers and
// methods are allowed lives in the policy section.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ExposedHeaders []string `yaml:"exposed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// CSRFConfig holds the CSRF middleware switches
type CSRFConfig struct {
	Enabled      bool   `yaml:"enabled"`
	RequireToken bool   `yaml:"require_token"`
	CookieName   string `yaml:"cookie_name"`
	HeaderName   string `yaml:"header_name"`
	CookieSecure bool   `yaml:"cookie_secure"`
	CookieMaxAge int    `yaml:"cookie_max_age"`
	TokenPath    string `yaml:"token_path"`
}

// UpstreamConfig describes the API the gateway fronts
type UpstreamConfig struct {
	URL         string `yaml:"url"`
	PathPrefix  string `yaml:"path_prefix"`
	StripPrefix bool   `yaml:"strip_prefix"`
	Timeout     int    `yaml:"timeout"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig stops forwarding to an upstream that keeps failing
type CircuitBreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// Threshold is the number of consecutive 5xx responses that opens the circuit
	Threshold int `yaml:"threshold"`
	// Timeout is the number of seconds an open circuit waits before a trial request
	Timeout       int `yaml:"timeout"`
	MaxConcurrent int `yaml:"max_concurrent"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Requests int    `yaml:"requests"`
	Period   string `yaml:"period"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Provider    string  `yaml:"provider"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// LoadConfig loads configuration from a YAML file. The path is tried as
// given, then under configs/, and finally the copy embedded at build time is
// used.
func LoadConfig(path string) (*Config, error) {
	data, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses raw YAML, substitutes ${VAR} references and applies
// defaults.
func ParseConfig(data []byte) (*Config, error) {
	// Replace environment variables in the format ${VAR_NAME}
	data = replaceEnvVars(data)

	// Pre-filled so a missing policy section means the development policy
	config := Config{Policy: policy.DefaultConfig()}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setConfigDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func readConfig(path string) ([]byte, error) {
	for _, candidate := range []string{path, filepath.Join("configs", path)} {
		data, err := readFile(candidate)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	data, err := configBox.Find(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to load config %q (both file and embedded): %w", path, err)
	}
	return data, nil
}

func readFile(path string) ([]byte, error) {
	configFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer configFile.Close()

	data, err := io.ReadAll(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// Validate checks settings that have no sensible default. The origin policy
// is validated separately by policy.New.
func (c *Config) Validate() error {
	var errs []error

	if c.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	} else if u, err := url.Parse(c.Upstream.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.url %q is not an absolute URL", c.Upstream.URL))
	}

	if !strings.HasPrefix(c.Upstream.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("upstream.path_prefix %q must start with /", c.Upstream.PathPrefix))
	}

	if c.RateLimit.Enabled && c.RateLimit.Requests <= 0 {
		errs = append(errs, errors.New("rate_limit.requests must be positive when rate limiting is enabled"))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v is outside [0, 1]", c.Tracing.SampleRate))
	}

	return errors.Join(errs...)
}

// setConfigDefaults sets default values for the configuration
func setConfigDefaults(config *Config) {
	// Server defaults
	if config.Server.Address == "" {
		config.Server.Address = ":8080"
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 30
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 60 // summaries can be slow
	}
	if config.Server.IdleTimeout == 0 {
		config.Server.IdleTimeout = 120
	}
	if config.Server.MaxHeaderBytes == 0 {
		config.Server.MaxHeaderBytes = 1 << 20
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}

	// CORS defaults
	if config.Cors.MaxAge == 0 {
		config.Cors.MaxAge = 86400
	}

	// CSRF defaults
	if config.CSRF.CookieName == "" {
		config.CSRF.CookieName = "csrftoken"
	}
	if config.CSRF.HeaderName == "" {
		config.CSRF.HeaderName = "X-CSRFToken"
	}
	if config.CSRF.CookieMaxAge == 0 {
		config.CSRF.CookieMaxAge = 31449600 // one year
	}
	if config.CSRF.TokenPath == "" {
		config.CSRF.TokenPath = "/csrf/token"
	}

	// Upstream defaults
	if config.Upstream.PathPrefix == "" {
		config.Upstream.PathPrefix = "/api/"
	}
	if config.Upstream.Timeout == 0 {
		config.Upstream.Timeout = 30
	}
	if config.Upstream.CircuitBreaker.Threshold == 0 {
		config.Upstream.CircuitBreaker.Threshold = 5
	}
	if config.Upstream.CircuitBreaker.Timeout == 0 {
		config.Upstream.CircuitBreaker.Timeout = 30
	}

	// Rate limit defaults
	if config.RateLimit.Period == "" {
		config.RateLimit.Period = "minute"
	}

	// Metrics defaults
	if config.Metrics.Endpoint == "" {
		config.Metrics.Endpoint = "/metrics"
	}

	// Tracing defaults
	if config.Tracing.Provider == "" {
		config.Tracing.Provider = "jaeger"
	}
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = "extension-gateway"
	}
	if config.Tracing.SampleRate == 0 {
		config.Tracing.SampleRate = 0.1
	}
}

// replaceEnvVars replaces environment variables in the format ${VAR_NAME} with their values
func replaceEnvVars(data []byte) []byte {
	content := string(data)
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 {
			continue
		}
		varName, varValue := pair[0], pair[1]
		placeholder := fmt.Sprintf("${%s}", varName)
		content = strings.ReplaceAll(content, placeholder, varValue)
	}
	return []byte(content)
}
