package proxy

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"extension-gateway/internal/handlers"
	"extension-gateway/pkg/logger"
)

var (
	ErrCircuitOpen     = errors.New("circuit open")
	ErrTooManyInFlight = errors.New("max concurrent requests")
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// Closed means the circuit breaker is closed (allowing traffic)
	Closed CircuitBreakerState = iota
	// Open means the circuit breaker is open (blocking traffic)
	Open
	// HalfOpen means one trial request is in flight
	HalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig contains configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before opening the circuit
	Threshold int
	// Timeout is the duration to wait before transitioning from Open to HalfOpen
	Timeout time.Duration
	// MaxConcurrent is the maximum number of concurrent requests (optional)
	MaxConcurrent int
}

// CircuitBreaker stops forwarding to an upstream after repeated 5xx answers
type CircuitBreaker struct {
	name        string
	state       CircuitBreakerState
	config      CircuitBreakerConfig
	failures    int
	lastFailure time.Time
	trial       bool
	inFlight    int
	mutex       sync.Mutex
	log         logger.Logger
	now         func() time.Time

	// generation changes every time the circuit opens. Outcomes of requests
	// admitted under an older generation are not counted.
	generation uint64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, log logger.Logger) *CircuitBreaker {
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &CircuitBreaker{
		name:   name,
		state:  Closed,
		config: config,
		log:    log,
		now:    time.Now,
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Execute serves r through next unless the circuit is open or too many
// requests are in flight, in which case it answers itself and returns why.
func (cb *CircuitBreaker) Execute(w http.ResponseWriter, r *http.Request, next http.Handler) error {
	gen, err := cb.acquire()
	if err != nil {
		cb.log.Debug("Circuit breaker rejected request",
			logger.String("circuit", cb.name),
			logger.String("path", r.URL.Path),
			logger.Error(err),
		)
		if errors.Is(err, ErrTooManyInFlight) {
			handlers.WriteError(w, http.StatusTooManyRequests, "too_many_requests", "Too many requests in flight")
		} else {
			handlers.WriteError(w, http.StatusServiceUnavailable, "upstream_unavailable", "The upstream service is temporarily unavailable")
		}
		return err
	}

	crw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
	defer func() {
		cb.release(gen, crw.statusCode >= 500)
	}()

	next.ServeHTTP(crw, r)
	return nil
}

// acquire admits one request, returning the generation it was admitted
// under, or explains why not
func (cb *CircuitBreaker) acquire() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case Open:
		if cb.now().Sub(cb.lastFailure) <= cb.config.Timeout {
			return 0, ErrCircuitOpen
		}
		cb.state = HalfOpen
		cb.trial = false
		cb.log.Info("Circuit breaker transitioned to half-open",
			logger.String("circuit", cb.name),
		)
		fallthrough
	case HalfOpen:
		// Only one trial request at a time
		if cb.trial {
			return 0, ErrCircuitOpen
		}
		cb.trial = true
	}

	if cb.config.MaxConcurrent > 0 && cb.inFlight >= cb.config.MaxConcurrent {
		if cb.state == HalfOpen {
			cb.trial = false
		}
		return 0, ErrTooManyInFlight
	}
	cb.inFlight++
	return cb.generation, nil
}

// release records the outcome of an admitted request
func (cb *CircuitBreaker) release(gen uint64, failed bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.inFlight > 0 {
		cb.inFlight--
	}

	if gen != cb.generation {
		return
	}
	if failed {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case HalfOpen:
		cb.failures = 0
		cb.trial = false
		cb.state = Closed
		cb.log.Info("Circuit breaker closed after successful test request",
			logger.String("circuit", cb.name),
		)
	case Closed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.lastFailure = cb.now()

	switch cb.state {
	case HalfOpen:
		cb.state = Open
		cb.trial = false
		cb.generation++
		cb.log.Warn("Circuit breaker reopened after failed test request",
			logger.String("circuit", cb.name),
		)
	case Closed:
		cb.failures++
		if cb.failures >= cb.config.Threshold {
			cb.state = Open
			cb.generation++
			cb.log.Warn("Circuit breaker opened after consecutive failures",
				logger.String("circuit", cb.name),
				logger.Int("failures", cb.failures),
			)
		}
	}
}

// statusWriter captures the status code written by the proxy
type statusWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

// WriteHeader captures the status code
func (sw *statusWriter) WriteHeader(statusCode int) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
		sw.statusCode = statusCode
	}
	sw.ResponseWriter.WriteHeader(statusCode)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
