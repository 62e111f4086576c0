package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"extension-gateway/internal/config"
	"extension-gateway/internal/handlers"
	"extension-gateway/internal/util"
	"extension-gateway/pkg/logger"
)

// RateLimiter throttles proxied requests per client IP
type RateLimiter struct {
	config            *config.RateLimitConfig
	trustProxyHeaders bool
	refillRate        float64
	buckets           map[string]*tokenBucket
	bucketsMutex      sync.RWMutex
	metrics           *MetricsMiddleware
	log               logger.Logger
}

// tokenBucket implements the token bucket algorithm for rate limiting
type tokenBucket struct {
	tokens         float64
	maxTokens      float64
	refillRate     float64
	lastRefillTime time.Time
	mutex          sync.Mutex
}

// NewRateLimiter creates a new rate limiting middleware. metrics may be nil.
func NewRateLimiter(cfg *config.RateLimitConfig, trustProxyHeaders bool, metrics *MetricsMiddleware, log logger.Logger) *RateLimiter {
	return &RateLimiter{
		config:            cfg,
		trustProxyHeaders: trustProxyHeaders,
		refillRate:        tokensPerSecond(cfg.Requests, cfg.Period),
		buckets:           make(map[string]*tokenBucket),
		metrics:           metrics,
		log:               log,
	}
}

func tokensPerSecond(requests int, period string) float64 {
	switch period {
	case "second":
		return float64(requests)
	case "hour":
		return float64(requests) / 3600
	case "day":
		return float64(requests) / 86400
	default:
		return float64(requests) / 60
	}
}

// getBucket gets or creates a token bucket for a client
func (rl *RateLimiter) getBucket(clientID string) *tokenBucket {
	rl.bucketsMutex.RLock()
	bucket, exists := rl.buckets[clientID]
	rl.bucketsMutex.RUnlock()

	if exists {
		return bucket
	}

	rl.bucketsMutex.Lock()
	defer rl.bucketsMutex.Unlock()

	// Check again to avoid race conditions
	if bucket, exists = rl.buckets[clientID]; exists {
		return bucket
	}

	bucket = &tokenBucket{
		tokens:         float64(rl.config.Requests),
		maxTokens:      float64(rl.config.Requests),
		refillRate:     rl.refillRate,
		lastRefillTime: time.Now(),
	}
	rl.buckets[clientID] = bucket
	return bucket
}

// RateLimit middleware applies rate limiting to requests. Preflights are
// answered before they get here.
func (rl *RateLimiter) RateLimit(next http.Handler) http.Handler {
	if !rl.config.Enabled || rl.config.Requests <= 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := util.GetClientIP(r, rl.trustProxyHeaders)
		bucket := rl.getBucket(clientID)

		if allowed := rl.tryConsume(bucket); !allowed {
			rl.metrics.IncrementRateLimit(CurrentRouteLabel(r))
			rl.log.Debug("Rate limit exceeded",
				logger.String("path", r.URL.Path),
				logger.String("method", r.Method),
				logger.String("client", clientID),
			)

			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			handlers.WriteError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole number of seconds until one token is back
func (rl *RateLimiter) retryAfter() int {
	if rl.refillRate <= 0 {
		return 1
	}
	secs := int(1/rl.refillRate + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// tryConsume attempts to consume a token from the bucket
func (rl *RateLimiter) tryConsume(bucket *tokenBucket) bool {
	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefillTime).Seconds()

	bucket.tokens = bucket.tokens + (elapsed * bucket.refillRate)
	if bucket.tokens > bucket.maxTokens {
		bucket.tokens = bucket.maxTokens
	}

	bucket.lastRefillTime = now

	if bucket.tokens < 1 {
		return false
	}

	bucket.tokens--
	return true
}

// sweep drops buckets idle for longer than idle. Callers pass at least the
// full refill time, so a dropped bucket would have been full again.
func (rl *RateLimiter) sweep(now time.Time, idle time.Duration) int {
	rl.bucketsMutex.Lock()
	defer rl.bucketsMutex.Unlock()

	removed := 0
	for id, bucket := range rl.buckets {
		bucket.mutex.Lock()
		stale := now.Sub(bucket.lastRefillTime) > idle
		bucket.mutex.Unlock()
		if stale {
			delete(rl.buckets, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every interval until ctx is done
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idle := interval
	if rl.refillRate > 0 {
		if full := time.Duration(float64(rl.config.Requests) / rl.refillRate * float64(time.Second)); full > idle {
			idle = full
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := rl.sweep(now, idle); n > 0 {
				rl.log.Debug("Dropped idle rate limit buckets", logger.Int("count", n))
			}
		}
	}
}
