package middleware

import (
	"net/http"
	"time"

	"extension-gateway/internal/util"
	"extension-gateway/pkg/logger"
)

// AccessLog writes one structured line per request
func AccessLog(log logger.Logger, trustProxyHeaders bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := newResponseRecorder(w)

			next.ServeHTTP(recorder, r)

			log.Info("request",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", recorder.statusCode),
				logger.Int("bytes", recorder.written),
				logger.String("origin", r.Header.Get("Origin")),
				logger.String("extension_id", r.Header.Get("X-Extension-Id")),
				logger.String("client_ip", util.GetClientIP(r, trustProxyHeaders)),
				logger.Any("duration", time.Since(start)),
			)
		})
	}
}
