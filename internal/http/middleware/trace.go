package middleware

import (
	"net/http"
	"time"

	"github.com/iago/converter-saas-back/internal/logger"
)

func Trace(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := wrapResponseWriter(w)
			next.ServeHTTP(recorder, r)
			if log != nil {
				log.Info("request",
					"request_id", GetRequestID(r.Context()),
					"client_ip", GetClientIP(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
		})
	}
}
