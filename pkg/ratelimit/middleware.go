package ratelimit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
)

// Handler answers 429 for clients over their per-IP budget.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr)
		if !l.Allow(ip) {
			slog.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, map[string]string{
				"code":    "rate_limit_exceeded",
				"message": "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
