package middleware

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jason-s-yu/bingo/internal/cache"
	"github.com/sirupsen/logrus"
)

// RateLimit allows each client address perMinute requests per calendar minute, counted in
// the shared store so the limit holds across instances. If the store is unavailable the
// request is let through. perMinute <= 0 disables the limit.
func RateLimit(store cache.Store, perMinute int, logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			window := time.Now().Unix() / 60
			key := fmt.Sprintf("bingo:rate:%s:%d", ClientIP(r), window)

			n, err := store.Incr(r.Context(), key)
			if err != nil {
				logger.WithField("key", key).Debugf("rate limit check failed: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if n == 1 {
				if err := store.Expire(r.Context(), key, 2*time.Minute); err != nil {
					logger.WithField("key", key).Debugf("failed to expire rate key: %v", err)
				}
			}
			if n > int64(perMinute) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprint(60-time.Now().Unix()%60))
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop, else the remote host.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
