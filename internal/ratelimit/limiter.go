package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter allows at most limit events per key and window. It fails closed:
// when Redis cannot be reached every request is refused.
type Limiter struct {
	window *Window
	limit  int64
}

func NewLimiter(client redis.UniversalClient, prefix string, limit int, per time.Duration) (*Limiter, error) {
	if limit <= 0 {
		return nil, errors.New("rate limit must be positive")
	}
	w, err := NewWindow(client, prefix, per)
	if err != nil {
		return nil, err
	}
	return &Limiter{window: w, limit: int64(limit)}, nil
}

func (l *Limiter) Allow(ctx context.Context, key string) bool {
	n, err := l.window.Incr(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "rate limiter unavailable, refusing request", "err", err)
		return false
	}
	return n <= l.limit
}

// RetryAfter rounds the rest of the window up to whole seconds.
func (l *Limiter) RetryAfter() int {
	secs := int((l.window.Remaining() + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// Middleware answers 429 with Retry-After once scope:key(r) is over quota.
// A nil limiter disables limiting; onLimited observes each rejection.
func Middleware(l *Limiter, scope string, key func(*http.Request) string, onLimited func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := scope
			if key != nil {
				k += ":" + key(r)
			}
			if l.Allow(r.Context(), k) {
				next.ServeHTTP(w, r)
				return
			}
			if onLimited != nil {
				onLimited(r)
			}
			w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfter()))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests", "code": "RATE_LIMITED"})
		})
	}
}
