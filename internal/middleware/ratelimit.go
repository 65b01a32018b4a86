package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedIPs bounds the limiter map; idle limiters are dropped once it is reached.
const maxTrackedIPs = 10000

type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// newRateLimiter allows max requests per window for each key, refilled evenly across the window.
func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(max)),
		burst:    max,
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxTrackedIPs {
			r.pruneLocked(now)
		}
		l = rate.NewLimiter(r.every, r.burst)
		r.limiters[key] = l
	}
	return l.AllowN(now, 1)
}

// pruneLocked forgets limiters that have refilled completely; they behave like new ones.
func (r *rateLimiter) pruneLocked(now time.Time) {
	for key, l := range r.limiters {
		if l.TokensAt(now) >= float64(r.burst) {
			delete(r.limiters, key)
		}
	}
}

// RateLimitByIP answers 429 once a client IP exceeds max requests per window. Use it after
// chi's RealIP so RemoteAddr is the client address.
func RateLimitByIP(max int, window time.Duration) func(http.Handler) http.Handler {
	limiter := newRateLimiter(max, window)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if host, _, err := net.SplitHostPort(key); err == nil {
				key = host
			}
			if !limiter.allow(key, time.Now()) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
