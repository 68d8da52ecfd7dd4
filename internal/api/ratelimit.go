package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	used  int
}

// NewRateLimiter returns a limiter with one-minute windows.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{window: time.Minute, now: time.Now, windows: map[string]*rateWindow{}}
}

// RunCleanup forgets finished windows every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.sweep()
		}
	}
}

// Allow spends one request from key's current window. When the window is
// full it returns false and how long until the next one opens.
func (rl *RateLimiter) Allow(key string, limit int) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.windows[key]
	if w == nil || now.Sub(w.start) >= rl.window {
		rl.windows[key] = &rateWindow{start: now, used: 1}
		return true, 0
	}
	if w.used >= limit {
		return false, w.start.Add(rl.window).Sub(now)
	}
	w.used++
	return true, 0
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for k, w := range rl.windows {
		if now.Sub(w.start) >= rl.window {
			delete(rl.windows, k)
		}
	}
}

// withRateLimit limits a route class per caller. Callers are identified by
// device id, then API key, then client IP. A zero limit disables it.
func (s *Server) withRateLimit(class string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := class + "|" + callerKey(r)
			ok, wait := s.rateLimiter.Allow(key, limit)
			if !ok {
				logFor(r.Context()).Warn("rate limited", "class", class, "retry_in", wait)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, ErrCodeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if dev := deviceID(r); dev != "" {
		return "dev:" + dev
	}
	if ak := apiKeyFromContext(r.Context()); ak != nil {
		return "key:" + ak.ID
	}
	return "ip:" + clientIP(r)
}

// clientIP prefers the first hop of X-Forwarded-For over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
