package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter admits at most limit requests per client in each fixed window.
// Stale client entries are swept lazily, at most once per window, so the
// limiter needs no background goroutine.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientWindow
	lastSweep time.Time
}

type clientWindow struct {
	start time.Time
	used  int
}

// NewRateLimiter returns a limiter admitting limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientWindow),
	}
}

// Take records a request from addr. When the client is over its limit it
// reports false and how long until its window reopens.
func (rl *RateLimiter) Take(addr string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(now)
	}

	cw, ok := rl.clients[addr]
	if !ok || now.Sub(cw.start) >= rl.window {
		cw = &clientWindow{start: now}
		rl.clients[addr] = cw
	}
	if cw.used >= rl.limit {
		return false, cw.start.Add(rl.window).Sub(now)
	}
	cw.used++
	return true, 0
}

// sweep drops clients whose window has closed. Callers hold mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for addr, cw := range rl.clients {
		if now.Sub(cw.start) >= rl.window {
			delete(rl.clients, addr)
		}
	}
	rl.lastSweep = now
}

// RateLimitMiddleware answers 429 with a Retry-After header once a client is
// over the limit.
func RateLimitMiddleware(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := rl.Take(clientAddr(r))
		if !ok {
			secs := int((wait + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// clientAddr is the request's client IP without port. The first
// X-Forwarded-For entry wins for proxied requests.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
