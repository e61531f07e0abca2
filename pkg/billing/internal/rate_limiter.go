package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// pruneAtSize bounds the per-IP map. Webhook traffic comes from a handful of
// Stripe egress IPs, so the map staying small is the normal case and the
// sweep almost never runs.
const pruneAtSize = 256

// RateLimiter caps webhook requests per client IP over a fixed window. The
// endpoint is unauthenticated until signature verification runs, so the
// limiter sits in front of it.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*clientWindow
}

type clientWindow struct {
	hits      int
	expiresAt time.Time
}

// NewRateLimiter returns a limiter allowing limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientWindow),
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if len(rl.clients) >= pruneAtSize {
		rl.prune(now)
	}

	cw, ok := rl.clients[ip]
	if !ok || now.After(cw.expiresAt) {
		rl.clients[ip] = &clientWindow{hits: 1, expiresAt: now.Add(rl.window)}
		return true
	}
	if cw.hits >= rl.limit {
		return false
	}
	cw.hits++
	return true
}

// prune drops expired windows. Caller holds the lock.
func (rl *RateLimiter) prune(now time.Time) {
	for ip, cw := range rl.clients {
		if now.After(cw.expiresAt) {
			delete(rl.clients, ip)
		}
	}
}

// Middleware rejects over-limit requests with 429 before the handler runs.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(GetClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClientIP returns the first X-Forwarded-For hop when a proxy set one,
// otherwise the connection's RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
