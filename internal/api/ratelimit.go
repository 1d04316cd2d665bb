package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter enforces a per-client request budget on the query routes.
// Buckets are keyed by remote IP and pruned when idle, so a scanner cycling
// source ports cannot grow the map without bound.
type clientLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBucket
	limit    rate.Limit
	burst    int
	maxIdle  time.Duration
	lastScan time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute, burst int) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 15
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &clientLimiter{
		clients: make(map[string]*clientBucket),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		maxIdle: 10 * time.Minute,
	}
}

func (l *clientLimiter) allow(clientKey string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastScan) > l.maxIdle {
		for key, b := range l.clients {
			if now.Sub(b.lastSeen) > l.maxIdle {
				delete(l.clients, key)
			}
		}
		l.lastScan = now
	}

	b, ok := l.clients[clientKey]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientKey] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:      "rate_limited",
				Suggestion: "slow down and retry in a minute",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
