// Package ratelimit provides per-client request rate limiting for the API
// routes, chiefly to slow down password guessing.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/tomasen/realip"
	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks per-IP request rates using a token bucket.
type Limiter struct {
	rate  rate.Limit
	burst int

	mu  sync.Mutex
	ips map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter that allows r requests per second with the given
// burst. A background goroutine evicts idle clients; call Stop to release
// it.
func New(r float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		rate:  rate.Limit(r),
		burst: burst,
		ips:   map[string]*entry{},
		stop:  make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Allow reports whether a request from ip should be permitted.
func (l *Limiter) Allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	e, ok := l.ips[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.ips[ip] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// Middleware answers 429 once a client exceeds its budget. Client IPs honour
// X-Forwarded-For / X-Real-Ip as set by a fronting proxy.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(realip.FromRequest(r)) {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"Too many requests."}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

const staleAfter = 5 * time.Minute

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.ips {
		if now.Sub(e.lastSeen) > staleAfter {
			delete(l.ips, ip)
		}
	}
}
