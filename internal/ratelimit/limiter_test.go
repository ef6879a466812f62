package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow(t *testing.T) {
	// 1 request/sec, burst of 2
	l := New(1, 2)
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"), "first request")
	assert.True(t, l.Allow("10.0.0.1"), "second request (burst)")
	assert.False(t, l.Allow("10.0.0.1"), "third request exceeds burst")
}

func TestSeparateIPs(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "each IP has its own bucket")
}

func TestEvict(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()

	l.Allow("10.0.0.1")
	l.evict(time.Now().Add(staleAfter + time.Second))
	assert.Empty(t, l.ips)
	assert.True(t, l.Allow("10.0.0.1"), "evicted clients start with a full bucket")
}

func TestMiddleware(t *testing.T) {
	l := New(1, 1)
	defer l.Stop()
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(forwardedFor string) int {
		r := httptest.NewRequest(http.MethodGet, "/api/raw", nil)
		r.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, do("203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, do("203.0.113.7"))
	assert.Equal(t, http.StatusNoContent, do("203.0.113.8"))
}

func TestStopTwice(t *testing.T) {
	l := New(1, 1)
	l.Stop()
	l.Stop()
}
