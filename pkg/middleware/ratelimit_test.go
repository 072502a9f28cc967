package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRateLimiter_BurstThen429(t *testing.T) {
	limiter := NewRateLimiter(1, 3, time.Minute, quietLogger())
	h := GatewayIdentity(limiter.Handler(http.HandlerFunc(ok)))

	codes := make([]int, 0, 4)
	for range 4 {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/reviews/r1/helpful", nil)
		req.Header.Set(HeaderUserID, "u1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "RATE_LIMITED", errorCode(t, rec))
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 200, 429}, codes)
}

func TestRateLimiter_CallersIndependent(t *testing.T) {
	limiter := NewRateLimiter(1, 1, time.Minute, quietLogger())
	h := GatewayIdentity(limiter.Handler(http.HandlerFunc(ok)))

	send := func(user, remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if user != "" {
			req.Header.Set(HeaderUserID, user)
		}
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("u1", "10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, send("u2", "10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, send("", "10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, send("", "10.0.0.2:1"))
	assert.Equal(t, http.StatusTooManyRequests, send("u1", "10.0.0.9:1"))
	assert.Equal(t, http.StatusTooManyRequests, send("", "10.0.0.1:2"))
}

func TestRateLimiter_RefillsAndSweeps(t *testing.T) {
	limiter := NewRateLimiter(60, 1, time.Minute, quietLogger())
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("user:a"))
	assert.False(t, limiter.Allow("user:a"))

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("user:a"))
	assert.True(t, limiter.Allow("user:b"))
	assert.Equal(t, 2, limiter.Len())

	now = now.Add(2 * time.Minute)
	assert.True(t, limiter.Allow("user:c"))
	assert.Equal(t, 1, limiter.Len())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.2:80", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.2:80", "198.51.100.4"},
		{"garbage header", map[string]string{"X-Forwarded-For": "nope"}, "10.0.0.2:80", "10.0.0.2"},
		{"remote without port", nil, "10.0.0.3", "10.0.0.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
