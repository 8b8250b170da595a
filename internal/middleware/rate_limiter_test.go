package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowWithinBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 2, BurstSize: 3})

	assert.True(t, rl.Allow("acme:researcher"))
	assert.True(t, rl.Allow("acme:researcher"))
	assert.False(t, rl.Allow("acme:researcher"), "over the per-minute limit")
	assert.True(t, rl.Allow("acme:other"), "keys are independent")
}

func TestRateLimiterAcquireSharesWindowWithAllow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})

	assert.True(t, rl.Acquire("acme:researcher"))
	assert.False(t, rl.Allow("acme:researcher"), "tool-loop acquisitions and HTTP requests draw from one window")
}

func TestRateLimiterMiddleware429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
		req.Header.Set("X-Tenant-ID", "acme")
		req.Header.Set("X-Agent-ID", "researcher")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

type fakeValidator map[string]string

func (f fakeValidator) ValidateKey(_ context.Context, key string) (string, error) {
	id, ok := f[key]
	if !ok {
		return "", errors.New("unknown key")
	}
	return id, nil
}

func TestTenantMiddleware(t *testing.T) {
	var seen string
	handler := TenantMiddleware(fakeValidator{"sk-good": "acme"},
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = TenantFrom(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk-bad")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no key and no header")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "trusted")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trusted", seen)
}
