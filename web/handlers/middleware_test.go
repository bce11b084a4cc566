package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/sessiond/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuthDevelopmentPassesThrough(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.SecurityMode = "development"

	rec := httptest.NewRecorder()
	RequireAuth(okHandler(), cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuthProduction(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.SecurityMode = "production"
	cfg.Security.APIToken = "secret-token"

	handler := RequireAuth(okHandler(), cfg)

	// Missing token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct token.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuthProductionWithoutTokenConfigured(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.SecurityMode = "production"

	rec := httptest.NewRecorder()
	RequireAuth(okHandler(), cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	// 1 req/sec with burst 2: the third immediate request is rejected.
	handler := RateLimitMiddleware(okHandler(), NewRateLimiter(1, 2))

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
		codes[i] = rec.Code
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}
