package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/crypto"
	"github.com/alanyoungcy/priceescrow/internal/domain"
)

func TestLoggingAssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	h := Logging(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("nope"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/escrows", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"status":409`)
	assert.Contains(t, buf.String(), `"bytes":4`)
}

func TestLoggingKeepsClientRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := Logging(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	called := false
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/1", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestCORSWildcard(t *testing.T) {
	h := CORS([]string{"*"})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/escrows", nil)
	req.Header.Set("Origin", "https://any.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://any.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

type fixedLimiter struct {
	d    domain.RateDecision
	keys []string
}

func (f *fixedLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (domain.RateDecision, error) {
	f.keys = append(f.keys, key)
	return f.d, nil
}

func TestRateLimitHeadersAndKeys(t *testing.T) {
	lim := &fixedLimiter{d: domain.RateDecision{RetryAfter: 1500 * time.Millisecond}}
	h := RateLimit(lim, 10, time.Minute, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/1", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	signed := httptest.NewRequest(http.MethodPost, "/api/escrows", nil)
	signed.Header.Set(crypto.HeaderAddress, "0xABC")
	lim.d = domain.RateDecision{Allowed: true, Remaining: 9}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signed)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, []string{"ip:203.0.113.9", "addr:0xabc"}, lim.keys)
}

func TestRequireAPIKeyRotation(t *testing.T) {
	h := RequireAPIKey("old-key, new-key")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		header, value string
		want          int
	}{
		{"Authorization", "Bearer old-key", http.StatusNoContent},
		{"Authorization", "bearer new-key", http.StatusNoContent},
		{"X-API-Key", "new-key", http.StatusNoContent},
		{"X-API-Key", "new-key-2", http.StatusUnauthorized},
		{"Authorization", "Basic old-key", http.StatusUnauthorized},
		{"", "", http.StatusUnauthorized},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
		if tc.header != "" {
			req.Header.Set(tc.header, tc.value)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, tc.value)
		if tc.want == http.StatusUnauthorized {
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			assert.Contains(t, rec.Body.String(), `"error"`)
		}
	}

	rec := httptest.NewRecorder()
	RequireAPIKey(" , ")(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
