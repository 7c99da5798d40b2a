package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	handler := NewHealthHandler()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "ok", response["status"])
}

type countingObserver struct {
	mu    sync.Mutex
	paths []string
}

func (o *countingObserver) RecordRateLimitExceeded(_ context.Context, path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paths = append(o.paths, path)
}

func TestNewMux(t *testing.T) {
	callback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html></html>"))
	})
	limiter := newRateLimiter(1, 2, 0, nowFunc())
	observer := &countingObserver{}

	mux := NewMux(Routes{
		Callback:     callback,
		CallbackPath: "/auth/callback",
		Limiter:      limiter,
		Observer:     observer,
	})

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("messages disabled", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/messages", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("callback is rate limited per client", func(t *testing.T) {
		call := func(remote string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/auth/callback", nil)
			req.RemoteAddr = remote
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			return w
		}

		first := call("192.0.2.1:1234")
		assert.Equal(t, http.StatusOK, first.Code)
		assert.Equal(t, "DENY", first.Header().Get("X-Frame-Options"))
		assert.Equal(t, "no-referrer", first.Header().Get("Referrer-Policy"))

		assert.Equal(t, http.StatusOK, call("192.0.2.1:1235").Code)
		limited := call("192.0.2.1:1236")
		assert.Equal(t, http.StatusTooManyRequests, limited.Code)
		assert.Equal(t, "1", limited.Header().Get("Retry-After"))

		assert.Equal(t, http.StatusOK, call("192.0.2.2:1234").Code)
		assert.Equal(t, []string{"/auth/callback"}, observer.paths)
	})
}

func TestRecoverMiddleware(t *testing.T) {
	handler := ChainMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), NewRecoverMiddleware("test"), NewLoggerMiddleware("test"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name     string
		resolver ClientIPResolver
		xff      []string
		remote   string
		want     string
	}{
		{name: "proxy not trusted", resolver: ClientIPResolver{}, xff: []string{"203.0.113.9"}, want: "198.51.100.7"},
		{name: "one trusted proxy", resolver: ClientIPResolver{TrustProxy: true}, xff: []string{"203.0.113.9"}, want: "203.0.113.9"},
		{name: "spoofed hops are ignored", resolver: ClientIPResolver{TrustProxy: true}, xff: []string{"1.1.1.1, 2.2.2.2, 203.0.113.9"}, want: "203.0.113.9"},
		{name: "two trusted proxies", resolver: ClientIPResolver{TrustProxy: true, TrustedProxyCount: 2}, xff: []string{"1.1.1.1, 203.0.113.9", "10.0.0.1"}, want: "203.0.113.9"},
		{name: "short chain falls back to peer", resolver: ClientIPResolver{TrustProxy: true, TrustedProxyCount: 2}, xff: []string{"203.0.113.9"}, want: "198.51.100.7"},
		{name: "garbage hop falls back to peer", resolver: ClientIPResolver{TrustProxy: true}, xff: []string{"not-an-ip"}, want: "198.51.100.7"},
		{name: "unparsable peer", resolver: ClientIPResolver{}, remote: "not-an-address", want: "not-an-address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "198.51.100.7:4000"
			if tt.remote != "" {
				req.RemoteAddr = tt.remote
			}
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, tt.resolver.ClientIP(req))
		})
	}
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	mux := NewMux(Routes{
		Callback:     http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}),
		CallbackPath: "/auth/callback",
		Limiter:      newRateLimiter(1, 1, 0, nowFunc()),
	})

	call := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/callback", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, call("203.0.113.3"))
}

func TestMessagesRequireBearerSecret(t *testing.T) {
	messages := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		secret string
		auth   string
		want   int
	}{
		{name: "missing header", secret: "s3cret", want: http.StatusUnauthorized},
		{name: "wrong token", secret: "s3cret", auth: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", secret: "s3cret", auth: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "valid token", secret: "s3cret", auth: "Bearer s3cret", want: http.StatusNoContent},
		{name: "empty secret rejects all", secret: "", auth: "Bearer ", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := NewMux(Routes{
				Callback:       http.NotFoundHandler(),
				CallbackPath:   "/auth/callback",
				Messages:       messages,
				MessagesSecret: tt.secret,
			})
			req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}
