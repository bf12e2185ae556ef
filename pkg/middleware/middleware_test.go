package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bec-project/bec-atlas/pkg/contextkeys"
	"github.com/bec-project/bec-atlas/pkg/errdefs"
	"github.com/bec-project/bec-atlas/pkg/models"
	"github.com/bec-project/bec-atlas/pkg/observability"
	"github.com/bec-project/bec-atlas/pkg/store"
)

type stubResolver map[string]*models.User

func (s stubResolver) Resolve(_ context.Context, token string) (*models.User, error) {
	if token == "broken" {
		return nil, errdefs.Unavailable("users", errors.New("connection refused"))
	}
	if u, ok := s[token]; ok {
		return u, nil
	}
	return nil, errdefs.Forbidden("auth.Resolve", "invalid token")
}

var users = stubResolver{
	"tok-alice": {ID: "u1", Email: "alice@x", Groups: []string{"p1234"}},
	"tok-admin": {ID: "u2", Email: "root@x", Groups: []string{"admin"}},
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(contextkeys.User(r.Context()).Email + "|" + observability.GetUserID(r.Context())))
	})
}

func request(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/redis", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestPrincipal(t *testing.T) {
	h := Principal(users, nil)(echoUser())

	tests := []struct {
		name   string
		token  string
		status int
		body   string
	}{
		{"resolved", "tok-alice", http.StatusOK, "alice@x|alice@x"},
		{"missing token", "", http.StatusUnauthorized, "invalid token"},
		{"unknown token", "tok-eve", http.StatusUnauthorized, "invalid token"},
		{"store down", "broken", http.StatusServiceUnavailable, "backend unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, request(tt.token))
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestPrincipal_CookieToken(t *testing.T) {
	h := Principal(users, nil)(echoUser())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "access_token", Value: "tok-admin"})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "root@x")
}

func TestRequireGroup(t *testing.T) {
	h := Principal(users, nil)(RequireGroup("admin", "bec_group")(echoUser()))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, request("tok-admin"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, request("tok-alice"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	RequireGroup("admin")(echoUser()).ServeHTTP(w, request(""))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func setupLimiter(t *testing.T, limit int) (*DistributedRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := store.New(context.Background(), store.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: limit, WindowDuration: time.Minute}, ""), mr
}

func TestRateLimit_PerPrincipal(t *testing.T) {
	rl, mr := setupLimiter(t, 2)
	h := Principal(users, nil)(RateLimit(rl, nil)(echoUser()))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, request("tok-alice"))
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, request("tok-alice"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	// Another principal has its own budget
	w = httptest.NewRecorder()
	h.ServeHTTP(w, request("tok-admin"))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.True(t, mr.Exists("ratelimit:user:alice@x"))
	assert.Equal(t, time.Minute, mr.TTL("ratelimit:user:alice@x"))

	// The window expires
	mr.FastForward(time.Minute + time.Second)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, request("tok-alice"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_AnonymousByAddress(t *testing.T) {
	rl, mr := setupLimiter(t, 1)
	h := RateLimit(rl, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.7, 10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, mr.Exists("ratelimit:ip:10.0.0.7"))
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl, mr := setupLimiter(t, 1)
	mr.Close()
	h := RateLimit(rl, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, request(""))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
