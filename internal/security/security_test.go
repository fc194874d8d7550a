package security

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/family-bank/internal/principal"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestCorrelationIDPropagation(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
		WriteError(w, r, http.StatusConflict, "invalid_state", "loan is not pending")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "abc-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rr.Header().Get(CorrelationIDHeader))
	body := decodeError(t, rr)
	assert.Equal(t, ErrorResponse{Error: "invalid_state", Message: "loan is not pending", CorrelationID: "abc-123"}, body)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "bad id\n"+strings.Repeat("x", 80))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Len(t, seen, 36)
}

func TestIPAllowlist(t *testing.T) {
	allow, err := ParseCIDRAllowlist([]string{"10.0.0.0/8", " 192.168.1.7 ", ""})
	require.NoError(t, err)
	require.Len(t, allow, 2)
	proxies, err := ParseCIDRAllowlist([]string{"127.0.0.1"})
	require.NoError(t, err)

	h := IPAllowlist(allow, proxies)(ok)
	cases := []struct {
		remote, fwd string
		want        int
	}{
		{"10.1.2.3:5000", "", http.StatusNoContent},
		{"192.168.1.7:1", "", http.StatusNoContent},
		{"192.168.1.8:1", "", http.StatusForbidden},
		{"127.0.0.1:9", "10.9.9.9, 127.0.0.1", http.StatusNoContent},
		{"172.16.0.1:9", "10.9.9.9", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		if tc.fwd != "" {
			req.Header.Set("X-Forwarded-For", tc.fwd)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, tc.want, rr.Code, tc.remote)
	}

	_, err = ParseCIDRAllowlist([]string{"nope/99"})
	assert.Error(t, err)
}

func TestRedisTokenBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Unix(1_700_000_000, 0)
	l := &RedisTokenBucket{Redis: rdb, Prefix: "rl", Capacity: 2, RefillRate: 1, Now: func() time.Time { return now }}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, remaining, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)

	allowed, _, err = l.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, allowed)

	now = now.Add(1500 * time.Millisecond)
	allowed, _, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := &RedisTokenBucket{Redis: rdb, Capacity: 1, RefillRate: 0.01}
	h := RateLimitMiddleware(l, KeyByPrincipalOrIP(nil))(ok)

	send := func(p *principal.Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if p != nil {
			req = req.WithContext(principal.WithPrincipal(req.Context(), *p))
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusNoContent, send(nil).Code)
	rr := send(nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rr).Error)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, send(&principal.Principal{ID: "parent-1", Role: principal.RoleParent}).Code)

	mr.Close()
	rr = send(&principal.Principal{ID: "parent-2", Role: principal.RoleParent})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestJSONSchemaValidator(t *testing.T) {
	v := MustJSONSchemaValidator(`{
		"type": "object",
		"required": ["amount"],
		"properties": {"amount": {"type": "integer", "minimum": 1}},
		"additionalProperties": false
	}`)
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 5, body["amount"])
		w.WriteHeader(http.StatusNoContent)
	}))

	post := func(body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		return rr
	}

	assert.Equal(t, http.StatusNoContent, post(`{"amount": 5}`).Code)

	rr := post(`{"amount": 0}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeError(t, rr)
	assert.Equal(t, "validation_error", body.Error)
	assert.Contains(t, body.Message, "amount")

	assert.Equal(t, http.StatusBadRequest, post(`{"amount": 5, "extra": 1}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{not json`).Code)
	assert.Equal(t, http.StatusBadRequest, post(``).Code)

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount": 5}`))
	req.Body = http.MaxBytesReader(rr, req.Body, 4)
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	_, err := NewJSONSchemaValidator(`{"type": 12}`)
	assert.Error(t, err)
}
