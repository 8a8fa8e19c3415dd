package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/medivoice/backend/internal/metrics"
)

const testSecret = "test-secret-key-for-hs256-signing"

func signToken(t *testing.T, subject, issuer string, expires time.Time) string {
	t.Helper()
	builder := jwt.NewBuilder().Subject(subject).IssuedAt(time.Now()).Expiration(expires)
	if issuer != "" {
		builder = builder.Issuer(issuer)
	}
	tok, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, _ := OwnerFromContext(r.Context())
		_, _ = w.Write([]byte(owner))
	})
}

func TestRequireIdentityWithJWT(t *testing.T) {
	auth, err := NewJWTAuthenticator(testSecret, "medivoice")
	require.NoError(t, err)
	handler := RequireIdentity(auth)(ownerEcho())

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		owner  string
	}{
		{
			name: "valid bearer",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+signToken(t, "user-42", "medivoice", time.Now().Add(time.Hour)))
			},
			status: http.StatusOK,
			owner:  "user-42",
		},
		{
			name: "query token",
			setup: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("access_token", signToken(t, "user-7", "medivoice", time.Now().Add(time.Hour)))
				r.URL.RawQuery = q.Encode()
			},
			status: http.StatusOK,
			owner:  "user-7",
		},
		{
			name:   "missing token",
			setup:  func(r *http.Request) {},
			status: http.StatusUnauthorized,
		},
		{
			name: "expired",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+signToken(t, "user-42", "medivoice", time.Now().Add(-time.Hour)))
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "wrong issuer",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+signToken(t, "user-42", "someone-else", time.Now().Add(time.Hour)))
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "garbage",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer not.a.token")
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "non bearer scheme",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			},
			status: http.StatusUnauthorized,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/voice-chat", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.owner, rec.Body.String())
				return
			}
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "Unauthorized", body["error"])
		})
	}
}

func TestNewJWTAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewJWTAuthenticator("  ", "")
	assert.Error(t, err)
}

func TestHeaderAuthenticator(t *testing.T) {
	handler := RequireIdentity(HeaderAuthenticator{})(ownerEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Owner-ID", "dev-user")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "dev-user", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFixedWindowLimiter(t *testing.T) {
	limiter := NewFixedWindowLimiter(30, time.Minute)
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	now := base
	limiter.now = func() time.Time { return now }

	for i := 0; i < 30; i++ {
		allowed, _ := limiter.Allow("10.0.0.1")
		require.True(t, allowed, "request %d", i+1)
		now = now.Add(time.Second)
	}

	allowed, retryAfter := limiter.Allow("10.0.0.1")
	assert.False(t, allowed, "31st request within the window is rejected")
	assert.Equal(t, 30*time.Second, retryAfter)

	other, _ := limiter.Allow("10.0.0.2")
	assert.True(t, other, "limits are per key")

	// 窗口从第一个请求起算 60 秒后重置。
	now = base.Add(59 * time.Second)
	allowed, _ = limiter.Allow("10.0.0.1")
	assert.False(t, allowed)

	now = base.Add(60 * time.Second)
	allowed, _ = limiter.Allow("10.0.0.1")
	assert.True(t, allowed)
}

func TestFixedWindowLimiterSweepsExpiredKeys(t *testing.T) {
	limiter := NewFixedWindowLimiter(1, time.Minute)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	for i := 0; i <= sweepThreshold; i++ {
		limiter.Allow(time.Duration(i).String())
	}
	now = now.Add(2 * time.Minute)
	limiter.Allow("fresh")
	assert.Len(t, limiter.windows, 1)
}

func TestRateLimitMiddleware(t *testing.T) {
	m := metrics.New()
	limiter := NewFixedWindowLimiter(2, time.Minute)
	handler := RateLimit(limiter, m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/voice-chat", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("192.0.2.1:1111").Code)
	assert.Equal(t, http.StatusOK, do("192.0.2.1:2222").Code, "port is ignored")
	rec := do("192.0.2.1:3333")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"success":false`)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimited))

	assert.Equal(t, http.StatusOK, do("192.0.2.9:1111").Code)
}

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/voice-chat", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, called)
}
