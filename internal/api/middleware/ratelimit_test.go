package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"admission-gateway/pkg/jwt"
	"admission-gateway/pkg/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testPolicy() *ratelimit.RateLimitPolicy {
	policy := ratelimit.DefaultPolicy()
	policy.RequestsPerWindow = 2
	policy.BurstLimit = 2
	policy.BurstRatio = 1000
	policy.Tiers = map[ratelimit.Tier]ratelimit.TierLimit{
		ratelimit.TierPremium: {RequestsPerWindow: 5, BurstLimit: 5},
	}
	policy.Blacklist = []string{"10.66.0.0/16"}
	policy.Whitelist = []string{"127.0.0.1"}
	policy.Distributed.Enabled = true
	policy.Distributed.KeyPrefix = "test_ratelimit:"
	policy.Distributed.TimeoutMillis = 200
	return policy
}

func setupTestMiddleware(t *testing.T, opts ...AdmissionOption) (*gin.Engine, *jwt.JWTUtil) {
	// Start miniredis server
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Ping(context.Background()).Err())

	limiter, err := ratelimit.New(testPolicy(),
		ratelimit.WithLogger(quietLogger()),
		ratelimit.WithStore(ratelimit.NewRedisStore(ratelimit.StaticRedisClient(client))),
	)
	require.NoError(t, err)
	limiter.Start(context.Background())

	t.Cleanup(func() {
		limiter.Stop()
		client.Close()
		mr.Close()
	})

	jwtUtil := jwt.NewJWTUtil("test-secret", "1h")

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), OptionalAuth(jwtUtil))
	opts = append([]AdmissionOption{WithSkipPaths("/health"), WithMiddlewareLogger(quietLogger())}, opts...)
	router.Use(NewAdmissionMiddleware(limiter, opts...).Gin())

	router.GET("/api/v1/items", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"items": []string{}})
	})
	router.GET("/api/v1/items/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router, jwtUtil
}

func doRequest(router http.Handler, path, ip string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":1234"
	req.Header.Set("User-Agent", "test-agent/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAdmissionMiddleware_BasicFunctionality(t *testing.T) {
	router, _ := setupTestMiddleware(t)

	w := doRequest(router, "/api/v1/items", "192.168.1.1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "free", w.Header().Get("X-RateLimit-Tier"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = doRequest(router, "/api/v1/items", "192.168.1.1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = doRequest(router, "/api/v1/items", "192.168.1.1", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.GreaterOrEqual(t, body["retryAfter"].(float64), 1.0)
}

func TestAdmissionMiddleware_SeparateClients(t *testing.T) {
	router, _ := setupTestMiddleware(t)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, doRequest(router, "/api/v1/items", "192.168.1.1", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, doRequest(router, "/api/v1/items", "192.168.1.1", nil).Code)

	assert.Equal(t, http.StatusOK, doRequest(router, "/api/v1/items", "192.168.1.2", nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "/api/v1/items", "192.168.1.1",
		map[string]string{"User-Agent": "other-agent/2.0"}).Code, "a different user agent is a different anonymous client")
}

func TestAdmissionMiddleware_VerifiedTierClaim(t *testing.T) {
	router, jwtUtil := setupTestMiddleware(t)

	token, err := jwtUtil.GenerateToken("acme", "premium", "")
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	for i := 0; i < 5; i++ {
		w := doRequest(router, "/api/v1/items", "192.168.1.10", auth)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		assert.Equal(t, "premium", w.Header().Get("X-RateLimit-Tier"))
	}
	assert.Equal(t, http.StatusTooManyRequests, doRequest(router, "/api/v1/items", "192.168.1.10", auth).Code)
}

func TestAdmissionMiddleware_ForgedTokenIsAnonymous(t *testing.T) {
	router, _ := setupTestMiddleware(t)

	forged, err := jwt.NewJWTUtil("attacker-secret", "1h").GenerateToken("acme", "enterprise", "")
	require.NoError(t, err)

	w := doRequest(router, "/api/v1/items", "192.168.1.11", map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "free", w.Header().Get("X-RateLimit-Tier"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
}

func TestAdmissionMiddleware_APIKeySharedAcrossAddresses(t *testing.T) {
	router, _ := setupTestMiddleware(t)
	key := map[string]string{APIKeyHeader: "sk_live_123"}

	assert.Equal(t, http.StatusOK, doRequest(router, "/api/v1/items", "192.168.2.1", key).Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "/api/v1/items", "192.168.2.2", key).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(router, "/api/v1/items", "192.168.2.3", key).Code)
}

func TestAdmissionMiddleware_AccessLists(t *testing.T) {
	router, _ := setupTestMiddleware(t)

	w := doRequest(router, "/api/v1/items", "10.66.1.5", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ACCESS_DENIED", body["code"])

	for i := 0; i < 10; i++ {
		w = doRequest(router, "/api/v1/items", "127.0.0.1", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, "unlimited", w.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestAdmissionMiddleware_SkipPaths(t *testing.T) {
	router, _ := setupTestMiddleware(t)

	for i := 0; i < 5; i++ {
		w := doRequest(router, "/health", "192.168.3.1", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

// MockAdmitter is a mock implementation of ratelimit.Admitter
type MockAdmitter struct {
	mock.Mock
}

func (m *MockAdmitter) CheckAdmission(clientID string, req ratelimit.RequestContext, strategy ratelimit.Strategy) ratelimit.AdmissionResult {
	args := m.Called(clientID, req, strategy)
	return args.Get(0).(ratelimit.AdmissionResult)
}

func TestAdmissionMiddleware_FailClosedResult(t *testing.T) {
	admitter := &MockAdmitter{}
	admitter.On("CheckAdmission", mock.Anything, mock.Anything, ratelimit.StrategyTokenBucket).Return(ratelimit.AdmissionResult{
		Allowed:         false,
		Reason:          ratelimit.ReasonInternalError,
		RetryAfter:      time.Second,
		AppliedStrategy: ratelimit.StrategyFailSafe,
	})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewAdmissionMiddleware(admitter, WithStrategy(ratelimit.StrategyTokenBucket), WithMiddlewareLogger(quietLogger())).Gin())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doRequest(router, "/x", "192.168.4.1", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "fail_safe", w.Header().Get("X-RateLimit-Strategy"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITER_UNAVAILABLE", body["code"])
	admitter.AssertExpectations(t)
}

func TestAdmissionMiddleware_RequestContext(t *testing.T) {
	admitter := &MockAdmitter{}
	admitter.On("CheckAdmission", mock.MatchedBy(func(id string) bool {
		return strings.HasPrefix(id, "anon:192.168.5.1:")
	}), mock.MatchedBy(func(req ratelimit.RequestContext) bool {
		return req.Endpoint == "/api/v1/items/*" &&
			req.Method == http.MethodGet &&
			req.SourceAddress == "192.168.5.1" &&
			req.Priority == ratelimit.PriorityHigh &&
			req.RequestID == "req-42" &&
			!req.Auth.Verified
	}), ratelimit.StrategyDefault).Return(ratelimit.AdmissionResult{Allowed: true, Limit: 10, Remaining: 9})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), NewAdmissionMiddleware(admitter, WithMiddlewareLogger(quietLogger())).Gin())
	router.GET("/api/v1/items/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doRequest(router, "/api/v1/items/507f1f77bcf86cd799439011", "192.168.5.1", map[string]string{
		PriorityHeader:  "high",
		RequestIDHeader: "req-42",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	admitter.AssertExpectations(t)
}

func TestAdmissionMiddleware_Handle(t *testing.T) {
	limiter, err := ratelimit.New(testPolicy(), ratelimit.WithLogger(quietLogger()))
	require.NoError(t, err)
	jwtUtil := jwt.NewJWTUtil("test-secret", "1h")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewAdmissionMiddleware(limiter, WithTokenVerifier(jwtUtil), WithMiddlewareLogger(quietLogger())).Handle(next)

	call := func(remote string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/items", nil)
		req.RemoteAddr = remote
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, call("192.168.6.1:5000", nil).Code)
	assert.Equal(t, http.StatusNoContent, call("192.168.6.1:5001", map[string]string{"X-Forwarded-For": "8.8.8.8"}).Code)
	w := call("192.168.6.1:5002", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "X-Forwarded-For is ignored unless trusted")
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	token, err := jwtUtil.GenerateToken("acme", "premium", "")
	require.NoError(t, err)
	w = call("192.168.6.1:5003", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "premium", w.Header().Get("X-RateLimit-Tier"))
}

func TestAdmissionMiddleware_HandleTrustsForwardedFor(t *testing.T) {
	limiter, err := ratelimit.New(testPolicy(), ratelimit.WithLogger(quietLogger()))
	require.NoError(t, err)
	m := NewAdmissionMiddleware(limiter, WithForwardedFor(true))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", m.sourceAddress(req))

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "203.0.113.10")
	assert.Equal(t, "203.0.113.10", m.sourceAddress(req))
}

func TestAdmissionMiddleware_GinIgnoresSpoofedForwardedFor(t *testing.T) {
	router, _ := setupTestMiddleware(t)
	spoof := func(forwarded string) *httptest.ResponseRecorder {
		return doRequest(router, "/api/v1/items", "10.66.0.5", map[string]string{"X-Forwarded-For": forwarded})
	}

	assert.Equal(t, http.StatusTooManyRequests, spoof("8.8.8.8").Code, "a blacklisted peer stays blacklisted")
	w := spoof("127.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "a whitelisted address cannot be claimed")
	assert.NotEqual(t, "unlimited", w.Header().Get("X-RateLimit-Remaining"))
}

func TestAdmissionMiddleware_GinTrustsConfiguredProxy(t *testing.T) {
	admitter := &MockAdmitter{}
	admitter.On("CheckAdmission", mock.MatchedBy(func(id string) bool {
		return strings.HasPrefix(id, "anon:203.0.113.9:")
	}), mock.MatchedBy(func(req ratelimit.RequestContext) bool {
		return req.SourceAddress == "203.0.113.9"
	}), ratelimit.StrategyDefault).Return(ratelimit.AdmissionResult{Allowed: true, Limit: 10, Remaining: 9}).Once()
	admitter.On("CheckAdmission", mock.MatchedBy(func(id string) bool {
		return strings.HasPrefix(id, "anon:198.51.100.7:")
	}), mock.MatchedBy(func(req ratelimit.RequestContext) bool {
		return req.SourceAddress == "198.51.100.7"
	}), ratelimit.StrategyDefault).Return(ratelimit.AdmissionResult{Allowed: true, Limit: 10, Remaining: 9}).Once()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	require.NoError(t, router.SetTrustedProxies([]string{"10.0.0.1"}))
	router.Use(NewAdmissionMiddleware(admitter, WithForwardedFor(true), WithMiddlewareLogger(quietLogger())).Gin())
	router.GET("/api/v1/items", func(c *gin.Context) { c.Status(http.StatusOK) })

	// Forwarded headers count only when the peer is a trusted proxy.
	assert.Equal(t, http.StatusOK, doRequest(router, "/api/v1/items", "10.0.0.1", map[string]string{"X-Forwarded-For": "203.0.113.9"}).Code)
	assert.Equal(t, http.StatusOK, doRequest(router, "/api/v1/items", "198.51.100.7", map[string]string{"X-Forwarded-For": "203.0.113.9"}).Code)
	admitter.AssertExpectations(t)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/v1/items/*", normalizePath("/api/v1/items/42"))
	assert.Equal(t, "/api/v1/items/*/tags", normalizePath("/api/v1/items/507f1f77bcf86cd799439011/tags"))
	assert.Equal(t, "/api/v1/items/*", normalizePath("/api/v1/items/6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	assert.Equal(t, "/api/v1/items/search", normalizePath("/api/v1/items/search"))
	assert.False(t, isID("zzzzzzzzzzzzzzzzzzzzzzzz"), "24 characters that are not hex")
}

func TestFingerprint(t *testing.T) {
	assert.Len(t, fingerprint("anything"), 32)
	assert.Equal(t, fingerprint("a"), fingerprint("a"))
	assert.NotEqual(t, fingerprint("a"), fingerprint("b"))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, ratelimit.PriorityCritical, parsePriority("CRITICAL"))
	assert.Equal(t, ratelimit.PriorityMedium, parsePriority(" medium "))
	assert.Equal(t, ratelimit.PriorityLow, parsePriority(""))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(10*time.Millisecond))
	assert.Equal(t, 3, retryAfterSeconds(2500*time.Millisecond))
}
