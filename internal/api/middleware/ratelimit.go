package middleware

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"admission-gateway/pkg/jwt"
	"admission-gateway/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

const (
	APIKeyHeader   = "X-API-Key"
	PriorityHeader = "X-Request-Priority"
)

// AdmissionMiddleware runs every request through an Admitter and turns
// denials into 429 responses.
type AdmissionMiddleware struct {
	limiter        ratelimit.Admitter
	strategy       ratelimit.Strategy
	verifier       *jwt.JWTUtil
	skipPaths      map[string]struct{}
	trustForwarded bool
	logger         log.FieldLogger
}

type AdmissionOption func(*AdmissionMiddleware)

// WithStrategy requests a specific strategy instead of the policy default.
func WithStrategy(strategy ratelimit.Strategy) AdmissionOption {
	return func(m *AdmissionMiddleware) {
		m.strategy = strategy
	}
}

// WithTokenVerifier lets Handle verify bearer tokens itself. Gin chains
// usually run OptionalAuth first instead.
func WithTokenVerifier(verifier *jwt.JWTUtil) AdmissionOption {
	return func(m *AdmissionMiddleware) {
		m.verifier = verifier
	}
}

// WithSkipPaths exempts exact paths, such as health checks.
func WithSkipPaths(paths ...string) AdmissionOption {
	return func(m *AdmissionMiddleware) {
		for _, p := range paths {
			m.skipPaths[p] = struct{}{}
		}
	}
}

// WithForwardedFor makes the middleware take the source address from
// forwarded headers. Handle reads X-Forwarded-For / X-Real-IP directly; Gin
// defers to the engine's SetTrustedProxies list. Only enable behind a proxy.
func WithForwardedFor(trust bool) AdmissionOption {
	return func(m *AdmissionMiddleware) {
		m.trustForwarded = trust
	}
}

func WithMiddlewareLogger(logger log.FieldLogger) AdmissionOption {
	return func(m *AdmissionMiddleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewAdmissionMiddleware(limiter ratelimit.Admitter, opts ...AdmissionOption) *AdmissionMiddleware {
	m := &AdmissionMiddleware{
		limiter:   limiter,
		skipPaths: make(map[string]struct{}),
		logger:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithField("component", "admission")
	return m
}

// identity is who the caller is, as far as the transport can tell.
type identity struct {
	clientID string
	auth     ratelimit.AuthContext
}

// Gin returns the middleware for gin routers. It honours identities set by
// OptionalAuth and the request id set by RequestID.
func (m *AdmissionMiddleware) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, skip := m.skipPaths[c.Request.URL.Path]; skip {
			c.Next()
			return
		}

		id := m.identityFromGin(c)
		req := m.requestContext(c.Request, m.ginSourceAddress(c), id)
		if rid := c.GetString(ContextRequestID); rid != "" {
			req.RequestID = rid
		}

		result := m.limiter.CheckAdmission(id.clientID, req, m.strategy)
		setRateLimitHeaders(c.Writer.Header(), result)
		if !result.Allowed {
			m.logDenied(id.clientID, req, result)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, deniedBody(result))
			return
		}
		c.Next()
	}
}

// ginSourceAddress is the direct peer unless forwarded headers are trusted,
// in which case the engine's trusted proxy list decides.
func (m *AdmissionMiddleware) ginSourceAddress(c *gin.Context) string {
	if m.trustForwarded {
		return c.ClientIP()
	}
	return c.RemoteIP()
}

// Handle wraps a plain net/http handler.
func (m *AdmissionMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, skip := m.skipPaths[r.URL.Path]; skip {
			next.ServeHTTP(w, r)
			return
		}

		id := m.identityFromRequest(r)
		req := m.requestContext(r, m.sourceAddress(r), id)
		if rid := r.Header.Get(RequestIDHeader); rid != "" && len(rid) <= 128 {
			req.RequestID = rid
		}

		result := m.limiter.CheckAdmission(id.clientID, req, m.strategy)
		setRateLimitHeaders(w.Header(), result)
		if !result.Allowed {
			m.logDenied(id.clientID, req, result)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(deniedBody(result))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *AdmissionMiddleware) identityFromGin(c *gin.Context) identity {
	if c.GetBool(ContextVerified) {
		if clientID := c.GetString(ContextClientID); clientID != "" {
			return identity{
				clientID: "user:" + clientID,
				auth: ratelimit.AuthContext{
					Subject:  clientID,
					Tier:     ratelimit.Tier(c.GetString(ContextTier)),
					Verified: true,
				},
			}
		}
	}
	return m.identityFromHeaders(c.Request, m.ginSourceAddress(c))
}

func (m *AdmissionMiddleware) identityFromRequest(r *http.Request) identity {
	if m.verifier != nil {
		if token := bearerToken(r.Header.Get("Authorization")); token != "" {
			if claims, err := m.verifier.ValidateToken(token); err == nil {
				return identity{
					clientID: "user:" + claims.ClientID,
					auth: ratelimit.AuthContext{
						Subject:  claims.ClientID,
						Tier:     ratelimit.Tier(claims.Tier),
						Verified: true,
					},
				}
			}
		}
	}
	return m.identityFromHeaders(r, m.sourceAddress(r))
}

// identityFromHeaders covers unauthenticated callers. API keys and user
// agents are fingerprinted so raw secrets never become client ids.
func (m *AdmissionMiddleware) identityFromHeaders(r *http.Request, ip string) identity {
	if apiKey := r.Header.Get(APIKeyHeader); apiKey != "" {
		fp := fingerprint(apiKey)
		return identity{
			clientID: "api:" + fp,
			auth:     ratelimit.AuthContext{Subject: "api:" + fp},
		}
	}
	return identity{clientID: fmt.Sprintf("anon:%s:%s", ip, fingerprint(r.UserAgent())[:16])}
}

func (m *AdmissionMiddleware) requestContext(r *http.Request, source string, id identity) ratelimit.RequestContext {
	payload := r.ContentLength
	if payload < 0 {
		payload = 0
	}
	return ratelimit.RequestContext{
		RequestID:     uuid.NewString(),
		Timestamp:     time.Now(),
		SourceAddress: source,
		Endpoint:      normalizePath(r.URL.Path),
		Method:        r.Method,
		PayloadSize:   payload,
		Priority:      parsePriority(r.Header.Get(PriorityHeader)),
		Auth:          id.auth,
	}
}

// sourceAddress extracts the client IP for the plain net/http path.
func (m *AdmissionMiddleware) sourceAddress(r *http.Request) string {
	if m.trustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			return strings.TrimSpace(first)
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return strings.TrimSpace(realIP)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (m *AdmissionMiddleware) logDenied(clientID string, req ratelimit.RequestContext, result ratelimit.AdmissionResult) {
	entry := m.logger.WithFields(log.Fields{
		"client_id":  clientID,
		"request_id": req.RequestID,
		"endpoint":   req.Endpoint,
		"reason":     result.Reason,
		"threat":     result.ThreatLevel,
	})
	if result.ThreatLevel == ratelimit.ThreatHigh || result.ThreatLevel == ratelimit.ThreatCritical {
		entry.Warn("request denied")
		return
	}
	entry.Debug("request denied")
}

// fingerprint is a 128-bit blake2b digest in hex.
func fingerprint(s string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

func parsePriority(s string) ratelimit.Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return ratelimit.PriorityCritical
	case "high":
		return ratelimit.PriorityHigh
	case "medium":
		return ratelimit.PriorityMedium
	default:
		return ratelimit.PriorityLow
	}
}

// normalizePath replaces ID-like segments with "*" so similar endpoints
// group together.
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if isID(segment) {
			segments[i] = "*"
		}
	}
	return strings.Join(segments, "/")
}

// isID matches MongoDB ObjectIDs, UUIDs and numeric ids.
func isID(s string) bool {
	if s == "" {
		return false
	}

	if len(s) == 24 {
		if _, err := hex.DecodeString(s); err == nil {
			return true
		}
	}

	if _, err := uuid.Parse(s); err == nil && len(s) == 36 {
		return true
	}

	if _, err := strconv.ParseUint(s, 10, 64); err == nil {
		return true
	}

	return false
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// setRateLimitHeaders sets standard rate limiting headers
func setRateLimitHeaders(h http.Header, result ratelimit.AdmissionResult) {
	if result.Remaining == ratelimit.UnlimitedRemaining {
		h.Set("X-RateLimit-Remaining", "unlimited")
	} else {
		h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	}
	if !result.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
	if result.Tier != "" {
		h.Set("X-RateLimit-Tier", string(result.Tier))
	}
	if result.AppliedStrategy != "" {
		h.Set("X-RateLimit-Strategy", string(result.AppliedStrategy))
	}
	if result.Throttled {
		h.Set("X-RateLimit-Throttled", "true")
	}
	if !result.Allowed {
		retry := retryAfterSeconds(result.RetryAfter)
		if retry < 1 {
			retry = 1
		}
		h.Set("Retry-After", strconv.Itoa(retry))
	}
}

func deniedBody(result ratelimit.AdmissionResult) gin.H {
	retry := retryAfterSeconds(result.RetryAfter)
	if retry < 1 {
		retry = 1
	}

	body := gin.H{
		"error":      "Rate limit exceeded",
		"message":    fmt.Sprintf("Too many requests. Try again in %ds", retry),
		"code":       "RATE_LIMIT_EXCEEDED",
		"retryAfter": retry,
	}
	switch result.Reason {
	case ratelimit.ReasonBlacklisted:
		body["error"] = "Access denied"
		body["message"] = "Source is blocked"
		body["code"] = "ACCESS_DENIED"
	case ratelimit.ReasonBurstCooldown:
		body["message"] = fmt.Sprintf("Request burst detected. Try again in %ds", retry)
		body["code"] = "BURST_COOLDOWN"
	case ratelimit.ReasonInternalError:
		body["error"] = "Rate limiter unavailable"
		body["message"] = "Request could not be admitted"
		body["code"] = "RATE_LIMITER_UNAVAILABLE"
	}
	return body
}
