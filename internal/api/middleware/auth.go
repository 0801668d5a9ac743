package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"admission-gateway/pkg/jwt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Context keys set by the auth middlewares.
const (
	ContextClientID  = "client_id"
	ContextTier      = "tier"
	ContextVerified  = "auth_verified"
	ContextRequestID = "request_id"
)

const RequestIDHeader = "X-Request-ID"

// bearerToken handles both "Bearer token" and bare "token" formats.
func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return header
}

// OptionalAuth verifies a bearer token when one is present. Requests without
// a token, or with one that fails verification, continue anonymously: an
// unverified caller is simply limited as anonymous.
func OptionalAuth(jwtUtil *jwt.JWTUtil) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtUtil == nil {
			c.Next()
			return
		}
		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			c.Next()
			return
		}

		claims, err := jwtUtil.ValidateToken(tokenString)
		if err != nil {
			log.WithError(err).Debug("ignoring unverifiable bearer token")
			c.Next()
			return
		}

		c.Set(ContextClientID, claims.ClientID)
		c.Set(ContextTier, claims.Tier)
		c.Set(ContextVerified, true)
		c.Next()
	}
}

// AdminAuth guards the admin API with a static bearer token. With no token
// configured the admin API is disabled.
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminToken == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Admin API disabled"})
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" && websocketUpgrade(c.Request) {
			// browsers cannot set headers on a websocket handshake
			authHeader = c.Query("token")
		}
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		token := bearerToken(authHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid admin token"})
			return
		}
		c.Next()
	}
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// RequestID propagates X-Request-ID or assigns a fresh one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ContextRequestID, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
