package routes

import (
	"fmt"
	"net/http"

	"admission-gateway/internal/api/handlers"
	"admission-gateway/internal/api/middleware"
	"admission-gateway/internal/config"
	"admission-gateway/internal/services"
	"admission-gateway/internal/websocket"
	"admission-gateway/pkg/jwt"
	"admission-gateway/pkg/ratelimit"
	"admission-gateway/pkg/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies are the long-lived components the router binds to. DB,
// Redis and Hub are optional.
type Dependencies struct {
	Config   *config.Config
	Limiter  *ratelimit.RateLimiter
	Policies *services.PolicyService
	JWT      *jwt.JWTUtil
	DB       *mongo.Database
	Redis    *redis.Client
	Hub      *websocket.Hub
}

// CORSConfig mirrors ALLOWED_ORIGINS and exposes the rate limit headers to
// browser clients.
func CORSConfig(origins []string) cors.Config {
	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", middleware.APIKeyHeader,
			middleware.RequestIDHeader, middleware.PriorityHeader, "Upgrade", "Connection",
			"Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length", "Retry-After", middleware.RequestIDHeader,
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Tier",
			"X-RateLimit-Strategy", "X-RateLimit-Throttled"},
	}

	// Handle wildcard origin for development
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	return corsConfig
}

// SetupRoutes mounts every route on router. Forwarded client addresses are
// only honoured from the proxies listed in Config.TrustedProxies.
func SetupRoutes(router *gin.Engine, deps Dependencies) error {
	if err := router.SetTrustedProxies(deps.Config.TrustedProxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}

	healthHandler := handlers.NewHealthHandler(deps.Limiter, deps.DB, deps.Redis)
	var stream handlers.MetricsStreamer
	if deps.Hub != nil {
		stream = deps.Hub
	}
	adminHandler := handlers.NewAdminHandler(deps.Limiter, deps.Policies, stream)

	admission := middleware.NewAdmissionMiddleware(deps.Limiter,
		middleware.WithStrategy(ratelimit.Strategy(deps.Config.Strategy)),
		middleware.WithSkipPaths("/health"),
		middleware.WithForwardedFor(len(deps.Config.TrustedProxies) > 0),
	)

	router.Use(cors.New(CORSConfig(deps.Config.AllowedOrigins)))
	router.Use(middleware.RequestID())

	router.GET("/health", healthHandler.HealthCheck)

	// Admin routes are authenticated but never rate limited, so operators
	// can always reach a limiter that is denying everyone else.
	admin := router.Group("/admin")
	admin.Use(middleware.AdminAuth(deps.Config.AdminToken))
	{
		admin.GET("/clients/:id", adminHandler.GetClient)
		admin.DELETE("/clients/:id", adminHandler.ResetClient)

		admin.GET("/metrics", adminHandler.GetMetrics)
		admin.GET("/metrics/stream", adminHandler.StreamMetrics)
		admin.PUT("/metrics/custom/:name", adminHandler.SetCustomMetric)
		admin.DELETE("/metrics/custom/:name", adminHandler.DeleteCustomMetric)

		admin.GET("/policy", adminHandler.GetPolicy)
		admin.PUT("/policy", adminHandler.UpdatePolicy)
		admin.POST("/policy/reload", adminHandler.ReloadPolicy)

		admin.GET("/tiers", adminHandler.ListTiers)
		admin.POST("/tiers/reload", adminHandler.ReloadTiers)
		admin.GET("/tiers/:clientId", adminHandler.GetTier)
		admin.PUT("/tiers/:clientId", adminHandler.PutTier)
		admin.DELETE("/tiers/:clientId", adminHandler.DeleteTier)
	}

	// Everything under /api passes through admission control. Upstream
	// handlers are mounted here by the embedding service.
	api := router.Group("/api")
	api.Use(middleware.OptionalAuth(deps.JWT), admission.Gin())
	{
		api.GET("/v1/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pong", "requestId": c.GetString(middleware.ContextRequestID)})
		})
	}
	return nil
}
