package handlers

import (
	"context"
	"net/http"
	"time"

	"admission-gateway/pkg/database"
	"admission-gateway/pkg/ratelimit"
	"admission-gateway/pkg/redis"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
)

// HealthChecker reports the limiter's own health.
type HealthChecker interface {
	HealthCheck() ratelimit.HealthStatus
}

type HealthHandler struct {
	limiter     HealthChecker
	db          *mongo.Database
	redisClient *redis.Client
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Limiter   ratelimit.HealthStatus `json:"limiter"`
	Services  map[string]interface{} `json:"services"`
}

// NewHealthHandler builds the handler. db and redisClient may be nil when
// the deployment runs without them.
func NewHealthHandler(limiter HealthChecker, db *mongo.Database, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{
		limiter:     limiter,
		db:          db,
		redisClient: redisClient,
	}
}

// HealthCheck reports 200 while the limiter can admit requests. Losing
// Redis or MongoDB only degrades: local enforcement continues.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	limiter := h.limiter.HealthCheck()
	response := HealthResponse{
		Status:    limiter.Status,
		Timestamp: time.Now(),
		Limiter:   limiter,
		Services:  make(map[string]interface{}),
	}

	if h.db != nil {
		status := h.checkMongoDB(c.Request.Context())
		response.Services["mongodb"] = status
		if !status["healthy"].(bool) {
			response.Status = "degraded"
		}
	}

	if h.redisClient != nil {
		status := h.checkRedis()
		response.Services["redis"] = status
		if !status["healthy"].(bool) {
			response.Status = "degraded"
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkMongoDB(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"service": "mongodb",
		"healthy": false,
	}

	if err := database.Health(ctx, h.db); err != nil {
		status["error"] = err.Error()
		return status
	}
	status["healthy"] = true
	status["message"] = "Connected"
	return status
}

func (h *HealthHandler) checkRedis() map[string]interface{} {
	healthStatus := h.redisClient.HealthCheck()
	status := map[string]interface{}{
		"service":         "redis",
		"healthy":         healthStatus.IsConnected,
		"connectionInfo":  healthStatus.ConnectionInfo,
		"responseTime":    healthStatus.ResponseTime.String(),
		"lastPing":        healthStatus.LastPing,
		"connectionStats": h.redisClient.GetConnectionStats(),
	}
	if healthStatus.Error != "" {
		status["error"] = healthStatus.Error
	}
	return status
}
