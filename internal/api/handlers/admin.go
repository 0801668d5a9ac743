package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"admission-gateway/internal/models"
	"admission-gateway/internal/repository"
	"admission-gateway/internal/services"
	"admission-gateway/pkg/ratelimit"
	"admission-gateway/pkg/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AdminLimiter is the operator surface of the rate limiter.
type AdminLimiter interface {
	GetClientStats(clientID string) ratelimit.ClientStatsSnapshot
	RefreshGlobalCount(ctx context.Context, clientID string) (int64, error)
	ResetClient(clientID string)
	GetSystemMetrics() ratelimit.SystemMetricsSnapshot
	SetCustomMetric(name string, value float64) error
	RemoveCustomMetric(name string)
	TierAssignments() map[string]ratelimit.Tier
}

// MetricsStreamer upgrades a request into a live metrics subscription.
type MetricsStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request) error
}

type AdminHandler struct {
	limiter  AdminLimiter
	policies *services.PolicyService
	stream   MetricsStreamer
}

func NewAdminHandler(limiter AdminLimiter, policies *services.PolicyService, stream MetricsStreamer) *AdminHandler {
	return &AdminHandler{
		limiter:  limiter,
		policies: policies,
		stream:   stream,
	}
}

// GetClient returns a point-in-time view of one client's limiter state.
// With ?refresh=true the global count is re-read from the shared store first;
// a store failure leaves the last observed count in place.
func (h *AdminHandler) GetClient(c *gin.Context) {
	clientID := c.Param("id")
	if err := ratelimit.ValidateClientID(clientID); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid client ID", err)
		return
	}

	if c.Query("refresh") == "true" {
		if _, err := h.limiter.RefreshGlobalCount(c.Request.Context(), clientID); err != nil {
			log.WithError(err).WithField("client_id", clientID).Debug("global count refresh failed")
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "Client stats retrieved successfully", h.limiter.GetClientStats(clientID))
}

// ResetClient drops all state for a client, except an active burst cooldown.
func (h *AdminHandler) ResetClient(c *gin.Context) {
	clientID := c.Param("id")
	if err := ratelimit.ValidateClientID(clientID); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid client ID", err)
		return
	}

	h.limiter.ResetClient(clientID)
	log.WithField("client_id", clientID).Info("client state reset by operator")
	utils.SuccessResponse(c, http.StatusOK, "Client reset successfully", nil)
}

func (h *AdminHandler) GetMetrics(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Metrics retrieved successfully", h.limiter.GetSystemMetrics())
}

// StreamMetrics upgrades to a websocket that receives every aggregated snapshot.
func (h *AdminHandler) StreamMetrics(c *gin.Context) {
	if h.stream == nil {
		utils.ErrorResponse(c, http.StatusServiceUnavailable, "Metrics stream disabled", nil)
		return
	}
	if err := h.stream.Serve(c.Writer, c.Request); err != nil {
		log.WithError(err).Debug("metrics stream ended")
	}
}

type customMetricRequest struct {
	Value *float64 `json:"value" binding:"required"`
}

func (h *AdminHandler) SetCustomMetric(c *gin.Context) {
	var req customMetricRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	name := c.Param("name")
	if err := h.limiter.SetCustomMetric(name, *req.Value); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ratelimit.ErrTooManyCustomMetrics) {
			status = http.StatusConflict
		}
		utils.ErrorResponse(c, status, "Failed to set custom metric", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Custom metric set successfully", gin.H{"name": name, "value": *req.Value})
}

func (h *AdminHandler) DeleteCustomMetric(c *gin.Context) {
	h.limiter.RemoveCustomMetric(c.Param("name"))
	utils.SuccessResponse(c, http.StatusOK, "Custom metric removed successfully", nil)
}

func (h *AdminHandler) GetPolicy(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Policy retrieved successfully", h.policies.Current())
}

// UpdatePolicy replaces the active policy. YAML bodies use the policy file
// format; JSON bodies use the same keys. Omitted keys take their defaults.
func (h *AdminHandler) UpdatePolicy(c *gin.Context) {
	contentType := c.ContentType()
	if strings.Contains(contentType, "yaml") {
		policy, err := h.policies.ApplyYAML(c.Request.Body)
		if err != nil {
			utils.ValidationErrorResponse(c, err)
			return
		}
		utils.SuccessResponse(c, http.StatusOK, "Policy updated successfully", policy)
		return
	}

	policy := ratelimit.DefaultPolicy()
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(policy); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	if err := h.policies.Apply(policy); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Policy updated successfully", h.policies.Current())
}

// ReloadPolicy re-reads the policy file the server was started with.
func (h *AdminHandler) ReloadPolicy(c *gin.Context) {
	if err := h.policies.ReloadFile(); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Policy reloaded successfully", h.policies.Current())
}

// ListTiers returns the active dynamic assignment table.
func (h *AdminHandler) ListTiers(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Tier assignments retrieved successfully", h.limiter.TierAssignments())
}

func (h *AdminHandler) GetTier(c *gin.Context) {
	assignment, err := h.policies.GetTier(c.Request.Context(), c.Param("clientId"))
	if err != nil {
		h.tierError(c, "Failed to retrieve tier assignment", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Tier assignment retrieved successfully", assignment)
}

func (h *AdminHandler) PutTier(c *gin.Context) {
	var req models.UpsertTierAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	assignment, err := h.policies.SetTier(c.Request.Context(), c.Param("clientId"), req)
	if err != nil {
		h.tierError(c, "Failed to store tier assignment", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Tier assignment stored successfully", assignment)
}

func (h *AdminHandler) DeleteTier(c *gin.Context) {
	if err := h.policies.DeleteTier(c.Request.Context(), c.Param("clientId")); err != nil {
		h.tierError(c, "Failed to delete tier assignment", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Tier assignment deleted successfully", nil)
}

func (h *AdminHandler) ReloadTiers(c *gin.Context) {
	count, err := h.policies.ReloadTiers(c.Request.Context())
	if err != nil {
		h.tierError(c, "Failed to reload tier assignments", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Tier assignments reloaded successfully", gin.H{"assignments": count})
}

func (h *AdminHandler) tierError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, services.ErrTierStoreDisabled):
		utils.ErrorResponse(c, http.StatusServiceUnavailable, message, err)
	case errors.Is(err, repository.ErrTierAssignmentNotFound):
		utils.ErrorResponse(c, http.StatusNotFound, message, err)
	case errors.Is(err, ratelimit.ErrInvalidClientID):
		utils.ErrorResponse(c, http.StatusBadRequest, message, err)
	default:
		utils.ErrorResponse(c, http.StatusInternalServerError, message, err)
	}
}
