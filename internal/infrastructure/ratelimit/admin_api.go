// admin_api.go: Administrative endpoints for operator remediation of rate limits
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultAdminTimeout = 5 * time.Second

// AdminAPIResponse is the envelope for mutating admin calls.
type AdminAPIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusResponse reports an identifier's windows across all limiters.
type StatusResponse struct {
	Success    bool            `json:"success"`
	Identifier string          `json:"identifier"`
	Limiters   []LimiterStatus `json:"limiters"`
}

// AdminAPI exposes counter clearing and inspection. Callers must mount it
// behind admin authentication.
type AdminAPI struct {
	registry *Registry
	logger   *zap.Logger
	timeout  time.Duration
}

// NewAdminAPI creates the admin handlers.
func NewAdminAPI(registry *Registry, logger *zap.Logger) *AdminAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminAPI{
		registry: registry,
		logger:   logger.Named("ratelimit.admin"),
		timeout:  defaultAdminTimeout,
	}
}

// RegisterRoutes mounts the handlers under rg, which should resolve to /admin/rate-limit.
func (api *AdminAPI) RegisterRoutes(rg gin.IRoutes) {
	rg.POST("/clear/:identifier", api.HandleClear)
	rg.GET("/status/:identifier", api.HandleStatus)
	rg.GET("/health", api.HandleHealth)
}

// HandleClear deletes an identifier's counters, optionally for one limiter
// selected with ?limiter=<class>.
func (api *AdminAPI) HandleClear(c *gin.Context) {
	identifier := strings.TrimSpace(c.Param("identifier"))
	if identifier == "" {
		c.JSON(http.StatusBadRequest, AdminAPIResponse{Success: false, Message: "identifier is required"})
		return
	}

	var classes []OperationClass
	if name := c.Query("limiter"); name != "" {
		class, err := ParseOperationClass(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, AdminAPIResponse{Success: false, Message: err.Error()})
			return
		}
		classes = append(classes, class)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), api.timeout)
	defer cancel()

	deleted, err := api.registry.Clear(ctx, identifier, classes...)
	if err != nil {
		adminClears.WithLabelValues("error").Inc()
		api.logger.Error("failed to clear rate limit",
			zap.String("identifier", identifier),
			zap.String("admin", c.GetString("userID")),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, AdminAPIResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to clear rate limit for %s", identifier),
		})
		return
	}

	adminClears.WithLabelValues("success").Inc()
	api.logger.Info("rate limit cleared",
		zap.String("identifier", identifier),
		zap.Int64("keys_deleted", deleted),
		zap.String("admin", c.GetString("userID")),
	)
	c.JSON(http.StatusOK, AdminAPIResponse{
		Success: true,
		Message: fmt.Sprintf("Rate limit cleared for %s", identifier),
	})
}

// HandleStatus reports the identifier's current windows without consuming quota.
func (api *AdminAPI) HandleStatus(c *gin.Context) {
	identifier := strings.TrimSpace(c.Param("identifier"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), api.timeout)
	defer cancel()

	limiters, err := api.registry.Status(ctx, identifier)
	if err != nil {
		api.logger.Error("failed to read rate limit status", zap.String("identifier", identifier), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, AdminAPIResponse{Success: false, Message: "rate limit store unavailable"})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Success: true, Identifier: identifier, Limiters: limiters})
}

// HandleHealth reports counter store health.
func (api *AdminAPI) HandleHealth(c *gin.Context) {
	healthy := api.registry.Store().HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": healthy, "healthy": healthy})
}
