package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/classhub/assignment-api/internal/service"
	appErrors "github.com/classhub/assignment-api/pkg/errors"
	"github.com/classhub/assignment-api/pkg/response"
)

// MetricsHandler exposes observability endpoints.
type MetricsHandler struct {
	metrics   *service.MetricsService
	retention *service.RetentionService
}

// NewMetricsHandler constructs a metrics handler.
func NewMetricsHandler(metrics *service.MetricsService, retention *service.RetentionService) *MetricsHandler {
	return &MetricsHandler{metrics: metrics, retention: retention}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Health responds with a generic OK payload for readiness/liveness usage.
func (h *MetricsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Snapshot godoc
// @Summary Aggregated system metrics
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/metrics [get]
func (h *MetricsHandler) Snapshot(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.metrics.Snapshot(), nil)
}

// TriggerRetentionSweep godoc
// @Summary Run a retention sweep now
// @Tags Admin
// @Produce json
// @Success 202 {object} response.Envelope
// @Router /admin/retention/sweep [post]
func (h *MetricsHandler) TriggerRetentionSweep(c *gin.Context) {
	if h.retention == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "retention service not configured"))
		return
	}
	if err := h.retention.Sweep(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"status": "sweep started"}, nil)
}
