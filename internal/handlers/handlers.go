package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sms-code-relay-go/internal/models"
	"sms-code-relay-go/internal/storage"
)

// PollerControl is the poller surface exposed over HTTP.
type PollerControl interface {
	IsRunning() bool
	LastRun() time.Time
	NextRun() time.Time
	ActiveDay() string
	RunCycle()
}

// Handlers contains all HTTP handlers
type Handlers struct {
	store  *storage.Store
	poller PollerControl
}

// New creates HTTP handlers
func New(store *storage.Store, poller PollerControl) *Handlers {
	return &Handlers{store: store, poller: poller}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/poller/status", h.PollerStatus)
		api.POST("/poller/run-once", h.RunOnce)
		api.POST("/poller/pause", h.Pause)
		api.POST("/poller/resume", h.Resume)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := models.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Details:   map[string]string{},
	}

	if err := h.store.DB().Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.poller.IsRunning() {
		response.Details["poller"] = "running"
		response.Details["next_run"] = h.poller.NextRun().Format(time.RFC3339)
		if last := h.poller.LastRun(); !last.IsZero() {
			response.Details["last_run"] = last.Format(time.RFC3339)
		}
	} else {
		response.Details["poller"] = "stopped"
	}
	response.Details["active_day"] = h.poller.ActiveDay()

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// PollerStatus returns the poller state
func (h *Handlers) PollerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, models.PollerStatusResponse{
		Running:   h.poller.IsRunning(),
		ActiveDay: h.poller.ActiveDay(),
		LastRun:   h.poller.LastRun(),
		NextRun:   h.poller.NextRun(),
	})
}

// RunOnce triggers one poll cycle out of schedule
func (h *Handlers) RunOnce(c *gin.Context) {
	go h.poller.RunCycle()
	c.JSON(http.StatusAccepted, gin.H{"message": "cycle triggered"})
}

// Pause disables fetching via runtime config
func (h *Handlers) Pause(c *gin.Context) {
	h.setFetchEnabled(c, false)
}

// Resume re-enables fetching via runtime config
func (h *Handlers) Resume(c *gin.Context) {
	h.setFetchEnabled(c, true)
}

// setFetchEnabled flips the runtime pause flag and bumps the update marker so
// the poller picks the change up at the top of its next cycle.
func (h *Handlers) setFetchEnabled(c *gin.Context, enabled bool) {
	raw, err := h.store.RuntimeMap()
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "storage_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if raw == nil {
		raw = map[string]any{}
	}

	raw["fetch_codes_enabled"] = enabled
	raw["messages_update_requested_at"] = time.Now().Format(time.RFC3339Nano)

	if err := h.store.SetJSON(storage.KeyRuntimeConfig, raw); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "storage_error",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"fetch_codes_enabled": enabled})
}
