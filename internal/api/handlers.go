package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/monitor/internal/core"
	"example.com/backstage/services/monitor/internal/ws"
	"github.com/gin-gonic/gin"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	hub      *ws.Hub
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry, hub *ws.Hub) *APIHandlers {
	return &APIHandlers{services: services, hub: hub}
}

// respondError maps business errors to HTTP responses. Sentinels pick the
// status; a wrapping BusinessError contributes the machine-readable code.
func respondError(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, core.ErrDeviceNotFound), errors.Is(err, core.ErrQueueRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrConcurrencyConflict), errors.Is(err, core.ErrExtendExpired):
		status = http.StatusConflict
	case errors.Is(err, core.ErrDeviceCodeExists), errors.Is(err, core.ErrExtendNotAllowed):
		status = http.StatusBadRequest
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	var businessErr core.BusinessError
	if errors.As(err, &businessErr) {
		c.JSON(status, gin.H{"error": businessErr.Message, "code": businessErr.Code})
		return
	}
	if errors.Is(err, core.ErrConcurrencyConflict) {
		c.JSON(status, gin.H{
			"error": "this record was changed by someone else, please refresh",
			"code":  "concurrency_conflict",
		})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "device-monitor-api",
		"viewers":   h.hub.ViewerCount(),
	})
}

// --- Device Management Endpoints ---

// RegisterDevice handles new device registration
func (h *APIHandlers) RegisterDevice(c *gin.Context) {
	var input core.RegisterDeviceInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	device, err := h.services.Devices.Register(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, device)
}

// GetDevice retrieves device details
func (h *APIHandlers) GetDevice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	device, err := h.services.Devices.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// ListDevices returns all devices, or only online ones with ?online=true
func (h *APIHandlers) ListDevices(c *gin.Context) {
	var (
		devices []*core.Device
		err     error
	)
	if c.Query("online") == "true" {
		devices, err = h.services.Devices.ListOnline(c.Request.Context())
	} else {
		devices, err = h.services.Devices.List(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// UpdateDevice applies a partial update to a device
func (h *APIHandlers) UpdateDevice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var input core.UpdateDeviceInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	device, err := h.services.Devices.Update(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// DeleteDevice removes a device and all its records
func (h *APIHandlers) DeleteDevice(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.services.Devices.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device deleted"})
}

// --- Status Ingest Endpoint ---

// ReportStatus receives a status push from a device client
func (h *APIHandlers) ReportStatus(c *gin.Context) {
	code := c.Param("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device code required"})
		return
	}

	var report core.StatusReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report format", "details": err.Error()})
		return
	}

	result, err := h.services.Status.Report(c.Request.Context(), code, &report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// --- Statistics Endpoints ---

// GetRealtimeStats returns fleet-wide counters
func (h *APIHandlers) GetRealtimeStats(c *gin.Context) {
	stats, err := h.services.History.Realtime(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetDeviceTodayStats returns one device's completion count for today
func (h *APIHandlers) GetDeviceTodayStats(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	stats, err := h.services.History.DeviceToday(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
