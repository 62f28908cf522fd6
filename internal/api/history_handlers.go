package api

import (
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/monitor/internal/core"
	"github.com/gin-gonic/gin"
)

// ListHistory returns filtered, paginated status history
func (h *APIHandlers) ListHistory(c *gin.Context) {
	filter := core.HistoryFilter{
		Status: c.Query("status"),
		TaskID: c.Query("task_id"),
	}

	if raw := c.Query("device_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid device_id"})
			return
		}
		filter.DeviceID = uint(id)
	}
	if raw := c.Query("start_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_date, expected RFC3339"})
			return
		}
		filter.StartDate = &t
	}
	if raw := c.Query("end_date"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_date, expected RFC3339"})
			return
		}
		filter.EndDate = &t
	}
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))

	page, err := h.services.History.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query history"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetLatestHistory returns the most recent history row for a device
func (h *APIHandlers) GetLatestHistory(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	latest, err := h.services.History.Latest(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if latest == nil {
		c.JSON(http.StatusOK, gin.H{"history": nil})
		return
	}
	c.JSON(http.StatusOK, latest)
}
