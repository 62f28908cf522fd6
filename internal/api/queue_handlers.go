package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JoinQueue appends one or more entries for an inspector
func (h *APIHandlers) JoinQueue(c *gin.Context) {
	var req struct {
		DeviceID      uint   `json:"device_id" binding:"required"`
		InspectorName string `json:"inspector_name" binding:"required"`
		Copies        int    `json:"copies"`
		CreatedByID   string `json:"created_by_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	records, err := h.services.Queues.Join(c.Request.Context(), req.DeviceID, req.InspectorName, req.Copies, req.CreatedByID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"records": records, "count": len(records)})
}

// GetQueue returns the waiting list and today's change logs for a device
func (h *APIHandlers) GetQueue(c *gin.Context) {
	deviceID, ok := pathID(c, "device_id")
	if !ok {
		return
	}

	snapshot, err := h.services.Queues.ListWithLogs(c.Request.Context(), deviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// ReorderQueue moves a record to a new position
func (h *APIHandlers) ReorderQueue(c *gin.Context) {
	queueID, ok := pathID(c, "queue_id")
	if !ok {
		return
	}

	var req struct {
		NewPosition int    `json:"new_position" binding:"required"`
		Version     *int   `json:"version" binding:"required"`
		ChangedBy   string `json:"changed_by"`
		ChangedByID string `json:"changed_by_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	record, err := h.services.Queues.Reorder(c.Request.Context(), queueID, req.NewPosition, *req.Version, req.ChangedBy, req.ChangedByID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// LeaveQueue removes a record from the queue
func (h *APIHandlers) LeaveQueue(c *gin.Context) {
	queueID, ok := pathID(c, "queue_id")
	if !ok {
		return
	}

	if err := h.services.Queues.Leave(c.Request.Context(), queueID, c.Query("changed_by_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left queue"})
}

// CompleteQueueHead marks the position-1 record completed
func (h *APIHandlers) CompleteQueueHead(c *gin.Context) {
	deviceID, ok := pathID(c, "device_id")
	if !ok {
		return
	}

	record, err := h.services.Queues.CompleteFirst(c.Request.Context(), deviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	if record == nil {
		c.JSON(http.StatusOK, gin.H{"message": "queue is empty"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// ExtendQueueTimeout pushes the active countdown deadline back
func (h *APIHandlers) ExtendQueueTimeout(c *gin.Context) {
	deviceID, ok := pathID(c, "device_id")
	if !ok {
		return
	}

	var req struct {
		ChangedBy   string `json:"changed_by"`
		ChangedByID string `json:"changed_by_id"`
	}
	// Body is optional; ignore bind errors for an empty body.
	_ = c.ShouldBindJSON(&req)

	device, err := h.services.Timeouts.Extend(c.Request.Context(), deviceID, req.ChangedBy, req.ChangedByID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deadline_at":    device.QueueTimeoutDeadlineAt,
		"extended_count": device.QueueTimeoutExtendedCount,
	})
}
