package rest

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.lm.Storage().ListDevices(c.Request.Context())
	if err != nil {
		respondStoreError(c, "DEVICE", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/tags?device_id=
func (s *Server) listTags(c *gin.Context) {
	var deviceID *int64
	if v := c.Query("device_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "TAG_400", "Invalid device_id", v)
			return
		}
		deviceID = &id
	}

	tags, err := s.lm.Storage().ListTags(c.Request.Context(), deviceID)
	if err != nil {
		respondStoreError(c, "TAG", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tags":  tags,
		"count": len(tags),
	})
}

// PATCH /api/v1/tags/:id/toggle-active
func (s *Server) toggleTagActive(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	tag, err := s.lm.Storage().ToggleTagActive(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, "TAG", err)
		return
	}

	s.logger.Info("Tag active flag toggled",
		zap.Int64("tag_id", id),
		zap.Bool("active", tag.Active))
	c.JSON(http.StatusOK, tag)
}

// PATCH /api/v1/tags/:id/toggle-action-item
//
// At most one tag carries the action-item flag.
func (s *Server) toggleActionItem(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	tag, err := s.lm.Storage().ToggleActionItem(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, "TAG", err)
		return
	}
	c.JSON(http.StatusOK, tag)
}

// GET /api/v1/tags/:id/readings?limit=
func (s *Server) tagReadings(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "READING_400", "Invalid limit", v)
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	if _, err := s.lm.Storage().GetTag(ctx, id); err != nil {
		respondStoreError(c, "TAG", err)
		return
	}

	readings, err := s.lm.Storage().ReadingHistory(ctx, id, limit)
	if err != nil {
		respondStoreError(c, "READING", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tag_id":   id,
		"readings": readings,
		"count":    len(readings),
	})
}
