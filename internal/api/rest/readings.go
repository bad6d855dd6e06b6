package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/keunjinahn/things-plc/internal/types"
)

type createReadingRequest struct {
	TagID     int64            `json:"tag_id" binding:"required"`
	Value     *decimal.Decimal `json:"value" binding:"required"`
	Quality   types.Quality    `json:"quality"`
	Timestamp *time.Time       `json:"timestamp"`
}

// POST /api/v1/readings
//
// Stores a manually entered value. A value outside the tag's thresholds is
// stored unchanged and the warning is returned alongside it.
func (s *Server) createReading(c *gin.Context) {
	var req createReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "READING_400", "Invalid request body", err.Error())
		return
	}

	if req.Quality == "" {
		req.Quality = types.QualityGood
	}
	if !req.Quality.Valid() {
		respondError(c, http.StatusBadRequest, "READING_400", "Invalid quality", string(req.Quality))
		return
	}

	ctx := c.Request.Context()
	tag, err := s.lm.Storage().GetTag(ctx, req.TagID)
	if err != nil {
		respondStoreError(c, "TAG", err)
		return
	}

	r := types.Reading{
		TagID:   req.TagID,
		Value:   *req.Value,
		Quality: req.Quality,
	}
	if req.Timestamp != nil {
		r.Timestamp = req.Timestamp.UTC()
	}

	saved, err := s.lm.Storage().AppendReading(ctx, r)
	if err != nil {
		respondStoreError(c, "READING", err)
		return
	}

	resp := gin.H{"reading": saved}
	if w := tag.CheckRange(saved.Value); w != nil {
		resp["warning"] = w
	}
	c.JSON(http.StatusCreated, resp)
}

// GET /api/v1/readings/latest
func (s *Server) latestReadings(c *gin.Context) {
	latest, err := s.lm.Storage().LatestReadings(c.Request.Context())
	if err != nil {
		respondStoreError(c, "READING", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"readings": latest,
		"count":    len(latest),
	})
}
