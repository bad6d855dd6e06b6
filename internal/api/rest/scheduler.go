package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/scheduler"
)

type createEntryRequest struct {
	Name     string   `json:"name" binding:"required"`
	Interval string   `json:"interval" binding:"required"`
	Jobs     []string `json:"jobs"`
}

// GET /api/v1/scheduler/entries
func (s *Server) listScheduleEntries(c *gin.Context) {
	entries := s.lm.Scheduler().List()
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// POST /api/v1/scheduler/entries
//
// An entry without jobs runs the whole catalog.
func (s *Server) createScheduleEntry(c *gin.Context) {
	var req createEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "SCHEDULER_400", "Invalid request body", err.Error())
		return
	}

	if s.lm.BatchRunner() == nil {
		respondError(c, http.StatusServiceUnavailable, "BATCH_503", "Batch runner is disabled", nil)
		return
	}

	if err := s.lm.ScheduleBatch(req.Name, req.Interval, req.Jobs); err != nil {
		if errors.Is(err, scheduler.ErrDuplicate) {
			respondError(c, http.StatusConflict, "SCHEDULER_409", "Entry already exists", req.Name)
			return
		}
		respondError(c, http.StatusBadRequest, "SCHEDULER_400", "Invalid schedule entry", err.Error())
		return
	}

	s.logger.Info("Schedule entry added",
		zap.String("name", req.Name),
		zap.String("interval", req.Interval),
		zap.Strings("jobs", req.Jobs))

	for _, e := range s.lm.Scheduler().List() {
		if e.Name == req.Name {
			c.JSON(http.StatusCreated, e)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name})
}

// DELETE /api/v1/scheduler/entries/:name
func (s *Server) deleteScheduleEntry(c *gin.Context) {
	name := c.Param("name")
	if err := s.lm.Scheduler().Remove(name); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			respondError(c, http.StatusNotFound, "SCHEDULER_404", "Entry not found", name)
			return
		}
		respondError(c, http.StatusInternalServerError, "SCHEDULER_500", "Failed to remove entry", err.Error())
		return
	}

	s.logger.Info("Schedule entry removed", zap.String("name", name))
	c.Status(http.StatusNoContent)
}
