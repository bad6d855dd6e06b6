package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus(c.Request.Context())
	c.JSON(http.StatusOK, status)
}

// GET /api/v1/collector/status
func (s *Server) collectorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Collector().Stats())
}

// POST /api/v1/collector/run
//
// Runs one cycle now, independent of the polling loop.
func (s *Server) runCollector(c *gin.Context) {
	report, err := s.lm.Collector().RunCycle(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "COLLECTOR_500", "Collection cycle failed", err.Error())
		return
	}

	resp := gin.H{
		"started":     report.Started,
		"duration_ms": report.Duration.Milliseconds(),
		"readings":    report.Readings,
		"good":        report.Good,
		"bad":         report.Bad,
		"warnings":    report.Warnings,
		"skipped":     report.Skipped,
	}
	if report.PersistErr != nil {
		resp["persist_error"] = report.PersistErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}
