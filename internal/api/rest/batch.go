package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/batch"
)

func (s *Server) runner(c *gin.Context) (*batch.Runner, bool) {
	r := s.lm.BatchRunner()
	if r == nil {
		respondError(c, http.StatusServiceUnavailable, "BATCH_503", "Batch runner is disabled", nil)
		return nil, false
	}
	return r, true
}

// GET /api/v1/batch/jobs
func (s *Server) listBatchJobs(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	jobs := r.Jobs()
	if jobs == nil {
		jobs = []batch.BatchJob{}
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// POST /api/v1/batch/jobs/:name/run
func (s *Server) runBatchJob(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}

	name := c.Param("name")
	var job *batch.BatchJob
	for _, j := range r.Jobs() {
		if j.Name == name {
			job = &j
			break
		}
	}
	if job == nil {
		respondError(c, http.StatusNotFound, "BATCH_404", "Job not found", name)
		return
	}

	res := r.Execute(c.Request.Context(), *job)
	s.logger.Info("Batch job run on request",
		zap.String("job", name),
		zap.String("status", string(res.Status)))
	c.JSON(http.StatusOK, res)
}

// GET /api/v1/batch/results
func (s *Server) batchResults(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	results := nonNil(r.History())
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// GET /api/v1/batch/summary
func (s *Server) batchSummary(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r.Summary())
}

// GET /api/v1/batch/errors?q=
func (s *Server) batchErrors(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	results := nonNil(r.SearchErrors(c.Query("q")))
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// POST /api/v1/batch/flush
func (s *Server) flushBatch(c *gin.Context) {
	r, ok := s.runner(c)
	if !ok {
		return
	}
	report, err := r.Flush(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "BATCH_500", "Flush failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, report)
}

func nonNil(results []batch.JobResult) []batch.JobResult {
	if results == nil {
		return []batch.JobResult{}
	}
	return results
}
