package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/api/websocket"
	"github.com/keunjinahn/things-plc/internal/auth"
	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/interfaces"
)

type Server struct {
	router    *gin.Engine
	lm        interfaces.LifecycleManager
	logger    *zap.Logger
	server    *http.Server
	wsHub     *websocket.Hub
	validator *auth.Validator // nil when auth is disabled
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, validator *auth.Validator) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:    gin.New(),
		lm:        lm,
		logger:    logger,
		wsHub:     wsHub,
		validator: validator,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.healthCheck)

	// The websocket authenticates with its first message.
	v1.GET("/ws/live", s.wsLiveConnection)

	api := v1.Group("")
	if s.validator != nil {
		api.Use(auth.Middleware(s.validator))
	}

	// ==================== SYSTEM ====================
	api.GET("/system/status", s.getSystemStatus)

	// ==================== DEVICES & TAGS ====================
	api.GET("/devices", s.listDevices)
	tags := api.Group("/tags")
	{
		tags.GET("", s.listTags)
		tags.PATCH("/:id/toggle-active", s.toggleTagActive)
		tags.PATCH("/:id/toggle-action-item", s.toggleActionItem)
		tags.GET("/:id/readings", s.tagReadings)
	}

	// ==================== READINGS ====================
	readings := api.Group("/readings")
	{
		readings.POST("", s.createReading)
		readings.GET("/latest", s.latestReadings)
	}

	// ==================== COLLECTOR ====================
	coll := api.Group("/collector")
	{
		coll.GET("/status", s.collectorStatus)
		coll.POST("/run", s.runCollector)
	}

	// ==================== BATCH ====================
	b := api.Group("/batch")
	{
		b.GET("/jobs", s.listBatchJobs)
		b.POST("/jobs/:name/run", s.runBatchJob)
		b.GET("/results", s.batchResults)
		b.GET("/summary", s.batchSummary)
		b.GET("/errors", s.batchErrors)
		b.POST("/flush", s.flushBatch)
	}

	// ==================== SCHEDULER ====================
	sched := api.Group("/scheduler/entries")
	{
		sched.GET("", s.listScheduleEntries)
		sched.POST("", s.createScheduleEntry)
		sched.DELETE("/:name", s.deleteScheduleEntry)
	}
	api.GET("/ws/status", s.wsStatus)
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
