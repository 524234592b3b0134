// Package api exposes scans and workflows over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/scanner"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/workflow"
)

// Pinger is satisfied by stores that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server maps HTTP requests onto the scan manager and the workflow
// orchestrator. Both are constructed by the caller and shared with the
// rest of the process.
type Server struct {
	scans     *scanner.Manager
	workflows *workflow.Orchestrator
	defaults  config.ScanConfig
	health    Pinger
	logger    *logger.Logger

	// base parents every scan started over HTTP, so scans outlive the
	// request that started them.
	base context.Context
}

func NewServer(base context.Context, scans *scanner.Manager, workflows *workflow.Orchestrator, defaults config.ScanConfig, health Pinger, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if base == nil {
		base = context.Background()
	}
	return &Server{
		scans:     scans,
		workflows: workflows,
		defaults:  defaults,
		health:    health,
		logger:    log.WithComponent("api"),
		base:      base,
	}
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(srv *Server, cfg config.ServerConfig, limits config.RateLimitConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(srv.logger))
	if cfg.EnableCORS {
		router.Use(CORSMiddleware())
	}

	router.GET("/health", srv.handleHealth)

	api := router.Group("/api")
	api.Use(AuthMiddleware(cfg.APIKey, srv.logger))
	api.Use(RateLimitMiddleware(limits))
	srv.Register(api)
	return router
}

// Register mounts the scan and workflow routes on r.
func (s *Server) Register(r gin.IRouter) {
	scans := r.Group("/scans")
	{
		scans.POST("", s.createScan)
		scans.GET("", s.listScans)
		scans.GET("/:id", s.getScan)
		scans.GET("/:id/results", s.getScanResults)
		scans.GET("/:id/stream", s.streamScan)
		scans.POST("/:id/start", s.startScan)
		scans.POST("/:id/pause", s.pauseScan)
		scans.POST("/:id/resume", s.resumeScan)
		scans.POST("/:id/stop", s.stopScan)
	}

	workflows := r.Group("/workflows")
	{
		workflows.POST("", s.createWorkflow)
		workflows.GET("", s.listWorkflows)
		workflows.GET("/:id", s.getWorkflow)
		workflows.GET("/:id/results", s.getWorkflowResults)
		workflows.GET("/:id/findings", s.getWorkflowFindings)
		workflows.GET("/:id/export", s.exportWorkflow)
		workflows.POST("/:id/tasks", s.addTask)
		workflows.POST("/:id/execute", s.executeWorkflow)
		workflows.POST("/:id/cancel", s.cancelWorkflow)
		workflows.POST("/:id/save", s.saveWorkflow)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy := true
	checks := gin.H{}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			healthy = false
			checks["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			checks["database"] = gin.H{"status": "healthy"}
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":   healthy,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
		"version":   logger.Version,
	})
}

// statusFor maps domain errors onto HTTP status codes. Anything
// unrecognised is a bad request.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scanner.ErrScanNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, scanner.ErrInvalidTransition),
		errors.Is(err, workflow.ErrWorkflowImmutable),
		errors.Is(err, workflow.ErrNotPending):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}
