package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"skeenode/pkg/api/middleware"
	"skeenode/pkg/coordination"
	"skeenode/pkg/jobs"
	"skeenode/pkg/logger"
	"skeenode/pkg/pipeline"
)

// Server encapsulates the HTTP gateway that fronts the job queue and
// pipeline engine. Per the core's external interface, route wiring is an
// out-of-core convenience layer: every handler here is a thin adapter onto
// jobs.Service / pipeline.Engine.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	jobs        *jobs.Service
	pipelines   *pipeline.Engine
	coordinator coordination.Coordinator
	election    coordination.Election
	validator   *middleware.Validator
}

// Config holds API server configuration.
type Config struct {
	Port        string
	Jobs        *jobs.Service
	Pipelines   *pipeline.Engine
	Coordinator coordination.Coordinator
	Election    coordination.Election
	Validator   *middleware.Validator

	// AuthEnabled gates every /api/v1 route behind JWT/API-key
	// authentication. Auth is left disabled by default the way a single
	// operator running this locally expects it to be.
	AuthEnabled bool
	Auth        middleware.AuthConfig
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))
	router.Use(middleware.TracingMiddleware("orchestrator"))

	if cfg.AuthEnabled {
		authCfg := cfg.Auth
		authCfg.SkipPaths = append(authCfg.SkipPaths, "/health", "/metrics")
		router.Use(middleware.AuthMiddleware(authCfg))
	}

	validator := cfg.Validator
	if validator == nil {
		validator = middleware.NewValidator(middleware.DefaultValidatorConfig())
	}

	s := &Server{
		router:      router,
		jobs:        cfg.Jobs,
		pipelines:   cfg.Pipelines,
		coordinator: cfg.Coordinator,
		election:    cfg.Election,
		validator:   validator,
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the underlying gin.Engine for tests that want to drive the
// gateway directly via httptest without binding a real port.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) Start() error {
	logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.POST("", s.createJob)
			jobsGroup.GET("", s.listJobs)
			jobsGroup.GET("/:id", s.getJob)
			jobsGroup.GET("/:id/logs", s.getJobLogs)
			jobsGroup.POST("/:id/cancel", s.cancelJob)
			jobsGroup.POST("/:id/retry", s.retryJob)
			jobsGroup.POST("/:id/pause", s.pauseJob)
			jobsGroup.POST("/:id/resume", s.resumeJob)
		}

		pipelinesGroup := v1.Group("/pipelines")
		{
			pipelinesGroup.POST("", s.createPipeline)
			pipelinesGroup.GET("", s.listPipelines)
			pipelinesGroup.GET("/:id", s.getPipeline)
			pipelinesGroup.PATCH("/:id", s.updatePipeline)
			pipelinesGroup.DELETE("/:id", s.deletePipeline)
			pipelinesGroup.POST("/:id/run", s.runPipeline)
			pipelinesGroup.GET("/:id/runs", s.listRuns)
		}

		runsGroup := v1.Group("/runs")
		{
			runsGroup.GET("/:id", s.getRun)
			runsGroup.POST("/:id/pause", s.pauseRun)
			runsGroup.POST("/:id/resume", s.resumeRun)
			runsGroup.POST("/:id/cancel", s.cancelRun)
			runsGroup.POST("/:id/steps/:stepId/approve", s.submitApproval)
		}

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/leader", s.getLeader)
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	deps := map[string]bool{
		"jobs":      s.jobs != nil,
		"pipelines": s.pipelines != nil,
		"etcd":      s.coordinator != nil,
	}

	healthy := true
	for _, ok := range deps {
		if !ok {
			healthy = false
			break
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
