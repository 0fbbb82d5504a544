package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"skeenode/pkg/jobs"
)

type createJobRequest struct {
	Type          string                 `json:"type" binding:"required"`
	Name          string                 `json:"name"`
	Priority      int                    `json:"priority"`
	SessionID     string                 `json:"sessionId"`
	AgentID       string                 `json:"agentId"`
	UserID        string                 `json:"userId"`
	Input         map[string]interface{} `json:"input"`
	Metadata      map[string]interface{} `json:"metadata"`
	CorrelationID string                 `json:"correlationId"`
}

// createJob handles POST /api/v1/jobs
func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.validator.ValidateJobType(req.Type); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name != "" {
		if err := s.validator.ValidateName(req.Name); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if cmd, ok := req.Input["command"].(string); ok {
		if err := s.validator.ValidateCommand(cmd); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	job, err := s.jobs.CreateJob(c.Request.Context(), jobs.CreateJobInput{
		Type:          req.Type,
		Name:          req.Name,
		Priority:      req.Priority,
		SessionID:     req.SessionID,
		AgentID:       req.AgentID,
		UserID:        req.UserID,
		Input:         jobs.JSONMap(req.Input),
		Metadata:      jobs.JSONMap(req.Metadata),
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// listJobs handles GET /api/v1/jobs
func (s *Server) listJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	order := jobs.OrderRecency
	if c.Query("order") == "scheduling" {
		order = jobs.OrderScheduling
	}

	page, err := s.jobs.ListJobs(c.Request.Context(), jobs.Filter{
		Type:      c.Query("type"),
		Status:    jobs.Status(c.Query("status")),
		SessionID: c.Query("sessionId"),
		AgentID:   c.Query("agentId"),
		Limit:     limit,
		Cursor:    c.Query("cursor"),
		Order:     order,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, page)
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := s.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, job)
}

// getJobLogs handles GET /api/v1/jobs/:id/logs
func (s *Server) getJobLogs(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if limit <= 0 || limit > 2000 {
		limit = 200
	}

	logs, err := s.jobs.GetLogs(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

type cancelJobRequest struct {
	Reason string `json:"reason"`
}

// cancelJob handles POST /api/v1/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	var req cancelJobRequest
	_ = c.ShouldBindJSON(&req)

	requestedBy := c.GetString("userId")
	if requestedBy == "" {
		requestedBy = "api"
	}

	if err := s.jobs.CancelJob(c.Request.Context(), id, requestedBy, req.Reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// retryJob handles POST /api/v1/jobs/:id/retry
func (s *Server) retryJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	if err := s.jobs.RetryJob(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "pending"})
}

// pauseJob handles POST /api/v1/jobs/:id/pause
func (s *Server) pauseJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	if err := s.jobs.PauseJob(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// resumeJob handles POST /api/v1/jobs/:id/resume
func (s *Server) resumeJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	if err := s.jobs.ResumeJob(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "pending"})
}
