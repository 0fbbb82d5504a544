package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"skeenode/pkg/pipeline"
)

type createPipelineRequest struct {
	Name            string                 `json:"name" binding:"required"`
	Trigger         pipeline.Trigger       `json:"trigger"`
	Steps           []pipeline.Step        `json:"steps" binding:"required"`
	ContextDefaults map[string]interface{} `json:"contextDefaults"`
	RetryPolicy     pipeline.RetryPolicy   `json:"retryPolicy"`
	OwnerID         string                 `json:"ownerId"`
	Tags            []string               `json:"tags"`
}

// createPipeline handles POST /api/v1/pipelines
func (s *Server) createPipeline(c *gin.Context) {
	var req createPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := s.pipelines.CreatePipeline(c.Request.Context(), pipeline.CreatePipelineInput{
		Name:            req.Name,
		Trigger:         req.Trigger,
		Steps:           req.Steps,
		ContextDefaults: pipeline.JSONMap(req.ContextDefaults),
		RetryPolicy:     req.RetryPolicy,
		OwnerID:         req.OwnerID,
		Tags:            req.Tags,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, p)
}

// listPipelines handles GET /api/v1/pipelines
func (s *Server) listPipelines(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var enabled *bool
	if v := c.Query("enabled"); v != "" {
		b := v == "true"
		enabled = &b
	}

	page, err := s.pipelines.ListPipelines(c.Request.Context(), pipeline.ListFilter{
		OwnerID:      c.Query("ownerId"),
		NameContains: c.Query("name"),
		Enabled:      enabled,
		Limit:        limit,
		Cursor:       c.Query("cursor"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, page)
}

// getPipeline handles GET /api/v1/pipelines/:id
func (s *Server) getPipeline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	p, err := s.pipelines.GetPipeline(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, p)
}

type updatePipelineRequest struct {
	Name            *string                 `json:"name"`
	Enabled         *bool                   `json:"enabled"`
	Trigger         *pipeline.Trigger       `json:"trigger"`
	Steps           []pipeline.Step         `json:"steps"`
	ContextDefaults map[string]interface{}  `json:"contextDefaults"`
	RetryPolicy     *pipeline.RetryPolicy   `json:"retryPolicy"`
	Tags            []string                `json:"tags"`
}

// updatePipeline handles PATCH /api/v1/pipelines/:id
func (s *Server) updatePipeline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	var req updatePipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var contextDefaults pipeline.JSONMap
	if req.ContextDefaults != nil {
		contextDefaults = pipeline.JSONMap(req.ContextDefaults)
	}

	p, err := s.pipelines.UpdatePipeline(c.Request.Context(), id, pipeline.UpdatePipelineInput{
		Name:            req.Name,
		Enabled:         req.Enabled,
		Trigger:         req.Trigger,
		Steps:           req.Steps,
		ContextDefaults: contextDefaults,
		RetryPolicy:     req.RetryPolicy,
		Tags:            req.Tags,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, p)
}

// deletePipeline handles DELETE /api/v1/pipelines/:id
func (s *Server) deletePipeline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	if err := s.pipelines.DeletePipeline(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type runPipelineRequest struct {
	Params map[string]interface{} `json:"params"`
}

// runPipeline handles POST /api/v1/pipelines/:id/run
func (s *Server) runPipeline(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	var req runPipelineRequest
	_ = c.ShouldBindJSON(&req)

	triggeredBy := pipeline.TriggeredBy{Type: "user", ID: c.GetString("userId")}
	if triggeredBy.ID == "" {
		triggeredBy = pipeline.TriggeredBy{Type: "api"}
	}

	run, err := s.pipelines.RunPipeline(c.Request.Context(), id, pipeline.RunOptions{
		TriggeredBy: triggeredBy,
		Params:      req.Params,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, run)
}

// listRuns handles GET /api/v1/pipelines/:id/runs
func (s *Server) listRuns(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipeline id"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	page, err := s.pipelines.ListRuns(c.Request.Context(), pipeline.RunFilter{
		PipelineID: id,
		Status:     pipeline.RunStatus(c.Query("status")),
		Limit:      limit,
		Cursor:     c.Query("cursor"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, page)
}

// getRun handles GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	run, err := s.pipelines.GetRun(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, run)
}

// pauseRun handles POST /api/v1/runs/:id/pause
func (s *Server) pauseRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	if err := s.pipelines.PauseRun(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// resumeRun handles POST /api/v1/runs/:id/resume
func (s *Server) resumeRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	if err := s.pipelines.ResumeRun(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

// cancelRun handles POST /api/v1/runs/:id/cancel
func (s *Server) cancelRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	var req cancelRunRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	if err := s.pipelines.CancelRun(c.Request.Context(), id, req.Reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type submitApprovalRequest struct {
	Decision string `json:"decision" binding:"required"`
	Comment  string `json:"comment"`
}

// submitApproval handles POST /api/v1/runs/:id/steps/:stepId/approve
func (s *Server) submitApproval(c *gin.Context) {
	runID := c.Param("id")
	stepID := c.Param("stepId")

	if _, err := uuid.Parse(runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	var req submitApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Decision != "approved" && req.Decision != "rejected" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be approved or rejected"})
		return
	}

	userID := c.GetString("userId")
	if userID == "" {
		userID = "api"
	}

	ok := s.pipelines.SubmitApproval(runID, stepID, pipeline.Approval{
		UserID:    userID,
		Decision:  req.Decision,
		Comment:   req.Comment,
		Timestamp: time.Now(),
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending approval for this step"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}
