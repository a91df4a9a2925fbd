package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"stagegraph.app/planner/internal/http/middleware"
	"stagegraph.app/planner/internal/model"
	"stagegraph.app/planner/internal/service"
)

type JobHandler struct {
	jobService service.JobService
}

func NewJobHandler(jobService service.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

type planStageRequest struct {
	ProjectID       string `json:"project_id" binding:"required"`
	SessionID       string `json:"session_id" binding:"required"`
	StageSlug       string `json:"stage_slug" binding:"required"`
	IterationNumber int    `json:"iteration_number" binding:"required,min=1"`
	ModelID         string `json:"model_id" binding:"required"`
	ModelName       string `json:"model_name"`
}

type jobResponse struct {
	ID                int64             `json:"id"`
	ParentJobID       *int64            `json:"parent_job_id,omitempty"`
	PrerequisiteJobID *int64            `json:"prerequisite_job_id,omitempty"`
	SessionID         string            `json:"session_id"`
	StageSlug         string            `json:"stage_slug"`
	IterationNumber   int               `json:"iteration_number"`
	JobType           model.JobType     `json:"job_type"`
	Status            model.JobStatus   `json:"status"`
	RecipeStepID      string            `json:"recipe_step_id,omitempty"`
	AttemptCount      int               `json:"attempt_count"`
	MaxRetries        int               `json:"max_retries"`
	ErrorDetails      *string           `json:"error_details,omitempty"`
	Results           *model.JobResults `json:"results,omitempty"`
	Payload           model.JobPayload  `json:"payload,omitempty"`
	CreatedAt         string            `json:"created_at"`
	UpdatedAt         string            `json:"updated_at"`
}

type listJobsResponse struct {
	Jobs []jobResponse `json:"jobs"`
}

// PlanStage creates the root PLAN job of a stage iteration.
func (h *JobHandler) PlanStage(c *gin.Context) {
	ctx := c.Request.Context()

	var req planStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	job, err := h.jobService.PlanStage(ctx, service.StagePlanParams{
		ProjectID:       req.ProjectID,
		SessionID:       req.SessionID,
		StageSlug:       req.StageSlug,
		IterationNumber: req.IterationNumber,
		ModelID:         req.ModelID,
		ModelName:       req.ModelName,
		TraceID:         middleware.TraceIDFrom(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrStageInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			slog.ErrorContext(ctx, "failed to plan stage", "error", err,
				"session_id", req.SessionID, "stage_slug", req.StageSlug)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to plan stage"})
		}
		return
	}

	c.JSON(http.StatusAccepted, toJobResponse(job, false))
}

// Get returns one job with its payload.
func (h *JobHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := h.jobService.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to get job", "error", err, "job_id", jobID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toJobResponse(job, true))
}

// List returns the jobs of a session, optionally narrowed by stage, iteration,
// status (comma separated) and job type.
func (h *JobHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	q := service.JobQuery{
		SessionID: c.Query("session_id"),
		StageSlug: c.Query("stage_slug"),
	}
	if v := c.Query("iteration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid iteration"})
			return
		}
		q.IterationNumber = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		q.Limit = n
	}
	if v := c.Query("parent_job_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parent_job_id"})
			return
		}
		q.ParentJobID = &n
	}
	for _, s := range splitList(c.Query("status")) {
		q.Statuses = append(q.Statuses, model.JobStatus(s))
	}
	for _, t := range splitList(c.Query("job_type")) {
		q.JobTypes = append(q.JobTypes, model.JobType(strings.ToUpper(t)))
	}

	jobs, err := h.jobService.List(ctx, q)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.ErrorContext(ctx, "failed to list jobs", "error", err, "session_id", q.SessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	resp := listJobsResponse{Jobs: make([]jobResponse, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = toJobResponse(j, false)
	}
	c.JSON(http.StatusOK, resp)
}

// Summary reports progress of one stage iteration.
func (h *JobHandler) Summary(c *gin.Context) {
	ctx := c.Request.Context()

	iteration, err := strconv.Atoi(c.Param("iteration"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid iteration"})
		return
	}

	summary, err := h.jobService.Summary(ctx, c.Param("session_id"), c.Param("stage_slug"), iteration)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.ErrorContext(ctx, "failed to summarize stage", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to summarize stage"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func toJobResponse(j *model.Job, withPayload bool) jobResponse {
	resp := jobResponse{
		ID:                j.ID,
		ParentJobID:       j.ParentJobID,
		PrerequisiteJobID: j.PrerequisiteJobID,
		SessionID:         j.SessionID,
		StageSlug:         j.StageSlug,
		IterationNumber:   j.IterationNumber,
		JobType:           j.JobType,
		Status:            j.Status,
		AttemptCount:      j.AttemptCount,
		MaxRetries:        j.MaxRetries,
		ErrorDetails:      j.ErrorDetails,
		Results:           j.Results,
		CreatedAt:         j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:         j.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if j.Payload != nil {
		resp.RecipeStepID = model.StepID(j.Payload)
		if withPayload {
			resp.Payload = j.Payload
		}
	}
	return resp
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
