package handlers

import (
	"net/http"
	"time"

	"faqforge/internal/services"

	"github.com/gin-gonic/gin"
)

// JobCreateRequest enqueues an asynchronous job.
type JobCreateRequest struct {
	Type         string `json:"type" binding:"required"`
	Payload      string `json:"payload"`
	Priority     int    `json:"priority"`
	DelaySeconds int    `json:"delay_seconds"`
}

type JobHandler struct {
	service *services.JobService
}

func NewJobHandler(service *services.JobService) *JobHandler {
	return &JobHandler{service: service}
}

// Create enqueues a job and returns its record for status polling.
func (h *JobHandler) Create(c *gin.Context) {
	var req JobCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	job, err := h.service.CreateJob(c.Request.Context(), req.Type, req.Payload, &services.JobOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to create job", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, job)
}

// Get returns job status and progress.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.service.JobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Job not found", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// List returns jobs with pagination and filters.
func (h *JobHandler) List(c *gin.Context) {
	var req services.JobListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}

	jobs, total, err := h.service.List(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list jobs", Message: err.Error()})
		return
	}

	page := req.Page
	if page <= 0 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     jobs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages(total, pageSize),
	})
}

// Cancel stops a QUEUED or PROCESSING job.
func (h *JobHandler) Cancel(c *gin.Context) {
	cancelled, err := h.service.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to cancel job", Message: err.Error()})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Job not cancellable", Message: "job is finished or does not exist"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "cancelled"})
}

// RegisterJobRoutes registers job endpoints.
func RegisterJobRoutes(r *gin.RouterGroup, handler *JobHandler) {
	jobs := r.Group("/jobs")
	{
		jobs.GET("", handler.List)
		jobs.POST("", handler.Create)
		jobs.GET(":id", handler.Get)
		jobs.POST(":id/cancel", handler.Cancel)
	}
}
