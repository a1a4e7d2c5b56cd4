package handlers

import (
	"net/http"
	"strconv"

	"faqforge/internal/services"

	"github.com/gin-gonic/gin"
)

type AutomationHandler struct {
	service *services.AutomationService
}

func NewAutomationHandler(service *services.AutomationService) *AutomationHandler {
	return &AutomationHandler{service: service}
}

// List returns rules with pagination and filters.
func (h *AutomationHandler) List(c *gin.Context) {
	var req services.RuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}

	rules, total, err := h.service.ListRules(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
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
		Data:     rules,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages(total, pageSize),
	})
}

// Create persists a new rule.
func (h *AutomationHandler) Create(c *gin.Context) {
	var req services.RuleCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.service.CreateRule(c.Request.Context(), &req)
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to create rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// Get loads one rule.
func (h *AutomationHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	rule, err := h.service.GetRule(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Rule not found", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Update applies partial edits to a rule.
func (h *AutomationHandler) Update(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	var req services.RuleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.service.UpdateRule(c.Request.Context(), uint(id), &req)
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to update rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Delete removes a rule. Jobs it already created keep running.
func (h *AutomationHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	if err := h.service.DeleteRule(c.Request.Context(), uint(id)); err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to delete rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// Run fires a rule immediately, regardless of its trigger type.
func (h *AutomationHandler) Run(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	job, err := h.service.RunRule(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to run rule", Message: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// RegisterAutomationRoutes registers rule endpoints.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	rules := r.Group("/automation/rules")
	{
		rules.GET("", handler.List)
		rules.POST("", handler.Create)
		rules.GET(":id", handler.Get)
		rules.PUT(":id", handler.Update)
		rules.DELETE(":id", handler.Delete)
		rules.POST(":id/run", handler.Run)
	}
}
