package handlers

import (
	"net/http"
	"strconv"

	"faqforge/internal/services"

	"github.com/gin-gonic/gin"
)

// SynthesizeRequest tunes one synthesis run over a document.
type SynthesizeRequest struct {
	RequireApproval *bool  `json:"require_approval"`
	Category        string `json:"category"`
	CreatedBy       string `json:"created_by"`
}

type FAQHandler struct {
	service *services.FAQService
}

func NewFAQHandler(service *services.FAQService) *FAQHandler {
	return &FAQHandler{service: service}
}

// Synthesize generates FAQ entries from a COMPLETE document.
func (h *FAQHandler) Synthesize(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	var req SynthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	result, err := h.service.Synthesize(c.Request.Context(), uint(id), &services.SynthesizeOptions{
		RequireApproval: req.RequireApproval,
		Category:        req.Category,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		// Quota exhaustion still carries the partial result.
		if services.IsQuota(err) && result != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":  "generation quota exhausted",
				"result": result,
			})
			return
		}
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to synthesize FAQs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// List returns FAQs with pagination and filters.
func (h *FAQHandler) List(c *gin.Context) {
	var req services.FAQListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}

	faqs, total, err := h.service.List(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list FAQs", Message: err.Error()})
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
		Data:     faqs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages(total, pageSize),
	})
}

// Get loads one FAQ.
func (h *FAQHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	faq, err := h.service.Get(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "FAQ not found", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, faq)
}

// Review approves or rejects a PENDING FAQ.
func (h *FAQHandler) Review(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	var req services.FAQReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	faq, err := h.service.Review(c.Request.Context(), uint(id), &req)
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to review FAQ", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, faq)
}

// RegisterFAQRoutes registers FAQ endpoints. Synthesis hangs off the
// documents group because it consumes a document.
func RegisterFAQRoutes(r *gin.RouterGroup, handler *FAQHandler) {
	faqs := r.Group("/faqs")
	{
		faqs.GET("", handler.List)
		faqs.GET(":id", handler.Get)
		faqs.POST(":id/review", handler.Review)
	}
	r.POST("/documents/:id/faqs", handler.Synthesize)
}
