package handlers

import (
	"net/http"
	"strconv"

	"faqforge/internal/services"

	"github.com/gin-gonic/gin"
)

// AssembleRequest creates one document from an explicit message batch.
type AssembleRequest struct {
	MessageIDs  []uint `json:"message_ids" binding:"required"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	CreatedBy   string `json:"created_by"`
}

// AssembleAllRequest sweeps every unassigned message into documents.
type AssembleAllRequest struct {
	BatchSize int    `json:"batch_size"`
	Category  string `json:"category"`
	CreatedBy string `json:"created_by"`
}

type DocumentHandler struct {
	service *services.DocumentService
}

func NewDocumentHandler(service *services.DocumentService) *DocumentHandler {
	return &DocumentHandler{service: service}
}

// Assemble builds a document from the given messages.
func (h *DocumentHandler) Assemble(c *gin.Context) {
	var req AssembleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	doc, err := h.service.Assemble(c.Request.Context(), req.MessageIDs, &services.AssembleOptions{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to assemble document", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// AssembleAll batches every unassigned message by channel.
func (h *DocumentHandler) AssembleAll(c *gin.Context) {
	var req AssembleAllRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	result, err := h.service.AssembleAllUnprocessed(c.Request.Context(), req.BatchSize, &services.AssembleOptions{
		Category:  req.Category,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Assembly halted", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// List returns documents with pagination and filters.
func (h *DocumentHandler) List(c *gin.Context) {
	var req services.DocumentListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameters", Message: err.Error()})
		return
	}

	docs, total, err := h.service.List(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list documents", Message: err.Error()})
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
		Data:     docs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Pages:    pages(total, pageSize),
	})
}

// Get loads one document with its role assignments.
func (h *DocumentHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	doc, err := h.service.Get(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Document not found", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// Update edits document metadata.
func (h *DocumentHandler) Update(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: err.Error()})
		return
	}

	var req services.DocumentUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	doc, err := h.service.Update(c.Request.Context(), uint(id), &req)
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to update document", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// RegisterDocumentRoutes registers document endpoints.
func RegisterDocumentRoutes(r *gin.RouterGroup, handler *DocumentHandler) {
	docs := r.Group("/documents")
	{
		docs.GET("", handler.List)
		docs.GET(":id", handler.Get)
		docs.PUT(":id", handler.Update)
		docs.POST("/assemble", handler.Assemble)
		docs.POST("/assemble-all", handler.AssembleAll)
	}
}
