package handlers

import (
	"encoding/json"
	"net/http"

	"faqforge/internal/services"

	"github.com/gin-gonic/gin"
)

// WebhookEvent is the inbound chat-platform event envelope. Data is
// passed through to the ingestion service untouched.
type WebhookEvent struct {
	EventID string          `json:"event_id" binding:"required"`
	Kind    string          `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

type EventHandler struct {
	service *services.IngestService
}

func NewEventHandler(service *services.IngestService) *EventHandler {
	return &EventHandler{service: service}
}

// Receive ingests one webhook delivery. The response is always a
// structured acknowledgement with the ingestion outcome; redeliveries
// of an already-processed event get DUPLICATE, not an error, so the
// sender stops retrying.
func (h *EventHandler) Receive(c *gin.Context) {
	var evt WebhookEvent
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid event", Message: err.Error()})
		return
	}

	result, err := h.service.Ingest(c.Request.Context(), evt.EventID, evt.Kind, string(evt.Data))
	if err != nil {
		c.JSON(errStatus(err), ErrorResponse{Error: "Failed to ingest event", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Stats reports ingestion counters grouped by status.
func (h *EventHandler) Stats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load event stats", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Retry reprocesses every FAILED event.
func (h *EventHandler) Retry(c *gin.Context) {
	retried, succeeded, err := h.service.RetryFailedEvents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to retry events", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Message: "retry complete",
		Data: map[string]int{
			"retried":   retried,
			"succeeded": succeeded,
		},
	})
}

// RegisterEventRoutes registers the management endpoints. The webhook
// endpoint itself is registered separately so it can carry signature
// middleware.
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	events := r.Group("/events")
	{
		events.GET("/stats", handler.Stats)
		events.POST("/retry", handler.Retry)
	}
}
