package handlers

import (
	"net/http"
	"time"

	"faqforge/internal/metrics"
	"faqforge/pkg/simsearch"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler serves liveness and readiness probes. Liveness never
// touches dependencies; readiness checks the database and, when
// configured, the similarity service.
type HealthHandler struct {
	db         *gorm.DB
	similarity simsearch.SimilarityInterface
}

func NewHealthHandler(db *gorm.DB, similarity simsearch.SimilarityInterface) *HealthHandler {
	return &HealthHandler{db: db, similarity: similarity}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	checks := gin.H{}
	ready := true

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	if h.similarity != nil {
		if err := h.similarity.HealthCheck(c.Request.Context()); err != nil {
			// Similarity is degradable: synthesis falls back to
			// create-without-dedup, so it does not gate readiness.
			checks["similarity"] = err.Error()
		} else {
			checks["similarity"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// BreakerReporter exposes circuit breaker state for the metrics
// endpoint.
type BreakerReporter interface {
	BreakerStats() map[string]interface{}
}

// MetricsHandler exposes pipeline counters and AI breaker state.
type MetricsHandler struct {
	breaker BreakerReporter
}

func NewMetricsHandler(breaker BreakerReporter) *MetricsHandler {
	return &MetricsHandler{breaker: breaker}
}

func (h *MetricsHandler) Metrics(c *gin.Context) {
	pipelineTotal, pipelineBy := metrics.PipelineSnapshot()
	rateLimitTotal, rateLimitBy := metrics.RateLimitSnapshot()
	payload := gin.H{
		"pipeline":   gin.H{"total": pipelineTotal, "by": pipelineBy},
		"rate_limit": gin.H{"total": rateLimitTotal, "by": rateLimitBy},
	}
	if h.breaker != nil {
		payload["ai_breaker"] = h.breaker.BreakerStats()
	}
	c.JSON(http.StatusOK, payload)
}
