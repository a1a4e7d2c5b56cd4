package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"faqforge/internal/models"
	"faqforge/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newFAQHandlerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Message{},
		&models.Document{},
		&models.DocumentMessage{},
		&models.FAQ{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func faqTestRouter(db *gorm.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	cfg := services.DefaultFAQServiceConfig()
	cfg.GenerationDelay = 0
	handler := NewFAQHandler(services.NewFAQService(db, logger, nil, nil, nil, cfg))

	r := gin.New()
	api := r.Group("/api")
	RegisterFAQRoutes(api, handler)
	return r
}

func TestFAQHandler_ReviewFlow(t *testing.T) {
	db := newFAQHandlerTestDB(t)
	router := faqTestRouter(db)

	faq := models.FAQ{Question: "q", Answer: "a", Status: models.FAQStatusPending}
	db.Create(&faq)

	body := []byte(`{"decision":"APPROVE","reviewer_id":"rev-1"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/faqs/1/review", bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, w.Code)

	var reviewed models.FAQ
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &reviewed))
	assert.Equal(t, models.FAQStatusApproved, reviewed.Status)
	assert.Equal(t, "rev-1", reviewed.ReviewedBy)
	assert.NotNil(t, reviewed.ReviewedAt)

	// Reviewed entries are terminal.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/faqs/1/review", bytes.NewReader(body)))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFAQHandler_Review_BadRequests(t *testing.T) {
	db := newFAQHandlerTestDB(t)
	router := faqTestRouter(db)

	faq := models.FAQ{Question: "q", Answer: "a", Status: models.FAQStatusPending}
	db.Create(&faq)

	// Missing reviewer fails binding.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/faqs/1/review",
		bytes.NewReader([]byte(`{"decision":"APPROVE"}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown decision fails validation.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/faqs/1/review",
		bytes.NewReader([]byte(`{"decision":"MAYBE","reviewer_id":"rev-1"}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Bad id in the path.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/faqs/abc/review",
		bytes.NewReader([]byte(`{"decision":"APPROVE","reviewer_id":"rev-1"}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFAQHandler_GetNotFound(t *testing.T) {
	router := faqTestRouter(newFAQHandlerTestDB(t))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/faqs/999", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFAQHandler_ListPagination(t *testing.T) {
	db := newFAQHandlerTestDB(t)
	router := faqTestRouter(db)

	for i := 0; i < 3; i++ {
		db.Create(&models.FAQ{Question: "q", Answer: "a", Status: models.FAQStatusApproved})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/faqs?page=1&page_size=2&status=APPROVED", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp PaginatedResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(3), resp.Total)
	assert.Equal(t, 2, resp.Pages)
}

func TestFAQHandler_Synthesize_DocumentNotComplete(t *testing.T) {
	db := newFAQHandlerTestDB(t)
	router := faqTestRouter(db)

	doc := models.Document{Title: "t", Status: models.DocumentStatusCreating}
	db.Create(&doc)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/api/documents/1/faqs", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
