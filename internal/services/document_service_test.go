package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"faqforge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newDocumentTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Message{},
		&models.Document{},
		&models.DocumentMessage{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

var seedSeq int

func seedMessages(t *testing.T, db *gorm.DB, channel string, texts ...string) []uint {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ids := make([]uint, len(texts))
	for i, text := range texts {
		seedSeq++
		msg := models.Message{
			ExternalID: fmt.Sprintf("%s-m%d", channel, seedSeq),
			Text:       text,
			Author:     "alice",
			Channel:    channel,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(&msg).Error; err != nil {
			t.Fatalf("seed message: %v", err)
		}
		ids[i] = msg.ID
	}
	return ids
}

func newTestDocumentService(db *gorm.DB, generator TextGenerator) *DocumentService {
	analyzer := NewConversationAnalyzer(nil, nil, 0.5, logrus.New())
	return NewDocumentService(db, logrus.New(), analyzer, generator, 20)
}

func TestAssembleBuildsDocumentWithRoles(t *testing.T) {
	db := newDocumentTestDB(t)
	svc := newTestDocumentService(db, nil)
	ids := seedMessages(t, db, "support",
		"How do I reset my password?",
		"go to settings and click reset",
		"thanks, that worked",
	)

	doc, err := svc.Assemble(context.Background(), ids, &AssembleOptions{Title: "Password reset"})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if doc.Status != models.DocumentStatusComplete {
		t.Errorf("status = %s, want COMPLETE", doc.Status)
	}
	if doc.Title != "Password reset" {
		t.Errorf("title = %q, caller-supplied title must win", doc.Title)
	}

	var rows []models.DocumentMessage
	db.Where("document_id = ?", doc.ID).Find(&rows)
	if len(rows) != 3 {
		t.Fatalf("role rows = %d, want 3 (every message gets a role)", len(rows))
	}
	for _, row := range rows {
		if row.Role == "" || row.Confidence <= 0 || row.Reasoning == "" {
			t.Errorf("row %d incomplete: %+v", row.ID, row)
		}
	}
	if doc.Confidence <= 0 || doc.Confidence > 1 {
		t.Errorf("document confidence = %.3f, want (0,1]", doc.Confidence)
	}
}

func TestAssembleGeneratesMissingTitleAndCategory(t *testing.T) {
	db := newDocumentTestDB(t)
	gen := &fakeGenerator{reply: "Login help"}
	svc := newTestDocumentService(db, gen)
	ids := seedMessages(t, db, "support", "how do I log in?")

	doc, err := svc.Assemble(context.Background(), ids, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if doc.Title != "Login help" || doc.Category != "Login help" {
		t.Errorf("title=%q category=%q, want generated values", doc.Title, doc.Category)
	}
	if gen.calls != 2 {
		t.Errorf("generator calls = %d, want 2 (title + category)", gen.calls)
	}
}

func TestAssembleGeneratorFailureDegradesToDefaults(t *testing.T) {
	db := newDocumentTestDB(t)
	gen := &fakeGenerator{err: context.DeadlineExceeded}
	svc := newTestDocumentService(db, gen)
	ids := seedMessages(t, db, "support", "how do I log in?")

	doc, err := svc.Assemble(context.Background(), ids, nil)
	if err != nil {
		t.Fatalf("Assemble must not fail on metadata generation: %v", err)
	}
	if doc.Title != "Conversation" || doc.Category != "general" {
		t.Errorf("title=%q category=%q, want static defaults", doc.Title, doc.Category)
	}
}

func TestAssembleRejectsUnknownAndEmptyIDs(t *testing.T) {
	db := newDocumentTestDB(t)
	svc := newTestDocumentService(db, nil)

	if _, err := svc.Assemble(context.Background(), nil, nil); !IsValidation(err) {
		t.Errorf("empty ids: expected validation error, got %v", err)
	}
	if _, err := svc.Assemble(context.Background(), []uint{999}, nil); !IsValidation(err) {
		t.Errorf("unknown ids: expected validation error, got %v", err)
	}
}

func TestAssembleRejectsAlreadyAssignedMessages(t *testing.T) {
	db := newDocumentTestDB(t)
	svc := newTestDocumentService(db, nil)
	ids := seedMessages(t, db, "support", "first?", "second answer: go to settings")

	if _, err := svc.Assemble(context.Background(), ids, nil); err != nil {
		t.Fatalf("first Assemble failed: %v", err)
	}
	_, err := svc.Assemble(context.Background(), ids, nil)
	if !IsValidation(err) {
		t.Errorf("expected validation error for reassignment, got %v", err)
	}

	var docCount int64
	db.Model(&models.DocumentMessage{}).Distinct("message_id").Count(&docCount)
	if docCount != 2 {
		t.Errorf("assigned messages = %d, want 2 (no doubles)", docCount)
	}
}

func TestAssembleAllBatchesByChannel(t *testing.T) {
	db := newDocumentTestDB(t)
	svc := newTestDocumentService(db, nil)
	seedMessages(t, db, "alpha", "q1?", "a1: go to settings", "q2?")
	seedMessages(t, db, "beta", "q3?", "a3: click the button")

	result, err := svc.AssembleAllUnprocessed(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("AssembleAllUnprocessed failed: %v", err)
	}
	// alpha: 3 messages in batches of 2 -> 2 documents; beta: 1 document.
	if result.DocumentsCreated != 3 {
		t.Errorf("documents created = %d, want 3", result.DocumentsCreated)
	}
	if result.MessagesProcessed != 5 {
		t.Errorf("messages processed = %d, want 5", result.MessagesProcessed)
	}

	// Channels never mix within a document.
	var docs []models.Document
	db.Preload("Messages.Message").Find(&docs)
	for _, doc := range docs {
		channels := map[string]bool{}
		for _, dm := range doc.Messages {
			channels[dm.Message.Channel] = true
		}
		if len(channels) > 1 {
			t.Errorf("document %d mixes channels: %v", doc.ID, channels)
		}
	}

	// A second sweep finds nothing left.
	result, err = svc.AssembleAllUnprocessed(context.Background(), 2, nil)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if result.DocumentsCreated != 0 {
		t.Errorf("second sweep created %d documents, want 0", result.DocumentsCreated)
	}
}

func TestDocumentUpdateKeepsRolesImmutable(t *testing.T) {
	db := newDocumentTestDB(t)
	svc := newTestDocumentService(db, nil)
	ids := seedMessages(t, db, "support", "q?", "a: go to settings")

	doc, err := svc.Assemble(context.Background(), ids, &AssembleOptions{Title: "Before"})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	title := "After"
	updated, err := svc.Update(context.Background(), doc.ID, &DocumentUpdateRequest{Title: &title})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Title != "After" {
		t.Errorf("title = %q, want After", updated.Title)
	}

	empty := ""
	if _, err := svc.Update(context.Background(), doc.ID, &DocumentUpdateRequest{Title: &empty}); !IsValidation(err) {
		t.Errorf("expected validation error for empty title, got %v", err)
	}
}

func TestDocumentEnhanceRegeneratesMetadata(t *testing.T) {
	db := newDocumentTestDB(t)
	gen := &fakeGenerator{reply: "Improved title"}
	svc := newTestDocumentService(db, gen)
	ids := seedMessages(t, db, "support", "q?", "a: go to settings")

	doc, err := svc.Assemble(context.Background(), ids, &AssembleOptions{Title: "Stale", Category: "old"})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if err := svc.Enhance(context.Background(), doc.ID); err != nil {
		t.Fatalf("Enhance failed: %v", err)
	}
	reloaded, _ := svc.Get(context.Background(), doc.ID)
	if reloaded.Title != "Improved title" {
		t.Errorf("title = %q, want regenerated", reloaded.Title)
	}

	var roleCount int64
	db.Model(&models.DocumentMessage{}).Where("document_id = ?", doc.ID).Count(&roleCount)
	if roleCount != 2 {
		t.Errorf("role rows = %d, want 2 untouched", roleCount)
	}
}

func TestDocumentListPaginationAndFilters(t *testing.T) {
	db := newDocumentTestDB(t)
	svc := newTestDocumentService(db, nil)
	for i := 0; i < 3; i++ {
		ids := seedMessages(t, db, "support", "q?", "a: go to settings")
		if _, err := svc.Assemble(context.Background(), ids, &AssembleOptions{Category: "auth"}); err != nil {
			t.Fatalf("Assemble failed: %v", err)
		}
	}

	docs, total, err := svc.List(context.Background(), &DocumentListRequest{Page: 1, PageSize: 2, Category: "auth"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 3 || len(docs) != 2 {
		t.Errorf("total=%d page_len=%d, want 3/2", total, len(docs))
	}

	_, total, _ = svc.List(context.Background(), &DocumentListRequest{Status: models.DocumentStatusFailed})
	if total != 0 {
		t.Errorf("FAILED filter total = %d, want 0", total)
	}
}
