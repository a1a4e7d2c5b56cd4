package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"faqforge/internal/metrics"
	"faqforge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AssembleOptions carries caller-supplied document metadata. Empty
// title/category are filled by the text-generation collaborator.
type AssembleOptions struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	CreatedBy   string `json:"created_by"`
}

// BulkAssembleResult reports a "process all unprocessed" run. Errors
// lists per-batch failures; the run keeps going past them.
type BulkAssembleResult struct {
	DocumentsCreated  int      `json:"documents_created"`
	MessagesProcessed int      `json:"messages_processed"`
	Errors            []string `json:"errors,omitempty"`
}

// DocumentListRequest filters and paginates document listings.
type DocumentListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Status   string `form:"status"`
	Category string `form:"category"`
}

// DocumentUpdateRequest edits the mutable fields of a document. Role
// assignments are immutable once the document is COMPLETE.
type DocumentUpdateRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
}

// DocumentService assembles batches of unassigned messages into
// documents via the conversation analyzer.
type DocumentService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	analyzer  *ConversationAnalyzer
	generator TextGenerator
	batchSize int
}

func NewDocumentService(db *gorm.DB, logger *logrus.Logger, analyzer *ConversationAnalyzer, generator TextGenerator, batchSize int) *DocumentService {
	if logger == nil {
		logger = logrus.New()
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &DocumentService{
		db:        db,
		logger:    logger,
		analyzer:  analyzer,
		generator: generator,
		batchSize: batchSize,
	}
}

// Assemble validates messageIDs, analyzes the conversation, and
// persists a document with one role row per message.
func (s *DocumentService) Assemble(ctx context.Context, messageIDs []uint, opts *AssembleOptions) (*models.Document, error) {
	if len(messageIDs) == 0 {
		return nil, NewValidationError("at least one message id required")
	}
	if opts == nil {
		opts = &AssembleOptions{}
	}

	var messages []models.Message
	if err := s.db.WithContext(ctx).Where("id IN ?", messageIDs).Find(&messages).Error; err != nil {
		return nil, err
	}
	if len(messages) != len(uniqueIDs(messageIDs)) {
		return nil, NewValidationError("one or more message ids do not exist")
	}

	var assigned int64
	if err := s.db.WithContext(ctx).Model(&models.DocumentMessage{}).
		Where("message_id IN ?", messageIDs).Count(&assigned).Error; err != nil {
		return nil, err
	}
	if assigned > 0 {
		return nil, NewValidationError("one or more messages already belong to a document")
	}

	// Chronological order keeps the analyzer's forward scan coherent.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	doc := &models.Document{
		Title:       strings.TrimSpace(opts.Title),
		Description: strings.TrimSpace(opts.Description),
		Category:    strings.TrimSpace(opts.Category),
		Status:      models.DocumentStatusCreating,
		CreatedBy:   opts.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, err
	}

	analysis, err := s.analyzer.Analyze(ctx, messages)
	if err != nil {
		s.markFailed(ctx, doc)
		return nil, fmt.Errorf("analyze conversation: %w", err)
	}

	if doc.Title == "" {
		doc.Title = s.generateField(ctx, "title", messages)
	}
	if doc.Category == "" {
		doc.Category = s.generateField(ctx, "category", messages)
	}

	total := 0.0
	rows := make([]models.DocumentMessage, 0, len(messages))
	for _, msg := range messages {
		ra := analysis.Roles[msg.ID]
		total += ra.Confidence
		rows = append(rows, models.DocumentMessage{
			DocumentID: doc.ID,
			MessageID:  msg.ID,
			Role:       ra.Role,
			Confidence: ra.Confidence,
			Reasoning:  ra.Reasoning,
		})
	}
	doc.Confidence = clamp01(total / float64(len(messages)))
	doc.Status = models.DocumentStatusComplete

	// The unassigned precondition is re-checked at commit time by the
	// unique index on document_messages.message_id: a concurrent
	// assembly that grabbed one of these messages makes the insert
	// fail, and the whole transaction rolls back.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rows).Error; err != nil {
			return NewConflictError("message claimed by a concurrent assembly: %v", err)
		}
		return tx.Save(doc).Error
	})
	if err != nil {
		s.markFailed(ctx, doc)
		if IsConflict(err) {
			return nil, err
		}
		return nil, err
	}

	metrics.IncPipeline("documents_created")
	return doc, nil
}

// AssembleAllUnprocessed selects every message with no document,
// groups by channel, sorts chronologically, and assembles fixed-size
// batches. Larger batches lower the risk of splitting one conversation
// across two documents at the cost of larger per-call AI payloads.
func (s *DocumentService) AssembleAllUnprocessed(ctx context.Context, batchSize int, opts *AssembleOptions) (*BulkAssembleResult, error) {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	var unassigned []models.Message
	err := s.db.WithContext(ctx).
		Where("id NOT IN (?)", s.db.Model(&models.DocumentMessage{}).Select("message_id")).
		Order("channel ASC, timestamp ASC").
		Find(&unassigned).Error
	if err != nil {
		return nil, err
	}

	result := &BulkAssembleResult{}
	byChannel := make(map[string][]models.Message)
	var channels []string
	for _, msg := range unassigned {
		if _, ok := byChannel[msg.Channel]; !ok {
			channels = append(channels, msg.Channel)
		}
		byChannel[msg.Channel] = append(byChannel[msg.Channel], msg)
	}

	for _, channel := range channels {
		msgs := byChannel[channel]
		for start := 0; start < len(msgs); start += batchSize {
			end := start + batchSize
			if end > len(msgs) {
				end = len(msgs)
			}
			batch := msgs[start:end]
			ids := make([]uint, len(batch))
			for i, m := range batch {
				ids[i] = m.ID
			}
			if _, err := s.Assemble(ctx, ids, opts); err != nil {
				// Quota failures halt the run; anything else is recorded
				// and the remaining batches continue.
				if IsQuota(err) {
					result.Errors = append(result.Errors, fmt.Sprintf("channel %s: %v (halting)", channel, err))
					return result, err
				}
				result.Errors = append(result.Errors, fmt.Sprintf("channel %s: %v", channel, err))
				continue
			}
			result.DocumentsCreated++
			result.MessagesProcessed += len(batch)
		}
	}

	return result, nil
}

// Get loads a document with its role rows and messages.
func (s *DocumentService) Get(ctx context.Context, id uint) (*models.Document, error) {
	var doc models.Document
	if err := s.db.WithContext(ctx).Preload("Messages").Preload("Messages.Message").
		First(&doc, id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// List returns documents with pagination and status/category filters.
func (s *DocumentService) List(ctx context.Context, req *DocumentListRequest) ([]models.Document, int64, error) {
	page := 1
	pageSize := 20
	if req != nil {
		if req.Page > 0 {
			page = req.Page
		}
		if req.PageSize > 0 {
			pageSize = req.PageSize
		}
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	q := s.db.WithContext(ctx).Model(&models.Document{})
	if req != nil {
		if st := strings.TrimSpace(req.Status); st != "" {
			q = q.Where("status = ?", st)
		}
		if c := strings.TrimSpace(req.Category); c != "" {
			q = q.Where("category = ?", c)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var docs []models.Document
	if err := q.Order("created_at DESC").Limit(pageSize).Offset(offset).Find(&docs).Error; err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// Update edits title/description/category. Role assignments stay
// immutable.
func (s *DocumentService) Update(ctx context.Context, id uint, req *DocumentUpdateRequest) (*models.Document, error) {
	if req == nil {
		return nil, NewValidationError("request required")
	}
	var doc models.Document
	if err := s.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		return nil, err
	}
	if req.Title != nil {
		doc.Title = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		doc.Description = strings.TrimSpace(*req.Description)
	}
	if req.Category != nil {
		doc.Category = strings.TrimSpace(*req.Category)
	}
	if doc.Title == "" {
		return nil, NewValidationError("title required")
	}
	if err := s.db.WithContext(ctx).Save(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// Enhance regenerates the AI-derived metadata of a COMPLETE document
// (title, category, aggregate confidence) from its current messages.
// Role rows stay untouched.
func (s *DocumentService) Enhance(ctx context.Context, id uint) error {
	var doc models.Document
	if err := s.db.WithContext(ctx).Preload("Messages").Preload("Messages.Message").
		First(&doc, id).Error; err != nil {
		return err
	}
	if doc.Status != models.DocumentStatusComplete {
		return NewValidationError("document %d is %s, only COMPLETE documents can be enhanced", id, doc.Status)
	}

	messages := make([]models.Message, 0, len(doc.Messages))
	total := 0.0
	for _, dm := range doc.Messages {
		messages = append(messages, dm.Message)
		total += dm.Confidence
	}
	if len(messages) == 0 {
		return NewValidationError("document %d has no messages", id)
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})

	doc.Title = s.generateField(ctx, "title", messages)
	doc.Category = s.generateField(ctx, "category", messages)
	doc.Confidence = clamp01(total / float64(len(messages)))
	return s.db.WithContext(ctx).Save(&doc).Error
}

// markFailed records a failed assembly. FAILED documents are not
// retried automatically; a fresh Assemble call is required.
func (s *DocumentService) markFailed(ctx context.Context, doc *models.Document) {
	if err := s.db.WithContext(ctx).Model(doc).
		Update("status", models.DocumentStatusFailed).Error; err != nil &&
		!errors.Is(err, context.Canceled) {
		s.logger.Warnf("document: mark failed: %v", err)
	}
}

// generateField asks the generation collaborator for a title or
// category; a failed call degrades to a static default rather than
// failing the assembly.
func (s *DocumentService) generateField(ctx context.Context, field string, messages []models.Message) string {
	fallbackValue := "Conversation"
	if field == "category" {
		fallbackValue = "general"
	}
	if s.generator == nil {
		return fallbackValue
	}

	var sample strings.Builder
	for i, msg := range messages {
		if i >= 6 {
			break
		}
		sample.WriteString(msg.Author)
		sample.WriteString(": ")
		sample.WriteString(msg.Text)
		sample.WriteString("\n")
	}
	prompt := fmt.Sprintf("Provide a short %s for this support conversation:\n%s", field, sample.String())
	out, err := s.generator.GenerateText(ctx, prompt)
	if err != nil {
		s.logger.Debugf("document: generate %s failed: %v", field, err)
		return fallbackValue
	}
	out = strings.TrimSpace(strings.Trim(out, `"`))
	if out == "" {
		return fallbackValue
	}
	return out
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
