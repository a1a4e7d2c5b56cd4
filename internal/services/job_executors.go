package services

import (
	"context"
	"encoding/json"
	"time"

	"faqforge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// documentJobPayload is the input for DOCUMENT_CREATION jobs. With
// MessageIDs set the job assembles exactly that batch; otherwise it
// sweeps every unassigned message. GenerateFAQs chains synthesis onto
// each document the run produces.
type documentJobPayload struct {
	MessageIDs   []uint `json:"message_ids,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	Category     string `json:"category,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
	GenerateFAQs bool   `json:"generate_faqs,omitempty"`
}

// faqJobPayload is the input for FAQ_GENERATION jobs. DocumentID zero
// means every COMPLETE document that has no FAQs yet.
type faqJobPayload struct {
	DocumentID      uint   `json:"document_id,omitempty"`
	RequireApproval *bool  `json:"require_approval,omitempty"`
	Category        string `json:"category,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
}

// enhancementJobPayload is the input for DOCUMENT_ENHANCEMENT jobs.
type enhancementJobPayload struct {
	DocumentID uint `json:"document_id"`
}

// cleanupJobPayload is the input for CLEANUP jobs.
type cleanupJobPayload struct {
	OlderThanHours int `json:"older_than_hours,omitempty"`
}

// RegisterPipelineExecutors binds the pipeline services to the four job
// types. Executors translate payload JSON into service calls and map
// per-item failures through the shared error taxonomy so the scheduler
// applies one retry policy across all of them.
func RegisterPipelineExecutors(jobs *JobService, docs *DocumentService, faqs *FAQService, ingest *IngestService, logger *logrus.Logger, defaultRetention time.Duration) {
	jobs.RegisterExecutor(models.JobTypeDocumentCreation, &documentCreationExecutor{docs: docs, faqs: faqs, logger: logger})
	jobs.RegisterExecutor(models.JobTypeFAQGeneration, &faqGenerationExecutor{db: docs.db, faqs: faqs, logger: logger})
	jobs.RegisterExecutor(models.JobTypeDocumentEnhancement, &documentEnhancementExecutor{docs: docs})
	jobs.RegisterExecutor(models.JobTypeCleanup, &cleanupExecutor{ingest: ingest, retention: defaultRetention})
}

type documentCreationExecutor struct {
	docs   *DocumentService
	faqs   *FAQService
	logger *logrus.Logger
}

func (e *documentCreationExecutor) Execute(ctx context.Context, job *models.AutomationJob, report func(int)) error {
	var p documentJobPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	opts := &AssembleOptions{Category: p.Category, CreatedBy: p.CreatedBy}
	report(10)

	if len(p.MessageIDs) > 0 {
		doc, err := e.docs.Assemble(ctx, p.MessageIDs, opts)
		if err != nil {
			return err
		}
		report(70)
		if p.GenerateFAQs {
			if _, err := e.faqs.Synthesize(ctx, doc.ID, &SynthesizeOptions{Category: p.Category, CreatedBy: p.CreatedBy}); err != nil {
				return err
			}
		}
		report(100)
		return nil
	}

	result, err := e.docs.AssembleAllUnprocessed(ctx, p.BatchSize, opts)
	if err != nil {
		return err
	}
	report(60)

	if p.GenerateFAQs && result.DocumentsCreated > 0 {
		if err := synthesizePendingDocuments(ctx, e.docs.db, e.faqs, p.Category, p.CreatedBy, e.logger); err != nil {
			return err
		}
	}
	report(100)

	if len(result.Errors) > 0 {
		// Partial completion: the documents that assembled stay; the
		// operator sees what did not.
		return NewTransientError(nil, "%d of %d batches failed: %s",
			len(result.Errors), result.DocumentsCreated+len(result.Errors), result.Errors[0])
	}
	return nil
}

type faqGenerationExecutor struct {
	db     *gorm.DB
	faqs   *FAQService
	logger *logrus.Logger
}

func (e *faqGenerationExecutor) Execute(ctx context.Context, job *models.AutomationJob, report func(int)) error {
	var p faqJobPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	opts := &SynthesizeOptions{RequireApproval: p.RequireApproval, Category: p.Category, CreatedBy: p.CreatedBy}
	report(10)

	if p.DocumentID != 0 {
		_, err := e.faqs.Synthesize(ctx, p.DocumentID, opts)
		report(100)
		return err
	}

	ids, err := documentsWithoutFAQs(ctx, e.db)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := e.faqs.Synthesize(ctx, id, opts); err != nil {
			if IsQuota(err) {
				return err // quota halts the sweep, remainder picked up next run
			}
			e.logger.Warnf("faq job: document %d: %v", id, err)
		}
		report(10 + (i+1)*90/len(ids))
	}
	return nil
}

type documentEnhancementExecutor struct {
	docs *DocumentService
}

func (e *documentEnhancementExecutor) Execute(ctx context.Context, job *models.AutomationJob, report func(int)) error {
	var p enhancementJobPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	if p.DocumentID == 0 {
		return NewValidationError("document_id required")
	}
	report(20)
	err := e.docs.Enhance(ctx, p.DocumentID)
	report(100)
	return err
}

type cleanupExecutor struct {
	ingest    *IngestService
	retention time.Duration
}

func (e *cleanupExecutor) Execute(ctx context.Context, job *models.AutomationJob, report func(int)) error {
	var p cleanupJobPayload
	if err := decodePayload(job.Payload, &p); err != nil {
		return err
	}
	olderThan := e.retention
	if p.OlderThanHours > 0 {
		olderThan = time.Duration(p.OlderThanHours) * time.Hour
	}
	report(30)
	pruned, err := e.ingest.PruneEvents(ctx, olderThan)
	if err != nil {
		return err
	}
	e.ingest.logger.Infof("cleanup job: pruned %d events older than %s", pruned, olderThan)
	report(100)
	return nil
}

// synthesizePendingDocuments runs FAQ synthesis over every COMPLETE
// document that has no FAQs yet.
func synthesizePendingDocuments(ctx context.Context, db *gorm.DB, faqs *FAQService, category, createdBy string, logger *logrus.Logger) error {
	ids, err := documentsWithoutFAQs(ctx, db)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := faqs.Synthesize(ctx, id, &SynthesizeOptions{Category: category, CreatedBy: createdBy}); err != nil {
			if IsQuota(err) {
				return err
			}
			if logger != nil {
				logger.Warnf("batch job: synthesize document %d: %v", id, err)
			}
		}
	}
	return nil
}

func documentsWithoutFAQs(ctx context.Context, db *gorm.DB) ([]uint, error) {
	var ids []uint
	err := db.WithContext(ctx).Model(&models.Document{}).
		Where("status = ?", models.DocumentStatusComplete).
		Where("id NOT IN (?)", db.Model(&models.FAQ{}).Select("document_id")).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

func decodePayload(payload string, out interface{}) error {
	if payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return NewValidationError("invalid job payload: %v", err)
	}
	return nil
}
