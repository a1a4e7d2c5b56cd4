package services

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"faqforge/internal/metrics"
	"faqforge/internal/models"
	"faqforge/pkg/simsearch"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// FAQServiceConfig tunes synthesis. Thresholds must satisfy
// ReviewThreshold < DuplicateThreshold.
type FAQServiceConfig struct {
	DuplicateThreshold  float64
	ReviewThreshold     float64
	MinAnswerConfidence float64
	GenerationDelay     time.Duration
	RequireApproval     bool
	TopK                int
}

// DefaultFAQServiceConfig mirrors the pipeline defaults.
func DefaultFAQServiceConfig() FAQServiceConfig {
	return FAQServiceConfig{
		DuplicateThreshold:  0.9,
		ReviewThreshold:     0.7,
		MinAnswerConfidence: 0.5,
		GenerationDelay:     500 * time.Millisecond,
		RequireApproval:     true,
		TopK:                5,
	}
}

// SynthesizeOptions overrides per-call behavior.
type SynthesizeOptions struct {
	RequireApproval *bool  `json:"require_approval"`
	Category        string `json:"category"`
	CreatedBy       string `json:"created_by"`
}

// SynthesizeResult reports one synthesis run. The run continues past
// per-candidate failures except quota errors, which halt it while
// keeping everything already committed.
type SynthesizeResult struct {
	Created             int          `json:"created"`
	DuplicatesFound     int          `json:"duplicates_found"`
	DuplicatesEnhanced  int          `json:"duplicates_enhanced"`
	PotentialDuplicates int          `json:"potential_duplicates"`
	FAQs                []models.FAQ `json:"faqs,omitempty"`
	Errors              []string     `json:"errors,omitempty"`
}

// FAQReviewRequest is a reviewer's decision.
type FAQReviewRequest struct {
	Decision   string `json:"decision" binding:"required"` // APPROVE, REJECT
	ReviewerID string `json:"reviewer_id" binding:"required"`
}

// FAQListRequest filters and paginates FAQ listings.
type FAQListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Status   string `form:"status"`
	Category string `form:"category"`
}

// FAQService converts a document's question/answer pairs into FAQ
// entries with near-duplicate suppression against the existing base.
type FAQService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	generator  TextGenerator
	similarity simsearch.SimilarityInterface
	redactor   Redactor
	limiter    *rate.Limiter
	cfg        FAQServiceConfig
}

func NewFAQService(db *gorm.DB, logger *logrus.Logger, generator TextGenerator, similarity simsearch.SimilarityInterface, redactor Redactor, cfg FAQServiceConfig) *FAQService {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = 0.9
	}
	if cfg.ReviewThreshold <= 0 || cfg.ReviewThreshold >= cfg.DuplicateThreshold {
		cfg.ReviewThreshold = cfg.DuplicateThreshold - 0.2
	}
	if cfg.MinAnswerConfidence <= 0 {
		cfg.MinAnswerConfidence = 0.5
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	var limiter *rate.Limiter
	if cfg.GenerationDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.GenerationDelay), 1)
	}
	return &FAQService{
		db:         db,
		logger:     logger,
		generator:  generator,
		similarity: similarity,
		redactor:   redactor,
		limiter:    limiter,
		cfg:        cfg,
	}
}

// qaCandidate is one question/answer pair read back from a document's
// stored role rows.
type qaCandidate struct {
	QuestionMsg models.Message
	AnswerMsg   models.Message
	Confidence  float64
}

// Synthesize builds FAQ candidates from documentID's Q&A pairs.
func (s *FAQService) Synthesize(ctx context.Context, documentID uint, opts *SynthesizeOptions) (*SynthesizeResult, error) {
	if opts == nil {
		opts = &SynthesizeOptions{}
	}

	var doc models.Document
	if err := s.db.WithContext(ctx).First(&doc, documentID).Error; err != nil {
		return nil, NewValidationError("document %d not found", documentID)
	}
	if doc.Status != models.DocumentStatusComplete {
		return nil, NewValidationError("document %d is not COMPLETE", documentID)
	}

	candidates, err := s.candidatesFromDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	requireApproval := s.cfg.RequireApproval
	if opts.RequireApproval != nil {
		requireApproval = *opts.RequireApproval
	}

	result := &SynthesizeResult{}
	for _, cand := range candidates {
		// Fixed inter-candidate delay keeps us inside the generation
		// collaborator's quota.
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return result, err
			}
		}

		faq, outcome, err := s.synthesizeOne(ctx, &doc, cand, opts, requireApproval)
		if err != nil {
			if IsQuota(err) {
				result.Errors = append(result.Errors, fmt.Sprintf("quota exceeded, halting: %v", err))
				return result, err
			}
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		switch outcome {
		case outcomeCreated:
			result.Created++
			result.FAQs = append(result.FAQs, *faq)
			metrics.IncPipeline("faqs_created")
		case outcomePotentialDup:
			result.Created++
			result.PotentialDuplicates++
			result.FAQs = append(result.FAQs, *faq)
			metrics.IncPipeline("faqs_created")
		case outcomeEnhanced:
			result.DuplicatesFound++
			result.DuplicatesEnhanced++
			metrics.IncPipeline("faqs_enhanced")
		}
	}

	return result, nil
}

type synthesisOutcome int

const (
	outcomeCreated synthesisOutcome = iota
	outcomePotentialDup
	outcomeEnhanced
)

func (s *FAQService) synthesizeOne(ctx context.Context, doc *models.Document, cand qaCandidate, opts *SynthesizeOptions, requireApproval bool) (*models.FAQ, synthesisOutcome, error) {
	question, answer, err := s.phraseCandidate(ctx, cand)
	if err != nil {
		return nil, 0, err
	}

	// Near-duplicate lookup. The index lags the relational store, so an
	// empty result is normal and never an error; a failed lookup only
	// degrades to creation.
	if s.similarity != nil {
		match, score := s.bestMatch(ctx, question+" "+answer)
		if match != nil && score >= s.cfg.DuplicateThreshold {
			faqID, err := strconv.ParseUint(match.ID, 10, 32)
			if err == nil {
				if err := s.enhance(ctx, uint(faqID), cand); err == nil {
					return nil, outcomeEnhanced, nil
				}
				// Fall through to creation when the matched FAQ is gone
				// (stale index entry).
			}
		}
		if match != nil && score >= s.cfg.ReviewThreshold {
			faq, err := s.create(ctx, doc, cand, question, answer, opts, true, match.ID)
			if err != nil {
				return nil, 0, err
			}
			return faq, outcomePotentialDup, nil
		}
	}

	faq, err := s.create(ctx, doc, cand, question, answer, opts, requireApproval, "")
	if err != nil {
		return nil, 0, err
	}
	return faq, outcomeCreated, nil
}

func (s *FAQService) bestMatch(ctx context.Context, text string) (*simsearch.Match, float64) {
	matches, err := s.similarity.FindSimilar(ctx, text, s.cfg.TopK)
	if err != nil {
		s.logger.Warnf("faq: similarity lookup failed, assuming no duplicates: %v", err)
		return nil, 0
	}
	if len(matches) == 0 {
		return nil, 0
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if m.Score > best.Score {
			best = m
		}
	}
	return &best, best.Score
}

// phraseCandidate turns raw chat text into FAQ phrasing through the
// generation collaborator, redacting PII first when configured.
func (s *FAQService) phraseCandidate(ctx context.Context, cand qaCandidate) (question, answer string, err error) {
	qText := cand.QuestionMsg.Text
	aText := cand.AnswerMsg.Text
	if s.redactor != nil {
		qText = s.redactor.Redact(qText)
		aText = s.redactor.Redact(aText)
	}
	if s.generator == nil {
		return qText, aText, nil
	}

	question, err = s.generator.GenerateText(ctx,
		fmt.Sprintf("Rewrite this chat message as a clear FAQ question: \"%s\"", qText))
	if err != nil {
		return "", "", err
	}
	answer, err = s.generator.GenerateText(ctx,
		fmt.Sprintf("Rewrite this chat message as a complete FAQ answer: \"%s\"", aText))
	if err != nil {
		return "", "", err
	}
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" {
		question = qText
	}
	if answer == "" {
		answer = aText
	}
	return question, answer, nil
}

func (s *FAQService) create(ctx context.Context, doc *models.Document, cand qaCandidate, question, answer string, opts *SynthesizeOptions, requireApproval bool, potentialDupID string) (*models.FAQ, error) {
	category := strings.TrimSpace(opts.Category)
	if category == "" {
		category = doc.Category
	}
	if category == "" {
		category = "general"
	}

	status := models.FAQStatusApproved
	if requireApproval {
		status = models.FAQStatusPending
	}

	faq := &models.FAQ{
		Question:   question,
		Answer:     answer,
		Category:   category,
		Status:     status,
		Confidence: s.scoreConfidence(question, answer, cand),
		DocumentID: doc.ID,
	}
	faq.SetSourceMessageIDs([]uint{cand.QuestionMsg.ID, cand.AnswerMsg.ID})
	if potentialDupID != "" {
		if id, err := strconv.ParseUint(potentialDupID, 10, 32); err == nil {
			dup := uint(id)
			faq.PotentialDupOfID = &dup
		}
	}

	if err := s.db.WithContext(ctx).Create(faq).Error; err != nil {
		return nil, err
	}

	// Best-effort index write; the index catches up eventually.
	if s.similarity != nil {
		if err := s.similarity.IndexEntry(ctx, strconv.FormatUint(uint64(faq.ID), 10),
			question+" "+answer, map[string]string{"category": category}); err != nil {
			s.logger.Warnf("faq: index entry %d: %v", faq.ID, err)
		}
	}

	return faq, nil
}

// enhance appends cand's source messages to an existing FAQ instead of
// creating a near-duplicate.
func (s *FAQService) enhance(ctx context.Context, faqID uint, cand qaCandidate) error {
	var faq models.FAQ
	if err := s.db.WithContext(ctx).First(&faq, faqID).Error; err != nil {
		return err
	}
	ids := faq.SourceMessageIDs()
	for _, add := range []uint{cand.QuestionMsg.ID, cand.AnswerMsg.ID} {
		found := false
		for _, id := range ids {
			if id == add {
				found = true
				break
			}
		}
		if !found {
			ids = append(ids, add)
		}
	}
	faq.SetSourceMessageIDs(ids)
	return s.db.WithContext(ctx).Model(&faq).Update("source_trace", faq.SourceTrace).Error
}

// scoreConfidence computes the three independent factors and averages
// them: question clarity, answer completeness, context relevance.
func (s *FAQService) scoreConfidence(question, answer string, cand qaCandidate) float64 {
	clarity := questionClarity(question)
	completeness := answerCompleteness(answer)
	relevance := contextRelevance(cand)
	return clamp01((clarity + completeness + relevance) / 3)
}

// questionClarity rewards interrogative markers.
func questionClarity(question string) float64 {
	lower := strings.ToLower(strings.TrimSpace(question))
	score := 0.4
	if strings.HasSuffix(lower, "?") {
		score += 0.4
	}
	for _, word := range interrogativeWords {
		if strings.HasPrefix(lower, word+" ") {
			score += 0.2
			break
		}
	}
	return clamp01(score)
}

// answerCompleteness rewards length and actionable phrasing.
func answerCompleteness(answer string) float64 {
	trimmed := strings.TrimSpace(answer)
	score := 0.2
	switch {
	case len(trimmed) >= 120:
		score += 0.4
	case len(trimmed) >= 40:
		score += 0.3
	case len(trimmed) >= 15:
		score += 0.2
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range instructionalPhrases {
		if strings.Contains(lower, phrase) {
			score += 0.4
			break
		}
	}
	return clamp01(score)
}

// contextRelevance checks that the source messages actually carry a
// QUESTION+ANSWER role pair with real confidence behind it.
func contextRelevance(cand qaCandidate) float64 {
	if cand.Confidence <= 0 {
		return 0.5
	}
	return clamp01(0.5 + cand.Confidence/2)
}

// candidatesFromDocument re-derives Q&A pairs from the stored role
// rows: nearest qualifying answer after each question, highest
// confidence first, earliest timestamp breaking ties.
func (s *FAQService) candidatesFromDocument(ctx context.Context, documentID uint) ([]qaCandidate, error) {
	var rows []models.DocumentMessage
	if err := s.db.WithContext(ctx).Preload("Message").
		Where("document_id = ?", documentID).Find(&rows).Error; err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Message.Timestamp.Before(rows[j].Message.Timestamp)
	})

	var candidates []qaCandidate
	for i, row := range rows {
		if row.Role != models.RoleQuestion {
			continue
		}
		best := -1
		for j := i + 1; j < len(rows); j++ {
			if rows[j].Message.Channel != row.Message.Channel {
				continue
			}
			if rows[j].Role != models.RoleAnswer {
				continue
			}
			if rows[j].Confidence < s.cfg.MinAnswerConfidence {
				continue
			}
			if best == -1 ||
				rows[j].Confidence > rows[best].Confidence ||
				(rows[j].Confidence == rows[best].Confidence &&
					rows[j].Message.Timestamp.Before(rows[best].Message.Timestamp)) {
				best = j
			}
		}
		if best == -1 {
			continue
		}
		candidates = append(candidates, qaCandidate{
			QuestionMsg: row.Message,
			AnswerMsg:   rows[best].Message,
			Confidence:  (row.Confidence + rows[best].Confidence) / 2,
		})
	}
	return candidates, nil
}

// Review applies a reviewer decision. APPROVED and REJECTED are
// terminal; re-generation may never silently alter an approved FAQ's
// text, only enhancement of its source trace and reviewer metadata.
func (s *FAQService) Review(ctx context.Context, faqID uint, req *FAQReviewRequest) (*models.FAQ, error) {
	if req == nil {
		return nil, NewValidationError("request required")
	}
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		return nil, NewValidationError("reviewer id required")
	}

	var faq models.FAQ
	if err := s.db.WithContext(ctx).First(&faq, faqID).Error; err != nil {
		return nil, err
	}
	if faq.Status != models.FAQStatusPending {
		return nil, NewConflictError("FAQ %d already reviewed (%s)", faqID, faq.Status)
	}

	now := time.Now()
	switch strings.ToUpper(req.Decision) {
	case "APPROVE":
		faq.Status = models.FAQStatusApproved
	case "REJECT":
		faq.Status = models.FAQStatusRejected
	default:
		return nil, NewValidationError("decision must be APPROVE or REJECT")
	}
	faq.ReviewedBy = reviewer
	faq.ReviewedAt = &now

	if err := s.db.WithContext(ctx).Save(&faq).Error; err != nil {
		return nil, err
	}
	return &faq, nil
}

// Get loads one FAQ.
func (s *FAQService) Get(ctx context.Context, id uint) (*models.FAQ, error) {
	var faq models.FAQ
	if err := s.db.WithContext(ctx).First(&faq, id).Error; err != nil {
		return nil, err
	}
	return &faq, nil
}

// List returns FAQs with pagination and status/category filters.
func (s *FAQService) List(ctx context.Context, req *FAQListRequest) ([]models.FAQ, int64, error) {
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

	q := s.db.WithContext(ctx).Model(&models.FAQ{})
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

	var faqs []models.FAQ
	if err := q.Order("created_at DESC").Limit(pageSize).Offset(offset).Find(&faqs).Error; err != nil {
		return nil, 0, err
	}
	return faqs, total, nil
}
