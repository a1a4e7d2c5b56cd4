package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"faqforge/internal/models"
	"faqforge/pkg/simsearch"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeSimilarity struct {
	matches    []simsearch.Match
	searchErr  error
	indexed    map[string]string
	indexCalls int
}

func (f *fakeSimilarity) FindSimilar(ctx context.Context, text string, topK int) ([]simsearch.Match, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.matches, nil
}

func (f *fakeSimilarity) IndexEntry(ctx context.Context, id, text string, metadata map[string]string) error {
	if f.indexed == nil {
		f.indexed = make(map[string]string)
	}
	f.indexed[id] = text
	f.indexCalls++
	return nil
}

func (f *fakeSimilarity) HealthCheck(ctx context.Context) error { return nil }

type quotaGenerator struct{}

func (quotaGenerator) GenerateText(ctx context.Context, prompt string) (string, error) {
	return "", NewQuotaError(nil, "generation quota exhausted")
}

func newFAQTestDB(t *testing.T) *gorm.DB {
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

func faqTestConfig() FAQServiceConfig {
	cfg := DefaultFAQServiceConfig()
	cfg.GenerationDelay = 0 // no throttling in tests
	return cfg
}

// seedQADocument creates a COMPLETE document holding one classified
// question/answer pair and returns it with the message ids.
func seedQADocument(t *testing.T, db *gorm.DB, question, answer string) (*models.Document, uint, uint) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	seedSeq++
	qMsg := models.Message{ExternalID: fmt.Sprintf("faq-q%d", seedSeq), Text: question, Channel: "support", Timestamp: base}
	if err := db.Create(&qMsg).Error; err != nil {
		t.Fatalf("seed question: %v", err)
	}
	seedSeq++
	aMsg := models.Message{ExternalID: fmt.Sprintf("faq-a%d", seedSeq), Text: answer, Channel: "support", Timestamp: base.Add(time.Minute)}
	if err := db.Create(&aMsg).Error; err != nil {
		t.Fatalf("seed answer: %v", err)
	}

	doc := models.Document{Title: "Password reset", Category: "auth", Status: models.DocumentStatusComplete}
	if err := db.Create(&doc).Error; err != nil {
		t.Fatalf("seed document: %v", err)
	}
	rows := []models.DocumentMessage{
		{DocumentID: doc.ID, MessageID: qMsg.ID, Role: models.RoleQuestion, Confidence: 0.9},
		{DocumentID: doc.ID, MessageID: aMsg.ID, Role: models.RoleAnswer, Confidence: 0.8},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed role rows: %v", err)
	}
	return &doc, qMsg.ID, aMsg.ID
}

func TestSynthesizeCreatesFAQFromQAPair(t *testing.T) {
	db := newFAQTestDB(t)
	sim := &fakeSimilarity{}
	svc := NewFAQService(db, logrus.New(), nil, sim, nil, faqTestConfig())
	doc, qID, aID := seedQADocument(t, db,
		"How do I reset my password?",
		"Go to Settings, open the Security tab, and click Reset Password.")

	result, err := svc.Synthesize(context.Background(), doc.ID, nil)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if result.Created != 1 || result.DuplicatesFound != 0 {
		t.Fatalf("created=%d duplicates=%d, want 1/0", result.Created, result.DuplicatesFound)
	}

	faq := result.FAQs[0]
	if faq.Status != models.FAQStatusPending {
		t.Errorf("status = %s, want PENDING (approval required by default)", faq.Status)
	}
	if faq.Category != "auth" {
		t.Errorf("category = %q, want inherited from document", faq.Category)
	}
	if faq.Confidence <= 0.7 || faq.Confidence > 1 {
		t.Errorf("confidence = %.3f, want in (0.7, 1] for a clear pair", faq.Confidence)
	}

	ids := faq.SourceMessageIDs()
	if len(ids) != 2 || ids[0] != qID || ids[1] != aID {
		t.Errorf("source trace = %v, want [%d %d]", ids, qID, aID)
	}
	if sim.indexCalls != 1 {
		t.Errorf("index calls = %d, want 1 (new FAQ gets indexed)", sim.indexCalls)
	}
}

func TestPasswordResetConversationYieldsOneFAQ(t *testing.T) {
	db := newFAQTestDB(t)
	docs := newTestDocumentService(db, nil)
	faqs := NewFAQService(db, logrus.New(), nil, nil, nil, faqTestConfig())

	// Ten chronological messages in one channel, with one clear question
	// and one clear answer buried in the chatter.
	ids := seedMessages(t, db, "support",
		"morning everyone",
		"the new build went out last night",
		"How do I reset my password?",
		"hm, good question",
		"I hit that last week too",
		"Go to settings and click reset",
		"the billing report is ready for review",
		"that worked, thanks!",
		"meeting moved to 3pm",
		"see you all there",
	)

	doc, err := docs.Assemble(context.Background(), ids, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	result, err := faqs.Synthesize(context.Background(), doc.ID, nil)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if result.Created != 1 {
		t.Fatalf("created = %d, want exactly 1 FAQ from the conversation", result.Created)
	}

	faq := result.FAQs[0]
	if faq.Confidence <= 0.7 {
		t.Errorf("confidence = %.3f, want > 0.7", faq.Confidence)
	}
	trace := faq.SourceMessageIDs()
	if len(trace) != 2 || trace[0] != ids[2] || trace[1] != ids[5] {
		t.Errorf("source trace = %v, want [%d %d] (question and answer only)", trace, ids[2], ids[5])
	}
}

func TestSynthesizeRequiresCompleteDocument(t *testing.T) {
	db := newFAQTestDB(t)
	svc := NewFAQService(db, logrus.New(), nil, nil, nil, faqTestConfig())

	doc := models.Document{Title: "t", Status: models.DocumentStatusCreating}
	db.Create(&doc)

	if _, err := svc.Synthesize(context.Background(), doc.ID, nil); !IsValidation(err) {
		t.Errorf("expected validation error for CREATING document, got %v", err)
	}
	if _, err := svc.Synthesize(context.Background(), 9999, nil); !IsValidation(err) {
		t.Errorf("expected validation error for missing document, got %v", err)
	}
}

func TestSynthesizeHighSimilarityEnhancesExisting(t *testing.T) {
	db := newFAQTestDB(t)
	sim := &fakeSimilarity{}
	svc := NewFAQService(db, logrus.New(), nil, sim, nil, faqTestConfig())

	docA, q1, a1 := seedQADocument(t, db,
		"How do I reset my password?",
		"Go to Settings, open the Security tab, and click Reset Password.")
	first, err := svc.Synthesize(context.Background(), docA.ID, nil)
	if err != nil {
		t.Fatalf("first Synthesize failed: %v", err)
	}
	existing := first.FAQs[0]

	// The second document asks the same thing in other words; the index
	// now reports the existing entry above the duplicate threshold.
	sim.matches = []simsearch.Match{{ID: fmt.Sprintf("%d", existing.ID), Score: 0.95}}
	docB, q2, a2 := seedQADocument(t, db,
		"What do I do when I forgot my password?",
		"Go to Settings and use the Reset Password button under Security.")

	second, err := svc.Synthesize(context.Background(), docB.ID, nil)
	if err != nil {
		t.Fatalf("second Synthesize failed: %v", err)
	}
	if second.Created != 0 || second.DuplicatesFound != 1 || second.DuplicatesEnhanced != 1 {
		t.Fatalf("created=%d found=%d enhanced=%d, want 0/1/1",
			second.Created, second.DuplicatesFound, second.DuplicatesEnhanced)
	}

	var faqCount int64
	db.Model(&models.FAQ{}).Count(&faqCount)
	if faqCount != 1 {
		t.Errorf("FAQ count = %d, want 1 (no near-duplicate row)", faqCount)
	}

	reloaded, _ := svc.Get(context.Background(), existing.ID)
	ids := reloaded.SourceMessageIDs()
	want := map[uint]bool{q1: true, a1: true, q2: true, a2: true}
	if len(ids) != 4 {
		t.Fatalf("source trace = %v, want 4 ids across both documents", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected id %d in source trace", id)
		}
	}
}

func TestSynthesizeMidSimilarityFlagsForReview(t *testing.T) {
	db := newFAQTestDB(t)
	sim := &fakeSimilarity{matches: []simsearch.Match{{ID: "42", Score: 0.8}}}
	cfg := faqTestConfig()
	cfg.RequireApproval = false // flagged entries force PENDING regardless
	svc := NewFAQService(db, logrus.New(), nil, sim, nil, cfg)

	doc, _, _ := seedQADocument(t, db,
		"How do I change my password?",
		"Go to Settings, open the Security tab, and click Reset Password.")

	result, err := svc.Synthesize(context.Background(), doc.ID, nil)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if result.Created != 1 || result.PotentialDuplicates != 1 {
		t.Fatalf("created=%d flagged=%d, want 1/1", result.Created, result.PotentialDuplicates)
	}

	faq := result.FAQs[0]
	if faq.Status != models.FAQStatusPending {
		t.Errorf("status = %s, flagged entries must await review", faq.Status)
	}
	if faq.PotentialDupOfID == nil || *faq.PotentialDupOfID != 42 {
		t.Errorf("potential_dup_of = %v, want 42", faq.PotentialDupOfID)
	}
}

func TestSynthesizeSimilarityFailureDegradesToCreate(t *testing.T) {
	db := newFAQTestDB(t)
	sim := &fakeSimilarity{searchErr: context.DeadlineExceeded}
	svc := NewFAQService(db, logrus.New(), nil, sim, nil, faqTestConfig())

	doc, _, _ := seedQADocument(t, db,
		"How do I reset my password?",
		"Go to Settings, open the Security tab, and click Reset Password.")

	result, err := svc.Synthesize(context.Background(), doc.ID, nil)
	if err != nil {
		t.Fatalf("Synthesize must survive a similarity outage: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("created = %d, want 1 (lookup failure assumes no duplicates)", result.Created)
	}
}

func TestSynthesizeQuotaHaltsRun(t *testing.T) {
	db := newFAQTestDB(t)
	svc := NewFAQService(db, logrus.New(), quotaGenerator{}, nil, nil, faqTestConfig())

	doc, _, _ := seedQADocument(t, db,
		"How do I reset my password?",
		"Go to Settings, open the Security tab, and click Reset Password.")

	result, err := svc.Synthesize(context.Background(), doc.ID, nil)
	if !IsQuota(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if result == nil || len(result.Errors) == 0 {
		t.Error("expected partial result with the halt recorded")
	}
	if result.Created != 0 {
		t.Errorf("created = %d, want 0", result.Created)
	}
}

func TestSynthesizeRedactsBeforeGeneration(t *testing.T) {
	db := newFAQTestDB(t)
	svc := NewFAQService(db, logrus.New(), nil, nil, RegexRedactor{}, faqTestConfig())

	doc, _, _ := seedQADocument(t, db,
		"Can you reset the account for bob@example.com?",
		"Go to Settings and enter the code 123456789 to confirm.")

	result, err := svc.Synthesize(context.Background(), doc.ID, nil)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	faq := result.FAQs[0]
	if faq.Question != "Can you reset the account for [email]?" {
		t.Errorf("question = %q, want the email masked", faq.Question)
	}
	if faq.Answer != "Go to Settings and enter the code [number] to confirm." {
		t.Errorf("answer = %q, want the digits masked", faq.Answer)
	}
}

func TestConfidenceFactors(t *testing.T) {
	svc := NewFAQService(nil, logrus.New(), nil, nil, nil, faqTestConfig())

	clear := svc.scoreConfidence(
		"How do I reset my password?",
		"Go to Settings, open the Security tab, and click the Reset Password button to get a reset email.",
		qaCandidate{Confidence: 0.85},
	)
	vague := svc.scoreConfidence("hm", "ok", qaCandidate{})

	if clear <= vague {
		t.Errorf("clear pair %.3f must outscore vague pair %.3f", clear, vague)
	}
	for _, v := range []float64{clear, vague} {
		if v < 0 || v > 1 {
			t.Errorf("confidence %.3f outside [0,1]", v)
		}
	}
}

func TestReviewDecisionsAreTerminal(t *testing.T) {
	db := newFAQTestDB(t)
	svc := NewFAQService(db, logrus.New(), nil, nil, nil, faqTestConfig())

	faq := models.FAQ{Question: "q", Answer: "a", Status: models.FAQStatusPending}
	db.Create(&faq)

	reviewed, err := svc.Review(context.Background(), faq.ID, &FAQReviewRequest{Decision: "APPROVE", ReviewerID: "rev-1"})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if reviewed.Status != models.FAQStatusApproved || reviewed.ReviewedBy != "rev-1" || reviewed.ReviewedAt == nil {
		t.Errorf("approval metadata incomplete: %+v", reviewed)
	}

	// A second decision on a reviewed entry conflicts.
	_, err = svc.Review(context.Background(), faq.ID, &FAQReviewRequest{Decision: "REJECT", ReviewerID: "rev-2"})
	if !IsConflict(err) {
		t.Errorf("expected conflict error, got %v", err)
	}

	// Rejection records the same reviewer metadata, under names that do
	// not imply approval.
	other := models.FAQ{Question: "q3", Answer: "a3", Status: models.FAQStatusPending}
	db.Create(&other)
	rejected, err := svc.Review(context.Background(), other.ID, &FAQReviewRequest{Decision: "REJECT", ReviewerID: "rev-2"})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if rejected.Status != models.FAQStatusRejected || rejected.ReviewedBy != "rev-2" || rejected.ReviewedAt == nil {
		t.Errorf("rejection metadata incomplete: %+v", rejected)
	}

	// Missing reviewer and bad decisions are validation failures.
	pending := models.FAQ{Question: "q2", Answer: "a2", Status: models.FAQStatusPending}
	db.Create(&pending)
	if _, err := svc.Review(context.Background(), pending.ID, &FAQReviewRequest{Decision: "APPROVE"}); !IsValidation(err) {
		t.Errorf("expected validation error for missing reviewer, got %v", err)
	}
	if _, err := svc.Review(context.Background(), pending.ID, &FAQReviewRequest{Decision: "MAYBE", ReviewerID: "rev-1"}); !IsValidation(err) {
		t.Errorf("expected validation error for unknown decision, got %v", err)
	}
}

func TestFAQListFilters(t *testing.T) {
	db := newFAQTestDB(t)
	svc := NewFAQService(db, logrus.New(), nil, nil, nil, faqTestConfig())

	db.Create(&models.FAQ{Question: "q1", Answer: "a1", Status: models.FAQStatusApproved, Category: "auth"})
	db.Create(&models.FAQ{Question: "q2", Answer: "a2", Status: models.FAQStatusPending, Category: "auth"})
	db.Create(&models.FAQ{Question: "q3", Answer: "a3", Status: models.FAQStatusPending, Category: "billing"})

	_, total, err := svc.List(context.Background(), &FAQListRequest{Status: models.FAQStatusPending})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 2 {
		t.Errorf("pending total = %d, want 2", total)
	}

	faqs, total, _ := svc.List(context.Background(), &FAQListRequest{Status: models.FAQStatusPending, Category: "billing"})
	if total != 1 || len(faqs) != 1 || faqs[0].Question != "q3" {
		t.Errorf("filtered list wrong: total=%d faqs=%v", total, faqs)
	}
}
