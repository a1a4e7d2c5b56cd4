package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"faqforge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.AutomationRule{}, &models.AutomationJob{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newTestAutomationService(t *testing.T, db *gorm.DB) (*AutomationService, *JobService) {
	t.Helper()
	jobs := NewJobService(db, logrus.New(), 2, 0, time.Millisecond, time.Second)
	noop := JobExecutorFunc(func(ctx context.Context, job *models.AutomationJob, report func(int)) error {
		return nil
	})
	jobs.RegisterExecutor(models.JobTypeDocumentCreation, noop)
	jobs.RegisterExecutor(models.JobTypeFAQGeneration, noop)
	jobs.RegisterExecutor(models.JobTypeCleanup, noop)
	return NewAutomationService(db, logrus.New(), jobs), jobs
}

func TestCreateRuleValidation(t *testing.T) {
	svc, _ := newTestAutomationService(t, newAutomationTestDB(t))

	tests := []struct {
		name string
		req  RuleCreateRequest
	}{
		{"missing name", RuleCreateRequest{TriggerType: models.TriggerManual, ActionType: models.ActionDocument}},
		{"unknown trigger", RuleCreateRequest{Name: "r", TriggerType: "hourly", ActionType: models.ActionDocument}},
		{"schedule without cron", RuleCreateRequest{Name: "r", TriggerType: models.TriggerSchedule, ActionType: models.ActionDocument}},
		{"bad cron", RuleCreateRequest{Name: "r", TriggerType: models.TriggerSchedule, CronExpr: "not a cron", ActionType: models.ActionDocument}},
		{"event without event_type", RuleCreateRequest{Name: "r", TriggerType: models.TriggerEvent, ActionType: models.ActionDocument}},
		{"unknown action", RuleCreateRequest{Name: "r", TriggerType: models.TriggerManual, ActionType: "explode"}},
		{"params not JSON", RuleCreateRequest{Name: "r", TriggerType: models.TriggerManual, ActionType: models.ActionDocument, ActionParams: "{oops"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateRule(context.Background(), &tt.req); !IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateScheduleRuleSetsNextRun(t *testing.T) {
	svc, _ := newTestAutomationService(t, newAutomationTestDB(t))

	rule, err := svc.CreateRule(context.Background(), &RuleCreateRequest{
		Name:        "nightly",
		TriggerType: models.TriggerSchedule,
		CronExpr:    "0 3 * * *",
		ActionType:  models.ActionBatch,
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if rule.NextRunAt == nil {
		t.Fatal("expected next_run_at on an enabled schedule rule")
	}
	if !rule.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %s, want in the future", rule.NextRunAt)
	}
}

func TestFireEventMatchesEnabledRules(t *testing.T) {
	db := newAutomationTestDB(t)
	svc, _ := newTestAutomationService(t, db)
	ctx := context.Background()

	off := false
	if _, err := svc.CreateRule(ctx, &RuleCreateRequest{
		Name: "on-message", TriggerType: models.TriggerEvent, EventType: "message_changed",
		ActionType: models.ActionDocument,
	}); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if _, err := svc.CreateRule(ctx, &RuleCreateRequest{
		Name: "disabled", Enabled: &off, TriggerType: models.TriggerEvent, EventType: "message_changed",
		ActionType: models.ActionDocument,
	}); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if _, err := svc.CreateRule(ctx, &RuleCreateRequest{
		Name: "other-event", TriggerType: models.TriggerEvent, EventType: "faq_approved",
		ActionType: models.ActionDocument,
	}); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	fired, err := svc.FireEvent(ctx, "message_changed")
	if err != nil {
		t.Fatalf("FireEvent failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("fired = %d, want 1 (disabled and non-matching rules stay quiet)", fired)
	}

	var jobs []models.AutomationJob
	db.Find(&jobs)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].RuleID == nil {
		t.Error("expected the job to carry its originating rule id")
	}
	if jobs[0].Type != models.JobTypeDocumentCreation {
		t.Errorf("job type = %s, want %s", jobs[0].Type, models.JobTypeDocumentCreation)
	}
}

func TestBatchActionChainsFAQGeneration(t *testing.T) {
	db := newAutomationTestDB(t)
	svc, _ := newTestAutomationService(t, db)

	rule, err := svc.CreateRule(context.Background(), &RuleCreateRequest{
		Name:         "batch",
		TriggerType:  models.TriggerManual,
		ActionType:   models.ActionBatch,
		ActionParams: `{"batch_size": 10}`,
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	job, err := svc.RunRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("RunRule failed: %v", err)
	}
	if job.Type != models.JobTypeDocumentCreation {
		t.Errorf("job type = %s, want %s", job.Type, models.JobTypeDocumentCreation)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["generate_faqs"] != true {
		t.Errorf("payload = %v, want generate_faqs forced on", payload)
	}
	if payload["batch_size"] != float64(10) {
		t.Errorf("payload = %v, want caller params kept", payload)
	}
}

func TestRunRuleDisabled(t *testing.T) {
	svc, _ := newTestAutomationService(t, newAutomationTestDB(t))

	off := false
	rule, err := svc.CreateRule(context.Background(), &RuleCreateRequest{
		Name: "off", Enabled: &off, TriggerType: models.TriggerManual, ActionType: models.ActionCleanup,
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if _, err := svc.RunRule(context.Background(), rule.ID); !IsValidation(err) {
		t.Errorf("expected validation error for a disabled rule, got %v", err)
	}
}

func TestTickSchedulesFiresDueAndAdvances(t *testing.T) {
	db := newAutomationTestDB(t)
	svc, _ := newTestAutomationService(t, db)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &RuleCreateRequest{
		Name:        "nightly",
		TriggerType: models.TriggerSchedule,
		CronExpr:    "0 3 * * *",
		ActionType:  models.ActionCleanup,
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	// Not due yet: nothing fires.
	fired, err := svc.TickSchedules(ctx, time.Now())
	if err != nil {
		t.Fatalf("TickSchedules failed: %v", err)
	}
	if fired != 0 {
		t.Errorf("fired = %d, want 0 before the slot", fired)
	}

	// Force the slot into the past, as after a long outage.
	past := time.Now().Add(-2 * time.Hour)
	db.Model(&models.AutomationRule{}).Where("id = ?", rule.ID).Update("next_run_at", past)

	now := time.Now()
	fired, err = svc.TickSchedules(ctx, now)
	if err != nil {
		t.Fatalf("TickSchedules failed: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 catch-up run", fired)
	}

	var jobCount int64
	db.Model(&models.AutomationJob{}).Count(&jobCount)
	if jobCount != 1 {
		t.Errorf("jobs = %d, want exactly 1 (no burst for missed slots)", jobCount)
	}

	reloaded, _ := svc.GetRule(ctx, rule.ID)
	if reloaded.NextRunAt == nil || !reloaded.NextRunAt.After(now) {
		t.Errorf("next_run_at = %v, want advanced past %s", reloaded.NextRunAt, now)
	}

	// Second tick at the same time is a no-op.
	fired, _ = svc.TickSchedules(ctx, now)
	if fired != 0 {
		t.Errorf("fired = %d on repeat tick, want 0", fired)
	}
}

func TestRuleStatsUpdatedOnJobCompletion(t *testing.T) {
	db := newAutomationTestDB(t)
	svc, jobs := newTestAutomationService(t, db)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &RuleCreateRequest{
		Name: "manual", TriggerType: models.TriggerManual, ActionType: models.ActionCleanup,
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if _, err := svc.RunRule(ctx, rule.ID); err != nil {
		t.Fatalf("RunRule failed: %v", err)
	}

	// The run counter moves at firing time, before the job executes.
	fired, _ := svc.GetRule(ctx, rule.ID)
	if fired.RunCount != 1 {
		t.Errorf("run_count after firing = %d, want 1", fired.RunCount)
	}
	if fired.LastRunAt == nil {
		t.Error("expected last_run_at to be set at firing time")
	}
	if fired.CompletedCount != 0 || fired.SuccessCount != 0 {
		t.Errorf("completed_count=%d success_count=%d before execution, want 0/0",
			fired.CompletedCount, fired.SuccessCount)
	}

	if ran := jobs.RunPending(ctx); ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}

	reloaded, _ := svc.GetRule(ctx, rule.ID)
	if reloaded.RunCount != 1 || reloaded.CompletedCount != 1 || reloaded.SuccessCount != 1 {
		t.Errorf("run_count=%d completed_count=%d success_count=%d, want 1/1/1",
			reloaded.RunCount, reloaded.CompletedCount, reloaded.SuccessCount)
	}
	if reloaded.LastRunAt == nil {
		t.Error("expected last_run_at to be set")
	}
}

func TestFailedRunCountsCompletionWithoutSuccess(t *testing.T) {
	db := newAutomationTestDB(t)
	svc, jobs := newTestAutomationService(t, db)
	jobs.RegisterExecutor(models.JobTypeCleanup, JobExecutorFunc(func(ctx context.Context, job *models.AutomationJob, report func(int)) error {
		return errors.New("disk on fire")
	}))
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &RuleCreateRequest{
		Name: "doomed", TriggerType: models.TriggerManual, ActionType: models.ActionCleanup,
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if _, err := svc.RunRule(ctx, rule.ID); err != nil {
		t.Fatalf("RunRule failed: %v", err)
	}
	if ran := jobs.RunPending(ctx); ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}

	reloaded, _ := svc.GetRule(ctx, rule.ID)
	if reloaded.RunCount != 1 || reloaded.CompletedCount != 1 {
		t.Errorf("run_count=%d completed_count=%d, want 1/1", reloaded.RunCount, reloaded.CompletedCount)
	}
	if reloaded.SuccessCount != 0 {
		t.Errorf("success_count = %d, want 0", reloaded.SuccessCount)
	}
}

func TestUpdateRuleReanchorsSchedule(t *testing.T) {
	svc, _ := newTestAutomationService(t, newAutomationTestDB(t))
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &RuleCreateRequest{
		Name:        "weekly",
		TriggerType: models.TriggerSchedule,
		CronExpr:    "0 4 * * 0",
		ActionType:  models.ActionCleanup,
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	// Disabling clears the schedule anchor.
	off := false
	updated, err := svc.UpdateRule(ctx, rule.ID, &RuleUpdateRequest{Enabled: &off})
	if err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}
	if updated.NextRunAt != nil {
		t.Errorf("next_run_at = %v on a disabled rule, want nil", updated.NextRunAt)
	}

	// Re-enabling computes a fresh anchor.
	on := true
	updated, err = svc.UpdateRule(ctx, rule.ID, &RuleUpdateRequest{Enabled: &on})
	if err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}
	if updated.NextRunAt == nil {
		t.Error("expected next_run_at after re-enabling")
	}

	// Edits still validate the full rule.
	bad := "nonsense"
	if _, err := svc.UpdateRule(ctx, rule.ID, &RuleUpdateRequest{CronExpr: &bad}); !IsValidation(err) {
		t.Errorf("expected validation error for a bad cron edit, got %v", err)
	}
}

func TestDeleteRule(t *testing.T) {
	db := newAutomationTestDB(t)
	svc, _ := newTestAutomationService(t, db)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &RuleCreateRequest{
		Name: "gone", TriggerType: models.TriggerManual, ActionType: models.ActionDocument,
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	if err := svc.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if _, err := svc.GetRule(ctx, rule.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}
	if err := svc.DeleteRule(ctx, rule.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
}

func TestListRulesFilters(t *testing.T) {
	svc, _ := newTestAutomationService(t, newAutomationTestDB(t))
	ctx := context.Background()

	off := false
	svc.CreateRule(ctx, &RuleCreateRequest{Name: "a", TriggerType: models.TriggerManual, ActionType: models.ActionDocument})
	svc.CreateRule(ctx, &RuleCreateRequest{Name: "b", Enabled: &off, TriggerType: models.TriggerManual, ActionType: models.ActionDocument})
	svc.CreateRule(ctx, &RuleCreateRequest{Name: "c", TriggerType: models.TriggerEvent, EventType: "e", ActionType: models.ActionDocument})

	on := true
	_, total, err := svc.ListRules(ctx, &RuleListRequest{Enabled: &on})
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if total != 2 {
		t.Errorf("enabled total = %d, want 2", total)
	}

	_, total, _ = svc.ListRules(ctx, &RuleListRequest{Trigger: models.TriggerEvent})
	if total != 1 {
		t.Errorf("event total = %d, want 1", total)
	}
}
