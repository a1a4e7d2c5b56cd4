package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"faqforge/internal/metrics"
	"faqforge/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RuleCreateRequest creates an automation rule.
type RuleCreateRequest struct {
	Name         string `json:"name" binding:"required"`
	Enabled      *bool  `json:"enabled"`
	TriggerType  string `json:"trigger_type" binding:"required"`
	CronExpr     string `json:"cron_expr"`
	EventType    string `json:"event_type"`
	ActionType   string `json:"action_type" binding:"required"`
	ActionParams string `json:"action_params"`
}

// RuleUpdateRequest edits an automation rule; nil fields keep the
// current value.
type RuleUpdateRequest struct {
	Name         *string `json:"name"`
	Enabled      *bool   `json:"enabled"`
	TriggerType  *string `json:"trigger_type"`
	CronExpr     *string `json:"cron_expr"`
	EventType    *string `json:"event_type"`
	ActionType   *string `json:"action_type"`
	ActionParams *string `json:"action_params"`
}

// RuleListRequest filters and paginates rule listings.
type RuleListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Enabled  *bool  `form:"enabled"`
	Trigger  string `form:"trigger_type"`
}

// AutomationService manages trigger+action rules and turns fired
// triggers into jobs. Rules are declarative; all execution goes through
// the job service so scheduled, event-driven, and manual runs share one
// retry and concurrency policy.
type AutomationService struct {
	db         *gorm.DB
	logger     *logrus.Logger
	jobs       *JobService
	cronParser cron.Parser
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, jobs *JobService) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AutomationService{
		db:     db,
		logger: logger,
		jobs:   jobs,
		// Standard five-field cron, plus @hourly and friends.
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if jobs != nil {
		jobs.SetJobFinishedHook(s.recordJobOutcome)
	}
	return s
}

// CreateRule validates and persists a rule. Schedule rules get their
// first NextRunAt computed immediately.
func (s *AutomationService) CreateRule(ctx context.Context, req *RuleCreateRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, NewValidationError("request required")
	}
	rule := &models.AutomationRule{
		Name:         strings.TrimSpace(req.Name),
		Enabled:      true,
		TriggerType:  strings.TrimSpace(req.TriggerType),
		CronExpr:     strings.TrimSpace(req.CronExpr),
		EventType:    strings.TrimSpace(req.EventType),
		ActionType:   strings.TrimSpace(req.ActionType),
		ActionParams: strings.TrimSpace(req.ActionParams),
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if err := s.validateRule(rule); err != nil {
		return nil, err
	}
	if rule.TriggerType == models.TriggerSchedule && rule.Enabled {
		next, err := s.nextRun(rule.CronExpr, time.Now())
		if err != nil {
			return nil, err
		}
		rule.NextRunAt = &next
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateRule applies partial edits and revalidates the result.
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *RuleUpdateRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, NewValidationError("request required")
	}
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, err
	}
	if req.Name != nil {
		rule.Name = strings.TrimSpace(*req.Name)
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.TriggerType != nil {
		rule.TriggerType = strings.TrimSpace(*req.TriggerType)
	}
	if req.CronExpr != nil {
		rule.CronExpr = strings.TrimSpace(*req.CronExpr)
	}
	if req.EventType != nil {
		rule.EventType = strings.TrimSpace(*req.EventType)
	}
	if req.ActionType != nil {
		rule.ActionType = strings.TrimSpace(*req.ActionType)
	}
	if req.ActionParams != nil {
		rule.ActionParams = strings.TrimSpace(*req.ActionParams)
	}
	if err := s.validateRule(&rule); err != nil {
		return nil, err
	}

	// Re-anchor or clear the schedule to match the edited trigger.
	if rule.TriggerType == models.TriggerSchedule && rule.Enabled {
		next, err := s.nextRun(rule.CronExpr, time.Now())
		if err != nil {
			return nil, err
		}
		rule.NextRunAt = &next
	} else {
		rule.NextRunAt = nil
	}

	if err := s.db.WithContext(ctx).Save(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteRule soft-deletes a rule. Jobs it already created keep running.
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetRule loads one rule.
func (s *AutomationService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns rules with pagination and enabled/trigger filters.
func (s *AutomationService) ListRules(ctx context.Context, req *RuleListRequest) ([]models.AutomationRule, int64, error) {
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

	q := s.db.WithContext(ctx).Model(&models.AutomationRule{})
	if req != nil {
		if req.Enabled != nil {
			q = q.Where("enabled = ?", *req.Enabled)
		}
		if t := strings.TrimSpace(req.Trigger); t != "" {
			q = q.Where("trigger_type = ?", t)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rules []models.AutomationRule
	if err := q.Order("created_at DESC").Limit(pageSize).Offset(offset).Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// RunRule fires a rule by hand regardless of its trigger type, as long
// as it is enabled.
func (s *AutomationService) RunRule(ctx context.Context, id uint) (*models.AutomationJob, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, err
	}
	if !rule.Enabled {
		return nil, NewValidationError("rule %d is disabled", id)
	}
	return s.fire(ctx, &rule)
}

// FireEvent creates a job for every enabled event rule matching
// eventType. Disabled rules never fire.
func (s *AutomationService) FireEvent(ctx context.Context, eventType string) (int, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND trigger_type = ? AND event_type = ?", true, models.TriggerEvent, eventType).
		Find(&rules).Error
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range rules {
		if _, err := s.fire(ctx, &rules[i]); err != nil {
			s.logger.Warnf("automation: rule %d (%s) on event %s: %v", rules[i].ID, rules[i].Name, eventType, err)
			continue
		}
		fired++
	}
	return fired, nil
}

// TickSchedules fires every enabled schedule rule whose NextRunAt has
// passed, then advances NextRunAt from now (not from the missed slot,
// so a long outage produces one catch-up run, not a burst).
func (s *AutomationService) TickSchedules(ctx context.Context, now time.Time) (int, error) {
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND trigger_type = ? AND next_run_at IS NOT NULL AND next_run_at <= ?",
			true, models.TriggerSchedule, now).
		Find(&rules).Error
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range rules {
		rule := &rules[i]
		if _, err := s.fire(ctx, rule); err != nil {
			s.logger.Warnf("automation: schedule rule %d (%s): %v", rule.ID, rule.Name, err)
		} else {
			fired++
		}
		next, err := s.nextRun(rule.CronExpr, now)
		if err != nil {
			// Expression was valid at save time; disable rather than
			// retry a rule that can no longer schedule.
			s.logger.Errorf("automation: rule %d cron %q no longer parses, disabling: %v", rule.ID, rule.CronExpr, err)
			s.db.WithContext(ctx).Model(rule).Updates(map[string]interface{}{"enabled": false, "next_run_at": nil})
			continue
		}
		if err := s.db.WithContext(ctx).Model(rule).Update("next_run_at", next).Error; err != nil {
			s.logger.Warnf("automation: advance rule %d schedule: %v", rule.ID, err)
		}
	}
	return fired, nil
}

// Run drives the schedule ticker until ctx is done.
func (s *AutomationService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.logger.Infof("automation scheduler started (tick=%s)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("automation scheduler stopped")
			return
		case now := <-ticker.C:
			if _, err := s.TickSchedules(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warnf("automation: tick: %v", err)
			}
		}
	}
}

// fire translates a rule's action into a job. The run counter and
// last-run timestamp move at firing time, not completion, so a rule
// whose job is still queued (or never resumed after a restart) is
// still counted as having run.
func (s *AutomationService) fire(ctx context.Context, rule *models.AutomationRule) (*models.AutomationJob, error) {
	jobType, payload, err := s.actionToJob(rule)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.CreateJob(ctx, jobType, payload, &JobOptions{RuleID: &rule.ID})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := s.db.Model(&models.AutomationRule{}).Where("id = ?", rule.ID).Updates(map[string]interface{}{
		"run_count":   gorm.Expr("run_count + 1"),
		"last_run_at": now,
	}).Error; err != nil {
		s.logger.Warnf("automation: record firing of rule %d: %v", rule.ID, err)
	}
	rule.RunCount++
	rule.LastRunAt = &now
	metrics.IncPipeline("rules_fired")
	return job, nil
}

// actionToJob maps the rule's action to a job type and payload. The
// batch action is document assembly with FAQ generation chained onto
// every document the run produces.
func (s *AutomationService) actionToJob(rule *models.AutomationRule) (string, string, error) {
	params := map[string]interface{}{}
	if rule.ActionParams != "" {
		if err := json.Unmarshal([]byte(rule.ActionParams), &params); err != nil {
			return "", "", NewValidationError("rule %d action params are not valid JSON: %v", rule.ID, err)
		}
	}

	var jobType string
	switch rule.ActionType {
	case models.ActionDocument:
		jobType = models.JobTypeDocumentCreation
	case models.ActionFAQ:
		jobType = models.JobTypeFAQGeneration
	case models.ActionCleanup:
		jobType = models.JobTypeCleanup
	case models.ActionBatch:
		jobType = models.JobTypeDocumentCreation
		params["generate_faqs"] = true
	default:
		return "", "", NewValidationError("rule %d has unknown action type %q", rule.ID, rule.ActionType)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return "", "", err
	}
	return jobType, string(payload), nil
}

// recordJobOutcome folds a finished rule-created job back into the
// rule's run statistics.
func (s *AutomationService) recordJobOutcome(job *models.AutomationJob, execTime time.Duration, succeeded bool) {
	if job.RuleID == nil {
		return
	}
	var rule models.AutomationRule
	if err := s.db.First(&rule, *job.RuleID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warnf("automation: load rule %d for stats: %v", *job.RuleID, err)
		}
		return
	}

	// CompletedCount tracks runs that actually finished; RunCount moved
	// at firing time and may be ahead of it. The incremental mean has to
	// divide by completed runs or lost jobs would drag the average down.
	rule.CompletedCount++
	if succeeded {
		rule.SuccessCount++
	}
	ms := float64(execTime.Milliseconds())
	rule.AvgExecMs += (ms - rule.AvgExecMs) / float64(rule.CompletedCount)

	if err := s.db.Model(&rule).Updates(map[string]interface{}{
		"completed_count": rule.CompletedCount,
		"success_count":   rule.SuccessCount,
		"avg_exec_ms":     rule.AvgExecMs,
	}).Error; err != nil {
		s.logger.Warnf("automation: update rule %d stats: %v", rule.ID, err)
	}
}

func (s *AutomationService) validateRule(rule *models.AutomationRule) error {
	if rule.Name == "" {
		return NewValidationError("rule name required")
	}
	switch rule.TriggerType {
	case models.TriggerManual:
	case models.TriggerSchedule:
		if rule.CronExpr == "" {
			return NewValidationError("schedule trigger requires cron_expr")
		}
		if _, err := s.cronParser.Parse(rule.CronExpr); err != nil {
			return NewValidationError("invalid cron expression %q: %v", rule.CronExpr, err)
		}
	case models.TriggerEvent:
		if rule.EventType == "" {
			return NewValidationError("event trigger requires event_type")
		}
	default:
		return NewValidationError("unknown trigger type %q", rule.TriggerType)
	}

	switch rule.ActionType {
	case models.ActionDocument, models.ActionFAQ, models.ActionCleanup, models.ActionBatch:
	default:
		return NewValidationError("unknown action type %q", rule.ActionType)
	}

	if rule.ActionParams != "" && !json.Valid([]byte(rule.ActionParams)) {
		return NewValidationError("action params must be valid JSON")
	}
	return nil
}

func (s *AutomationService) nextRun(expr string, after time.Time) (time.Time, error) {
	sched, err := s.cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, NewValidationError("invalid cron expression %q: %v", expr, err)
	}
	return sched.Next(after), nil
}
