package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"faqforge/internal/metrics"
	"faqforge/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// JobExecutor runs one job type. report persists coarse progress
// (0-100); executors should call it at meaningful milestones only.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.AutomationJob, report func(progress int)) error
}

// JobExecutorFunc adapts a function to JobExecutor.
type JobExecutorFunc func(ctx context.Context, job *models.AutomationJob, report func(progress int)) error

func (f JobExecutorFunc) Execute(ctx context.Context, job *models.AutomationJob, report func(progress int)) error {
	return f(ctx, job, report)
}

// JobOptions tunes a job at creation time.
type JobOptions struct {
	Priority int           `json:"priority"`
	Delay    time.Duration `json:"delay"`
	RuleID   *uint         `json:"rule_id,omitempty"`
}

// JobListRequest filters and paginates job listings.
type JobListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Status   string `form:"status"`
	Type     string `form:"type"`
}

// JobService schedules, executes, retries, and reports progress for
// asynchronous work. The job table is the single source of truth:
// the scheduler loop reads due QUEUED rows from the store, so queued
// work survives a process restart; only the cancel functions of
// currently running jobs live in memory.
type JobService struct {
	db     *gorm.DB
	logger *logrus.Logger

	executors map[string]JobExecutor

	maxConcurrent int
	maxRetries    int
	retryBackoff  time.Duration
	pollInterval  time.Duration

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
	sem       chan struct{}
	wg        sync.WaitGroup

	// onJobFinished lets the automation service update rule statistics.
	onJobFinished func(job *models.AutomationJob, execTime time.Duration, succeeded bool)
}

func NewJobService(db *gorm.DB, logger *logrus.Logger, maxConcurrent, maxRetries int, retryBackoff, pollInterval time.Duration) *JobService {
	if logger == nil {
		logger = logrus.New()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = 5 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &JobService{
		db:            db,
		logger:        logger,
		executors:     make(map[string]JobExecutor),
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		retryBackoff:  retryBackoff,
		pollInterval:  pollInterval,
		running:       make(map[string]context.CancelFunc),
		cancelled:     make(map[string]bool),
		sem:           make(chan struct{}, maxConcurrent),
	}
}

// RegisterExecutor binds a job type to its executor. The handler set is
// a typed map, not string branching, so unknown types fail fast at
// dispatch.
func (s *JobService) RegisterExecutor(jobType string, ex JobExecutor) {
	s.executors[jobType] = ex
}

// SetJobFinishedHook registers the rule-statistics callback.
func (s *JobService) SetJobFinishedHook(fn func(job *models.AutomationJob, execTime time.Duration, succeeded bool)) {
	s.onJobFinished = fn
}

// CreateJob enqueues work and returns the persisted record.
func (s *JobService) CreateJob(ctx context.Context, jobType, payload string, opts *JobOptions) (*models.AutomationJob, error) {
	if _, ok := s.executors[jobType]; !ok {
		return nil, NewValidationError("unknown job type: %s", jobType)
	}
	if opts == nil {
		opts = &JobOptions{}
	}

	job := &models.AutomationJob{
		ID:       uuid.NewString(),
		Type:     jobType,
		Status:   models.JobStatusQueued,
		Priority: opts.Priority,
		Payload:  payload,
		RuleID:   opts.RuleID,
	}
	if opts.Delay > 0 {
		eligible := time.Now().Add(opts.Delay)
		job.NotBefore = &eligible
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// JobStatus returns the current record for polling clients.
func (s *JobService) JobStatus(ctx context.Context, id string) (*models.AutomationJob, error) {
	var job models.AutomationJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs with pagination and status/type filters.
func (s *JobService) List(ctx context.Context, req *JobListRequest) ([]models.AutomationJob, int64, error) {
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

	q := s.db.WithContext(ctx).Model(&models.AutomationJob{})
	if req != nil {
		if st := strings.TrimSpace(req.Status); st != "" {
			q = q.Where("status = ?", st)
		}
		if jt := strings.TrimSpace(req.Type); jt != "" {
			q = q.Where("type = ?", jt)
		}
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var jobs []models.AutomationJob
	if err := q.Order("created_at DESC").Limit(pageSize).Offset(offset).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CancelJob stops a QUEUED or PROCESSING job. Writes the job committed
// before the cancel are kept; partial completion is documented
// behavior, not a race.
func (s *JobService) CancelJob(ctx context.Context, id string) (bool, error) {
	// QUEUED jobs flip directly in the store.
	res := s.db.WithContext(ctx).Model(&models.AutomationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusQueued).
		Update("status", models.JobStatusCancelled)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// PROCESSING jobs are interrupted through their context.
	s.mu.Lock()
	cancel, ok := s.running[id]
	if ok {
		s.cancelled[id] = true
	}
	s.mu.Unlock()
	if ok {
		cancel()
		return true, nil
	}
	return false, nil
}

// Run drives the scheduler loop until ctx is done. Job execution is
// isolated per goroutine behind a semaphore, so one slow job cannot
// stall scheduling beyond the concurrency cap.
func (s *JobService) Run(ctx context.Context) {
	s.logger.Infof("job scheduler started (max_concurrent=%d, poll=%s)", s.maxConcurrent, s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("job scheduler stopped")
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// dispatchDue claims and launches eligible jobs while worker slots are
// free.
func (s *JobService) dispatchDue(ctx context.Context) {
	for {
		select {
		case s.sem <- struct{}{}:
		default:
			return // all slots busy
		}

		job, ok := s.claimNext(ctx)
		if !ok {
			<-s.sem
			return
		}

		s.wg.Add(1)
		go func(job *models.AutomationJob) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.runJob(ctx, job)
		}(job)
	}
}

// claimNext picks the highest-priority due QUEUED job and flips it to
// PROCESSING with an optimistic guard, so two scheduler instances never
// run the same job.
func (s *JobService) claimNext(ctx context.Context) (*models.AutomationJob, bool) {
	var job models.AutomationJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND (not_before IS NULL OR not_before <= ?)", models.JobStatusQueued, time.Now()).
		Order("priority DESC, created_at ASC").
		First(&job).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warnf("jobs: claim query: %v", err)
		}
		return nil, false
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.AutomationJob{}).
		Where("id = ? AND status = ?", job.ID, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     models.JobStatusProcessing,
			"started_at": now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		return nil, false
	}
	job.Status = models.JobStatusProcessing
	job.StartedAt = &now
	return &job, true
}

// runJob executes one claimed job and persists the terminal outcome.
func (s *JobService) runJob(parent context.Context, job *models.AutomationJob) {
	jobCtx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, job.ID)
		delete(s.cancelled, job.ID)
		s.mu.Unlock()
	}()

	report := func(progress int) {
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		if err := s.db.Model(&models.AutomationJob{}).Where("id = ?", job.ID).
			Update("progress", progress).Error; err != nil {
			s.logger.Debugf("jobs: progress update %s: %v", job.ID, err)
		}
	}

	ex, ok := s.executors[job.Type]
	if !ok {
		// A restart can surface jobs whose type this binary no longer
		// serves.
		s.finish(job, models.JobStatusFailed, fmt.Sprintf("no executor for job type %s", job.Type), 0)
		return
	}

	started := time.Now()
	err := ex.Execute(jobCtx, job, report)
	execTime := time.Since(started)

	switch {
	case err == nil:
		s.finish(job, models.JobStatusComplete, "", execTime)

	case errors.Is(err, context.Canceled):
		s.mu.Lock()
		wasCancelled := s.cancelled[job.ID]
		s.mu.Unlock()
		if wasCancelled {
			// Explicit user cancel: stop before further writes, keep
			// what already committed.
			s.finish(job, models.JobStatusCancelled, "cancelled by user", execTime)
		} else {
			// Shutdown: hand the job back to the queue for the next
			// process.
			s.requeue(job, "interrupted by shutdown", 0)
		}

	case IsValidation(err) || IsConflict(err):
		// Permanent for the orchestrator: retrying identical input
		// cannot help.
		s.finish(job, models.JobStatusFailed, err.Error(), execTime)

	case IsTransient(err) && job.RetryCount < s.maxRetries:
		backoff := s.retryBackoff * time.Duration(job.RetryCount+1)
		s.logger.Warnf("jobs: %s (%s) transient failure, retry %d/%d in %s: %v",
			job.ID, job.Type, job.RetryCount+1, s.maxRetries, backoff, err)
		s.requeue(job, err.Error(), backoff)

	default:
		// Unexpected or out of retries: terminal FAILED with full
		// context for operator intervention.
		s.logger.Errorf("jobs: %s (%s) failed permanently after %d retries: %v",
			job.ID, job.Type, job.RetryCount, err)
		s.finish(job, models.JobStatusFailed, err.Error(), execTime)
	}
}

func (s *JobService) finish(job *models.AutomationJob, status, errMsg string, execTime time.Duration) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"error":       errMsg,
		"finished_at": now,
	}
	if status == models.JobStatusComplete {
		updates["progress"] = 100
	}
	if err := s.db.Model(&models.AutomationJob{}).Where("id = ?", job.ID).
		Updates(updates).Error; err != nil {
		s.logger.Errorf("jobs: persist %s outcome: %v", job.ID, err)
		return
	}

	switch status {
	case models.JobStatusComplete:
		metrics.IncPipeline("jobs_completed")
	case models.JobStatusFailed:
		metrics.IncPipeline("jobs_failed")
	}

	if s.onJobFinished != nil && job.RuleID != nil {
		job.Status = status
		s.onJobFinished(job, execTime, status == models.JobStatusComplete)
	}
}

func (s *JobService) requeue(job *models.AutomationJob, reason string, backoff time.Duration) {
	updates := map[string]interface{}{
		"status":      models.JobStatusQueued,
		"error":       reason,
		"retry_count": gorm.Expr("retry_count + 1"),
	}
	if backoff > 0 {
		updates["not_before"] = time.Now().Add(backoff)
	}
	if err := s.db.Model(&models.AutomationJob{}).Where("id = ?", job.ID).
		Updates(updates).Error; err != nil {
		s.logger.Errorf("jobs: requeue %s: %v", job.ID, err)
	}
}

// RunPending is a synchronous drain used by tests and the CLI: it
// claims and runs due jobs until none remain, still respecting the
// retry and cancel rules.
func (s *JobService) RunPending(ctx context.Context) int {
	ran := 0
	for {
		job, ok := s.claimNext(ctx)
		if !ok {
			return ran
		}
		s.runJob(ctx, job)
		ran++
	}
}
