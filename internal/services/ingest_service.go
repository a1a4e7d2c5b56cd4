package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"faqforge/internal/metrics"
	"faqforge/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MessagePayload is the body of a message event from the source
// platform.
type MessagePayload struct {
	MessageID      string    `json:"message_id"`
	Text           string    `json:"text"`
	Author         string    `json:"author"`
	Channel        string    `json:"channel"`
	Timestamp      time.Time `json:"timestamp"`
	ThreadParentID *string   `json:"thread_parent_id,omitempty"`
}

// IngestResult reports how one delivery was handled.
type IngestResult struct {
	Status   string `json:"status"`
	RecordID uint   `json:"record_id"`
}

// EventStats counts ingested events by status.
type EventStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Complete   int64 `json:"complete"`
	Failed     int64 `json:"failed"`
	Duplicate  int64 `json:"duplicate"`
}

type eventHandler func(ctx context.Context, evt *models.IngestedEvent) error

// IngestService is the at-most-once guard in front of the message
// store. Redeliveries of an already-processed external id are absorbed
// as DUPLICATE without side effects; only FAILED records are processed
// again when redelivered.
type IngestService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	handlers map[string]eventHandler

	// onMessagesChanged is invoked after a mutation commits, so live
	// feed consumers can refresh. Optional.
	onMessagesChanged func(channel string)
}

func NewIngestService(db *gorm.DB, logger *logrus.Logger) *IngestService {
	if logger == nil {
		logger = logrus.New()
	}
	s := &IngestService{db: db, logger: logger}
	s.handlers = map[string]eventHandler{
		models.EventKindCreate: s.handleCreate,
		models.EventKindEdit:   s.handleEdit,
		models.EventKindDelete: s.handleDelete,
		models.EventKindOther:  s.handleOther,
	}
	return s
}

// SetMessagesChangedHook registers the post-mutation signal consumer.
func (s *IngestService) SetMessagesChangedHook(fn func(channel string)) {
	s.onMessagesChanged = fn
}

// Ingest records and dispatches one delivery.
func (s *IngestService) Ingest(ctx context.Context, externalID, kind, payload string) (*IngestResult, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, NewValidationError("external id required")
	}
	if _, ok := s.handlers[kind]; !ok {
		kind = models.EventKindOther
	}

	var existing models.IngestedEvent
	err := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&existing).Error
	switch {
	case err == nil && existing.Status != models.EventStatusFailed:
		metrics.IncPipeline("events_duplicate")
		return &IngestResult{Status: models.EventStatusDuplicate, RecordID: existing.ID}, nil
	case err == nil:
		// Redelivery of a FAILED record: process it again in place.
		return s.process(ctx, &existing)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}

	evt := &models.IngestedEvent{
		ExternalID: externalID,
		Kind:       kind,
		Payload:    payload,
		Status:     models.EventStatusPending,
		Channel:    channelFromPayload(payload),
	}
	if err := s.db.WithContext(ctx).Create(evt).Error; err != nil {
		// Unique index lost a race with a concurrent delivery.
		var raced models.IngestedEvent
		if lookupErr := s.db.WithContext(ctx).Where("external_id = ?", externalID).First(&raced).Error; lookupErr == nil {
			metrics.IncPipeline("events_duplicate")
			return &IngestResult{Status: models.EventStatusDuplicate, RecordID: raced.ID}, nil
		}
		return nil, err
	}

	return s.process(ctx, evt)
}

// process runs the handler for evt and persists the outcome. Handler
// errors are stored, never propagated to the transport layer.
func (s *IngestService) process(ctx context.Context, evt *models.IngestedEvent) (*IngestResult, error) {
	if err := s.db.WithContext(ctx).Model(evt).
		Updates(map[string]interface{}{"status": models.EventStatusProcessing}).Error; err != nil {
		return nil, err
	}

	handler := s.handlers[evt.Kind]
	if err := handler(ctx, evt); err != nil {
		s.logger.Warnf("ingest: event %s (%s) failed: %v", evt.ExternalID, evt.Kind, err)
		metrics.IncPipeline("events_failed")
		updateErr := s.db.WithContext(ctx).Model(evt).Updates(map[string]interface{}{
			"status":     models.EventStatusFailed,
			"last_error": err.Error(),
			"attempts":   gorm.Expr("attempts + 1"),
		}).Error
		if updateErr != nil {
			return nil, updateErr
		}
		return &IngestResult{Status: models.EventStatusFailed, RecordID: evt.ID}, nil
	}

	if err := s.db.WithContext(ctx).Model(evt).Updates(map[string]interface{}{
		"status":     models.EventStatusComplete,
		"last_error": "",
		"attempts":   gorm.Expr("attempts + 1"),
	}).Error; err != nil {
		return nil, err
	}
	metrics.IncPipeline("events_ingested")
	return &IngestResult{Status: models.EventStatusComplete, RecordID: evt.ID}, nil
}

func (s *IngestService) handleCreate(ctx context.Context, evt *models.IngestedEvent) error {
	var p MessagePayload
	if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
		return NewValidationError("invalid create payload: %v", err)
	}
	if p.MessageID == "" {
		return NewValidationError("message_id required")
	}
	msg := &models.Message{
		ExternalID:     p.MessageID,
		Text:           p.Text,
		Author:         p.Author,
		Channel:        p.Channel,
		Timestamp:      p.Timestamp,
		ThreadParentID: p.ThreadParentID,
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		// The unique constraint on external id is the second line of
		// defense against double-creation; an existing row means some
		// earlier delivery already did the work.
		var existing models.Message
		if lookupErr := s.db.WithContext(ctx).Where("external_id = ?", p.MessageID).First(&existing).Error; lookupErr == nil {
			return nil
		}
		return err
	}
	if p.ThreadParentID != nil {
		s.appendThreadReply(ctx, *p.ThreadParentID, p.MessageID)
	}
	s.signalMessagesChanged(p.Channel)
	return nil
}

func (s *IngestService) handleEdit(ctx context.Context, evt *models.IngestedEvent) error {
	var p MessagePayload
	if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
		return NewValidationError("invalid edit payload: %v", err)
	}
	var msg models.Message
	err := s.db.WithContext(ctx).Where("external_id = ?", p.MessageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Do not fabricate a message from an edit.
		return nil
	}
	if err != nil {
		return err
	}
	updates := map[string]interface{}{"text": p.Text}
	if !p.Timestamp.IsZero() {
		updates["timestamp"] = p.Timestamp
	}
	if err := s.db.WithContext(ctx).Model(&msg).Updates(updates).Error; err != nil {
		return err
	}
	s.signalMessagesChanged(msg.Channel)
	return nil
}

func (s *IngestService) handleDelete(ctx context.Context, evt *models.IngestedEvent) error {
	var p MessagePayload
	if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
		return NewValidationError("invalid delete payload: %v", err)
	}
	var msg models.Message
	err := s.db.WithContext(ctx).Where("external_id = ?", p.MessageID).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", msg.ID).Delete(&models.DocumentMessage{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Delete(&msg).Error; err != nil {
			return err
		}
		s.signalMessagesChanged(msg.Channel)
		return nil
	})
}

func (s *IngestService) handleOther(ctx context.Context, evt *models.IngestedEvent) error {
	// Unknown kinds are recorded for the audit trail and otherwise
	// ignored.
	s.logger.Debugf("ingest: ignoring event %s with kind %q", evt.ExternalID, evt.Kind)
	return nil
}

// appendThreadReply keeps the parent's reply list current. Failures are
// logged only; the reply link is derivable from thread_parent_id.
func (s *IngestService) appendThreadReply(ctx context.Context, parentExternalID, replyExternalID string) {
	var parent models.Message
	if err := s.db.WithContext(ctx).Where("external_id = ?", parentExternalID).First(&parent).Error; err != nil {
		return
	}
	var replies []string
	if parent.ThreadReplies != "" {
		_ = json.Unmarshal([]byte(parent.ThreadReplies), &replies)
	}
	for _, r := range replies {
		if r == replyExternalID {
			return
		}
	}
	replies = append(replies, replyExternalID)
	encoded, err := json.Marshal(replies)
	if err != nil {
		return
	}
	if err := s.db.WithContext(ctx).Model(&parent).Update("thread_replies", string(encoded)).Error; err != nil {
		s.logger.Debugf("ingest: update thread replies: %v", err)
	}
}

func (s *IngestService) signalMessagesChanged(channel string) {
	if s.onMessagesChanged != nil {
		s.onMessagesChanged(channel)
	}
}

// RetryFailedEvents resets every FAILED record to PENDING and
// re-dispatches it. Operator-triggered; never automatic, so a broken
// upstream cannot compound an outage. Returns how many events were
// retried and how many of those succeeded.
func (s *IngestService) RetryFailedEvents(ctx context.Context) (retried, succeeded int, err error) {
	var failed []models.IngestedEvent
	if err := s.db.WithContext(ctx).Where("status = ?", models.EventStatusFailed).
		Order("created_at ASC").Find(&failed).Error; err != nil {
		return 0, 0, err
	}
	for i := range failed {
		evt := &failed[i]
		if err := s.db.WithContext(ctx).Model(evt).
			Update("status", models.EventStatusPending).Error; err != nil {
			return retried, succeeded, err
		}
		retried++
		res, err := s.process(ctx, evt)
		if err != nil {
			return retried, succeeded, err
		}
		if res.Status == models.EventStatusComplete {
			succeeded++
		}
	}
	return retried, succeeded, nil
}

// Stats returns event counts by status.
func (s *IngestService) Stats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{}
	rows := []struct {
		Status string
		N      int64
	}{}
	if err := s.db.WithContext(ctx).Model(&models.IngestedEvent{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		switch row.Status {
		case models.EventStatusPending:
			stats.Pending = row.N
		case models.EventStatusProcessing:
			stats.Processing = row.N
		case models.EventStatusComplete:
			stats.Complete = row.N
		case models.EventStatusFailed:
			stats.Failed = row.N
		case models.EventStatusDuplicate:
			stats.Duplicate = row.N
		}
	}
	return stats, nil
}

// PruneEvents removes COMPLETE records older than the retention window.
// Used by the cleanup automation action.
func (s *IngestService) PruneEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.EventStatusComplete, cutoff).
		Delete(&models.IngestedEvent{})
	return res.RowsAffected, res.Error
}

func channelFromPayload(payload string) string {
	var p MessagePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return ""
	}
	return p.Channel
}
