package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// IngestedEvent status values.
const (
	EventStatusPending    = "PENDING"
	EventStatusProcessing = "PROCESSING"
	EventStatusComplete   = "COMPLETE"
	EventStatusFailed     = "FAILED"
	EventStatusDuplicate  = "DUPLICATE"
)

// Event kinds delivered by the source platform.
const (
	EventKindCreate = "create"
	EventKindEdit   = "edit"
	EventKindDelete = "delete"
	EventKindOther  = "other"
)

// IngestedEvent is the durable record of one inbound webhook delivery.
// Rows are never deleted so the ingestion audit trail stays complete;
// only the retention job may prune very old COMPLETE rows.
type IngestedEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ExternalID string    `gorm:"uniqueIndex;not null" json:"external_id"`
	Kind       string    `gorm:"not null" json:"kind"` // create, edit, delete, other
	Payload    string    `gorm:"type:text" json:"payload"`
	Status     string    `gorm:"default:'PENDING';index" json:"status"`
	Attempts   int       `gorm:"default:0" json:"attempts"`
	LastError  string    `gorm:"type:text" json:"last_error"`
	Channel    string    `gorm:"index" json:"channel"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Message is an immutable content record created from a create event.
// Text and Timestamp change only through edit events; delete events
// remove the row entirely.
type Message struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	ExternalID     string         `gorm:"uniqueIndex;not null" json:"external_id"`
	Text           string         `gorm:"type:text" json:"text"`
	Author         string         `gorm:"index" json:"author"`
	Channel        string         `gorm:"index" json:"channel"`
	Timestamp      time.Time      `gorm:"index" json:"timestamp"`
	ThreadParentID *string        `json:"thread_parent_id"`
	ThreadReplies  string         `gorm:"type:text" json:"thread_replies"` // JSON array of external ids
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	DocumentMessages []DocumentMessage `gorm:"foreignKey:MessageID" json:"document_messages,omitempty"`
}

// Document status values.
const (
	DocumentStatusCreating = "CREATING"
	DocumentStatusComplete = "COMPLETE"
	DocumentStatusFailed   = "FAILED"
)

// Conversation roles assigned to messages inside a document.
const (
	RoleQuestion     = "QUESTION"
	RoleAnswer       = "ANSWER"
	RoleContext      = "CONTEXT"
	RoleFollowUp     = "FOLLOW_UP"
	RoleConfirmation = "CONFIRMATION"
)

// Document aggregates a set of messages into a reviewable bundle.
type Document struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	Title       string         `json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	Category    string         `gorm:"index" json:"category"`
	Status      string         `gorm:"default:'CREATING';index" json:"status"`
	Confidence  float64        `gorm:"default:0" json:"confidence"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	Messages []DocumentMessage `gorm:"foreignKey:DocumentID" json:"messages,omitempty"`
}

// DocumentMessage joins a message into exactly one document with the
// role and confidence the analyzer assigned. A unique index on
// message_id enforces the at-most-one-document rule at the store level.
type DocumentMessage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID uint      `gorm:"index;not null" json:"document_id"`
	MessageID  uint      `gorm:"uniqueIndex;not null" json:"message_id"`
	Role       string    `gorm:"not null" json:"role"`
	Confidence float64   `gorm:"default:0" json:"confidence"`
	Reasoning  string    `gorm:"type:text" json:"reasoning"`
	CreatedAt  time.Time `json:"created_at"`

	Document Document `gorm:"foreignKey:DocumentID" json:"document,omitempty"`
	Message  Message  `gorm:"foreignKey:MessageID" json:"message,omitempty"`
}

// FAQ status values.
const (
	FAQStatusPending  = "PENDING"
	FAQStatusApproved = "APPROVED"
	FAQStatusRejected = "REJECTED"
)

// FAQ is a synthesized question/answer pair. SourceTrace holds the JSON
// list of message ids that produced it; every id must resolve to a
// message of the document the FAQ was generated from.
type FAQ struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	Question          string         `gorm:"type:text;not null" json:"question"`
	Answer            string         `gorm:"type:text;not null" json:"answer"`
	Category          string         `gorm:"index" json:"category"`
	Status            string         `gorm:"default:'PENDING';index" json:"status"`
	Confidence        float64        `gorm:"default:0" json:"confidence"`
	PotentialDupOfID  *uint          `json:"potential_dup_of_id"` // set when similarity falls in the review band
	DocumentID        uint           `gorm:"index" json:"document_id"`
	SourceTrace       string         `gorm:"type:text" json:"source_trace"` // JSON array of message ids
	ReviewedBy        string         `json:"reviewed_by"`
	ReviewedAt        *time.Time     `json:"reviewed_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}

// SourceMessageIDs decodes the JSON source trace.
func (f *FAQ) SourceMessageIDs() []uint {
	var ids []uint
	if f.SourceTrace == "" {
		return ids
	}
	_ = json.Unmarshal([]byte(f.SourceTrace), &ids)
	return ids
}

// SetSourceMessageIDs encodes ids into the JSON source trace.
func (f *FAQ) SetSourceMessageIDs(ids []uint) {
	b, err := json.Marshal(ids)
	if err != nil {
		return
	}
	f.SourceTrace = string(b)
}

// AutomationJob status values.
const (
	JobStatusQueued     = "QUEUED"
	JobStatusProcessing = "PROCESSING"
	JobStatusComplete   = "COMPLETE"
	JobStatusFailed     = "FAILED"
	JobStatusCancelled  = "CANCELLED"
)

// AutomationJob types.
const (
	JobTypeDocumentCreation    = "DOCUMENT_CREATION"
	JobTypeFAQGeneration       = "FAQ_GENERATION"
	JobTypeDocumentEnhancement = "DOCUMENT_ENHANCEMENT"
	JobTypeCleanup             = "CLEANUP"
)

// AutomationJob is one asynchronous unit of work. Rows are the single
// source of truth for orchestration state; the scheduler loop reads due
// QUEUED rows from the store so work survives process restarts.
type AutomationJob struct {
	ID         string     `gorm:"primaryKey" json:"id"` // uuid
	Type       string     `gorm:"index;not null" json:"type"`
	Status     string     `gorm:"default:'QUEUED';index" json:"status"`
	Progress   int        `gorm:"default:0" json:"progress"` // 0-100
	Priority   int        `gorm:"default:0;index" json:"priority"`
	RetryCount int        `gorm:"default:0" json:"retry_count"`
	Payload    string     `gorm:"type:text" json:"payload"` // JSON input
	Error      string     `gorm:"type:text" json:"error"`
	RuleID     *uint      `gorm:"index" json:"rule_id"` // set when created by an automation rule
	NotBefore  *time.Time `gorm:"index" json:"not_before"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j *AutomationJob) Terminal() bool {
	switch j.Status {
	case JobStatusComplete, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Automation rule triggers and actions.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"

	ActionDocument = "document"
	ActionFAQ      = "faq"
	ActionCleanup  = "cleanup"
	ActionBatch    = "batch"
)

// AutomationRule is a persisted trigger+action definition that creates
// jobs without manual invocation.
type AutomationRule struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Name           string         `gorm:"not null" json:"name"`
	Enabled        bool           `gorm:"default:true;index" json:"enabled"`
	TriggerType    string         `gorm:"not null" json:"trigger_type"` // manual, schedule, event
	CronExpr       string         `json:"cron_expr"`                    // schedule triggers
	EventType      string         `json:"event_type"`                   // event triggers
	ActionType     string         `gorm:"not null" json:"action_type"`  // document, faq, cleanup, batch
	ActionParams   string         `gorm:"type:text" json:"action_params"` // JSON
	RunCount       int            `gorm:"default:0" json:"run_count"`
	CompletedCount int            `gorm:"default:0" json:"completed_count"`
	SuccessCount   int            `gorm:"default:0" json:"success_count"`
	AvgExecMs      float64        `gorm:"default:0" json:"avg_exec_ms"`
	LastRunAt      *time.Time     `json:"last_run_at"`
	NextRunAt      *time.Time     `gorm:"index" json:"next_run_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}
