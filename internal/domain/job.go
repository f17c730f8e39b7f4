package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// JobType is a closed set. The worker registry is seeded exhaustively at
// wiring time; an unregistered type observed at dispatch is a configuration
// error, not a retryable failure.
type JobType string

const (
	JobRunStart                JobType = "run.start"
	JobPollGeneration          JobType = "poll.generation"
	JobPollRender              JobType = "poll.render"
	JobResumeAfterGeneration   JobType = "workflow.resume_after_generation"
	JobResumeAfterRender       JobType = "workflow.resume_after_render"
	JobResumeGate              JobType = "workflow.resume_gate"
	JobEventGenerationComplete JobType = "event.generation_completed"
	JobEventRenderComplete     JobType = "event.render_completed"
)

// AllJobTypes is the exhaustive dispatch surface. Adding a job type means
// adding it here and registering a handler, which wiring verifies.
var AllJobTypes = []JobType{
	JobRunStart,
	JobPollGeneration,
	JobPollRender,
	JobResumeAfterGeneration,
	JobResumeAfterRender,
	JobResumeGate,
	JobEventGenerationComplete,
	JobEventRenderComplete,
}

// Job is one unit of queued, retryable background work. (job_type,
// idempotency_key) is unique; a second enqueue with the same pair fails
// instead of duplicating work. Rows are retained after completion.
type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType        string         `gorm:"column:job_type;not null;uniqueIndex:idx_jobs_type_idem_key,where:idempotency_key IS NOT NULL;index" json:"job_type"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;uniqueIndex:idx_jobs_type_idem_key,where:idempotency_key IS NOT NULL" json:"idempotency_key,omitempty"`
	RunID          *uuid.UUID     `gorm:"type:uuid;column:run_id;index" json:"run_id,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null;default:5" json:"max_attempts"`
	AvailableAt    time.Time      `gorm:"column:available_at;not null;index" json:"available_at"`
	ClaimedBy      string         `gorm:"column:claimed_by" json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time     `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }
