package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DeadLetter archives a job that exhausted max_attempts. Rows are resolved on
// successful replay, never deleted.
type DeadLetter struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID         uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex" json:"job_id"`
	Source        string         `gorm:"column:source;not null;index" json:"source"`
	RunID         *uuid.UUID     `gorm:"type:uuid;column:run_id;index" json:"run_id,omitempty"`
	Payload       datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Error         string         `gorm:"column:error" json:"error"`
	Attempts      int            `gorm:"column:attempts;not null" json:"attempts"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	LastAttemptAt time.Time      `gorm:"column:last_attempt_at;not null" json:"last_attempt_at"`
	ResolvedAt    *time.Time     `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
}

func (DeadLetter) TableName() string { return "dead_letters" }
