package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Checkpoint is a snapshot of per-run workflow state plus at most one pending
// interrupt. The latest checkpoint for a run is authoritative; superseded rows
// are retained for time-travel listing.
type Checkpoint struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID     uuid.UUID      `gorm:"type:uuid;not null;index:idx_checkpoints_run_created" json:"run_id"`
	Step      string         `gorm:"column:step;not null" json:"step"`
	State     datatypes.JSON `gorm:"column:state;type:jsonb" json:"state"`
	Interrupt datatypes.JSON `gorm:"column:interrupt;type:jsonb" json:"interrupt,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index:idx_checkpoints_run_created" json:"created_at"`
}

func (Checkpoint) TableName() string { return "checkpoints" }

// SlotCompletion is the O(1) idempotency ledger for provider callbacks: one
// row per externally issued task id that has been recorded for a run. The
// unique index is what makes duplicate webhook deliveries no-ops.
type SlotCompletion struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RunID          uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_completions_run_task" json:"run_id"`
	ExternalTaskID string     `gorm:"column:external_task_id;not null;uniqueIndex:idx_completions_run_task" json:"external_task_id"`
	Phase          string     `gorm:"column:phase;not null;index" json:"phase"`
	Slot           int        `gorm:"column:slot;not null" json:"slot"`
	ArtifactID     *uuid.UUID `gorm:"type:uuid;column:artifact_id" json:"artifact_id,omitempty"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
}

func (SlotCompletion) TableName() string { return "slot_completions" }
