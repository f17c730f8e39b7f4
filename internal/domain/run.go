package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Run statuses form a closed set. The value on the run row is a projection of
// the authoritative checkpoint; it only moves forward along the stage graph
// except through an explicit operator repair/fork.
const (
	RunStatusIdeation                 = "ideation"
	RunStatusAwaitingIdeationApproval = "awaiting_ideation_approval"
	RunStatusProduction               = "production"
	RunStatusAwaitingGeneration       = "awaiting_generation"
	RunStatusEditing                  = "editing"
	RunStatusAwaitingRender           = "awaiting_render"
	RunStatusAwaitingPublishApproval  = "awaiting_publish_approval"
	RunStatusPublishing               = "publishing"
	RunStatusPublished                = "published"
	RunStatusRejected                 = "rejected"
	RunStatusFailed                   = "failed"
)

func RunStatusTerminal(status string) bool {
	switch status {
	case RunStatusPublished, RunStatusRejected, RunStatusFailed:
		return true
	}
	return false
}

// Run is one end-to-end production attempt. Created on workflow start, never
// deleted. Mutated only by the workflow engine's checkpoint projection and by
// the gate/resume controller.
type Run struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowName string         `gorm:"column:workflow_name;not null;index" json:"workflow_name"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	CurrentStep  string         `gorm:"column:current_step;not null" json:"current_step"`
	Brief        datatypes.JSON `gorm:"column:brief;type:jsonb" json:"brief"`
	Artifacts    datatypes.JSON `gorm:"column:artifacts;type:jsonb" json:"artifacts,omitempty"`
	Error        string         `gorm:"column:error" json:"error,omitempty"`
	UserID       string         `gorm:"column:user_id;index" json:"user_id,omitempty"`
	ChannelID    string         `gorm:"column:channel_id;index" json:"channel_id,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (Run) TableName() string { return "runs" }
