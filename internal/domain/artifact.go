package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	ArtifactIdeaDraft       = "idea_draft"
	ArtifactTaskManifest    = "task_manifest"
	ArtifactRenderManifest  = "render_manifest"
	ArtifactVideoClip       = "video_clip"
	ArtifactRenderedVideo   = "rendered_video"
	ArtifactPublishedURL    = "published_url"
	ArtifactSafetyVerdict   = "safety_verdict"
	ArtifactContentOverride = "content_override"
	ArtifactRejection       = "rejection"
	ArtifactError           = "error"
)

// Artifact is an immutable, append-only record of output produced by a stage.
// The current value of a type for a run is the most recent artifact of that
// type. Rows are never updated in place.
type Artifact struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RunID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"run_id"`
	Type      string         `gorm:"column:type;not null;index" json:"type"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
}

func (Artifact) TableName() string { return "artifacts" }
