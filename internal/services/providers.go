package services

import (
	"context"

	"github.com/google/uuid"
)

// External collaborators. The engine and gateway only ever see these
// interfaces; real/fake selection happens at wiring time per provider.

// IdeaDraft is what the agent runtime produces for a brief.
type IdeaDraft struct {
	Title       string   `json:"title"`
	Hook        string   `json:"hook"`
	Script      string   `json:"script"`
	ClipPrompts []string `json:"clip_prompts"`
}

type IdeaAgent interface {
	Draft(ctx context.Context, brief map[string]any) (*IdeaDraft, error)
}

const (
	TaskStatePending   = "pending"
	TaskStateCompleted = "completed"
	TaskStateFailed    = "failed"
)

type TaskStatus struct {
	State   string `json:"state"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

type GenerationTask struct {
	TaskID string `json:"task_id"`
	Slot   int    `json:"slot"`
}

type GeneratedClip struct {
	TaskID string `json:"task_id"`
	Slot   int    `json:"slot"`
	URL    string `json:"url"`
}

// GenerationSubmission: Tasks always describes what was submitted. Ready is
// non-empty only when the provider answered synchronously (fake/dev mode), in
// which case the engine skips the wait stage entirely.
type GenerationSubmission struct {
	Tasks []GenerationTask `json:"tasks"`
	Ready []GeneratedClip  `json:"ready,omitempty"`
}

type GenerationProvider interface {
	Submit(ctx context.Context, runID uuid.UUID, prompts []string) (*GenerationSubmission, error)
	TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
}

type RenderSpec struct {
	Title    string   `json:"title"`
	ClipURLs []string `json:"clip_urls"`
	Script   string   `json:"script,omitempty"`
}

type RenderSubmission struct {
	JobID    string `json:"job_id"`
	ReadyURL string `json:"ready_url,omitempty"`
}

type RenderProvider interface {
	Submit(ctx context.Context, runID uuid.UUID, spec RenderSpec) (*RenderSubmission, error)
	JobStatus(ctx context.Context, jobID string) (*TaskStatus, error)
}

// PublishResult: URL for an immediate publish, PollURL when the provider
// finishes asynchronously and must be polled.
type PublishResult struct {
	URL     string `json:"url,omitempty"`
	PollURL string `json:"poll_url,omitempty"`
}

type PublishProvider interface {
	Publish(ctx context.Context, mediaURL string, meta map[string]any) (*PublishResult, error)
	PollStatus(ctx context.Context, pollURL string) (*TaskStatus, error)
}

// MediaStore ingests provider output (download plus any transcoding the
// deployment configures) and returns the URL the rest of the system records.
// An ingest failure is a terminal workflow failure.
type MediaStore interface {
	Ingest(ctx context.Context, sourceURL, key string) (string, error)
}
