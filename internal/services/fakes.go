package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Fake collaborators for dev mode and tests. They are deterministic: same
// brief, same output.

type FakeIdeaAgent struct {
	Slots int
}

func (a *FakeIdeaAgent) Draft(ctx context.Context, brief map[string]any) (*IdeaDraft, error) {
	topic, _ := brief["topic"].(string)
	if strings.TrimSpace(topic) == "" {
		topic = "untitled"
	}
	slots := a.Slots
	if slots <= 0 {
		slots = 2
	}
	prompts := make([]string, 0, slots)
	for i := 0; i < slots; i++ {
		prompts = append(prompts, fmt.Sprintf("clip %d for %s", i, topic))
	}
	return &IdeaDraft{
		Title:       "Draft: " + topic,
		Hook:        "Why " + topic + " matters",
		Script:      "Script for " + topic,
		ClipPrompts: prompts,
	}, nil
}

// FakeGenerationProvider answers synchronously when Sync is set, otherwise it
// issues task ids whose completions arrive later (tests drive the webhook
// path by hand).
type FakeGenerationProvider struct {
	Sync bool
}

func (p *FakeGenerationProvider) Submit(ctx context.Context, runID uuid.UUID, prompts []string) (*GenerationSubmission, error) {
	sub := &GenerationSubmission{}
	for i := range prompts {
		taskID := fmt.Sprintf("gen-%s-%d", runID, i)
		sub.Tasks = append(sub.Tasks, GenerationTask{TaskID: taskID, Slot: i})
		if p.Sync {
			sub.Ready = append(sub.Ready, GeneratedClip{
				TaskID: taskID,
				Slot:   i,
				URL:    fmt.Sprintf("fake://clips/%s/%d.mp4", runID, i),
			})
		}
	}
	return sub, nil
}

func (p *FakeGenerationProvider) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	return &TaskStatus{State: TaskStateCompleted, URL: "fake://clips/" + taskID + ".mp4"}, nil
}

type FakeRenderProvider struct {
	Sync bool
}

func (p *FakeRenderProvider) Submit(ctx context.Context, runID uuid.UUID, spec RenderSpec) (*RenderSubmission, error) {
	sub := &RenderSubmission{JobID: "render-" + runID.String()}
	if p.Sync {
		sub.ReadyURL = fmt.Sprintf("fake://videos/%s.mp4", runID)
	}
	return sub, nil
}

func (p *FakeRenderProvider) JobStatus(ctx context.Context, jobID string) (*TaskStatus, error) {
	return &TaskStatus{State: TaskStateCompleted, URL: "fake://videos/" + jobID + ".mp4"}, nil
}

type FakePublishProvider struct {
	Async bool
}

func (p *FakePublishProvider) Publish(ctx context.Context, mediaURL string, meta map[string]any) (*PublishResult, error) {
	if p.Async {
		return &PublishResult{PollURL: "fake://publish-status/" + uuid.NewString()}, nil
	}
	return &PublishResult{URL: "https://videos.example.com/" + uuid.NewString()}, nil
}

func (p *FakePublishProvider) PollStatus(ctx context.Context, pollURL string) (*TaskStatus, error) {
	return &TaskStatus{State: TaskStateCompleted, URL: "https://videos.example.com/" + uuid.NewString()}, nil
}

// PassthroughMediaStore records provider URLs unchanged. Used in fake mode
// where there is nothing to download.
type PassthroughMediaStore struct{}

func (s *PassthroughMediaStore) Ingest(ctx context.Context, sourceURL, key string) (string, error) {
	return sourceURL, nil
}
