package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/services"
)

// stepResult is what a node step hands back to the advance loop: the next
// node, plus at most one of interrupt (suspend) or retryAfter (re-drive).
type stepResult struct {
	next       Node
	interrupt  *Interrupt
	retryAfter time.Duration
}

func (e *Engine) step(ctx context.Context, run *domain.Run, st *State) (stepResult, error) {
	switch st.Node {
	case NodeIdeation:
		return e.stepIdeation(ctx, st)
	case NodeIdeationApproval:
		return e.stepIdeationApproval(run, st)
	case NodeProduction:
		return e.stepProduction(ctx, st)
	case NodeWaitForGeneration:
		return e.stepWaitForGeneration(ctx, run, st)
	case NodeEditing:
		return e.stepEditing(ctx, st)
	case NodeWaitForRender:
		return e.stepWaitForRender(ctx, run, st)
	case NodePublishApproval:
		return e.stepPublishApproval(run, st)
	case NodePublishing:
		return e.stepPublishing(ctx, st)
	}
	return stepResult{}, fmt.Errorf("no step for node %q", st.Node)
}

func (e *Engine) stepIdeation(ctx context.Context, st *State) (stepResult, error) {
	idea, err := e.agent.Draft(ctx, st.Brief)
	if err != nil {
		return stepResult{}, fmt.Errorf("idea draft: %w", err)
	}
	if len(idea.ClipPrompts) == 0 {
		return stepResult{}, fmt.Errorf("idea draft has no clip prompts")
	}
	st.Idea = idea
	e.appendArtifact(ctx, st.RunID, domain.ArtifactIdeaDraft, map[string]any{
		"title":        idea.Title,
		"hook":         idea.Hook,
		"script":       idea.Script,
		"clip_prompts": idea.ClipPrompts,
	})
	return stepResult{next: NodeIdeationApproval}, nil
}

func (e *Engine) stepIdeationApproval(run *domain.Run, st *State) (stepResult, error) {
	if st.IdeaRejected {
		return stepResult{next: NodeEnd}, nil
	}
	if st.IdeaApproved {
		return stepResult{next: NodeProduction}, nil
	}
	interrupt := &Interrupt{
		ID:        GateInterruptID(st.RunID, GateIdeation),
		Reason:    fmt.Sprintf("idea %q awaits approval", st.Idea.Title),
		Resumable: true,
	}
	e.notifier.GatePrompt(run, GateIdeation, interrupt.Reason)
	return stepResult{next: NodeIdeationApproval, interrupt: interrupt}, nil
}

func (e *Engine) stepProduction(ctx context.Context, st *State) (stepResult, error) {
	sub, err := e.generator.Submit(ctx, st.RunID, st.Idea.ClipPrompts)
	if err != nil {
		return stepResult{}, fmt.Errorf("generation submit: %w", err)
	}
	st.GenerationTasks = sub.Tasks
	st.ExpectedClips = len(st.Idea.ClipPrompts)

	manifest := make([]map[string]any, 0, len(sub.Tasks))
	for _, task := range sub.Tasks {
		manifest = append(manifest, map[string]any{"task_id": task.TaskID, "slot": task.Slot})
	}
	e.appendArtifact(ctx, st.RunID, domain.ArtifactTaskManifest, map[string]any{
		"phase": PhaseGeneration,
		"tasks": manifest,
	})

	if len(sub.Ready) >= st.ExpectedClips {
		// Synchronous provider: clips are already usable, skip the wait stage.
		if err := e.ingestClips(ctx, st, sub.Ready); err != nil {
			return stepResult{}, err
		}
		return stepResult{next: NodeEditing}, nil
	}

	interrupt := &Interrupt{
		ID:        CallbackInterruptID(st.RunID, PhaseGeneration),
		Reason:    fmt.Sprintf("waiting for %d generation tasks", len(sub.Tasks)),
		Resumable: true,
	}
	e.enqueuePoll(ctx, st, domain.JobPollGeneration, PhaseGeneration)
	return stepResult{next: NodeWaitForGeneration, interrupt: interrupt}, nil
}

func (e *Engine) stepWaitForGeneration(ctx context.Context, _ *domain.Run, st *State) (stepResult, error) {
	if len(st.Clips) >= st.ExpectedClips && st.ExpectedClips > 0 {
		return stepResult{next: NodeEditing}, nil
	}
	interrupt := &Interrupt{
		ID:        CallbackInterruptID(st.RunID, PhaseGeneration),
		Reason:    fmt.Sprintf("have %d of %d clips", len(st.Clips), st.ExpectedClips),
		Resumable: true,
	}
	return stepResult{next: NodeWaitForGeneration, interrupt: interrupt}, nil
}

func (e *Engine) stepEditing(ctx context.Context, st *State) (stepResult, error) {
	if st.VideoURL != "" {
		return stepResult{next: NodePublishApproval}, nil
	}
	urls := make([]string, 0, len(st.Clips))
	for _, clip := range st.Clips {
		urls = append(urls, clip.URL)
	}
	sub, err := e.renderer.Submit(ctx, st.RunID, services.RenderSpec{
		Title:    st.Idea.Title,
		ClipURLs: urls,
		Script:   st.Idea.Script,
	})
	if err != nil {
		return stepResult{}, fmt.Errorf("render submit: %w", err)
	}
	st.RenderJobID = sub.JobID
	e.appendArtifact(ctx, st.RunID, domain.ArtifactRenderManifest, map[string]any{
		"phase":  PhaseRender,
		"job_id": sub.JobID,
		"clips":  urls,
	})

	if sub.ReadyURL != "" {
		if err := e.ingestVideo(ctx, st, sub.ReadyURL); err != nil {
			return stepResult{}, err
		}
		return stepResult{next: NodePublishApproval}, nil
	}

	interrupt := &Interrupt{
		ID:        CallbackInterruptID(st.RunID, PhaseRender),
		Reason:    fmt.Sprintf("waiting for render job %s", sub.JobID),
		Resumable: true,
	}
	e.enqueuePoll(ctx, st, domain.JobPollRender, PhaseRender)
	return stepResult{next: NodeWaitForRender, interrupt: interrupt}, nil
}

func (e *Engine) stepWaitForRender(ctx context.Context, _ *domain.Run, st *State) (stepResult, error) {
	if st.VideoURL != "" {
		return stepResult{next: NodePublishApproval}, nil
	}
	interrupt := &Interrupt{
		ID:        CallbackInterruptID(st.RunID, PhaseRender),
		Reason:    fmt.Sprintf("waiting for render job %s", st.RenderJobID),
		Resumable: true,
	}
	return stepResult{next: NodeWaitForRender, interrupt: interrupt}, nil
}

func (e *Engine) stepPublishApproval(run *domain.Run, st *State) (stepResult, error) {
	if st.PublishRejected {
		return stepResult{next: NodeEnd}, nil
	}
	if st.PublishApproved {
		return stepResult{next: NodePublishing}, nil
	}
	interrupt := &Interrupt{
		ID:        GateInterruptID(st.RunID, GatePublish),
		Reason:    fmt.Sprintf("video for %q awaits publish approval", st.Idea.Title),
		Resumable: true,
	}
	e.notifier.GatePrompt(run, GatePublish, interrupt.Reason)
	return stepResult{next: NodePublishApproval, interrupt: interrupt}, nil
}

func (e *Engine) stepPublishing(ctx context.Context, st *State) (stepResult, error) {
	// Async publish in flight: poll instead of re-publishing.
	if st.PublishPollURL != "" {
		status, err := e.publisher.PollStatus(ctx, st.PublishPollURL)
		if err != nil {
			return stepResult{}, fmt.Errorf("publish poll: %w", err)
		}
		switch status.State {
		case services.TaskStateCompleted:
			st.PublishedURL = status.URL
			e.appendArtifact(ctx, st.RunID, domain.ArtifactPublishedURL, map[string]any{"url": status.URL})
			return stepResult{next: NodeEnd}, nil
		case services.TaskStateFailed:
			return stepResult{}, fmt.Errorf("publish failed: %s", status.Message)
		default:
			return stepResult{next: NodePublishing, retryAfter: e.PollDelay}, nil
		}
	}

	res, err := e.publisher.Publish(ctx, st.VideoURL, map[string]any{
		"title": st.Idea.Title,
		"hook":  st.Idea.Hook,
	})
	if err != nil {
		return stepResult{}, fmt.Errorf("publish: %w", err)
	}
	if res.URL != "" {
		st.PublishedURL = res.URL
		e.appendArtifact(ctx, st.RunID, domain.ArtifactPublishedURL, map[string]any{"url": res.URL})
		return stepResult{next: NodeEnd}, nil
	}
	st.PublishPollURL = res.PollURL
	return stepResult{next: NodePublishing, retryAfter: e.PollDelay}, nil
}

// ingestClips pulls synchronously returned provider output through the media
// store and records one clip artifact per slot.
func (e *Engine) ingestClips(ctx context.Context, st *State, ready []services.GeneratedClip) error {
	clips := make([]ClipRef, 0, len(ready))
	for _, clip := range ready {
		key := fmt.Sprintf("%s/clips/%d.mp4", st.RunID, clip.Slot)
		stored, err := e.media.Ingest(ctx, clip.URL, key)
		if err != nil {
			return fmt.Errorf("ingest clip %d: %w", clip.Slot, err)
		}
		ref := ClipRef{Slot: clip.Slot, TaskID: clip.TaskID, URL: stored}
		clips = append(clips, ref)
		e.appendArtifact(ctx, st.RunID, domain.ArtifactVideoClip, map[string]any{
			"slot": ref.Slot, "task_id": ref.TaskID, "url": ref.URL,
		})
	}
	st.Clips = clips
	return nil
}

func (e *Engine) ingestVideo(ctx context.Context, st *State, sourceURL string) error {
	key := fmt.Sprintf("%s/final.mp4", st.RunID)
	stored, err := e.media.Ingest(ctx, sourceURL, key)
	if err != nil {
		return fmt.Errorf("ingest video: %w", err)
	}
	st.VideoURL = stored
	e.appendArtifact(ctx, st.RunID, domain.ArtifactRenderedVideo, map[string]any{"url": stored})
	return nil
}

// enqueuePoll schedules the fallback poller for a wait stage. Keyed per
// (run, phase) so repeated suspensions reuse the one pending poll job.
func (e *Engine) enqueuePoll(ctx context.Context, st *State, jobType domain.JobType, phase string) {
	runID := st.RunID
	_, _, err := e.enqueuer.EnqueueIgnoreDuplicate(ctx, nil, jobs.EnqueueRequest{
		Type:           jobType,
		RunID:          &runID,
		Payload:        map[string]any{"run_id": runID.String(), "phase": phase},
		IdempotencyKey: fmt.Sprintf("poll:%s:%s", runID, phase),
		Delay:          e.PollDelay,
	})
	if err != nil {
		e.log.Warn("Poll job enqueue failed", "run_id", runID, "phase", phase, "error", err)
	}
}
