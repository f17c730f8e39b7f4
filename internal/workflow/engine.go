package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/services"
)

// AdvanceResult reports how an advance attempt ended. Exactly one applies:
// the run finished (State.Node == NodeEnd), suspended at an interrupt, or
// asked to be re-driven after RetryAfter (async publish poll).
type AdvanceResult struct {
	State      *State
	Interrupt  *Interrupt
	Suspended  bool
	RetryAfter time.Duration
}

type Engine struct {
	db          *gorm.DB
	log         *logger.Logger
	runs        repos.RunRepo
	artifacts   repos.ArtifactRepo
	checkpoints repos.CheckpointRepo
	completions repos.CompletionRepo
	enqueuer    jobs.Enqueuer

	agent     services.IdeaAgent
	generator services.GenerationProvider
	renderer  services.RenderProvider
	publisher services.PublishProvider
	media     services.MediaStore
	notifier  services.RunNotifier

	// PollDelay paces the poll.* fallback jobs and async publish retries.
	PollDelay time.Duration
}

type EngineDeps struct {
	DB          *gorm.DB
	Log         *logger.Logger
	Runs        repos.RunRepo
	Artifacts   repos.ArtifactRepo
	Checkpoints repos.CheckpointRepo
	Completions repos.CompletionRepo
	Enqueuer    jobs.Enqueuer
	Agent       services.IdeaAgent
	Generator   services.GenerationProvider
	Renderer    services.RenderProvider
	Publisher   services.PublishProvider
	Media       services.MediaStore
	Notifier    services.RunNotifier
}

func NewEngine(d EngineDeps) *Engine {
	notifier := d.Notifier
	if notifier == nil {
		notifier = services.NopNotifier{}
	}
	return &Engine{
		db:          d.DB,
		log:         d.Log.With("component", "WorkflowEngine"),
		runs:        d.Runs,
		artifacts:   d.Artifacts,
		checkpoints: d.Checkpoints,
		completions: d.Completions,
		enqueuer:    d.Enqueuer,
		agent:       d.Agent,
		generator:   d.Generator,
		renderer:    d.Renderer,
		publisher:   d.Publisher,
		media:       d.Media,
		notifier:    notifier,
		PollDelay:   30 * time.Second,
	}
}

// Start begins (or re-drives, after a crash) a run from its latest
// checkpoint. On first execution it creates the initial ideation checkpoint.
// Safe to re-execute: an already-suspended run just reports its interrupt.
func (e *Engine) Start(ctx context.Context, runID uuid.UUID) (*AdvanceResult, error) {
	run, err := e.runs.GetByID(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	st, interrupt, err := e.loadState(ctx, run)
	if err != nil {
		return nil, err
	}
	if interrupt != nil {
		return &AdvanceResult{State: st, Interrupt: interrupt, Suspended: true}, nil
	}
	return e.advance(ctx, run, st)
}

// Resume presents a payload for the pending interrupt and continues the graph
// from the paused node. The interrupt id must match the one currently pending
// on the run; anything else is domain.ErrStaleResume. The run row is locked
// while the match is decided so racing resumes serialize.
func (e *Engine) Resume(ctx context.Context, runID uuid.UUID, interruptID string, payload map[string]any) (*AdvanceResult, error) {
	var st *State
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := e.runs.GetByIDForUpdate(ctx, tx, runID); err != nil {
			return err
		}
		cp, err := e.checkpoints.LatestByRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if cp == nil {
			return fmt.Errorf("run %s has no checkpoint", runID)
		}
		pending, err := decodeInterrupt(cp.Interrupt)
		if err != nil {
			return err
		}
		if pending == nil || pending.ID != interruptID {
			return domain.ErrStaleResume
		}
		st, err = decodeState(cp.State)
		if err != nil {
			return err
		}
		if err := e.applyResumePayload(ctx, tx, st, payload); err != nil {
			return err
		}
		// Clearing the interrupt in the same transaction makes a duplicate
		// resume observe StaleResume instead of double-advancing.
		if _, err := e.saveCheckpoint(ctx, tx, st, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	run, err := e.runs.GetByID(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	return e.advance(ctx, run, st)
}

// FailRun marks a run terminally failed with a diagnostic, preserving the
// node it failed on in the checkpoint trail. Used for provider-reported and
// transcode failures; recovery is an operator resume.
func (e *Engine) FailRun(ctx context.Context, runID uuid.UUID, msg string) error {
	run, err := e.runs.GetByID(ctx, nil, runID)
	if err != nil {
		return err
	}
	st, _, err := e.loadState(ctx, run)
	if err != nil {
		return err
	}
	st.Failure = msg
	st.Node = NodeEnd
	if _, err := e.saveCheckpoint(ctx, nil, st, nil); err != nil {
		return err
	}
	e.appendArtifact(ctx, runID, domain.ArtifactError, map[string]any{"error": msg})
	if err := e.project(ctx, run, st, nil); err != nil {
		return err
	}
	e.notifier.RunFailed(run, msg)
	return nil
}

// RejectGate terminates a run at a gate without resuming its interrupt.
func (e *Engine) RejectGate(ctx context.Context, runID uuid.UUID, gate, reason string) error {
	run, err := e.runs.GetByID(ctx, nil, runID)
	if err != nil {
		return err
	}
	st, _, err := e.loadState(ctx, run)
	if err != nil {
		return err
	}
	switch gate {
	case GateIdeation:
		st.IdeaRejected = true
	case GatePublish:
		st.PublishRejected = true
	default:
		return fmt.Errorf("unknown gate %q", gate)
	}
	st.RejectReason = reason
	st.Node = NodeEnd
	if _, err := e.saveCheckpoint(ctx, nil, st, nil); err != nil {
		return err
	}
	e.appendArtifact(ctx, runID, domain.ArtifactRejection, map[string]any{"gate": gate, "reason": reason})
	return e.project(ctx, run, st, nil)
}

// ForkFromCheckpoint clones a retained checkpoint as the new head so a run
// can be re-driven from an earlier node. Only the resume controller calls
// this, and only with force, because it legally regresses the run status.
func (e *Engine) ForkFromCheckpoint(ctx context.Context, runID, checkpointID uuid.UUID) (*State, error) {
	cp, err := e.checkpoints.GetByID(ctx, nil, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.RunID != runID {
		return nil, fmt.Errorf("checkpoint %s does not belong to run %s", checkpointID, runID)
	}
	st, err := decodeState(cp.State)
	if err != nil {
		return nil, err
	}
	interrupt, err := decodeInterrupt(cp.Interrupt)
	if err != nil {
		return nil, err
	}
	if _, err := e.saveCheckpoint(ctx, nil, st, interrupt); err != nil {
		return nil, err
	}
	run, err := e.runs.GetByID(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if err := e.project(ctx, run, st, interrupt); err != nil {
		return nil, err
	}
	return st, nil
}

// Snapshot returns the latest checkpointed state and pending interrupt
// without creating anything. Nil state means the run has not started.
func (e *Engine) Snapshot(ctx context.Context, runID uuid.UUID) (*State, *Interrupt, error) {
	cp, err := e.checkpoints.LatestByRun(ctx, nil, runID)
	if err != nil {
		return nil, nil, err
	}
	if cp == nil {
		return nil, nil, nil
	}
	st, err := decodeState(cp.State)
	if err != nil {
		return nil, nil, err
	}
	interrupt, err := decodeInterrupt(cp.Interrupt)
	if err != nil {
		return nil, nil, err
	}
	return st, interrupt, nil
}

// PendingInterrupt returns the interrupt currently pending on a run, if any.
func (e *Engine) PendingInterrupt(ctx context.Context, runID uuid.UUID) (*Interrupt, error) {
	cp, err := e.checkpoints.LatestByRun(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	return decodeInterrupt(cp.Interrupt)
}

// advance drives the graph until it finishes, suspends at an interrupt, or
// asks to be re-driven later. A checkpoint is persisted after every node.
func (e *Engine) advance(ctx context.Context, run *domain.Run, st *State) (*AdvanceResult, error) {
	for {
		if st.Node == NodeEnd {
			if err := e.finish(ctx, run, st); err != nil {
				return nil, err
			}
			return &AdvanceResult{State: st}, nil
		}

		res, err := e.step(ctx, run, st)
		if err != nil {
			// Stage failures are terminal for the run, not for the job that
			// drove it: the checkpoint records the failure and the run
			// surfaces it for operator recovery.
			failedNode := st.Node
			e.log.Warn("Stage failed", "run_id", st.RunID, "node", failedNode, "error", err)
			st.Failure = fmt.Sprintf("%s: %v", failedNode, err)
			st.Node = NodeEnd
			if _, cErr := e.saveCheckpoint(ctx, nil, st, nil); cErr != nil {
				return nil, cErr
			}
			e.appendArtifact(ctx, st.RunID, domain.ArtifactError, map[string]any{"node": string(failedNode), "error": err.Error()})
			continue
		}

		st.Node = res.next
		if _, err := e.saveCheckpoint(ctx, nil, st, res.interrupt); err != nil {
			return nil, err
		}
		if err := e.project(ctx, run, st, res.interrupt); err != nil {
			return nil, err
		}

		if res.interrupt != nil {
			return &AdvanceResult{State: st, Interrupt: res.interrupt, Suspended: true}, nil
		}
		if res.retryAfter > 0 {
			return &AdvanceResult{State: st, RetryAfter: res.retryAfter}, nil
		}
	}
}

func (e *Engine) finish(ctx context.Context, run *domain.Run, st *State) error {
	if err := e.project(ctx, run, st, nil); err != nil {
		return err
	}
	switch st.RunStatus() {
	case domain.RunStatusFailed:
		e.notifier.RunFailed(run, st.Failure)
	default:
		e.notifier.RunFinished(run, st.PublishedURL)
	}
	return nil
}

func (e *Engine) loadState(ctx context.Context, run *domain.Run) (*State, *Interrupt, error) {
	cp, err := e.checkpoints.LatestByRun(ctx, nil, run.ID)
	if err != nil {
		return nil, nil, err
	}
	if cp == nil {
		var brief map[string]any
		if len(run.Brief) > 0 {
			_ = json.Unmarshal(run.Brief, &brief)
		}
		st := NewState(run.ID, brief)
		if _, err := e.saveCheckpoint(ctx, nil, st, nil); err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	}
	st, err := decodeState(cp.State)
	if err != nil {
		return nil, nil, err
	}
	interrupt, err := decodeInterrupt(cp.Interrupt)
	if err != nil {
		return nil, nil, err
	}
	return st, interrupt, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, tx *gorm.DB, st *State, interrupt *Interrupt) (*domain.Checkpoint, error) {
	stateRaw, err := encodeState(st)
	if err != nil {
		return nil, err
	}
	interruptRaw, err := encodeInterrupt(interrupt)
	if err != nil {
		return nil, err
	}
	return e.checkpoints.Append(ctx, tx, &domain.Checkpoint{
		RunID:     st.RunID,
		Step:      string(st.Node),
		State:     stateRaw,
		Interrupt: interruptRaw,
	})
}

// project overwrites the run row wholesale from the checkpoint outcome. The
// run row is a read-optimized cache; the checkpoint store stays authoritative.
func (e *Engine) project(ctx context.Context, run *domain.Run, st *State, interrupt *Interrupt) error {
	cache, err := e.artifactCache(ctx, st.RunID)
	if err != nil {
		e.log.Warn("Artifact cache build failed", "run_id", st.RunID, "error", err)
		cache = nil
	}
	status := st.RunStatus()
	updates := map[string]interface{}{
		"status":       status,
		"current_step": string(st.Node),
		"error":        st.Failure,
	}
	if cache != nil {
		updates["artifacts"] = cache
	}
	if err := e.runs.UpdateFields(ctx, nil, st.RunID, updates); err != nil {
		return err
	}
	run.Status = status
	run.CurrentStep = string(st.Node)
	run.Error = st.Failure
	e.notifier.RunProgress(run, string(st.Node), statusMessage(st, interrupt))
	return nil
}

func (e *Engine) artifactCache(ctx context.Context, runID uuid.UUID) (datatypes.JSON, error) {
	all, err := e.artifacts.ListByRun(ctx, nil, runID)
	if err != nil {
		return nil, err
	}
	latest := map[string]any{}
	for _, a := range all {
		var payload map[string]any
		_ = json.Unmarshal(a.Payload, &payload)
		latest[a.Type] = map[string]any{
			"artifact_id": a.ID.String(),
			"created_at":  a.CreatedAt,
			"payload":     payload,
		}
	}
	raw, err := json.Marshal(latest)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func (e *Engine) appendArtifact(ctx context.Context, runID uuid.UUID, artifactType string, payload map[string]any) *domain.Artifact {
	raw, err := json.Marshal(payload)
	if err != nil {
		e.log.Error("Artifact payload marshal failed", "run_id", runID, "type", artifactType, "error", err)
		return nil
	}
	artifact, err := e.artifacts.Append(ctx, nil, &domain.Artifact{
		RunID:   runID,
		Type:    artifactType,
		Payload: datatypes.JSON(raw),
	})
	if err != nil {
		e.log.Error("Artifact append failed", "run_id", runID, "type", artifactType, "error", err)
		return nil
	}
	return artifact
}

func (e *Engine) applyResumePayload(ctx context.Context, tx *gorm.DB, st *State, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	switch st.Node {
	case NodeIdeationApproval:
		if approved, ok := payload["approved"].(bool); ok && !approved {
			st.IdeaRejected = true
			st.RejectReason, _ = payload["reason"].(string)
			st.Node = NodeEnd
			return nil
		}
		st.IdeaApproved = true
		applyIdeaOverride(st, payload)
	case NodePublishApproval:
		if approved, ok := payload["approved"].(bool); ok && !approved {
			st.PublishRejected = true
			st.RejectReason, _ = payload["reason"].(string)
			st.Node = NodeEnd
			return nil
		}
		st.PublishApproved = true
	case NodeWaitForGeneration:
		if err := e.reloadClips(ctx, tx, st, intSlice(payload["repair_slots"])); err != nil {
			return err
		}
	case NodeWaitForRender:
		if url, _ := payload["video_url"].(string); url != "" {
			st.VideoURL = url
		} else if err := e.reloadVideo(ctx, tx, st); err != nil {
			return err
		}
	}
	return nil
}

func applyIdeaOverride(st *State, payload map[string]any) {
	override, _ := payload["override"].(map[string]any)
	if override == nil || st.Idea == nil {
		return
	}
	if v, _ := override["title"].(string); v != "" {
		st.Idea.Title = v
	}
	if v, _ := override["hook"].(string); v != "" {
		st.Idea.Hook = v
	}
	if v, _ := override["script"].(string); v != "" {
		st.Idea.Script = v
	}
	if raw, ok := override["clip_prompts"].([]any); ok && len(raw) > 0 {
		prompts := make([]string, 0, len(raw))
		for _, p := range raw {
			if s, _ := p.(string); s != "" {
				prompts = append(prompts, s)
			}
		}
		if len(prompts) > 0 {
			st.Idea.ClipPrompts = prompts
		}
	}
}

// reloadClips rebuilds st.Clips from the recorded clip artifacts, keyed by
// slot. Repair resumes rely on this to reuse stored output instead of
// re-invoking the provider. A non-empty `only` list restricts the reload to
// those slots; clips already in the state keep their entries for the rest.
func (e *Engine) reloadClips(ctx context.Context, tx *gorm.DB, st *State, only []int) error {
	all, err := e.artifacts.ListByRunAndType(ctx, tx, st.RunID, domain.ArtifactVideoClip)
	if err != nil {
		return err
	}
	wanted := map[int]bool{}
	for _, slot := range only {
		wanted[slot] = true
	}
	bySlot := map[int]ClipRef{}
	for _, c := range st.Clips {
		bySlot[c.Slot] = c
	}
	for _, a := range all {
		var payload struct {
			Slot   int    `json:"slot"`
			TaskID string `json:"task_id"`
			URL    string `json:"url"`
		}
		if err := json.Unmarshal(a.Payload, &payload); err != nil {
			continue
		}
		if len(wanted) > 0 && !wanted[payload.Slot] {
			continue
		}
		bySlot[payload.Slot] = ClipRef(payload)
	}
	clips := make([]ClipRef, 0, len(bySlot))
	for slot := 0; slot < st.ExpectedClips; slot++ {
		if ref, ok := bySlot[slot]; ok {
			clips = append(clips, ref)
		}
	}
	st.Clips = clips
	return nil
}

// intSlice decodes a JSON number array; anything else yields nil.
func intSlice(v any) []int {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, e := range raw {
		switch n := e.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) reloadVideo(ctx context.Context, tx *gorm.DB, st *State) error {
	latest, err := e.artifacts.LatestByType(ctx, tx, st.RunID, domain.ArtifactRenderedVideo)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(latest.Payload, &payload); err != nil {
		return err
	}
	st.VideoURL = payload.URL
	return nil
}

func statusMessage(st *State, interrupt *Interrupt) string {
	if interrupt != nil {
		return interrupt.Reason
	}
	if st.Failure != "" {
		return st.Failure
	}
	return "advanced to " + string(st.Node)
}
