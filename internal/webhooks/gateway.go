package webhooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/services"
	"github.com/reelforge/reelforge-backend/internal/workflow"
)

// Delivery is the normalized callback payload the HTTP handler extracts
// before it acks the provider. Everything else about the delivery body is
// provider detail and never reaches the gateway.
type Delivery struct {
	RunID  uuid.UUID `json:"run_id"`
	TaskID string    `json:"task_id"`
	Status string    `json:"status"`
	URL    string    `json:"url,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Gateway turns provider completion events into recorded artifacts and, when
// a phase finishes, exactly one resume job. It runs inside job handlers, not
// the HTTP request, so a provider gets its 2xx before any of this work.
type Gateway struct {
	db          *gorm.DB
	log         *logger.Logger
	runs        repos.RunRepo
	artifacts   repos.ArtifactRepo
	completions repos.CompletionRepo
	enqueuer    jobs.Enqueuer
	media       services.MediaStore
	engine      *workflow.Engine
}

func NewGateway(
	db *gorm.DB,
	log *logger.Logger,
	runs repos.RunRepo,
	artifacts repos.ArtifactRepo,
	completions repos.CompletionRepo,
	enqueuer jobs.Enqueuer,
	media services.MediaStore,
	engine *workflow.Engine,
) *Gateway {
	return &Gateway{
		db:          db,
		log:         log.With("component", "WebhookGateway"),
		runs:        runs,
		artifacts:   artifacts,
		completions: completions,
		enqueuer:    enqueuer,
		media:       media,
		engine:      engine,
	}
}

// HandleGenerationEvent records one clip completion. Media ingest happens
// before the ledger transaction; inside it the completion row is inserted
// ahead of the artifact, so a delivery that loses the insert race commits
// nothing. The per-run row lock serializes concurrent deliveries for the same
// run so the "all slots done" decision is made exactly once.
func (g *Gateway) HandleGenerationEvent(ctx context.Context, d Delivery) error {
	if d.Status == services.TaskStateFailed {
		return g.engine.FailRun(ctx, d.RunID, fmt.Sprintf("generation task %s failed: %s", d.TaskID, d.Error))
	}
	if d.Status != services.TaskStateCompleted {
		g.log.Debug("Ignoring non-terminal generation event", "run_id", d.RunID, "task_id", d.TaskID, "status", d.Status)
		return nil
	}

	slot, expected, err := g.resolveGenerationSlot(ctx, d.RunID, d.TaskID)
	if err != nil {
		return err
	}

	already, err := g.completions.GetByTaskID(ctx, nil, d.RunID, d.TaskID)
	if err != nil {
		return err
	}
	if already != nil {
		g.log.Debug("Duplicate generation delivery", "run_id", d.RunID, "task_id", d.TaskID)
		return nil
	}

	storedURL, err := g.media.Ingest(ctx, d.URL, fmt.Sprintf("%s/clips/%d.mp4", d.RunID, slot))
	if err != nil {
		return fmt.Errorf("ingest clip %d: %w", slot, err)
	}

	var phaseComplete bool
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := g.runs.GetByIDForUpdate(ctx, tx, d.RunID); err != nil {
			return err
		}
		// The ledger row goes in first. Losing the insert race to another
		// delivery of the same task id means that delivery already committed
		// the clip; this one must leave nothing behind.
		rec, existed, err := g.completions.Record(ctx, tx, &domain.SlotCompletion{
			RunID:          d.RunID,
			ExternalTaskID: d.TaskID,
			Phase:          workflow.PhaseGeneration,
			Slot:           slot,
		})
		if err != nil {
			return err
		}
		if existed {
			return nil
		}
		raw, _ := json.Marshal(map[string]any{"slot": slot, "task_id": d.TaskID, "url": storedURL})
		artifact, err := g.artifacts.Append(ctx, tx, &domain.Artifact{
			RunID:   d.RunID,
			Type:    domain.ArtifactVideoClip,
			Payload: raw,
		})
		if err != nil {
			return err
		}
		if err := g.completions.AttachArtifact(ctx, tx, rec.ID, artifact.ID); err != nil {
			return err
		}
		n, err := g.completions.CountByPhase(ctx, tx, d.RunID, workflow.PhaseGeneration)
		if err != nil {
			return err
		}
		phaseComplete = expected > 0 && n >= int64(expected)
		return nil
	})
	if err != nil {
		return err
	}

	if phaseComplete {
		return g.enqueueResume(ctx, d.RunID, workflow.PhaseGeneration, domain.JobResumeAfterGeneration)
	}
	return nil
}

// HandleRenderEvent records the rendered video and enqueues the render
// resume. Render has a single task so the ledger row doubles as the "phase
// complete" decision.
func (g *Gateway) HandleRenderEvent(ctx context.Context, d Delivery) error {
	if d.Status == services.TaskStateFailed {
		return g.engine.FailRun(ctx, d.RunID, fmt.Sprintf("render job %s failed: %s", d.TaskID, d.Error))
	}
	if d.Status != services.TaskStateCompleted {
		g.log.Debug("Ignoring non-terminal render event", "run_id", d.RunID, "task_id", d.TaskID, "status", d.Status)
		return nil
	}

	if err := g.verifyRenderJob(ctx, d.RunID, d.TaskID); err != nil {
		return err
	}

	already, err := g.completions.GetByTaskID(ctx, nil, d.RunID, d.TaskID)
	if err != nil {
		return err
	}
	if already != nil {
		g.log.Debug("Duplicate render delivery", "run_id", d.RunID, "task_id", d.TaskID)
		return nil
	}

	storedURL, err := g.media.Ingest(ctx, d.URL, fmt.Sprintf("%s/final.mp4", d.RunID))
	if err != nil {
		return fmt.Errorf("ingest video: %w", err)
	}

	var first bool
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := g.runs.GetByIDForUpdate(ctx, tx, d.RunID); err != nil {
			return err
		}
		rec, existed, err := g.completions.Record(ctx, tx, &domain.SlotCompletion{
			RunID:          d.RunID,
			ExternalTaskID: d.TaskID,
			Phase:          workflow.PhaseRender,
			Slot:           0,
		})
		if err != nil {
			return err
		}
		if existed {
			return nil
		}
		raw, _ := json.Marshal(map[string]any{"url": storedURL, "job_id": d.TaskID})
		artifact, err := g.artifacts.Append(ctx, tx, &domain.Artifact{
			RunID:   d.RunID,
			Type:    domain.ArtifactRenderedVideo,
			Payload: raw,
		})
		if err != nil {
			return err
		}
		if err := g.completions.AttachArtifact(ctx, tx, rec.ID, artifact.ID); err != nil {
			return err
		}
		first = true
		return nil
	})
	if err != nil {
		return err
	}

	if first {
		return g.enqueueResume(ctx, d.RunID, workflow.PhaseRender, domain.JobResumeAfterRender)
	}
	return nil
}

// resolveGenerationSlot maps an external task id to its slot via the task
// manifest recorded at submit time. An id the manifest never issued is
// rejected; it is either a stray delivery or a forgery that passed a fake
// verifier.
func (g *Gateway) resolveGenerationSlot(ctx context.Context, runID uuid.UUID, taskID string) (slot, expected int, err error) {
	manifest, err := g.artifacts.LatestByType(ctx, nil, runID, domain.ArtifactTaskManifest)
	if err != nil {
		return 0, 0, err
	}
	if manifest == nil {
		return 0, 0, fmt.Errorf("run %s has no task manifest", runID)
	}
	var payload struct {
		Tasks []struct {
			TaskID string `json:"task_id"`
			Slot   int    `json:"slot"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(manifest.Payload, &payload); err != nil {
		return 0, 0, err
	}
	for _, task := range payload.Tasks {
		if task.TaskID == taskID {
			return task.Slot, len(payload.Tasks), nil
		}
	}
	return 0, 0, fmt.Errorf("task %s not in manifest for run %s", taskID, runID)
}

func (g *Gateway) verifyRenderJob(ctx context.Context, runID uuid.UUID, jobID string) error {
	manifest, err := g.artifacts.LatestByType(ctx, nil, runID, domain.ArtifactRenderManifest)
	if err != nil {
		return err
	}
	if manifest == nil {
		return fmt.Errorf("run %s has no render manifest", runID)
	}
	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(manifest.Payload, &payload); err != nil {
		return err
	}
	if payload.JobID != jobID {
		return fmt.Errorf("render job %s not in manifest for run %s", jobID, runID)
	}
	return nil
}

// enqueueResume puts exactly one resume job on the queue per (run, phase).
// Duplicate completions after the phase finished collapse on the key.
func (g *Gateway) enqueueResume(ctx context.Context, runID uuid.UUID, phase string, jobType domain.JobType) error {
	_, duplicate, err := g.enqueuer.EnqueueIgnoreDuplicate(ctx, nil, jobs.EnqueueRequest{
		Type:           jobType,
		RunID:          &runID,
		Payload:        map[string]any{"run_id": runID.String(), "phase": phase},
		IdempotencyKey: fmt.Sprintf("resume:%s:%s", runID, phase),
	})
	if err != nil {
		return err
	}
	if duplicate {
		g.log.Debug("Resume already enqueued", "run_id", runID, "phase", phase)
	} else {
		g.log.Info("Phase complete, resume enqueued", "run_id", runID, "phase", phase)
	}
	return nil
}
