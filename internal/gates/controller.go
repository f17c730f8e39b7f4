package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/platform/apierr"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/workflow"
)

// Resume actions accepted by the operator resume endpoint. "auto" resolves
// the action from the pending interrupt; the repair actions rewind a failed
// run to its most recent wait checkpoint and re-drive it from stored output.
const (
	ActionAuto               = "auto"
	ActionAfterGeneration    = "after_generation"
	ActionAfterRender        = "after_render"
	ActionPublish            = "publish"
	ActionRepairGeneration   = "repair_generation"
	ActionRepairRender       = "repair_render"
	ActionForkFromCheckpoint = "fork_from_checkpoint"
)

type ResumeRequest struct {
	Action       string     `json:"action"`
	CheckpointID *uuid.UUID `json:"checkpoint_id,omitempty"`
	// RepairSlots restricts a generation repair to the named clip slots;
	// empty means every recorded slot.
	RepairSlots []int `json:"repair_slots,omitempty"`
	// Force bypasses the pending-interrupt check for explicit actions and is
	// required for anything that rewinds the run.
	Force bool `json:"force,omitempty"`
}

// Controller is the human entrypoint into paused and broken runs: gate
// decisions, operator resumes and checkpoint forks. All graph movement still
// goes through queue jobs so crash recovery covers these paths too.
type Controller struct {
	log         *logger.Logger
	runs        repos.RunRepo
	artifacts   repos.ArtifactRepo
	checkpoints repos.CheckpointRepo
	enqueuer    jobs.Enqueuer
	engine      *workflow.Engine

	// Permissive skips the paused-at-this-gate check on approve and reject.
	// Test and dev deployments set it so gates can be driven out of order;
	// never enable it in production.
	Permissive bool
}

func NewController(
	log *logger.Logger,
	runs repos.RunRepo,
	artifacts repos.ArtifactRepo,
	checkpoints repos.CheckpointRepo,
	enqueuer jobs.Enqueuer,
	engine *workflow.Engine,
) *Controller {
	return &Controller{
		log:         log.With("component", "GateController"),
		runs:        runs,
		artifacts:   artifacts,
		checkpoints: checkpoints,
		enqueuer:    enqueuer,
		engine:      engine,
	}
}

// Approve resolves the pending gate in favor of continuing. An optional
// override replaces idea fields before production and is recorded as an
// artifact so the edit survives in run history. The decision itself is a
// queued resume job, so an accepted approval survives a crash.
func (c *Controller) Approve(ctx context.Context, runID uuid.UUID, gate string, override map[string]any) error {
	interruptID, err := c.requireGate(ctx, runID, gate)
	if err != nil {
		return err
	}
	if len(override) > 0 {
		raw, mErr := json.Marshal(map[string]any{"gate": gate, "override": override})
		if mErr == nil {
			_, aErr := c.artifacts.Append(ctx, nil, &domain.Artifact{
				RunID:   runID,
				Type:    domain.ArtifactContentOverride,
				Payload: datatypes.JSON(raw),
			})
			if aErr != nil {
				c.log.Warn("Override artifact append failed", "run_id", runID, "error", aErr)
			}
		}
	}
	payload := map[string]any{
		"run_id":       runID.String(),
		"interrupt_id": interruptID,
		"approved":     true,
	}
	if len(override) > 0 {
		payload["override"] = override
	}
	_, _, err = c.enqueuer.EnqueueIgnoreDuplicate(ctx, nil, jobs.EnqueueRequest{
		Type:           domain.JobResumeGate,
		RunID:          &runID,
		Payload:        payload,
		IdempotencyKey: "gate_resume:" + interruptID,
	})
	return err
}

// Reject terminates the run at the gate. Synchronous: rejection never needs
// provider work, and the caller wants the terminal status in the response.
func (c *Controller) Reject(ctx context.Context, runID uuid.UUID, gate, reason string) error {
	if _, err := c.requireGate(ctx, runID, gate); err != nil {
		return err
	}
	return c.engine.RejectGate(ctx, runID, gate, reason)
}

// Resume is the operator recovery surface for stuck and failed runs.
func (c *Controller) Resume(ctx context.Context, runID uuid.UUID, req ResumeRequest) (string, error) {
	if req.Action == "" {
		req.Action = ActionAuto
	}
	switch req.Action {
	case ActionAuto:
		return c.resumeAuto(ctx, runID)
	case ActionAfterGeneration:
		return req.Action, c.resumePhase(ctx, runID, workflow.PhaseGeneration, domain.JobResumeAfterGeneration, req.Force, nil)
	case ActionAfterRender:
		return req.Action, c.resumePhase(ctx, runID, workflow.PhaseRender, domain.JobResumeAfterRender, req.Force, nil)
	case ActionPublish:
		return req.Action, c.redrive(ctx, runID, "publish retry")
	case ActionRepairGeneration:
		return req.Action, c.repair(ctx, runID, workflow.NodeWaitForGeneration, workflow.PhaseGeneration, domain.JobResumeAfterGeneration, req.Force, req.RepairSlots)
	case ActionRepairRender:
		return req.Action, c.repair(ctx, runID, workflow.NodeWaitForRender, workflow.PhaseRender, domain.JobResumeAfterRender, req.Force, nil)
	case ActionForkFromCheckpoint:
		if req.CheckpointID == nil {
			return "", apierr.New(http.StatusBadRequest, "validation_error", fmt.Errorf("fork_from_checkpoint requires checkpoint_id"))
		}
		if !req.Force {
			return "", apierr.New(http.StatusBadRequest, "validation_error", fmt.Errorf("fork_from_checkpoint requires force"))
		}
		if _, err := c.engine.ForkFromCheckpoint(ctx, runID, *req.CheckpointID); err != nil {
			return "", err
		}
		return req.Action, c.redrive(ctx, runID, "fork")
	}
	return "", apierr.New(http.StatusBadRequest, "validation_error", fmt.Errorf("unknown resume action %q", req.Action))
}

// resumeAuto picks the resume from whatever interrupt is pending. Gates are
// excluded on purpose; skipping an approval is an approve call, not a resume.
func (c *Controller) resumeAuto(ctx context.Context, runID uuid.UUID) (string, error) {
	interrupt, err := c.engine.PendingInterrupt(ctx, runID)
	if err != nil {
		return "", err
	}
	if interrupt == nil {
		return "", fmt.Errorf("run %s has no pending interrupt", runID)
	}
	switch {
	case interrupt.ID == workflow.CallbackInterruptID(runID, workflow.PhaseGeneration):
		return ActionAfterGeneration, c.resumePhase(ctx, runID, workflow.PhaseGeneration, domain.JobResumeAfterGeneration, true, nil)
	case interrupt.ID == workflow.CallbackInterruptID(runID, workflow.PhaseRender):
		return ActionAfterRender, c.resumePhase(ctx, runID, workflow.PhaseRender, domain.JobResumeAfterRender, true, nil)
	case strings.HasPrefix(interrupt.ID, "gate:"):
		return "", fmt.Errorf("run %s is paused at a gate; use approve or reject", runID)
	}
	return "", fmt.Errorf("no auto resume for interrupt %s", interrupt.ID)
}

func (c *Controller) resumePhase(ctx context.Context, runID uuid.UUID, phase string, jobType domain.JobType, force bool, repairSlots []int) error {
	if !force {
		interrupt, err := c.engine.PendingInterrupt(ctx, runID)
		if err != nil {
			return err
		}
		want := workflow.CallbackInterruptID(runID, phase)
		if interrupt == nil || interrupt.ID != want {
			return domain.ErrStaleResume
		}
	}
	payload := map[string]any{"run_id": runID.String(), "phase": phase, "operator": true}
	if len(repairSlots) > 0 {
		payload["repair_slots"] = repairSlots
	}
	// Operator resumes get a timestamped key: the webhook-path key may have
	// been consumed already and this must still enqueue.
	_, _, err := c.enqueuer.EnqueueIgnoreDuplicate(ctx, nil, jobs.EnqueueRequest{
		Type:           jobType,
		RunID:          &runID,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("resume:%s:%s:op%d", runID, phase, time.Now().Unix()),
	})
	return err
}

// repair rewinds a failed run to its most recent wait checkpoint for the
// phase and resumes it from stored artifacts instead of re-invoking the
// provider.
func (c *Controller) repair(ctx context.Context, runID uuid.UUID, node workflow.Node, phase string, jobType domain.JobType, force bool, repairSlots []int) error {
	run, err := c.runs.GetByID(ctx, nil, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunStatusFailed && !force {
		return fmt.Errorf("run %s is %s, repair needs a failed run or force", runID, run.Status)
	}
	cps, err := c.checkpoints.ListByRun(ctx, nil, runID)
	if err != nil {
		return err
	}
	var target *domain.Checkpoint
	for _, cp := range cps {
		if cp.Step == string(node) {
			target = cp
		}
	}
	if target == nil {
		return fmt.Errorf("run %s never reached %s", runID, node)
	}
	if _, err := c.engine.ForkFromCheckpoint(ctx, runID, target.ID); err != nil {
		return err
	}
	return c.resumePhase(ctx, runID, phase, jobType, true, repairSlots)
}

// redrive re-enters the advance loop from the latest checkpoint.
func (c *Controller) redrive(ctx context.Context, runID uuid.UUID, reason string) error {
	_, _, err := c.enqueuer.EnqueueIgnoreDuplicate(ctx, nil, jobs.EnqueueRequest{
		Type:           domain.JobRunStart,
		RunID:          &runID,
		Payload:        map[string]any{"run_id": runID.String(), "reason": reason},
		IdempotencyKey: fmt.Sprintf("drive:%s:%d", runID, time.Now().Unix()),
	})
	return err
}

// requireGate validates that the run is currently paused at the named gate
// and returns the interrupt id to resume. Permissive mode still rejects an
// unknown gate name but accepts a decision for a gate that is not pending.
func (c *Controller) requireGate(ctx context.Context, runID uuid.UUID, gate string) (string, error) {
	if gate != workflow.GateIdeation && gate != workflow.GatePublish {
		return "", apierr.New(http.StatusBadRequest, "validation_error", fmt.Errorf("unknown gate %q", gate))
	}
	want := workflow.GateInterruptID(runID, gate)
	if c.Permissive {
		return want, nil
	}
	interrupt, err := c.engine.PendingInterrupt(ctx, runID)
	if err != nil {
		return "", err
	}
	if interrupt == nil || interrupt.ID != want {
		return "", domain.ErrGateStateMismatch
	}
	return want, nil
}
