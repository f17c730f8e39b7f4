package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/gates"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/workflow"
)

type RunsHandler struct {
	log         *logger.Logger
	runs        repos.RunRepo
	artifacts   repos.ArtifactRepo
	checkpoints repos.CheckpointRepo
	enqueuer    jobs.Enqueuer
	controller  *gates.Controller
	engine      *workflow.Engine
}

func NewRunsHandler(
	log *logger.Logger,
	runs repos.RunRepo,
	artifacts repos.ArtifactRepo,
	checkpoints repos.CheckpointRepo,
	enqueuer jobs.Enqueuer,
	controller *gates.Controller,
	engine *workflow.Engine,
) *RunsHandler {
	return &RunsHandler{
		log:         log.With("handler", "RunsHandler"),
		runs:        runs,
		artifacts:   artifacts,
		checkpoints: checkpoints,
		enqueuer:    enqueuer,
		controller:  controller,
		engine:      engine,
	}
}

// POST /api/runs
// { workflow_name?, brief, user_id?, channel_id? }
func (h *RunsHandler) CreateRun(c *gin.Context) {
	var body struct {
		WorkflowName string         `json:"workflow_name"`
		Brief        map[string]any `json:"brief"`
		UserID       string         `json:"user_id"`
		ChannelID    string         `json:"channel_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if body.WorkflowName == "" {
		body.WorkflowName = "short_video"
	}
	briefRaw, err := json.Marshal(body.Brief)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_brief", err)
		return
	}

	run, err := h.runs.Create(c.Request.Context(), nil, &domain.Run{
		WorkflowName: body.WorkflowName,
		Status:       domain.RunStatusIdeation,
		CurrentStep:  string(workflow.NodeIdeation),
		Brief:        datatypes.JSON(briefRaw),
		UserID:       body.UserID,
		ChannelID:    body.ChannelID,
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "create_run_failed", err)
		return
	}

	// The run row exists before its driver job so a crash between the two
	// leaves a visible run that a redrive can pick up.
	_, _, err = h.enqueuer.EnqueueIgnoreDuplicate(c.Request.Context(), nil, jobs.EnqueueRequest{
		Type:           domain.JobRunStart,
		RunID:          &run.ID,
		Payload:        map[string]any{"run_id": run.ID.String()},
		IdempotencyKey: fmt.Sprintf("start:%s", run.ID),
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "enqueue_start_failed", err)
		return
	}

	RespondOK(c, gin.H{"run": run})
}

// GET /api/runs
func (h *RunsHandler) ListRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	runs, err := h.runs.List(c.Request.Context(), nil, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_runs_failed", err)
		return
	}
	RespondOK(c, gin.H{"runs": runs})
}

// GET /api/runs/:id
func (h *RunsHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	run, err := h.runs.GetByID(c.Request.Context(), nil, runID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	interrupt, err := h.engine.PendingInterrupt(c.Request.Context(), runID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "load_interrupt_failed", err)
		return
	}
	RespondOK(c, gin.H{"run": run, "interrupt": interrupt})
}

// GET /api/runs/:id/artifacts
func (h *RunsHandler) ListArtifacts(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	artifacts, err := h.artifacts.ListByRun(c.Request.Context(), nil, runID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_artifacts_failed", err)
		return
	}
	RespondOK(c, gin.H{"artifacts": artifacts})
}

// GET /api/runs/:id/checkpoints
func (h *RunsHandler) ListCheckpoints(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	cps, err := h.checkpoints.ListByRun(c.Request.Context(), nil, runID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_checkpoints_failed", err)
		return
	}
	RespondOK(c, gin.H{"checkpoints": cps})
}

// POST /api/runs/:id/approve
// { gate, override? }
func (h *RunsHandler) Approve(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	var body struct {
		Gate     string         `json:"gate"`
		Override map[string]any `json:"override"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.controller.Approve(c.Request.Context(), runID, body.Gate, body.Override); err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"approved": true, "gate": body.Gate})
}

// POST /api/runs/:id/reject
// { gate, reason? }
func (h *RunsHandler) Reject(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	var body struct {
		Gate   string `json:"gate"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if err := h.controller.Reject(c.Request.Context(), runID, body.Gate, body.Reason); err != nil {
		RespondDomainError(c, err)
		return
	}
	run, err := h.runs.GetByID(c.Request.Context(), nil, runID)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"rejected": true, "run": run})
}

// POST /api/runs/:id/resume
// { action?, checkpoint_id?, force? }
func (h *RunsHandler) Resume(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	var req gates.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	action, err := h.controller.Resume(c.Request.Context(), runID, req)
	if err != nil {
		RespondDomainError(c, err)
		return
	}
	RespondOK(c, gin.H{"resumed": true, "action": action})
}
