package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/db"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/jobs/runtime"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/services"
	"github.com/reelforge/reelforge-backend/internal/webhooks"
	"github.com/reelforge/reelforge-backend/internal/workflow"
)

type pipelineHarness struct {
	db          *gorm.DB
	log         *logger.Logger
	runs        repos.RunRepo
	jobs        repos.JobRepo
	checkpoints repos.CheckpointRepo
	enqueuer    jobs.Enqueuer
	engine      *workflow.Engine
	gateway     *webhooks.Gateway
	registry    *jobs.Registry
}

func newPipelineHarness(t *testing.T, mutate func(*workflow.EngineDeps)) *pipelineHarness {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	gdb, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := gdb.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	runRepo := repos.NewRunRepo(gdb, log)
	artifactRepo := repos.NewArtifactRepo(gdb, log)
	checkpointRepo := repos.NewCheckpointRepo(gdb, log)
	completionRepo := repos.NewCompletionRepo(gdb, log)
	jobRepo := repos.NewJobRepo(gdb, log)
	enqueuer := jobs.NewEnqueuer(jobRepo, log)
	media := &services.PassthroughMediaStore{}

	deps := workflow.EngineDeps{
		DB:          gdb,
		Log:         log,
		Runs:        runRepo,
		Artifacts:   artifactRepo,
		Checkpoints: checkpointRepo,
		Completions: completionRepo,
		Enqueuer:    enqueuer,
		Agent:       &services.FakeIdeaAgent{Slots: 2},
		Generator:   &services.FakeGenerationProvider{Sync: true},
		Renderer:    &services.FakeRenderProvider{Sync: true},
		Publisher:   &services.FakePublishProvider{},
		Media:       media,
		Notifier:    services.NopNotifier{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	engine := workflow.NewEngine(deps)
	gateway := webhooks.NewGateway(gdb, log, runRepo, artifactRepo, completionRepo, enqueuer, media, engine)

	registry := jobs.NewRegistry()
	if err := Register(registry, Deps{
		Engine:    engine,
		Gateway:   gateway,
		Generator: deps.Generator,
		Renderer:  deps.Renderer,
		PollDelay: time.Second,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	return &pipelineHarness{
		db:          gdb,
		log:         log,
		runs:        runRepo,
		jobs:        jobRepo,
		checkpoints: checkpointRepo,
		enqueuer:    enqueuer,
		engine:      engine,
		gateway:     gateway,
		registry:    registry,
	}
}

func (h *pipelineHarness) createRun(t *testing.T) *domain.Run {
	t.Helper()
	ctx := context.Background()
	brief, _ := json.Marshal(map[string]any{"topic": "cold brew"})
	run, err := h.runs.Create(ctx, nil, &domain.Run{
		WorkflowName: "short_video",
		Status:       domain.RunStatusIdeation,
		CurrentStep:  "ideation",
		Brief:        brief,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if _, err := h.enqueuer.Enqueue(ctx, nil, jobs.EnqueueRequest{
		Type:           domain.JobRunStart,
		RunID:          &run.ID,
		IdempotencyKey: "start:" + run.ID.String(),
	}); err != nil {
		t.Fatalf("enqueue start: %v", err)
	}
	return run
}

// drain claims and executes jobs until the queue is empty, routing results the
// way the worker does. Rescheduled jobs are backdated so the drain is not
// wall-clock bound.
func (h *pipelineHarness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		job, err := h.jobs.ClaimNext(ctx, nil, "pipeline-test", time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if job == nil {
			// Poll jobs are enqueued with a delay; pull them forward instead
			// of waiting out the clock.
			res := h.db.Model(&domain.Job{}).
				Where("status = ?", domain.JobStatusPending).
				Update("available_at", time.Now().UTC().Add(-time.Minute))
			if res.Error != nil {
				t.Fatalf("backdate: %v", res.Error)
			}
			if res.RowsAffected == 0 {
				return
			}
			continue
		}
		res := h.runJob(t, job)
		switch res.Kind {
		case runtime.KindDone:
			if err := h.jobs.MarkSucceeded(ctx, nil, job.ID); err != nil {
				t.Fatalf("mark succeeded: %v", err)
			}
		case runtime.KindReschedule:
			if err := h.jobs.Reschedule(ctx, nil, job.ID, 0, res.Reason); err != nil {
				t.Fatalf("reschedule: %v", err)
			}
		default:
			t.Fatalf("job %s (%s) returned kind=%d err=%v", job.ID, job.JobType, res.Kind, res.Err)
		}
	}
	t.Fatalf("queue did not drain")
}

func (h *pipelineHarness) runJob(t *testing.T, job *domain.Job) runtime.Result {
	t.Helper()
	handler, ok := h.registry.Get(domain.JobType(job.JobType))
	if !ok {
		t.Fatalf("no handler for %s", job.JobType)
	}
	return handler.Run(runtime.NewContext(context.Background(), h.db, job, h.log))
}

func (h *pipelineHarness) approveGate(t *testing.T, run *domain.Run, gate string) {
	t.Helper()
	interruptID := workflow.GateInterruptID(run.ID, gate)
	if _, err := h.enqueuer.Enqueue(context.Background(), nil, jobs.EnqueueRequest{
		Type:  domain.JobResumeGate,
		RunID: &run.ID,
		Payload: map[string]any{
			"interrupt_id": interruptID,
			"approved":     true,
		},
		IdempotencyKey: "gate_resume:" + interruptID,
	}); err != nil {
		t.Fatalf("enqueue gate resume: %v", err)
	}
}

func TestQueueDrivesRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, func(d *workflow.EngineDeps) {
		d.Generator = &services.FakeGenerationProvider{Sync: false}
		d.Renderer = &services.FakeRenderProvider{Sync: false}
	})
	run := h.createRun(t)

	// run.start suspends at the ideation gate.
	h.drain(t)
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingIdeationApproval {
		t.Fatalf("status = %s, want awaiting_ideation_approval", got.Status)
	}

	// Approving the gate walks production, both async waits (resolved through
	// the poll fallback since no webhook arrives) and lands on the publish gate.
	h.approveGate(t, run, workflow.GateIdeation)
	h.drain(t)
	got, _ = h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingPublishApproval {
		t.Fatalf("status = %s, want awaiting_publish_approval", got.Status)
	}

	h.approveGate(t, run, workflow.GatePublish)
	h.drain(t)
	got, _ = h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}

	// Nothing pending or failed is left behind.
	var stuck int64
	if err := h.db.Model(&domain.Job{}).
		Where("status <> ?", domain.JobStatusSucceeded).
		Count(&stuck).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if stuck != 0 {
		t.Fatalf("%d jobs left unfinished", stuck)
	}
}

func TestStaleGateResumeDoesNotDoubleAdvance(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, nil)
	run := h.createRun(t)
	h.drain(t)

	// Decide the gate directly, then run a resume job that raced the decision.
	if _, err := h.engine.Resume(ctx, run.ID, workflow.GateInterruptID(run.ID, workflow.GateIdeation), map[string]any{"approved": true}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	job, err := h.enqueuer.Enqueue(ctx, nil, jobs.EnqueueRequest{
		Type:  domain.JobResumeGate,
		RunID: &run.ID,
		Payload: map[string]any{
			"interrupt_id": workflow.GateInterruptID(run.ID, workflow.GateIdeation),
			"approved":     true,
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res := h.runJob(t, job); res.Kind != runtime.KindDone {
		t.Fatalf("stale gate resume kind = %d, want done", res.Kind)
	}
	// The raced resume re-drives but cannot act on the consumed gate; the run
	// stays parked where the first decision left it.
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingPublishApproval {
		t.Fatalf("status = %s, want awaiting_publish_approval", got.Status)
	}
}

func TestConsumedInterruptStillDrivesRunForward(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, func(d *workflow.EngineDeps) {
		d.Generator = &services.FakeGenerationProvider{Sync: false}
	})
	run := h.createRun(t)
	h.drain(t)
	if _, err := h.engine.Resume(ctx, run.ID, workflow.GateInterruptID(run.ID, workflow.GateIdeation), map[string]any{"approved": true}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingGeneration {
		t.Fatalf("status = %s, want awaiting_generation", got.Status)
	}

	// Both clips land through the gateway, which enqueues the resume job.
	for slot := 0; slot < 2; slot++ {
		err := h.gateway.HandleGenerationEvent(ctx, webhooks.Delivery{
			RunID:  run.ID,
			TaskID: fmt.Sprintf("gen-%s-%d", run.ID, slot),
			Status: services.TaskStateCompleted,
			URL:    fmt.Sprintf("fake://clips/%d.mp4", slot),
		})
		if err != nil {
			t.Fatalf("deliver clip %d: %v", slot, err)
		}
	}

	// A crash after the resume transaction committed leaves a checkpoint with
	// the clips applied and the interrupt cleared, but no advance. Reproduce
	// that head state directly.
	st, _, err := h.engine.Snapshot(ctx, run.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	st.Clips = []workflow.ClipRef{
		{Slot: 0, TaskID: fmt.Sprintf("gen-%s-0", run.ID), URL: "fake://clips/0.mp4"},
		{Slot: 1, TaskID: fmt.Sprintf("gen-%s-1", run.ID), URL: "fake://clips/1.mp4"},
	}
	stateRaw, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	if _, err := h.checkpoints.Append(ctx, nil, &domain.Checkpoint{
		RunID: run.ID,
		Step:  string(st.Node),
		State: datatypes.JSON(stateRaw),
	}); err != nil {
		t.Fatalf("append checkpoint: %v", err)
	}

	// The still-pending resume job now observes a consumed interrupt. It must
	// re-drive the run from the checkpoint rather than strand it.
	h.drain(t)
	got, _ = h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingPublishApproval {
		t.Fatalf("status = %s, want awaiting_publish_approval", got.Status)
	}
}

func TestGateResumeWithoutInterruptIDIsFatal(t *testing.T) {
	h := newPipelineHarness(t, nil)
	run := h.createRun(t)
	h.drain(t)

	job, err := h.enqueuer.Enqueue(context.Background(), nil, jobs.EnqueueRequest{
		Type:  domain.JobResumeGate,
		RunID: &run.ID,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res := h.runJob(t, job); res.Kind != runtime.KindFatal {
		t.Fatalf("kind = %d, want fatal", res.Kind)
	}
}

func TestEventJobFailsRunOnFailedDelivery(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, func(d *workflow.EngineDeps) {
		d.Generator = &services.FakeGenerationProvider{Sync: false}
	})
	run := h.createRun(t)
	h.drain(t)
	if _, err := h.engine.Resume(ctx, run.ID, workflow.GateInterruptID(run.ID, workflow.GateIdeation), map[string]any{"approved": true}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	job, err := h.enqueuer.Enqueue(ctx, nil, jobs.EnqueueRequest{
		Type:  domain.JobEventGenerationComplete,
		RunID: &run.ID,
		Payload: map[string]any{
			"task_id": fmt.Sprintf("gen-%s-0", run.ID),
			"status":  services.TaskStateFailed,
			"error":   "safety rejection",
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res := h.runJob(t, job); res.Kind != runtime.KindDone {
		t.Fatalf("kind = %d err = %v", res.Kind, res.Err)
	}
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "safety rejection") {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestEventJobWithoutTaskIDIsFatal(t *testing.T) {
	h := newPipelineHarness(t, nil)
	run := h.createRun(t)
	h.drain(t)

	job, err := h.enqueuer.Enqueue(context.Background(), nil, jobs.EnqueueRequest{
		Type:    domain.JobEventRenderComplete,
		RunID:   &run.ID,
		Payload: map[string]any{"status": services.TaskStateCompleted},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res := h.runJob(t, job); res.Kind != runtime.KindFatal {
		t.Fatalf("kind = %d, want fatal", res.Kind)
	}
}

func TestPollJobStopsWhenWaitIsOver(t *testing.T) {
	ctx := context.Background()
	h := newPipelineHarness(t, nil)
	run := h.createRun(t)
	h.drain(t)

	// The run sits at the ideation gate; a generation poll has nothing to do.
	job, err := h.enqueuer.Enqueue(ctx, nil, jobs.EnqueueRequest{
		Type:  domain.JobPollGeneration,
		RunID: &run.ID,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res := h.runJob(t, job); res.Kind != runtime.KindDone {
		t.Fatalf("poll outside the wait: kind = %d, want done", res.Kind)
	}
}

func TestRegisterCoversEveryJobType(t *testing.T) {
	h := newPipelineHarness(t, nil)
	for _, jt := range domain.AllJobTypes {
		if _, ok := h.registry.Get(jt); !ok {
			t.Fatalf("no handler for %s", jt)
		}
	}
}
