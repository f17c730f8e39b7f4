package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/db"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/services"
)

type engineHarness struct {
	db          *gorm.DB
	runs        repos.RunRepo
	artifacts   repos.ArtifactRepo
	checkpoints repos.CheckpointRepo
	jobs        repos.JobRepo
	engine      *Engine
}

func newEngineHarness(t *testing.T, mutate func(*EngineDeps)) *engineHarness {
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

	deps := EngineDeps{
		DB:          gdb,
		Log:         log,
		Runs:        runRepo,
		Artifacts:   artifactRepo,
		Checkpoints: checkpointRepo,
		Completions: completionRepo,
		Enqueuer:    jobs.NewEnqueuer(jobRepo, log),
		Agent:       &services.FakeIdeaAgent{Slots: 2},
		Generator:   &services.FakeGenerationProvider{Sync: true},
		Renderer:    &services.FakeRenderProvider{Sync: true},
		Publisher:   &services.FakePublishProvider{},
		Media:       &services.PassthroughMediaStore{},
		Notifier:    services.NopNotifier{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &engineHarness{
		db:          gdb,
		runs:        runRepo,
		artifacts:   artifactRepo,
		checkpoints: checkpointRepo,
		jobs:        jobRepo,
		engine:      NewEngine(deps),
	}
}

func (h *engineHarness) createRun(t *testing.T) *domain.Run {
	t.Helper()
	brief, _ := json.Marshal(map[string]any{"topic": "sourdough"})
	run, err := h.runs.Create(context.Background(), nil, &domain.Run{
		WorkflowName: "short_video",
		Status:       domain.RunStatusIdeation,
		CurrentStep:  string(NodeIdeation),
		Brief:        brief,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}

func TestHappyPathThroughBothGates(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)
	run := h.createRun(t)

	res, err := h.engine.Start(ctx, run.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Suspended || res.Interrupt == nil {
		t.Fatalf("expected suspension at ideation gate, got %+v", res)
	}
	if res.Interrupt.ID != GateInterruptID(run.ID, GateIdeation) {
		t.Fatalf("interrupt id = %s", res.Interrupt.ID)
	}
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingIdeationApproval {
		t.Fatalf("status = %s", got.Status)
	}

	res, err = h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("resume ideation: %v", err)
	}
	if !res.Suspended || res.Interrupt.ID != GateInterruptID(run.ID, GatePublish) {
		t.Fatalf("expected publish gate, got %+v", res.Interrupt)
	}
	got, _ = h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingPublishApproval {
		t.Fatalf("status = %s", got.Status)
	}

	res, err = h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("resume publish: %v", err)
	}
	if res.Suspended || res.State.Node != NodeEnd {
		t.Fatalf("expected terminal, got %+v", res)
	}
	got, _ = h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}
	if res.State.PublishedURL == "" {
		t.Fatalf("published url missing")
	}

	// Artifact trail covers every stage.
	for _, want := range []string{
		domain.ArtifactIdeaDraft,
		domain.ArtifactTaskManifest,
		domain.ArtifactVideoClip,
		domain.ArtifactRenderManifest,
		domain.ArtifactRenderedVideo,
		domain.ArtifactPublishedURL,
	} {
		a, err := h.artifacts.LatestByType(ctx, nil, run.ID, want)
		if err != nil || a == nil {
			t.Fatalf("missing artifact %s (err=%v)", want, err)
		}
	}
}

func TestCheckpointTrailIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)
	run := h.createRun(t)

	res, _ := h.engine.Start(ctx, run.ID)
	res, _ = h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true})
	if _, err := h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true}); err != nil {
		t.Fatalf("resume publish: %v", err)
	}

	cps, err := h.checkpoints.ListByRun(ctx, nil, run.ID)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) < 8 {
		t.Fatalf("expected a checkpoint per node, got %d", len(cps))
	}
	prev := -1
	for _, cp := range cps {
		st, err := decodeState(cp.State)
		if err != nil {
			t.Fatalf("decode checkpoint: %v", err)
		}
		rank := StatusRank(st.RunStatus())
		if rank < prev {
			t.Fatalf("status went backwards: rank %d after %d at %s", rank, prev, cp.Step)
		}
		prev = rank
	}
}

func TestResumeWithStaleInterruptID(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)
	run := h.createRun(t)

	res, _ := h.engine.Start(ctx, run.ID)

	if _, err := h.engine.Resume(ctx, run.ID, "gate:bogus", nil); !errors.Is(err, domain.ErrStaleResume) {
		t.Fatalf("expected ErrStaleResume, got %v", err)
	}

	// A consumed interrupt cannot be resumed twice.
	first := res.Interrupt.ID
	if _, err := h.engine.Resume(ctx, run.ID, first, map[string]any{"approved": true}); err != nil {
		t.Fatalf("first resume: %v", err)
	}
	if _, err := h.engine.Resume(ctx, run.ID, first, map[string]any{"approved": true}); !errors.Is(err, domain.ErrStaleResume) {
		t.Fatalf("expected ErrStaleResume on replayed approval, got %v", err)
	}
}

func TestResumeWithOverrideEditsIdea(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)
	run := h.createRun(t)

	res, _ := h.engine.Start(ctx, run.ID)
	res, err := h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{
		"approved": true,
		"override": map[string]any{"title": "Better title"},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State.Idea.Title != "Better title" {
		t.Fatalf("title = %q", res.State.Idea.Title)
	}
}

func TestGateRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)
	run := h.createRun(t)

	res, _ := h.engine.Start(ctx, run.ID)
	res, err := h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{
		"approved": false,
		"reason":   "off brand",
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State.Node != NodeEnd {
		t.Fatalf("node = %s", res.State.Node)
	}
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if res.State.RejectReason != "off brand" {
		t.Fatalf("reason = %q", res.State.RejectReason)
	}
}

func TestAsyncGenerationSuspendsAndEnqueuesPoll(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, func(d *EngineDeps) {
		d.Generator = &services.FakeGenerationProvider{Sync: false}
	})
	run := h.createRun(t)

	res, _ := h.engine.Start(ctx, run.ID)
	res, err := h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Suspended || res.Interrupt.ID != CallbackInterruptID(run.ID, PhaseGeneration) {
		t.Fatalf("expected generation wait, got %+v", res)
	}
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingGeneration {
		t.Fatalf("status = %s", got.Status)
	}

	var count int64
	key := fmt.Sprintf("poll:%s:%s", run.ID, PhaseGeneration)
	if err := h.db.Model(&domain.Job{}).
		Where("job_type = ? AND idempotency_key = ?", string(domain.JobPollGeneration), key).
		Count(&count).Error; err != nil {
		t.Fatalf("count poll jobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("poll jobs = %d, want exactly 1", count)
	}
}

func TestAsyncPublishRetriesUntilComplete(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, func(d *EngineDeps) {
		d.Publisher = &services.FakePublishProvider{Async: true}
	})
	run := h.createRun(t)

	res, _ := h.engine.Start(ctx, run.ID)
	res, _ = h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true})
	res, err := h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("resume publish: %v", err)
	}
	if res.RetryAfter <= 0 || res.State.Node != NodePublishing {
		t.Fatalf("expected publish retry, got %+v", res)
	}
	if res.State.PublishPollURL == "" {
		t.Fatalf("poll url missing")
	}

	// Re-driving picks up from the publishing checkpoint; the fake poll
	// answers completed.
	res, err = h.engine.Start(ctx, run.ID)
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if res.State.Node != NodeEnd || res.State.PublishedURL == "" {
		t.Fatalf("expected published, got %+v", res.State)
	}
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusPublished {
		t.Fatalf("status = %s", got.Status)
	}
}

type failingAgent struct{}

func (failingAgent) Draft(context.Context, map[string]any) (*services.IdeaDraft, error) {
	return nil, errors.New("model unavailable")
}

func TestStageFailureIsTerminalWithDiagnostic(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, func(d *EngineDeps) {
		d.Agent = failingAgent{}
	})
	run := h.createRun(t)

	res, err := h.engine.Start(ctx, run.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.State.Node != NodeEnd || res.State.Failure == "" {
		t.Fatalf("expected failure, got %+v", res.State)
	}
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if !strings.Contains(got.Error, "model unavailable") {
		t.Fatalf("error = %q", got.Error)
	}
	if a, _ := h.artifacts.LatestByType(ctx, nil, run.ID, domain.ArtifactError); a == nil {
		t.Fatalf("error artifact missing")
	}
}

func TestForkFromCheckpointRestoresEarlierState(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, nil)
	run := h.createRun(t)

	res, _ := h.engine.Start(ctx, run.ID)
	res, _ = h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true})
	if _, err := h.engine.Resume(ctx, run.ID, res.Interrupt.ID, map[string]any{"approved": true}); err != nil {
		t.Fatalf("resume publish: %v", err)
	}

	cps, _ := h.checkpoints.ListByRun(ctx, nil, run.ID)
	var gateCP *domain.Checkpoint
	for _, cp := range cps {
		if cp.Step == string(NodePublishApproval) && len(cp.Interrupt) > 0 {
			gateCP = cp
			break
		}
	}
	if gateCP == nil {
		t.Fatalf("no publish approval checkpoint with interrupt found")
	}

	st, err := h.engine.ForkFromCheckpoint(ctx, run.ID, gateCP.ID)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if st.Node != NodePublishApproval {
		t.Fatalf("forked node = %s", st.Node)
	}
	interrupt, err := h.engine.PendingInterrupt(ctx, run.ID)
	if err != nil || interrupt == nil {
		t.Fatalf("expected restored interrupt, got %v %v", interrupt, err)
	}
	got, _ := h.runs.GetByID(ctx, nil, run.ID)
	if got.Status != domain.RunStatusAwaitingPublishApproval {
		t.Fatalf("status = %s", got.Status)
	}

	// Forks reject checkpoints belonging to other runs.
	other := h.createRun(t)
	if _, err := h.engine.ForkFromCheckpoint(ctx, other.ID, gateCP.ID); err == nil {
		t.Fatalf("cross-run fork must fail")
	}
}
