package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/db"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs/runtime"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	gdb, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

// stubHandler returns canned results in order, then repeats the last one.
type stubHandler struct {
	jobType domain.JobType
	results []runtime.Result
	calls   int
}

func (h *stubHandler) Type() domain.JobType { return h.jobType }

func (h *stubHandler) Run(jc *runtime.Context) runtime.Result {
	i := h.calls
	if i >= len(h.results) {
		i = len(h.results) - 1
	}
	h.calls++
	return h.results[i]
}

type workerHarness struct {
	db          *gorm.DB
	worker      *Worker
	jobs        repos.JobRepo
	deadLetters repos.DeadLetterRepo
	registry    *Registry
}

func newWorkerHarness(t *testing.T, handlers ...Handler) *workerHarness {
	t.Helper()
	gdb := newTestDB(t)
	log := newTestLogger(t)
	jobRepo := repos.NewJobRepo(gdb, log)
	dlRepo := repos.NewDeadLetterRepo(gdb, log)
	registry := NewRegistry()
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return &workerHarness{
		db:          gdb,
		worker:      NewWorker(gdb, log, jobRepo, dlRepo, registry, DefaultWorkerConfig("test-worker")),
		jobs:        jobRepo,
		deadLetters: dlRepo,
		registry:    registry,
	}
}

// makeEligible pulls a retried job forward past its backoff so the next claim
// sees it without waiting out the clock.
func (h *workerHarness) makeEligible(t *testing.T, id uuid.UUID) {
	t.Helper()
	err := h.db.Model(&domain.Job{}).
		Where("id = ?", id).
		Update("available_at", time.Now().UTC().Add(-time.Minute)).Error
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

// claimAndExecute drives one job through the same path Start uses.
func (h *workerHarness) claimAndExecute(t *testing.T) *domain.Job {
	t.Helper()
	job, err := h.jobs.ClaimNext(context.Background(), nil, h.worker.cfg.ID, h.worker.cfg.Lease)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatalf("no job eligible")
	}
	h.worker.execute(context.Background(), job)
	return job
}

func enqueue(t *testing.T, h *workerHarness, jobType string, maxAttempts int) *domain.Job {
	t.Helper()
	job, err := h.jobs.Enqueue(context.Background(), nil, &domain.Job{JobType: jobType, MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestWorkerDoneMarksSucceeded(t *testing.T) {
	h := newWorkerHarness(t, &stubHandler{jobType: domain.JobRunStart, results: []runtime.Result{runtime.Done()}})
	job := enqueue(t, h, string(domain.JobRunStart), 3)
	h.claimAndExecute(t)

	got, _ := h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
}

func TestWorkerRetriesThenDeadLetters(t *testing.T) {
	h := newWorkerHarness(t, &stubHandler{jobType: domain.JobRunStart, results: []runtime.Result{runtime.Failed(errors.New("boom"))}})
	job := enqueue(t, h, string(domain.JobRunStart), 2)

	h.claimAndExecute(t)
	got, _ := h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusPending || got.Attempts != 1 {
		t.Fatalf("after first failure: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if dl, _ := h.deadLetters.GetByJobID(context.Background(), nil, job.ID); dl != nil {
		t.Fatalf("no dead letter until the budget is exhausted")
	}

	h.makeEligible(t, job.ID)
	h.claimAndExecute(t)
	got, _ = h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("after final failure: status=%s", got.Status)
	}
	dl, err := h.deadLetters.GetByJobID(context.Background(), nil, job.ID)
	if err != nil || dl == nil {
		t.Fatalf("expected dead letter, got %v %v", dl, err)
	}
	if dl.Attempts != 2 {
		t.Fatalf("dead letter attempts = %d, want 2", dl.Attempts)
	}
	if dl.Error != "boom" {
		t.Fatalf("dead letter error = %q", dl.Error)
	}
}

func TestWorkerFatalSkipsRetries(t *testing.T) {
	h := newWorkerHarness(t, &stubHandler{jobType: domain.JobRunStart, results: []runtime.Result{runtime.Fatal(errors.New("bad payload"))}})
	job := enqueue(t, h, string(domain.JobRunStart), 5)
	h.claimAndExecute(t)

	got, _ := h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	dl, _ := h.deadLetters.GetByJobID(context.Background(), nil, job.ID)
	if dl == nil {
		t.Fatalf("fatal outcome must dead-letter")
	}
}

func TestWorkerRescheduleKeepsBudget(t *testing.T) {
	h := newWorkerHarness(t, &stubHandler{jobType: domain.JobPollRender, results: []runtime.Result{
		runtime.RescheduleAfter(0, "not ready"),
		runtime.Done(),
	}})
	job := enqueue(t, h, string(domain.JobPollRender), 1)

	h.claimAndExecute(t)
	got, _ := h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusPending || got.Attempts != 0 {
		t.Fatalf("after reschedule: status=%s attempts=%d", got.Status, got.Attempts)
	}

	h.claimAndExecute(t)
	got, _ = h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
}

func TestWorkerUnknownTypeIsFatal(t *testing.T) {
	h := newWorkerHarness(t) // nothing registered
	job := enqueue(t, h, "event.unheard_of", 5)
	h.claimAndExecute(t)

	got, _ := h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	dl, _ := h.deadLetters.GetByJobID(context.Background(), nil, job.ID)
	if dl == nil {
		t.Fatalf("unknown type must dead-letter")
	}
	if !strings.Contains(dl.Error, "unknown job type") {
		t.Fatalf("dead letter error = %q", dl.Error)
	}
}

func TestWorkerPanicIsRetried(t *testing.T) {
	panicking := &panicHandler{}
	h := newWorkerHarness(t, panicking)
	job := enqueue(t, h, string(domain.JobRunStart), 3)
	h.claimAndExecute(t)

	got, _ := h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusPending || got.Attempts != 1 {
		t.Fatalf("after panic: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if !strings.Contains(got.LastError, "panic") {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

type panicHandler struct{}

func (panicHandler) Type() domain.JobType          { return domain.JobRunStart }
func (panicHandler) Run(*runtime.Context) runtime.Result { panic("kaboom") }

func TestReplayedJobResolvesDeadLetter(t *testing.T) {
	stub := &stubHandler{jobType: domain.JobRunStart, results: []runtime.Result{
		runtime.Failed(errors.New("transient")),
		runtime.Done(),
	}}
	h := newWorkerHarness(t, stub)
	job := enqueue(t, h, string(domain.JobRunStart), 1)

	h.claimAndExecute(t)
	dl, _ := h.deadLetters.GetByJobID(context.Background(), nil, job.ID)
	if dl == nil || dl.ResolvedAt != nil {
		t.Fatalf("expected open dead letter, got %+v", dl)
	}

	svc := NewDeadLetterService(h.deadLetters, h.jobs, newTestLogger(t))
	if _, err := svc.Replay(context.Background(), nil, dl.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	h.claimAndExecute(t)

	dl, _ = h.deadLetters.GetByJobID(context.Background(), nil, job.ID)
	if dl.ResolvedAt == nil {
		t.Fatalf("dead letter should resolve when the replayed job succeeds")
	}
	got, _ := h.jobs.GetByID(context.Background(), nil, job.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}

	// A second replay of a resolved entry is refused.
	if _, err := svc.Replay(context.Background(), nil, dl.ID); err == nil {
		t.Fatalf("replaying a resolved dead letter should fail")
	}
}
