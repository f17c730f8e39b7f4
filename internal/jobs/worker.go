package jobs

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/jobs/runtime"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

type WorkerConfig struct {
	ID                string
	Concurrency       int64
	PollInterval      time.Duration
	Lease             time.Duration
	HeartbeatInterval time.Duration
	RetryBackoff      time.Duration
}

func DefaultWorkerConfig(id string) WorkerConfig {
	return WorkerConfig{
		ID:                id,
		Concurrency:       4,
		PollInterval:      1 * time.Second,
		Lease:             60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		RetryBackoff:      30 * time.Second,
	}
}

// Worker claims jobs, runs handlers under a lease heartbeat, and routes
// outcomes back into the store. Multiple workers cooperate purely through the
// database; there is no in-memory coordination between processes.
type Worker struct {
	db          *gorm.DB
	log         *logger.Logger
	jobs        repos.JobRepo
	deadLetters repos.DeadLetterRepo
	registry    *Registry
	cfg         WorkerConfig
	sem         *semaphore.Weighted
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, jobs repos.JobRepo, deadLetters repos.DeadLetterRepo, registry *Registry, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.Lease {
		cfg.HeartbeatInterval = cfg.Lease / 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	return &Worker{
		db:          db,
		log:         baseLog.With("component", "JobWorker", "worker_id", cfg.ID),
		jobs:        jobs,
		deadLetters: deadLetters,
		registry:    registry,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(cfg.Concurrency),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			job, err := w.jobs.ClaimNext(ctx, nil, w.cfg.ID, w.cfg.Lease)
			if err != nil {
				w.sem.Release(1)
				w.log.Warn("ClaimNext failed", "error", err)
				w.sleep(ctx, w.cfg.PollInterval)
				continue
			}
			if job == nil {
				w.sem.Release(1)
				w.sleep(ctx, w.cfg.PollInterval)
				continue
			}
			go func(job *domain.Job) {
				defer w.sem.Release(1)
				w.execute(ctx, job)
			}(job)
		}
	}()
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) {
	log := w.log.With("job_id", job.ID, "job_type", job.JobType)

	h, ok := w.registry.Get(domain.JobType(job.JobType))
	if !ok {
		// Wiring defect. Fail terminally; retrying cannot fix configuration.
		log.Error("No handler registered for job_type")
		err := fmt.Errorf("%w: %s", domain.ErrUnknownJobType, job.JobType)
		if fErr := w.jobs.MarkFailedFatal(ctx, nil, job.ID, err.Error()); fErr != nil {
			log.Error("MarkFailedFatal failed", "error", fErr)
			return
		}
		w.writeDeadLetter(ctx, job, err.Error(), job.Attempts)
		return
	}

	// The handler context is canceled if the heartbeat discovers the lease is
	// gone, so a reclaimed job stops doing work on the old worker.
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-handlerCtx.Done():
				return
			case <-ticker.C:
				if err := w.jobs.TouchLease(handlerCtx, nil, job.ID, w.cfg.ID, w.cfg.Lease); err != nil {
					if handlerCtx.Err() == nil {
						log.Warn("Lease heartbeat failed", "error", err)
					}
					cancel()
					return
				}
			}
		}
	}()

	result := w.runHandler(handlerCtx, h, job, log)
	cancel()
	<-hbDone

	switch result.Kind {
	case runtime.KindDone:
		if err := w.jobs.MarkSucceeded(ctx, nil, job.ID); err != nil {
			log.Error("MarkSucceeded failed", "error", err)
			return
		}
		w.resolveDeadLetter(ctx, job, log)
	case runtime.KindReschedule:
		if err := w.jobs.Reschedule(ctx, nil, job.ID, result.RetryAfter, result.Reason); err != nil {
			log.Error("Reschedule failed", "error", err)
		}
	case runtime.KindFatal:
		msg := "fatal job error"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		if err := w.jobs.MarkFailedFatal(ctx, nil, job.ID, msg); err != nil {
			log.Error("MarkFailedFatal failed", "error", err)
			return
		}
		w.writeDeadLetter(ctx, job, msg, job.Attempts)
	default:
		msg := "job failed"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		status, err := w.jobs.MarkFailed(ctx, nil, job.ID, msg, w.cfg.RetryBackoff)
		if err != nil {
			log.Error("MarkFailed failed", "error", err)
			return
		}
		if status == domain.JobStatusFailed {
			w.writeDeadLetter(ctx, job, msg, job.Attempts+1)
		}
	}
}

func (w *Worker) runHandler(ctx context.Context, h Handler, job *domain.Job, log *logger.Logger) (result runtime.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job handler panic", "panic", r)
			result = runtime.Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	jc := runtime.NewContext(ctx, w.db, job, log)
	return h.Run(jc)
}

// resolveDeadLetter closes the archive entry for a job that was replayed and
// has now succeeded. Jobs that never dead-lettered are a no-op lookup.
func (w *Worker) resolveDeadLetter(ctx context.Context, job *domain.Job, log *logger.Logger) {
	dl, err := w.deadLetters.GetByJobID(ctx, nil, job.ID)
	if err != nil {
		log.Warn("Dead letter lookup failed", "error", err)
		return
	}
	if dl == nil || dl.ResolvedAt != nil {
		return
	}
	if err := w.deadLetters.MarkResolved(ctx, nil, dl.ID); err != nil {
		log.Warn("Dead letter resolve failed", "dead_letter_id", dl.ID, "error", err)
	}
}

// writeDeadLetter archives a terminally failed job. A dead-letter write
// failure is logged and swallowed; it must never crash the worker or re-fail
// the job.
func (w *Worker) writeDeadLetter(ctx context.Context, job *domain.Job, errMsg string, attempts int) {
	dl := &domain.DeadLetter{
		JobID:         job.ID,
		Source:        job.JobType,
		RunID:         job.RunID,
		Payload:       job.Payload,
		Error:         errMsg,
		Attempts:      attempts,
		LastAttemptAt: time.Now().UTC(),
	}
	if _, err := w.deadLetters.Create(ctx, nil, dl); err != nil {
		w.log.Error("Dead letter write failed", "job_id", job.ID, "error", err)
	}
}
