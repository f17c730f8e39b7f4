package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

type EnqueueRequest struct {
	Type           domain.JobType
	RunID          *uuid.UUID
	Payload        map[string]any
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
}

// Enqueuer is how the API, the ingestion gateway and job handlers put work on
// the queue. Idempotency keys collapse duplicate triggers to at most one
// effective job.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*domain.Job, error)
	// EnqueueIgnoreDuplicate swallows domain.ErrDuplicateJob and reports it
	// via the bool, for callers where a duplicate means "already handled".
	EnqueueIgnoreDuplicate(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*domain.Job, bool, error)
}

type enqueuer struct {
	jobs repos.JobRepo
	log  *logger.Logger
}

func NewEnqueuer(jobs repos.JobRepo, baseLog *logger.Logger) Enqueuer {
	return &enqueuer{
		jobs: jobs,
		log:  baseLog.With("service", "JobEnqueuer"),
	}
}

func (e *enqueuer) Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*domain.Job, error) {
	payload := datatypes.JSON("{}")
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, err
		}
		payload = datatypes.JSON(raw)
	}
	job := &domain.Job{
		JobType:     string(req.Type),
		RunID:       req.RunID,
		Payload:     payload,
		MaxAttempts: req.MaxAttempts,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}
	if req.Delay > 0 {
		job.AvailableAt = time.Now().UTC().Add(req.Delay)
	}
	return e.jobs.Enqueue(ctx, tx, job)
}

func (e *enqueuer) EnqueueIgnoreDuplicate(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*domain.Job, bool, error) {
	job, err := e.Enqueue(ctx, tx, req)
	if errors.Is(err, domain.ErrDuplicateJob) {
		e.log.Debug("Duplicate enqueue ignored", "job_type", req.Type, "idempotency_key", req.IdempotencyKey)
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, false, nil
}
