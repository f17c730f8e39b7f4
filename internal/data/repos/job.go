package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

// JobRepo is the durable queue. All transitions happen here; handlers and
// controllers only ever see the returned rows.
type JobRepo interface {
	// Enqueue inserts a pending job. A (job_type, idempotency_key) collision
	// returns domain.ErrDuplicateJob and leaves the original row untouched.
	Enqueue(ctx context.Context, tx *gorm.DB, job *domain.Job) (*domain.Job, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error)
	// ClaimNext atomically claims one eligible job: pending and available, or
	// running with an expired lease (crash reclaim happens here, there is no
	// separate sweeper). Returns nil when nothing qualifies.
	ClaimNext(ctx context.Context, tx *gorm.DB, workerID string, lease time.Duration) (*domain.Job, error)
	// TouchLease extends the lease of a job still held by workerID.
	TouchLease(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, lease time.Duration) error
	MarkSucceeded(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	// MarkFailed increments attempts and either re-queues with the given delay
	// or finalizes the job. It returns the resulting status so the caller can
	// decide whether to dead-letter.
	MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string, retryDelay time.Duration) (string, error)
	// Reschedule re-queues a job after a "not ready yet" outcome without
	// consuming the retry budget.
	Reschedule(ctx context.Context, tx *gorm.DB, id uuid.UUID, delay time.Duration, reason string) error
	// MarkFailedFatal finalizes a job with no retry, regardless of remaining
	// budget. Used for configuration defects such as an unregistered job type.
	MarkFailedFatal(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string) error
	// ResetForReplay returns a terminally failed job to the queue with a fresh
	// attempt budget. Only the dead-letter replay path calls this.
	ResetForReplay(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) Enqueue(ctx context.Context, tx *gorm.DB, job *domain.Job) (*domain.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, errors.New("nil job")
	}
	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, domain.ErrDuplicateJob
		}
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job domain.Job
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (r *jobRepo) ClaimNext(ctx context.Context, tx *gorm.DB, workerID string, lease time.Duration) (*domain.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var claimed *domain.Job
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		now := time.Now().UTC()
		var job domain.Job
		q := withRowLock(txx, "SKIP LOCKED").
			Where(`
				(status = ? AND available_at <= ?)
				OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
			`, domain.JobStatusPending, now, domain.JobStatusRunning, now).
			Order("available_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		expires := now.Add(lease)
		uErr := txx.Model(&domain.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":           domain.JobStatusRunning,
				"claimed_by":       workerID,
				"lease_expires_at": expires,
				"updated_at":       now,
			}).Error
		if uErr != nil {
			return uErr
		}
		job.Status = domain.JobStatusRunning
		job.ClaimedBy = workerID
		job.LeaseExpiresAt = &expires
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepo) TouchLease(ctx context.Context, tx *gorm.DB, id uuid.UUID, workerID string, lease time.Duration) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	res := transaction.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ? AND claimed_by = ?", id, domain.JobStatusRunning, workerID).
		Updates(map[string]interface{}{
			"lease_expires_at": now.Add(lease),
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (r *jobRepo) MarkSucceeded(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.JobStatusSucceeded,
			"lease_expires_at": nil,
			"last_error":       "",
			"updated_at":       now,
		}).Error
}

func (r *jobRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string, retryDelay time.Duration) (string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	status := ""
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		now := time.Now().UTC()
		var job domain.Job
		if err := withRowLock(txx, "").Where("id = ?", id).First(&job).Error; err != nil {
			return err
		}
		attempts := job.Attempts + 1
		updates := map[string]interface{}{
			"attempts":         attempts,
			"last_error":       errMsg,
			"lease_expires_at": nil,
			"updated_at":       now,
		}
		if attempts < job.MaxAttempts {
			status = domain.JobStatusPending
			updates["status"] = domain.JobStatusPending
			updates["available_at"] = now.Add(retryDelay)
		} else {
			status = domain.JobStatusFailed
			updates["status"] = domain.JobStatusFailed
		}
		return txx.Model(&domain.Job{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *jobRepo) MarkFailedFatal(ctx context.Context, tx *gorm.DB, id uuid.UUID, errMsg string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.JobStatusFailed,
			"last_error":       errMsg,
			"lease_expires_at": nil,
			"updated_at":       now,
		}).Error
}

func (r *jobRepo) ResetForReplay(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	res := transaction.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":           domain.JobStatusPending,
			"attempts":         0,
			"available_at":     now,
			"claimed_by":       "",
			"lease_expires_at": nil,
			"last_error":       "",
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (r *jobRepo) Reschedule(ctx context.Context, tx *gorm.DB, id uuid.UUID, delay time.Duration, reason string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.JobStatusPending,
			"available_at":     now.Add(delay),
			"last_error":       reason,
			"lease_expires_at": nil,
			"updated_at":       now,
		}).Error
}
