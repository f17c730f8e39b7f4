package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

// CheckpointRepo stores one authoritative snapshot per run (the latest row);
// superseded rows are retained for time-travel listing and forking.
type CheckpointRepo interface {
	Append(ctx context.Context, tx *gorm.DB, cp *domain.Checkpoint) (*domain.Checkpoint, error)
	LatestByRun(ctx context.Context, tx *gorm.DB, runID uuid.UUID) (*domain.Checkpoint, error)
	ListByRun(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*domain.Checkpoint, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Checkpoint, error)
}

type checkpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCheckpointRepo(db *gorm.DB, baseLog *logger.Logger) CheckpointRepo {
	return &checkpointRepo{
		db:  db,
		log: baseLog.With("repo", "CheckpointRepo"),
	}
}

func (r *checkpointRepo) Append(ctx context.Context, tx *gorm.DB, cp *domain.Checkpoint) (*domain.Checkpoint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = time.Now().UTC()
	if err := transaction.WithContext(ctx).Create(cp).Error; err != nil {
		return nil, err
	}
	return cp, nil
}

func (r *checkpointRepo) LatestByRun(ctx context.Context, tx *gorm.DB, runID uuid.UUID) (*domain.Checkpoint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var cp domain.Checkpoint
	// The id tiebreaker keeps "latest" deterministic when two appends land on
	// the same timestamp tick.
	err := transaction.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC, id DESC").
		Limit(1).
		Find(&cp).Error
	if err != nil {
		return nil, err
	}
	if cp.ID == uuid.Nil {
		return nil, nil
	}
	return &cp, nil
}

func (r *checkpointRepo) ListByRun(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*domain.Checkpoint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Checkpoint
	err := transaction.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (r *checkpointRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Checkpoint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var cp domain.Checkpoint
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&cp).Error
	if err != nil {
		return nil, err
	}
	if cp.ID == uuid.Nil {
		return nil, nil
	}
	return &cp, nil
}
