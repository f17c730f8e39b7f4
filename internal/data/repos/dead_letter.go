package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

type DeadLetterRepo interface {
	Create(ctx context.Context, tx *gorm.DB, dl *domain.DeadLetter) (*domain.DeadLetter, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.DeadLetter, error)
	GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*domain.DeadLetter, error)
	ListUnresolved(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.DeadLetter, error)
	MarkResolved(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type deadLetterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeadLetterRepo(db *gorm.DB, baseLog *logger.Logger) DeadLetterRepo {
	return &deadLetterRepo{
		db:  db,
		log: baseLog.With("repo", "DeadLetterRepo"),
	}
}

func (r *deadLetterRepo) Create(ctx context.Context, tx *gorm.DB, dl *domain.DeadLetter) (*domain.DeadLetter, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	now := time.Now().UTC()
	dl.CreatedAt = now
	if dl.LastAttemptAt.IsZero() {
		dl.LastAttemptAt = now
	}
	if err := transaction.WithContext(ctx).Create(dl).Error; err != nil {
		return nil, err
	}
	return dl, nil
}

func (r *deadLetterRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.DeadLetter, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var dl domain.DeadLetter
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&dl).Error
	if err != nil {
		return nil, err
	}
	if dl.ID == uuid.Nil {
		return nil, nil
	}
	return &dl, nil
}

func (r *deadLetterRepo) GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*domain.DeadLetter, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var dl domain.DeadLetter
	err := transaction.WithContext(ctx).Where("job_id = ?", jobID).Limit(1).Find(&dl).Error
	if err != nil {
		return nil, err
	}
	if dl.ID == uuid.Nil {
		return nil, nil
	}
	return &dl, nil
}

func (r *deadLetterRepo) ListUnresolved(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.DeadLetter, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.DeadLetter
	err := transaction.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *deadLetterRepo) MarkResolved(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(ctx).
		Model(&domain.DeadLetter{}).
		Where("id = ?", id).
		Update("resolved_at", now).Error
}
