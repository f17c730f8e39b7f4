package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

type RunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, run *domain.Run) (*domain.Run, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Run, error)
	// GetByIDForUpdate locks the run row for the duration of the surrounding
	// transaction. The gateway uses this to serialize concurrent deliveries
	// deciding whether a run just received its last expected slot.
	GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Run, error)
	// UpdateFields overwrites projection fields wholesale from the
	// authoritative checkpoint outcome. Never partially merged.
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	List(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.Run, error)
}

type runRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo {
	return &runRepo{
		db:  db,
		log: baseLog.With("repo", "RunRepo"),
	}
}

func (r *runRepo) Create(ctx context.Context, tx *gorm.DB, run *domain.Run) (*domain.Run, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	if err := transaction.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *runRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Run, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run domain.Run
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, domain.ErrRunNotFound
	}
	return &run, nil
}

func (r *runRepo) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Run, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var run domain.Run
	err := withRowLock(transaction.WithContext(ctx), "").Where("id = ?", id).Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, domain.ErrRunNotFound
	}
	return &run, nil
}

func (r *runRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(ctx).
		Model(&domain.Run{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *runRepo) List(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.Run, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Run
	err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
