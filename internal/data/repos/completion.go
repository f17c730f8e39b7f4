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

// CompletionRepo is the dedicated idempotency ledger for provider callbacks,
// keyed (run_id, external_task_id) so the duplicate check is a unique-index
// hit instead of a scan over artifact history.
type CompletionRepo interface {
	// Record inserts a completion. Returns (completion, false, nil) on first
	// insert and (existing, true, nil) when the task id was already recorded.
	Record(ctx context.Context, tx *gorm.DB, completion *domain.SlotCompletion) (*domain.SlotCompletion, bool, error)
	// AttachArtifact links the stored artifact to an already recorded
	// completion. The ledger row is inserted before its artifact so the
	// duplicate decision happens first.
	AttachArtifact(ctx context.Context, tx *gorm.DB, id, artifactID uuid.UUID) error
	CountByPhase(ctx context.Context, tx *gorm.DB, runID uuid.UUID, phase string) (int64, error)
	ListByPhase(ctx context.Context, tx *gorm.DB, runID uuid.UUID, phase string) ([]*domain.SlotCompletion, error)
	GetByTaskID(ctx context.Context, tx *gorm.DB, runID uuid.UUID, externalTaskID string) (*domain.SlotCompletion, error)
}

type completionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCompletionRepo(db *gorm.DB, baseLog *logger.Logger) CompletionRepo {
	return &completionRepo{
		db:  db,
		log: baseLog.With("repo", "CompletionRepo"),
	}
}

func (r *completionRepo) Record(ctx context.Context, tx *gorm.DB, completion *domain.SlotCompletion) (*domain.SlotCompletion, bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if completion.ID == uuid.Nil {
		completion.ID = uuid.New()
	}
	completion.CreatedAt = time.Now().UTC()
	err := transaction.WithContext(ctx).Create(completion).Error
	if err == nil {
		return completion, false, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}
	existing, gErr := r.GetByTaskID(ctx, transaction, completion.RunID, completion.ExternalTaskID)
	if gErr != nil {
		return nil, false, gErr
	}
	return existing, true, nil
}

func (r *completionRepo) AttachArtifact(ctx context.Context, tx *gorm.DB, id, artifactID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&domain.SlotCompletion{}).
		Where("id = ?", id).
		Update("artifact_id", artifactID).Error
}

func (r *completionRepo) CountByPhase(ctx context.Context, tx *gorm.DB, runID uuid.UUID, phase string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&domain.SlotCompletion{}).
		Where("run_id = ? AND phase = ?", runID, phase).
		Count(&n).Error
	return n, err
}

func (r *completionRepo) ListByPhase(ctx context.Context, tx *gorm.DB, runID uuid.UUID, phase string) ([]*domain.SlotCompletion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.SlotCompletion
	err := transaction.WithContext(ctx).
		Where("run_id = ? AND phase = ?", runID, phase).
		Order("slot ASC").
		Find(&out).Error
	return out, err
}

func (r *completionRepo) GetByTaskID(ctx context.Context, tx *gorm.DB, runID uuid.UUID, externalTaskID string) (*domain.SlotCompletion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var completion domain.SlotCompletion
	err := transaction.WithContext(ctx).
		Where("run_id = ? AND external_task_id = ?", runID, externalTaskID).
		Limit(1).
		Find(&completion).Error
	if err != nil {
		return nil, err
	}
	if completion.ID == uuid.Nil {
		return nil, nil
	}
	return &completion, nil
}
