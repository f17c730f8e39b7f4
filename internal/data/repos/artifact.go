package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

// ArtifactRepo is append-only. There is no update path on purpose; the
// "current value of type X" is the most recent row of that type.
type ArtifactRepo interface {
	Append(ctx context.Context, tx *gorm.DB, artifact *domain.Artifact) (*domain.Artifact, error)
	ListByRun(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*domain.Artifact, error)
	LatestByType(ctx context.Context, tx *gorm.DB, runID uuid.UUID, artifactType string) (*domain.Artifact, error)
	ListByRunAndType(ctx context.Context, tx *gorm.DB, runID uuid.UUID, artifactType string) ([]*domain.Artifact, error)
}

type artifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactRepo {
	return &artifactRepo{
		db:  db,
		log: baseLog.With("repo", "ArtifactRepo"),
	}
}

func (r *artifactRepo) Append(ctx context.Context, tx *gorm.DB, artifact *domain.Artifact) (*domain.Artifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if artifact.ID == uuid.Nil {
		artifact.ID = uuid.New()
	}
	artifact.CreatedAt = time.Now().UTC()
	if err := transaction.WithContext(ctx).Create(artifact).Error; err != nil {
		return nil, err
	}
	return artifact, nil
}

func (r *artifactRepo) ListByRun(ctx context.Context, tx *gorm.DB, runID uuid.UUID) ([]*domain.Artifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Artifact
	err := transaction.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *artifactRepo) LatestByType(ctx context.Context, tx *gorm.DB, runID uuid.UUID, artifactType string) (*domain.Artifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var artifact domain.Artifact
	err := transaction.WithContext(ctx).
		Where("run_id = ? AND type = ?", runID, artifactType).
		Order("created_at DESC").
		Limit(1).
		Find(&artifact).Error
	if err != nil {
		return nil, err
	}
	if artifact.ID == uuid.Nil {
		return nil, nil
	}
	return &artifact, nil
}

func (r *artifactRepo) ListByRunAndType(ctx context.Context, tx *gorm.DB, runID uuid.UUID, artifactType string) ([]*domain.Artifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Artifact
	err := transaction.WithContext(ctx).
		Where("run_id = ? AND type = ?", runID, artifactType).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}
