package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reelforge/reelforge-backend/internal/data/repos"
	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

// DeadLetterService lists the archive and replays entries. Replay returns the
// original job row to the queue with a fresh budget; the dead letter is
// resolved when that job eventually succeeds (see Worker), so a replay that
// fails again keeps the entry open.
type DeadLetterService interface {
	List(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.DeadLetter, error)
	Replay(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.DeadLetter, error)
}

type deadLetterService struct {
	deadLetters repos.DeadLetterRepo
	jobs        repos.JobRepo
	log         *logger.Logger
}

func NewDeadLetterService(deadLetters repos.DeadLetterRepo, jobs repos.JobRepo, baseLog *logger.Logger) DeadLetterService {
	return &deadLetterService{
		deadLetters: deadLetters,
		jobs:        jobs,
		log:         baseLog.With("service", "DeadLetterService"),
	}
}

func (s *deadLetterService) List(ctx context.Context, tx *gorm.DB, limit int) ([]*domain.DeadLetter, error) {
	return s.deadLetters.ListUnresolved(ctx, tx, limit)
}

func (s *deadLetterService) Replay(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.DeadLetter, error) {
	dl, err := s.deadLetters.GetByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if dl == nil {
		return nil, fmt.Errorf("dead letter %s not found", id)
	}
	if dl.ResolvedAt != nil {
		return nil, fmt.Errorf("dead letter %s already resolved", id)
	}
	if err := s.jobs.ResetForReplay(ctx, tx, dl.JobID); err != nil {
		return nil, fmt.Errorf("reset job %s for replay: %w", dl.JobID, err)
	}
	s.log.Info("Dead letter replay queued", "dead_letter_id", dl.ID, "job_id", dl.JobID)
	return dl, nil
}
