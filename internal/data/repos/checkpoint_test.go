package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/reelforge/reelforge-backend/internal/domain"
)

func TestLatestCheckpointSurvivesSameTickAppends(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	repo := NewCheckpointRepo(gdb, newTestLogger(t))
	runID := uuid.New()

	// Append stamps CreatedAt itself, so same-tick rows are inserted directly.
	// sqlite timestamps collide easily; postgres microsecond clocks can too.
	tick := time.Now().UTC().Truncate(time.Second)
	older := &domain.Checkpoint{
		ID:        uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		RunID:     runID,
		Step:      "production",
		State:     datatypes.JSON(`{"node":"production"}`),
		CreatedAt: tick,
	}
	newer := &domain.Checkpoint{
		ID:        uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff"),
		RunID:     runID,
		Step:      "wait_for_generation",
		State:     datatypes.JSON(`{"node":"wait_for_generation"}`),
		CreatedAt: tick,
	}
	if err := gdb.Create(older).Error; err != nil {
		t.Fatalf("insert older: %v", err)
	}
	if err := gdb.Create(newer).Error; err != nil {
		t.Fatalf("insert newer: %v", err)
	}

	latest, err := repo.LatestByRun(ctx, nil, runID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != newer.ID {
		t.Fatalf("latest = %+v, want id %s", latest, newer.ID)
	}

	// The listing order agrees with the head choice: the latest row is last.
	all, err := repo.ListByRun(ctx, nil, runID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[1].ID != latest.ID {
		t.Fatalf("list order disagrees with latest: %d rows, last=%v", len(all), all[len(all)-1].ID)
	}
}

func TestCheckpointAppendAndLookup(t *testing.T) {
	ctx := context.Background()
	repo := NewCheckpointRepo(newTestDB(t), newTestLogger(t))
	runID := uuid.New()

	cp, err := repo.Append(ctx, nil, &domain.Checkpoint{
		RunID: runID,
		Step:  "ideation",
		State: datatypes.JSON(`{"node":"ideation"}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := repo.GetByID(ctx, nil, cp.ID)
	if err != nil || got == nil || got.Step != "ideation" {
		t.Fatalf("get = %+v (err=%v)", got, err)
	}
	if missing, err := repo.LatestByRun(ctx, nil, uuid.New()); err != nil || missing != nil {
		t.Fatalf("latest for unknown run = %+v (err=%v)", missing, err)
	}
}
