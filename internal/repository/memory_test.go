package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/types"
)

func TestMemoryRepository_CascadeAndRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepository()

	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	if err := repo.CreateActivity(ctx, &types.Activity{ID: "a1", OwnerID: "u1", StartedAt: start, Status: types.ActivityActive}); err != nil {
		t.Fatalf("CreateActivity: %v", err)
	}
	for i := 0; i < 3; i++ {
		p := types.TrackPoint{ActivityID: "a1", Timestamp: start.Add(time.Duration(3-i) * time.Second), Latitude: 1, Longitude: 2}
		if _, err := repo.AppendTrackPoint(ctx, &p); err != nil {
			t.Fatalf("AppendTrackPoint: %v", err)
		}
	}
	if err := repo.CreatePhoto(ctx, &types.Photo{ID: "p1", ActivityID: "a1", LocalURI: "/tmp/p1.jpg"}); err != nil {
		t.Fatalf("CreatePhoto: %v", err)
	}

	points, _ := repo.GetTrackPoints(ctx, "a1")
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp.Before(points[i-1].Timestamp) {
			t.Fatal("track points not in timestamp order")
		}
	}

	// A failing transaction leaves everything in place
	boom := errors.New("boom")
	err := repo.WithTransaction(ctx, func(tx Repository) error {
		if err := tx.DeleteActivity(ctx, "a1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTransaction error = %v", err)
	}
	if n, _ := repo.CountTrackPoints(ctx, "a1"); n != 3 {
		t.Errorf("after rollback track points = %d, want 3", n)
	}

	if err := repo.DeleteActivity(ctx, "a1"); err != nil {
		t.Fatalf("DeleteActivity: %v", err)
	}
	if n, _ := repo.CountTrackPoints(ctx, "a1"); n != 0 {
		t.Errorf("orphan track points = %d", n)
	}
	if _, err := repo.GetPhoto(ctx, "p1"); !errs.IsNotFound(err) {
		t.Errorf("orphan photo lookup error = %v", err)
	}
}

func TestMemoryRepository_FailureModes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewMemoryRepository()
	repo.SetFailureModes(false, true, false)

	err := repo.SetPreference(ctx, "k", "v", true)
	if !errs.IsStorage(err) || !errs.IsRetryable(err) {
		t.Errorf("write failure = %v, want retryable storage error", err)
	}
	if _, ok, err := repo.GetPreference(ctx, "k"); err != nil || ok {
		t.Errorf("GetPreference = %v, %v", ok, err)
	}
	if repo.CallCount("SetPreference") != 1 {
		t.Errorf("SetPreference calls = %d", repo.CallCount("SetPreference"))
	}

	repo.SetFailureModes(false, false, true)
	if err := repo.WithTransaction(ctx, func(Repository) error { return nil }); !errs.IsStorage(err) {
		t.Errorf("transaction failure = %v", err)
	}
}
