package repository

import (
	"bytes"
	"context"
	"testing"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/types"
)

func TestCreateActivity_RoundTrip(t *testing.T) {
	t.Parallel()
	repo, store := newTestRepo(t)
	ctx := context.Background()
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return fixed })

	ended := fixed.Add(time.Hour)
	in := &types.Activity{
		ID:             "act-1",
		OwnerID:        "user-1",
		StartedAt:      fixed.Add(-time.Hour),
		EndedAt:        &ended,
		Status:         types.ActivityCompleted,
		DurationSec:    3600,
		DistanceM:      5123.5,
		ElevationGainM: 120,
		ElevationLossM: 80,
		Polyline:       "_p~iF~ps|U_ulLnnqC",
	}
	mustCreateActivity(t, repo, in)

	got, err := repo.GetActivity(ctx, "act-1")
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if got.Polyline != in.Polyline {
		t.Errorf("Polyline = %q, want %q", got.Polyline, in.Polyline)
	}
	if got.PrivacyLevel != types.PrivacyPrivate || got.SyncStatus != types.SyncLocal {
		t.Errorf("defaults = %s/%s, want private/local", got.PrivacyLevel, got.SyncStatus)
	}
	if !got.StartedAt.Equal(in.StartedAt) || got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("timestamps = %v/%v", got.StartedAt, got.EndedAt)
	}
	if got.DistanceM != 5123.5 || got.DurationSec != 3600 || got.ElevationGainM != 120 {
		t.Errorf("stats = %+v", got)
	}
	if !got.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, fixed)
	}

	// Polyline is sealed at rest
	var raw []byte
	if err := store.ExecuteQueryRow(ctx, "SELECT polyline FROM activities WHERE activity_id = 'act-1'").Scan(&raw); err != nil {
		t.Fatalf("select raw: %v", err)
	}
	if bytes.Contains(raw, []byte(in.Polyline)) {
		t.Error("polyline stored in plaintext")
	}
}

func TestCreateActivity_Validation(t *testing.T) {
	t.Parallel()
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		activity *types.Activity
	}{
		{"nil", nil},
		{"empty id", &types.Activity{OwnerID: "u", Status: types.ActivityActive}},
		{"empty owner", &types.Activity{ID: "a", Status: types.ActivityActive}},
		{"bad status", &types.Activity{ID: "a", OwnerID: "u", Status: "running"}},
		{"bad privacy", &types.Activity{ID: "a", OwnerID: "u", Status: types.ActivityActive, PrivacyLevel: "friends"}},
		{"bad sync", &types.Activity{ID: "a", OwnerID: "u", Status: types.ActivityActive, SyncStatus: types.SyncUploading}},
		{"negative distance", &types.Activity{ID: "a", OwnerID: "u", Status: types.ActivityActive, DistanceM: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.CreateActivity(ctx, tt.activity)
			if !errs.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGetActivity_NotFound(t *testing.T) {
	t.Parallel()
	repo, _ := newTestRepo(t)

	_, err := repo.GetActivity(context.Background(), "missing")
	if !errs.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestUpdateActivity(t *testing.T) {
	t.Parallel()
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	a := newActivity("a1", "u1", time.Now().UTC())
	mustCreateActivity(t, repo, a)

	a.Status = types.ActivityCompleted
	a.DistanceM = 42
	a.Polyline = "abc"
	if err := repo.UpdateActivity(ctx, a); err != nil {
		t.Fatalf("UpdateActivity: %v", err)
	}
	got, err := repo.GetActivity(ctx, "a1")
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if got.Status != types.ActivityCompleted || got.DistanceM != 42 || got.Polyline != "abc" {
		t.Errorf("updated activity = %+v", got)
	}

	missing := newActivity("ghost", "u1", time.Now())
	if err := repo.UpdateActivity(ctx, missing); !errs.IsNotFound(err) {
		t.Errorf("update missing: expected NOT_FOUND, got %v", err)
	}
}

func TestListActivities_Filters(t *testing.T) {
	t.Parallel()
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, owner := range []string{"u1", "u1", "u2", "u1"} {
		a := newActivity(string(rune('a'+i)), owner, base.AddDate(0, 0, i))
		if i == 1 {
			a.Status = types.ActivityCompleted
		}
		mustCreateActivity(t, repo, a)
	}

	from := base.AddDate(0, 0, 1)
	tests := []struct {
		name   string
		filter ActivityFilter
		want   []string
	}{
		{"all", ActivityFilter{}, []string{"a", "b", "c", "d"}},
		{"owner", ActivityFilter{OwnerID: "u1"}, []string{"a", "b", "d"}},
		{"from", ActivityFilter{OwnerID: "u1", From: &from}, []string{"b", "d"}},
		{"status", ActivityFilter{Status: types.ActivityCompleted}, []string{"b"}},
		{"page", ActivityFilter{Limit: 2, Offset: 1}, []string{"b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListActivities(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListActivities: %v", err)
			}
			var ids []string
			for _, a := range got {
				ids = append(ids, a.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("ids = %v, want %v", ids, tt.want)
					break
				}
			}
		})
	}
}

func TestSetActivityPrivacyAndSync(t *testing.T) {
	t.Parallel()
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateActivity(t, repo, newActivity("a1", "u1", time.Now()))

	if err := repo.SetActivityPrivacy(ctx, "a1", types.PrivacyPublic); err != nil {
		t.Fatalf("SetActivityPrivacy: %v", err)
	}
	if err := repo.SetActivitySyncStatus(ctx, "a1", types.SyncSyncing); err != nil {
		t.Fatalf("SetActivitySyncStatus: %v", err)
	}
	got, _ := repo.GetActivity(ctx, "a1")
	if got.PrivacyLevel != types.PrivacyPublic || got.SyncStatus != types.SyncSyncing {
		t.Errorf("got %s/%s", got.PrivacyLevel, got.SyncStatus)
	}

	if err := repo.SetActivityPrivacy(ctx, "a1", "friends"); !errs.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := repo.SetActivitySyncStatus(ctx, "nope", types.SyncSynced); !errs.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestDeleteActivitiesStartedBefore(t *testing.T) {
	t.Parallel()
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mustCreateActivity(t, repo, newActivity("old", "u1", now.AddDate(0, 0, -40)))
	mustCreateActivity(t, repo, newActivity("other-owner", "u2", now.AddDate(0, 0, -40)))
	mustCreateActivity(t, repo, newActivity("recent", "u1", now.AddDate(0, 0, -1)))
	if _, err := repo.AppendTrackPoint(ctx, &types.TrackPoint{ActivityID: "old", Timestamp: now, Latitude: 1, Longitude: 1}); err != nil {
		t.Fatalf("AppendTrackPoint: %v", err)
	}

	n, err := repo.DeleteActivitiesStartedBefore(ctx, "u1", now.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("DeleteActivitiesStartedBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if count, _ := repo.CountTrackPoints(ctx, "old"); count != 0 {
		t.Errorf("orphan track points = %d", count)
	}
	if _, err := repo.GetActivity(ctx, "other-owner"); err != nil {
		t.Errorf("other owner's activity should survive: %v", err)
	}

	n, err = repo.DeleteActivitiesStartedBefore(ctx, "", now.AddDate(0, 0, -30))
	if err != nil || n != 1 {
		t.Errorf("all-owner sweep = %d, %v; want 1", n, err)
	}
}
