package repository

import (
	"bytes"
	"context"
	"testing"
	"time"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/types"
)

func TestPreferences_Upsert(t *testing.T) {
	t.Parallel()
	repo, store := newTestRepo(t)
	ctx := context.Background()
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return first })

	if err := repo.SetPreference(ctx, "privacy.consent", `{"analytics":true}`, true); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	second := first.Add(time.Hour)
	repo.SetClock(func() time.Time { return second })
	if err := repo.SetPreference(ctx, "privacy.consent", `{"analytics":false}`, true); err != nil {
		t.Fatalf("SetPreference update: %v", err)
	}

	pref, ok, err := repo.GetPreference(ctx, "privacy.consent")
	if err != nil || !ok {
		t.Fatalf("GetPreference = %v, %v", ok, err)
	}
	if pref.Value != `{"analytics":false}` || !pref.Encrypted {
		t.Errorf("pref = %+v", pref)
	}
	if !pref.CreatedAt.Equal(first) || !pref.UpdatedAt.Equal(second) {
		t.Errorf("timestamps = %v/%v", pref.CreatedAt, pref.UpdatedAt)
	}

	var raw []byte
	if err := store.ExecuteQueryRow(ctx, "SELECT value FROM user_preferences WHERE key = 'privacy.consent'").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if bytes.Contains(raw, []byte("analytics")) {
		t.Error("encrypted preference stored in plaintext")
	}
}

func TestPreferences_PlainAndMissing(t *testing.T) {
	t.Parallel()
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	if _, ok, err := repo.GetPreference(ctx, "absent"); err != nil || ok {
		t.Errorf("absent key = %v, %v; want false, nil", ok, err)
	}
	if err := repo.SetPreference(ctx, "privacy.retention_days", "30", false); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	pref, ok, err := repo.GetPreference(ctx, "privacy.retention_days")
	if err != nil || !ok || pref.Value != "30" || pref.Encrypted {
		t.Errorf("plain pref = %+v, %v, %v", pref, ok, err)
	}
	if err := repo.SetPreference(ctx, " ", "x", false); !errs.IsValidation(err) {
		t.Errorf("blank key: expected validation error, got %v", err)
	}
}

func TestPreferences_Prefix(t *testing.T) {
	t.Parallel()
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	for _, key := range []string{"lifecycle.heartbeat", "lifecycle.session_marker", "privacy.consent", "lifecycleX"} {
		if err := repo.SetPreference(ctx, key, "v", false); err != nil {
			t.Fatalf("SetPreference(%s): %v", key, err)
		}
	}

	prefs, err := repo.ListPreferences(ctx, "lifecycle.")
	if err != nil {
		t.Fatalf("ListPreferences: %v", err)
	}
	if len(prefs) != 2 || prefs[0].Key != "lifecycle.heartbeat" {
		t.Errorf("prefix listing = %+v", prefs)
	}

	n, err := repo.DeletePreferencesByPrefix(ctx, "lifecycle.")
	if err != nil || n != 2 {
		t.Errorf("DeletePreferencesByPrefix = %d, %v; want 2", n, err)
	}
	all, _ := repo.ListPreferences(ctx, "")
	if len(all) != 2 {
		t.Errorf("remaining = %d, want 2", len(all))
	}
}

func TestDeletionLog_AppendOnly(t *testing.T) {
	t.Parallel()
	repo, store := newTestRepo(t)
	ctx := context.Background()

	entry := &types.DataDeletionLogEntry{
		UserID:           "u1",
		DataType:         types.DataActivities,
		Reason:           "user request",
		VerificationHash: "abc123",
	}
	if err := repo.AppendDeletionLog(ctx, entry); err != nil {
		t.Fatalf("AppendDeletionLog: %v", err)
	}
	if len(entry.ID) != 26 {
		t.Errorf("ID %q is not a ULID", entry.ID)
	}
	if err := repo.AppendDeletionLog(ctx, &types.DataDeletionLogEntry{UserID: "u1", DataType: types.DataPhotos, VerificationHash: "def"}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	entries, err := repo.ListDeletionLog(ctx, "u1")
	if err != nil {
		t.Fatalf("ListDeletionLog: %v", err)
	}
	if len(entries) != 2 || entries[0].DataType != types.DataActivities {
		t.Errorf("entries = %+v", entries)
	}

	if _, err := store.ExecuteUpdate(ctx, "DELETE FROM data_deletion_log"); !errs.IsConstraint(err) {
		t.Errorf("log delete: expected CONSTRAINT, got %v", err)
	}
	if err := repo.AppendDeletionLog(ctx, &types.DataDeletionLogEntry{UserID: "u1", DataType: types.DataPhotos}); !errs.IsValidation(err) {
		t.Errorf("missing hash: expected validation error, got %v", err)
	}
}
