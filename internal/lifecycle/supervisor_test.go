package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	errs "trailkeep/internal/infrastructure/errors"
	"trailkeep/internal/infrastructure/metrics"
	"trailkeep/internal/platform"
	"trailkeep/internal/repository"
	"trailkeep/internal/services"
	"trailkeep/internal/testutils"
	"trailkeep/internal/types"
)

type fakeScheduler struct {
	mu        sync.Mutex
	tasks     map[string]Task
	intervals map[string]time.Duration
	cancelled map[string]int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: map[string]Task{}, intervals: map[string]time.Duration{}, cancelled: map[string]int{}}
}

func (f *fakeScheduler) Register(name string, interval time.Duration, task Task) (CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[name] = task
	f.intervals[name] = interval
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.tasks, name)
		f.cancelled[name]++
	}, nil
}

func (f *fakeScheduler) registered(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tasks[name]
	return ok
}

func (f *fakeScheduler) run(t *testing.T, name string) {
	t.Helper()
	f.mu.Lock()
	task, ok := f.tasks[name]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("task %q not registered", name)
	}
	if err := task(context.Background()); err != nil {
		t.Fatalf("task %q: %v", name, err)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// device is one process run: its own tracker, provider and supervisor over
// shared storage
type device struct {
	sup       *Supervisor
	tracker   *services.ActivityTracker
	provider  *platform.ManualLocationProvider
	scheduler *fakeScheduler
	metrics   *metrics.Metrics
}

func launch(t *testing.T, repo *repository.MemoryRepository, clock *testClock) *device {
	t.Helper()
	d := &device{
		provider:  &platform.ManualLocationProvider{},
		scheduler: newFakeScheduler(),
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	d.tracker = services.NewActivityTracker(repo, d.provider, nil)
	d.tracker.SetClock(clock.Now)
	sup, err := New(DefaultConfig(), repo, d.tracker, d.provider, d.scheduler, d.metrics, &testutils.RecordingLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sup.SetClock(clock.Now)
	d.tracker.SetStateObserver(sup)
	d.sup = sup
	return d
}

func fix(clock *testClock, lat, lon float64) types.LocationSample {
	return types.LocationSample{Timestamp: clock.Now(), Latitude: lat, Longitude: lon, Source: types.SourceGPS}
}

func hasPreference(t *testing.T, repo *repository.MemoryRepository, key string) bool {
	t.Helper()
	_, ok, err := repo.GetPreference(context.Background(), key)
	if err != nil {
		t.Fatalf("GetPreference(%s): %v", key, err)
	}
	return ok
}

func TestBackgroundThenRelaunchRecoversTracking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)}

	first := launch(t, repo, clock)
	if err := first.sup.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	activity, err := first.tracker.Start(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	first.tracker.RecordSample(ctx, fix(clock, 46.0, 7.0))

	if err := first.sup.HandleAppStateChange(ctx, types.AppBackground); err != nil {
		t.Fatalf("background: %v", err)
	}
	snap, err := first.sup.loadSnapshot(ctx)
	if err != nil || snap == nil || snap.RecoveryAttempts != 0 || snap.ActivityID != activity.ID {
		t.Fatalf("snapshot = %+v, %v", snap, err)
	}
	if !hasPreference(t, repo, keyHeartbeat) || !first.scheduler.registered(taskBackgroundPoll) {
		t.Fatal("heartbeat or polling missing after backgrounding")
	}

	clock.Advance(30 * time.Second)
	first.provider.Push(fix(clock, 46.001, 7.0))
	first.scheduler.run(t, taskBackgroundPoll)
	if n, _ := repo.CountTrackPoints(ctx, activity.ID); n != 2 {
		t.Errorf("track points after poll = %d, want 2", n)
	}

	// the process dies; relaunch 10s after the last heartbeat
	clock.Advance(10 * time.Second)
	second := launch(t, repo, clock)
	if err := second.sup.Initialize(ctx); err != nil {
		t.Fatalf("relaunch Initialize: %v", err)
	}

	state := second.tracker.State()
	if state.ActivityID != activity.ID || state.Status != types.ActivityActive || state.TrackPointCount != 2 {
		t.Errorf("restored state = %+v", state)
	}
	if !second.provider.Running() {
		t.Error("location updates not resumed")
	}
	if hasPreference(t, repo, keySnapshot) {
		t.Error("snapshot not cleared after recovery")
	}
	markers, _ := second.sup.CrashMarkers(ctx)
	if len(markers) != 1 || markers[0].SessionID != first.sup.SessionID() {
		t.Errorf("crash markers = %+v", markers)
	}
	if got := testutil.ToFloat64(second.metrics.RecoveryAttemptsTotal.WithLabelValues("success")); got != 1 {
		t.Errorf("recovery success metric = %v", got)
	}
}

func TestAttemptTrackingRecovery(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)
	config := DefaultConfig()

	tests := []struct {
		name         string
		snapshot     *types.RecoverySnapshot
		corrupt      bool
		createActive bool
		completed    bool
		elapsed      time.Duration
		want         bool
		wantKept     bool
		wantAttempts int
	}{
		{name: "no snapshot", want: false},
		{
			name:         "within budget",
			snapshot:     &types.RecoverySnapshot{ActivityID: "a1", OwnerID: "u", Status: types.ActivityActive, RecoveryAttempts: 1},
			createActive: true,
			elapsed:      time.Minute,
			want:         true,
		},
		{
			name:         "paused session",
			snapshot:     &types.RecoverySnapshot{ActivityID: "a1", OwnerID: "u", Status: types.ActivityPaused},
			createActive: true,
			elapsed:      time.Minute,
			want:         true,
		},
		{
			name:         "attempts exhausted",
			snapshot:     &types.RecoverySnapshot{ActivityID: "a1", OwnerID: "u", Status: types.ActivityActive, RecoveryAttempts: config.MaxRecoveryAttempts},
			createActive: true,
			elapsed:      time.Minute,
		},
		{
			name:         "timeout exceeded",
			snapshot:     &types.RecoverySnapshot{ActivityID: "a1", OwnerID: "u", Status: types.ActivityActive},
			createActive: true,
			elapsed:      config.RecoveryTimeout + time.Second,
		},
		{name: "undecodable", corrupt: true},
		{
			name:         "activity row missing",
			snapshot:     &types.RecoverySnapshot{ActivityID: "gone", OwnerID: "u", Status: types.ActivityActive},
			elapsed:      time.Minute,
			wantKept:     true,
			wantAttempts: 1,
		},
		{
			name:      "activity already completed",
			snapshot:  &types.RecoverySnapshot{ActivityID: "a1", OwnerID: "u", Status: types.ActivityActive},
			completed: true,
			elapsed:   time.Minute,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			repo := repository.NewMemoryRepository()
			clock := &testClock{now: base}
			d := launch(t, repo, clock)

			if tt.createActive {
				repo.CreateActivity(ctx, &types.Activity{ID: "a1", OwnerID: "u", StartedAt: base, Status: types.ActivityActive})
			}
			if tt.completed {
				repo.CreateActivity(ctx, &types.Activity{ID: "a1", OwnerID: "u", StartedAt: base, Status: types.ActivityCompleted})
			}
			if tt.snapshot != nil {
				tt.snapshot.SavedAt = base
				if err := saveRecord(ctx, repo, keySnapshot, tt.snapshot); err != nil {
					t.Fatal(err)
				}
			}
			if tt.corrupt {
				repo.SetPreference(ctx, keySnapshot, "{not json", true)
			}
			clock.Advance(tt.elapsed)

			if got := d.sup.AttemptTrackingRecovery(ctx); got != tt.want {
				t.Errorf("AttemptTrackingRecovery = %v, want %v", got, tt.want)
			}
			if kept := hasPreference(t, repo, keySnapshot); kept != tt.wantKept {
				t.Errorf("snapshot kept = %v, want %v", kept, tt.wantKept)
			}
			if tt.wantKept {
				snap, _ := d.sup.loadSnapshot(ctx)
				if snap.RecoveryAttempts != tt.wantAttempts {
					t.Errorf("attempts = %d, want %d", snap.RecoveryAttempts, tt.wantAttempts)
				}
			}
			if !tt.want && d.tracker.State().Tracking() {
				t.Errorf("tracker revived: %+v", d.tracker.State())
			}
			if tt.want {
				if got := d.tracker.State(); got.ActivityID != tt.snapshot.ActivityID || got.Status != tt.snapshot.Status {
					t.Errorf("tracker state = %+v", got)
				}
				if running := d.provider.Running(); running != (tt.snapshot.Status == types.ActivityActive) {
					t.Errorf("provider running = %v", running)
				}
			}
		})
	}
}

func TestRecoveryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)}
	d := launch(t, repo, clock)
	saveRecord(ctx, repo, keySnapshot, &types.RecoverySnapshot{ActivityID: "missing", Status: types.ActivityActive, SavedAt: clock.Now()})

	for i := range DefaultConfig().MaxRecoveryAttempts {
		if d.sup.AttemptTrackingRecovery(ctx) {
			t.Fatalf("attempt %d succeeded", i+1)
		}
		if !hasPreference(t, repo, keySnapshot) {
			t.Fatalf("snapshot discarded after attempt %d", i+1)
		}
	}
	if d.sup.AttemptTrackingRecovery(ctx) || hasPreference(t, repo, keySnapshot) {
		t.Error("exhausted snapshot was retried or kept")
	}
}

func TestPollTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)}
	d := launch(t, repo, clock)
	repo.CreateActivity(ctx, &types.Activity{ID: "a1", OwnerID: "u", StartedAt: clock.Now(), Status: types.ActivityActive})

	if err := d.sup.PollTick(ctx); err != nil {
		t.Fatalf("tick without snapshot: %v", err)
	}
	saveRecord(ctx, repo, keySnapshot, &types.RecoverySnapshot{ActivityID: "a1", Status: types.ActivityPaused, SavedAt: clock.Now()})
	d.provider.Push(fix(clock, 46, 7))
	if err := d.sup.PollTick(ctx); err != nil {
		t.Fatalf("tick while paused: %v", err)
	}
	if n, _ := repo.CountTrackPoints(ctx, "a1"); n != 0 {
		t.Fatalf("paused tick appended %d points", n)
	}

	// an active snapshot alone is not enough; the live session must agree
	saveRecord(ctx, repo, keySnapshot, &types.RecoverySnapshot{ActivityID: "a1", Status: types.ActivityActive, SavedAt: clock.Now()})
	if err := d.sup.PollTick(ctx); err != nil {
		t.Fatalf("tick without live session: %v", err)
	}
	if n, _ := repo.CountTrackPoints(ctx, "a1"); n != 0 {
		t.Fatalf("tick without live session appended %d points", n)
	}

	if err := d.tracker.Restore(ctx, types.TrackingState{ActivityID: "a1", OwnerID: "u", Status: types.ActivityActive, StartTime: clock.Now()}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	clock.Advance(time.Minute)
	if err := d.sup.PollTick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := d.tracker.State().TrackPointCount; got != 1 {
		t.Errorf("tracker points = %d, want 1", got)
	}
	snap, _ := d.sup.loadSnapshot(ctx)
	if snap.TrackPointCount != 1 || snap.LastLocation == nil || !snap.SavedAt.Equal(clock.Now()) {
		t.Errorf("snapshot after tick = %+v", snap)
	}
	hb, _ := d.sup.loadHeartbeat(ctx)
	if hb == nil || !hb.TrackingActive || !hb.Timestamp.Equal(clock.Now()) {
		t.Errorf("heartbeat = %+v", hb)
	}
	if got := testutil.ToFloat64(d.metrics.BackgroundTicksTotal.WithLabelValues("idle")); got != 3 {
		t.Errorf("idle ticks = %v", got)
	}
}

func TestPollTick_NoFixIsNotAnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Now()}
	d := launch(t, repo, clock)
	activity, err := d.tracker.Start(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	saveRecord(ctx, repo, keySnapshot, &types.RecoverySnapshot{ActivityID: activity.ID, Status: types.ActivityActive, SavedAt: clock.Now()})

	if err := d.sup.PollTick(ctx); err != nil {
		t.Errorf("PollTick without fix: %v", err)
	}
	if got := testutil.ToFloat64(d.metrics.BackgroundTicksTotal.WithLabelValues("no_fix")); got != 1 {
		t.Errorf("no_fix ticks = %v", got)
	}
}

func TestStopWhileBackgroundedEndsRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)}
	d := launch(t, repo, clock)

	activity, err := d.tracker.Start(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	d.tracker.RecordSample(ctx, fix(clock, 37.77, -122.41))
	if err := d.sup.HandleAppStateChange(ctx, types.AppBackground); err != nil {
		t.Fatalf("background: %v", err)
	}
	if _, err := d.tracker.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if d.scheduler.registered(taskBackgroundPoll) {
		t.Error("polling still registered after stop")
	}
	if hasPreference(t, repo, keySnapshot) || hasPreference(t, repo, keyHeartbeat) {
		t.Error("recovery state left behind after stop")
	}

	// a tick already in flight when the session ended
	clock.Advance(30 * time.Second)
	d.provider.Push(fix(clock, 37.78, -122.41))
	if err := d.sup.PollTick(ctx); err != nil {
		t.Fatalf("tick after stop: %v", err)
	}
	if n, _ := repo.CountTrackPoints(ctx, activity.ID); n != 1 {
		t.Errorf("track points after stop = %d, want 1", n)
	}

	if err := d.sup.HandleAppStateChange(ctx, types.AppActive); err != nil {
		t.Fatalf("foreground: %v", err)
	}
	if d.tracker.State().Tracking() || d.provider.Running() {
		t.Errorf("stopped session revived: state %+v, provider running %v", d.tracker.State(), d.provider.Running())
	}
	stored, err := repo.GetActivity(ctx, activity.ID)
	if err != nil || stored.Status != types.ActivityCompleted {
		t.Errorf("stored activity = %+v, %v", stored, err)
	}
}

func TestPauseWhileBackgroundedStopsPolling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)}
	d := launch(t, repo, clock)

	activity, err := d.tracker.Start(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.sup.HandleAppStateChange(ctx, types.AppBackground); err != nil {
		t.Fatalf("background: %v", err)
	}
	if err := d.tracker.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if d.scheduler.registered(taskBackgroundPoll) {
		t.Error("polling still registered while paused")
	}
	snap, _ := d.sup.loadSnapshot(ctx)
	if snap == nil || snap.Status != types.ActivityPaused {
		t.Fatalf("snapshot after pause = %+v", snap)
	}

	d.provider.Push(fix(clock, 46, 7))
	if err := d.sup.PollTick(ctx); err != nil {
		t.Fatalf("tick while paused: %v", err)
	}
	if n, _ := repo.CountTrackPoints(ctx, activity.ID); n != 0 {
		t.Errorf("paused session gained %d points", n)
	}

	if err := d.tracker.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !d.scheduler.registered(taskBackgroundPoll) {
		t.Fatal("polling not restarted on resume")
	}
	d.scheduler.run(t, taskBackgroundPoll)
	if n, _ := repo.CountTrackPoints(ctx, activity.ID); n != 1 {
		t.Errorf("track points after resume = %d, want 1", n)
	}
}

func TestForegroundStopsPolling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)}
	d := launch(t, repo, clock)
	d.tracker.Start(ctx, "user-1")

	d.sup.HandleAppStateChange(ctx, types.AppInactive)
	d.sup.HandleAppStateChange(ctx, types.AppBackground)
	clock.Advance(5 * time.Second)
	if err := d.sup.HandleAppStateChange(ctx, types.AppActive); err != nil {
		t.Fatal(err)
	}
	if d.scheduler.registered(taskBackgroundPoll) || d.scheduler.cancelled[taskBackgroundPoll] != 1 {
		t.Error("polling not cancelled on foreground")
	}
	if hasPreference(t, repo, keySnapshot) || hasPreference(t, repo, keyHeartbeat) {
		t.Error("recovery state left behind after foreground")
	}
	if !d.tracker.State().Tracking() {
		t.Error("tracking lost across foreground")
	}
	if err := d.sup.HandleAppStateChange(ctx, "suspended"); !errs.IsValidation(err) {
		t.Errorf("unknown state err = %v", err)
	}
}

func TestBackgroundWhileIdleDoesNotPoll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	d := launch(t, repo, &testClock{now: time.Now()})

	if err := d.sup.HandleAppStateChange(ctx, types.AppBackground); err != nil {
		t.Fatal(err)
	}
	if d.scheduler.registered(taskBackgroundPoll) || hasPreference(t, repo, keySnapshot) {
		t.Error("idle app started background tracking")
	}
	if err := d.sup.SaveTrackingStateForRecovery(ctx); !errs.IsValidation(err) {
		t.Errorf("save while idle err = %v", err)
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC)}
	d := launch(t, repo, clock)
	now := clock.Now()

	saveRecord(ctx, repo, keySnapshot, &types.RecoverySnapshot{ActivityID: "a1", SavedAt: now.Add(-25 * time.Hour)})
	saveRecord(ctx, repo, keyCrashMarkers, []types.CrashMarker{
		{SessionID: "old", DetectedAt: now.Add(-8 * 24 * time.Hour)},
		{SessionID: "recent", DetectedAt: now.Add(-time.Hour)},
	})

	if err := d.sup.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if hasPreference(t, repo, keySnapshot) {
		t.Error("stale snapshot kept")
	}
	markers, _ := d.sup.CrashMarkers(ctx)
	if len(markers) != 1 || markers[0].SessionID != "recent" {
		t.Errorf("markers = %+v", markers)
	}

	saveRecord(ctx, repo, keySnapshot, &types.RecoverySnapshot{ActivityID: "a2", SavedAt: now.Add(-time.Hour)})
	d.sup.Cleanup(ctx)
	if !hasPreference(t, repo, keySnapshot) {
		t.Error("fresh snapshot swept")
	}
}

func TestShutdownMarksCleanExit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	clock := &testClock{now: time.Date(2025, 8, 1, 6, 0, 0, 0, time.UTC)}

	first := launch(t, repo, clock)
	if err := first.sup.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if first.scheduler.intervals[taskCleanup] != DefaultConfig().CleanupInterval {
		t.Errorf("cleanup interval = %v", first.scheduler.intervals[taskCleanup])
	}
	if err := first.sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if first.scheduler.registered(taskCleanup) || hasPreference(t, repo, keySessionMarker) {
		t.Error("shutdown left the cleanup job or session marker")
	}

	second := launch(t, repo, clock)
	second.sup.Initialize(ctx)
	if markers, _ := second.sup.CrashMarkers(ctx); len(markers) != 0 {
		t.Errorf("clean exit recorded as crash: %+v", markers)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero attempts", func(c *Config) { c.MaxRecoveryAttempts = 0 }},
		{"negative timeout", func(c *Config) { c.RecoveryTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			if !errs.IsValidation(c.Validate()) {
				t.Errorf("Validate accepted %+v", c)
			}
		})
	}
}
