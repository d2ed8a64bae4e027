package maintenance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"market_watch/internal/cache"
	"market_watch/internal/model"
	"market_watch/internal/queue"
	"market_watch/internal/scheduler"
	"market_watch/internal/storage"
)

type env struct {
	store *storage.SQLite
	sched *scheduler.Scheduler
	cache *cache.Cache
	rec   *Reconciler
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	e := &env{store: s, now: time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }
	s.SetClock(clock)
	q := queue.New(s.DB(), queue.DefaultOptions())
	q.SetClock(clock)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.sched = scheduler.New(q, log)
	e.cache = cache.New(s, 0)
	e.rec = New(s, e.sched, e.cache, 0, log)
	e.rec.SetClock(clock)
	return e
}

func (e *env) addUser(t *testing.T, id string, lastLogin *time.Time) {
	t.Helper()
	u := &model.User{ID: id, Email: id + "@example.com", LastLoggedIn: lastLogin, CreatedAt: e.now.Add(-30 * 24 * time.Hour)}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func (e *env) addActiveMonitor(t *testing.T, id, userID string) {
	t.Helper()
	ctx := context.Background()
	m := &model.Monitor{ID: id, UserID: userID, Keywords: []string{"iphone"}, Status: model.StatusActive, IntervalMs: 1800000}
	if err := e.store.CreateMonitor(ctx, m); err != nil {
		t.Fatalf("create monitor: %v", err)
	}
	if err := e.sched.UpsertSchedule(ctx, id, m.Interval()); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}
	if err := e.cache.Store(ctx, id, &model.Snapshot{Items: []model.Item{{ID: "1"}}, Total: 1}); err != nil {
		t.Fatalf("store snapshot: %v", err)
	}
}

func (e *env) scheduleKeys(t *testing.T) []string {
	t.Helper()
	keys, err := e.sched.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	return keys
}

func (e *env) hasSnapshot(t *testing.T, id string) bool {
	t.Helper()
	_, ok, err := e.cache.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	return ok
}

func ptr[T any](v T) *T { return &v }

func TestSweepInactiveOwners(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.addUser(t, "stale", ptr(e.now.Add(-4*24*time.Hour)))
	e.addUser(t, "fresh", ptr(e.now.Add(-time.Hour)))
	e.addActiveMonitor(t, "m-stale", "stale")
	e.addActiveMonitor(t, "m-fresh", "fresh")

	rep, err := e.rec.SweepInactiveOwners(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if diff := cmp.Diff(&Report{Examined: 1, Disabled: 1}, rep); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	m, err := e.store.GetMonitor(ctx, "m-stale")
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	if diff := cmp.Diff(model.StatusInactive, m.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{scheduler.ScheduleKey("m-fresh")}, e.scheduleKeys(t)); diff != "" {
		t.Errorf("schedules mismatch (-want +got):\n%s", diff)
	}
	if e.hasSnapshot(t, "m-stale") {
		t.Error("snapshot of disabled monitor must be cleared")
	}
	if !e.hasSnapshot(t, "m-fresh") {
		t.Error("snapshot of fresh owner's monitor must survive")
	}

	// Second run changes nothing.
	before, _ := e.store.GetMonitor(ctx, "m-stale")
	rep, err = e.rec.SweepInactiveOwners(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if diff := cmp.Diff(&Report{}, rep); diff != "" {
		t.Errorf("second report mismatch (-want +got):\n%s", diff)
	}
	after, _ := e.store.GetMonitor(ctx, "m-stale")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("monitor changed on second sweep (-want +got):\n%s", diff)
	}
}

func TestSweepInactiveOwnersNeverLoggedIn(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// Created 30 days ago and never logged in.
	e.addUser(t, "ghost", nil)
	e.addActiveMonitor(t, "m1", "ghost")

	rep, err := e.rec.SweepInactiveOwners(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if diff := cmp.Diff(1, rep.Disabled); diff != "" {
		t.Errorf("disabled mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.addUser(t, "u1", ptr(e.now))
	e.addActiveMonitor(t, "live", "u1")

	// Schedule and snapshot for a monitor row that does not exist.
	if err := e.sched.UpsertSchedule(ctx, "X", time.Minute); err != nil {
		t.Fatalf("upsert orphan: %v", err)
	}
	if err := e.cache.Store(ctx, "X", &model.Snapshot{Items: []model.Item{{ID: "1"}}}); err != nil {
		t.Fatalf("store orphan snapshot: %v", err)
	}
	// Inactive monitor that still carries a schedule.
	e.addActiveMonitor(t, "paused", "u1")
	if err := e.store.SetMonitorStatus(ctx, "paused", model.StatusInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	// Maintenance schedules are not monitor schedules.
	if err := e.sched.InstallMaintenance(ctx, e.now, 24*time.Hour, 12*time.Hour); err != nil {
		t.Fatalf("install maintenance: %v", err)
	}

	rep, err := e.rec.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if diff := cmp.Diff(&Report{Examined: 3, Removed: 2}, rep); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	want := []string{scheduler.InactiveCleanupKey, scheduler.ScheduleKey("live"), scheduler.OrphanCleanupKey}
	if diff := cmp.Diff(want, e.scheduleKeys(t)); diff != "" {
		t.Errorf("schedules mismatch (-want +got):\n%s", diff)
	}
	if e.hasSnapshot(t, "X") || e.hasSnapshot(t, "paused") {
		t.Error("orphan snapshots must be cleared")
	}
	if !e.hasSnapshot(t, "live") {
		t.Error("live snapshot must survive")
	}

	rep, err = e.rec.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if diff := cmp.Diff(&Report{Examined: 1}, rep); diff != "" {
		t.Errorf("second report mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepOrphansReinstallsMissingSchedule(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.addUser(t, "u1", ptr(e.now))
	e.addActiveMonitor(t, "m1", "u1")
	// Simulate a crash between the status write and the schedule install.
	if _, err := e.sched.RemoveSchedule(ctx, "m1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	rep, err := e.rec.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if diff := cmp.Diff(1, rep.Reinstalled); diff != "" {
		t.Errorf("reinstalled mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{scheduler.ScheduleKey("m1")}, e.scheduleKeys(t)); diff != "" {
		t.Errorf("schedules mismatch (-want +got):\n%s", diff)
	}
}

// racingScheduler runs before once, ahead of the next schedule upsert.
type racingScheduler struct {
	*scheduler.Scheduler
	before func(ctx context.Context)
}

func (s *racingScheduler) UpsertSchedule(ctx context.Context, id string, interval time.Duration) error {
	if f := s.before; f != nil {
		s.before = nil
		f(ctx)
	}
	return s.Scheduler.UpsertSchedule(ctx, id, interval)
}

func TestSweepOrphansReinstallLosesToConcurrentChange(t *testing.T) {
	tests := []struct {
		name   string
		change func(ctx context.Context, e *env) error
	}{
		{
			name: "deactivated",
			change: func(ctx context.Context, e *env) error {
				if err := e.store.SetMonitorStatus(ctx, "m1", model.StatusInactive); err != nil {
					return err
				}
				_, err := e.sched.RemoveSchedule(ctx, "m1")
				return err
			},
		},
		{
			name: "deleted",
			change: func(ctx context.Context, e *env) error {
				return e.store.DeleteMonitor(ctx, "m1")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newEnv(t)
			e.addUser(t, "u1", ptr(e.now))
			e.addActiveMonitor(t, "m1", "u1")
			if _, err := e.sched.RemoveSchedule(ctx, "m1"); err != nil {
				t.Fatalf("remove: %v", err)
			}

			sc := &racingScheduler{Scheduler: e.sched, before: func(ctx context.Context) {
				if err := tt.change(ctx, e); err != nil {
					t.Errorf("concurrent change: %v", err)
				}
			}}
			rec := New(e.store, sc, e.cache, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
			rec.SetClock(func() time.Time { return e.now })

			rep, err := rec.SweepOrphans(ctx)
			if err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if diff := cmp.Diff(&Report{}, rep); diff != "" {
				t.Errorf("report mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(0, len(e.scheduleKeys(t))); diff != "" {
				t.Errorf("schedules mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSweepOrphansPurgesExpired(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if err := e.store.PutValue(ctx, "monitor:results:gone", []byte("{}"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	e.now = e.now.Add(2 * time.Minute)

	rep, err := e.rec.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if diff := cmp.Diff(int64(1), rep.Purged); diff != "" {
		t.Errorf("purged mismatch (-want +got):\n%s", diff)
	}
}
