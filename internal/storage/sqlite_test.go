package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"market_watch/internal/model"
)

var ignoreMonitorTS = cmpopts.IgnoreFields(model.Monitor{}, "CreatedAt", "UpdatedAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func createUser(t *testing.T, s *SQLite, id string) *model.User {
	t.Helper()
	u := &model.User{ID: id, Email: id + "@example.com"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestMonitorCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	createUser(t, s, "u1")

	tests := []struct {
		name    string
		monitor model.Monitor
	}{
		{
			name: "all filters set",
			monitor: model.Monitor{
				ID:               "m1",
				UserID:           "u1",
				Keywords:         []string{"iphone", "15"},
				ExcludedKeywords: []string{"case"},
				MinPrice:         ptr(100.0),
				MaxPrice:         ptr(900.5),
				Conditions:       []string{"NEW"},
				Sellers:          []string{"shop-a"},
				Status:           model.StatusInactive,
				IntervalMs:       1800000,
			},
		},
		{
			name: "keywords only",
			monitor: model.Monitor{
				ID:         "m2",
				UserID:     "u1",
				Keywords:   []string{"lego"},
				Status:     model.StatusActive,
				IntervalMs: 60000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.monitor
			if err := s.CreateMonitor(ctx, &m); err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := s.GetMonitor(ctx, m.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(tt.monitor, *got, ignoreMonitorTS); diff != "" {
				t.Errorf("GetMonitor mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetMonitorNotFound(t *testing.T) {
	s := newTestDB(t)
	_, err := s.GetMonitor(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetMonitorStatusClearsNextCheck(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	createUser(t, s, "u1")

	next := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := model.Monitor{ID: "m1", UserID: "u1", Keywords: []string{"x"}, Status: model.StatusActive, IntervalMs: 60000, NextCheckAt: &next}
	if err := s.CreateMonitor(ctx, &m); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.SetMonitorStatus(ctx, "m1", model.StatusInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, err := s.GetMonitor(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(model.StatusInactive, got.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if got.NextCheckAt != nil {
		t.Errorf("expected NextCheckAt cleared, got %v", got.NextCheckAt)
	}

	if err := s.SetMonitorStatus(ctx, "missing", model.StatusInactive); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing monitor, got %v", err)
	}
}

func TestRecordCheckAndCounters(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	createUser(t, s, "u1")

	m := model.Monitor{ID: "m1", UserID: "u1", Keywords: []string{"x"}, Status: model.StatusActive, IntervalMs: 60000}
	if err := s.CreateMonitor(ctx, &m); err != nil {
		t.Fatalf("create: %v", err)
	}

	checked := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	next := checked.Add(time.Minute)
	for i := 0; i < 2; i++ {
		if err := s.RecordCheck(ctx, "m1", checked, 6, next); err != nil {
			t.Fatalf("record check: %v", err)
		}
	}
	if err := s.IncrementNotificationCount(ctx, "m1"); err != nil {
		t.Fatalf("increment notifications: %v", err)
	}

	got, err := s.GetMonitor(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(int64(2), got.APICallCount); diff != "" {
		t.Errorf("api call count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(int64(1), got.NotifyCount); diff != "" {
		t.Errorf("notification count mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(6, got.LastResultCount); diff != "" {
		t.Errorf("last result count mismatch (-want +got):\n%s", diff)
	}
	if got.LastCheckTime == nil || !got.LastCheckTime.Equal(checked) {
		t.Errorf("LastCheckTime = %v, want %v", got.LastCheckTime, checked)
	}
	if got.NextCheckAt == nil || !got.NextCheckAt.Equal(next) {
		t.Errorf("NextCheckAt = %v, want %v", got.NextCheckAt, next)
	}

	// Filter writes must not clobber the atomic counters.
	got.Keywords = []string{"y"}
	if _, err := s.UpdateMonitorFilters(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := s.GetMonitor(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(int64(2), again.APICallCount); diff != "" {
		t.Errorf("api call count after update (-want +got):\n%s", diff)
	}
}

func TestNarrowWritesKeepStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	createUser(t, s, "u1")

	m := model.Monitor{ID: "m1", UserID: "u1", Keywords: []string{"x"}, Status: model.StatusActive, IntervalMs: 60000}
	if err := s.CreateMonitor(ctx, &m); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A deactivation from elsewhere lands after m was read.
	if err := s.SetMonitorStatus(ctx, "m1", model.StatusInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}

	m.Keywords = []string{"y"}
	status, err := s.UpdateMonitorFilters(ctx, &m)
	if err != nil {
		t.Fatalf("update filters: %v", err)
	}
	if diff := cmp.Diff(model.StatusInactive, status); diff != "" {
		t.Errorf("UpdateMonitorFilters status mismatch (-want +got):\n%s", diff)
	}

	status, err = s.SetMonitorInterval(ctx, "m1", 120000)
	if err != nil {
		t.Fatalf("set interval: %v", err)
	}
	if diff := cmp.Diff(model.StatusInactive, status); diff != "" {
		t.Errorf("SetMonitorInterval status mismatch (-want +got):\n%s", diff)
	}

	got, err := s.GetMonitor(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := model.Monitor{ID: "m1", UserID: "u1", Keywords: []string{"y"}, Status: model.StatusInactive, IntervalMs: 120000}
	if diff := cmp.Diff(want, *got, ignoreMonitorTS); diff != "" {
		t.Errorf("GetMonitor mismatch (-want +got):\n%s", diff)
	}

	missing := model.Monitor{ID: "missing"}
	if _, err := s.UpdateMonitorFilters(ctx, &missing); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("UpdateMonitorFilters(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.SetMonitorInterval(ctx, "missing", 60000); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("SetMonitorInterval(missing) = %v, want ErrNotFound", err)
	}
}

func TestActivateMonitorEnforcesQuota(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	if err := s.CreateUser(ctx, &model.User{ID: "u1", MaxActiveMonitors: 2}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	createUser(t, s, "u2")
	for _, m := range []model.Monitor{
		{ID: "a", UserID: "u1"},
		{ID: "b", UserID: "u1"},
		{ID: "c", UserID: "u1"},
		{ID: "other", UserID: "u2"},
	} {
		m.Keywords = []string{"x"}
		m.Status = model.StatusInactive
		m.IntervalMs = 60000
		if err := s.CreateMonitor(ctx, &m); err != nil {
			t.Fatalf("create %s: %v", m.ID, err)
		}
	}

	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{name: "first", id: "a"},
		{name: "second", id: "b"},
		{name: "already active", id: "a"},
		{name: "over quota", id: "c", wantErr: model.ErrQuotaExceeded},
		{name: "other owner", id: "other"},
		{name: "missing", id: "missing", wantErr: model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ActivateMonitor(ctx, tt.id)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("ActivateMonitor(%s): %v", tt.id, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("ActivateMonitor(%s) = %v, want %v", tt.id, err, tt.wantErr)
			}
		})
	}

	n, err := s.CountActiveMonitors(ctx, "u1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if diff := cmp.Diff(2, n); diff != "" {
		t.Errorf("active monitors mismatch (-want +got):\n%s", diff)
	}
	c, err := s.GetMonitor(ctx, "c")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(model.StatusInactive, c.Status); diff != "" {
		t.Errorf("over-quota monitor status (-want +got):\n%s", diff)
	}
}

func TestListMonitorsOfInactiveOwners(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	stale := now.Add(-4 * 24 * time.Hour)
	fresh := now.Add(-time.Hour)

	for _, u := range []model.User{
		{ID: "stale", LastLoggedIn: &stale},
		{ID: "fresh", LastLoggedIn: &fresh},
		{ID: "never", CreatedAt: stale},
	} {
		u := u
		if err := s.CreateUser(ctx, &u); err != nil {
			t.Fatalf("create user %s: %v", u.ID, err)
		}
	}
	for _, m := range []model.Monitor{
		{ID: "a", UserID: "stale", Status: model.StatusActive, IntervalMs: 60000},
		{ID: "b", UserID: "stale", Status: model.StatusInactive, IntervalMs: 60000},
		{ID: "c", UserID: "fresh", Status: model.StatusActive, IntervalMs: 60000},
		{ID: "d", UserID: "never", Status: model.StatusActive, IntervalMs: 60000},
	} {
		m := m
		if err := s.CreateMonitor(ctx, &m); err != nil {
			t.Fatalf("create monitor %s: %v", m.ID, err)
		}
	}

	got, err := s.ListMonitorsOfInactiveOwners(ctx, now.Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]string{"a", "d"}, ids); diff != "" {
		t.Errorf("inactive owner monitors mismatch (-want +got):\n%s", diff)
	}

	n, err := s.CountActiveMonitors(ctx, "stale")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if diff := cmp.Diff(1, n); diff != "" {
		t.Errorf("active count mismatch (-want +got):\n%s", diff)
	}
}

func TestValueExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if err := s.PutValue(ctx, "k", []byte("v1"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.PutValue(ctx, "k", []byte("v2"), time.Hour); err != nil {
		t.Fatalf("put again: %v", err)
	}
	got, ok, err := s.GetValue(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff("v2", string(got)); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}

	now = now.Add(time.Hour)
	if _, ok, _ := s.GetValue(ctx, "k"); ok {
		t.Error("expected value to be expired")
	}
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if diff := cmp.Diff(int64(1), n); diff != "" {
		t.Errorf("purged count mismatch (-want +got):\n%s", diff)
	}

	if err := s.DeleteValue(ctx, "absent"); err != nil {
		t.Errorf("delete absent: %v", err)
	}
}

func TestIncrementCounter(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	var got []bool
	for i := 0; i < 4; i++ {
		ok, err := s.IncrementCounter(ctx, "c", 3, now.Add(time.Hour))
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		got = append(got, ok)
	}
	if diff := cmp.Diff([]bool{true, true, true, false}, got); diff != "" {
		t.Errorf("increment results mismatch (-want +got):\n%s", diff)
	}
	v, err := s.CounterValue(ctx, "c")
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if diff := cmp.Diff(3, v); diff != "" {
		t.Errorf("counter value mismatch (-want +got):\n%s", diff)
	}

	// A later increment within the window does not extend the expiry.
	now = now.Add(59 * time.Minute)
	if ok, _ := s.IncrementCounter(ctx, "c", 3, now.Add(time.Hour)); ok {
		t.Error("expected denial inside window")
	}

	now = now.Add(time.Minute)
	ok, err := s.IncrementCounter(ctx, "c", 3, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("increment after window: %v", err)
	}
	if !ok {
		t.Error("expected a fresh window to allow")
	}
	v, _ = s.CounterValue(ctx, "c")
	if diff := cmp.Diff(1, v); diff != "" {
		t.Errorf("counter after reset mismatch (-want +got):\n%s", diff)
	}
}

func TestUserLoginAndChatLink(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	createUser(t, s, "u1")

	at := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	if err := s.TouchLogin(ctx, "u1", at); err != nil {
		t.Fatalf("touch login: %v", err)
	}
	if err := s.SetTelegramChatID(ctx, "u1", 4242); err != nil {
		t.Fatalf("set chat id: %v", err)
	}

	got, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if diff := cmp.Diff(int64(4242), got.TelegramChatID); diff != "" {
		t.Errorf("chat id mismatch (-want +got):\n%s", diff)
	}
	if got.LastLoggedIn == nil || !got.LastLoggedIn.Equal(at) {
		t.Errorf("LastLoggedIn = %v, want %v", got.LastLoggedIn, at)
	}

	if err := s.SetTelegramChatID(ctx, "missing", 1); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing user, got %v", err)
	}
}
