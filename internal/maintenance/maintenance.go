// Package maintenance reconciles the job schedules with the monitor store.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"market_watch/internal/model"
	"market_watch/internal/scheduler"
)

// DefaultInactiveAfter is how long an owner may stay away before their
// monitors are disabled.
const DefaultInactiveAfter = 72 * time.Hour

// Store is the subset of the monitor store the reconciler uses.
type Store interface {
	GetMonitor(ctx context.Context, id string) (*model.Monitor, error)
	ListActiveMonitors(ctx context.Context) ([]model.Monitor, error)
	ListMonitorsOfInactiveOwners(ctx context.Context, since time.Time) ([]model.Monitor, error)
	SetMonitorStatus(ctx context.Context, id string, status model.Status) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// Scheduler is the Job Scheduler contract.
type Scheduler interface {
	UpsertSchedule(ctx context.Context, monitorID string, interval time.Duration) error
	RemoveSchedule(ctx context.Context, monitorID string) (bool, error)
	ListSchedules(ctx context.Context) ([]string, error)
}

// Snapshots clears cached snapshots.
type Snapshots interface {
	Clear(ctx context.Context, monitorID string) error
}

// Report counts what one sweep changed.
type Report struct {
	Examined    int   `json:"examined"`
	Disabled    int   `json:"disabled"`
	Removed     int   `json:"removed"`
	Reinstalled int   `json:"reinstalled"`
	Purged      int64 `json:"purged"`
	Errors      int   `json:"errors"`
}

// Reconciler runs the inactive-owner and orphan sweeps.
type Reconciler struct {
	store         Store
	sched         Scheduler
	snaps         Snapshots
	inactiveAfter time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// New creates a Reconciler. A non-positive inactiveAfter uses DefaultInactiveAfter.
func New(store Store, sched Scheduler, snaps Snapshots, inactiveAfter time.Duration, log *slog.Logger) *Reconciler {
	if inactiveAfter <= 0 {
		inactiveAfter = DefaultInactiveAfter
	}
	return &Reconciler{
		store:         store,
		sched:         sched,
		snaps:         snaps,
		inactiveAfter: inactiveAfter,
		log:           log,
		now:           time.Now,
	}
}

// SetClock overrides the clock (useful for testing).
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// SweepInactiveOwners deactivates every active monitor whose owner has not
// logged in within the staleness threshold, removing its schedule and
// snapshot. Monitors are never deleted. Per-monitor failures are counted and
// the sweep continues.
func (r *Reconciler) SweepInactiveOwners(ctx context.Context) (*Report, error) {
	since := r.now().Add(-r.inactiveAfter)
	monitors, err := r.store.ListMonitorsOfInactiveOwners(ctx, since)
	if err != nil {
		return nil, model.Transient("list monitors of inactive owners", err)
	}

	rep := &Report{Examined: len(monitors)}
	for _, m := range monitors {
		log := r.log.With("monitor_id", m.ID, "user_id", m.UserID)
		if err := r.store.SetMonitorStatus(ctx, m.ID, model.StatusInactive); err != nil {
			rep.Errors++
			log.Error("disable monitor", "error", err)
			continue
		}
		if _, err := r.sched.RemoveSchedule(ctx, m.ID); err != nil {
			rep.Errors++
			log.Error("remove schedule", "error", err)
		}
		if err := r.snaps.Clear(ctx, m.ID); err != nil {
			rep.Errors++
			log.Error("clear snapshot", "error", err)
		}
		rep.Disabled++
		log.Info("disabled monitor of inactive owner")
	}

	r.log.Info("inactive owner sweep finished",
		"examined", rep.Examined, "disabled", rep.Disabled, "errors", rep.Errors)
	return rep, nil
}

// SweepOrphans removes monitor schedules with no active monitor behind them
// and clears their snapshots. It also reinstalls the schedule of any active
// monitor that has none, and purges expired cache entries and counters.
func (r *Reconciler) SweepOrphans(ctx context.Context) (*Report, error) {
	keys, err := r.sched.ListSchedules(ctx)
	if err != nil {
		return nil, model.Transient("list schedules", err)
	}

	rep := &Report{}
	scheduled := make(map[string]bool, len(keys))
	for _, key := range keys {
		id, ok := scheduler.MonitorIDFromKey(key)
		if !ok {
			continue
		}
		rep.Examined++
		log := r.log.With("monitor_id", id)

		m, err := r.store.GetMonitor(ctx, id)
		switch {
		case errors.Is(err, model.ErrNotFound):
		case err != nil:
			rep.Errors++
			log.Error("load monitor", "error", err)
			continue
		case m.IsActive():
			scheduled[id] = true
			continue
		}

		if _, err := r.sched.RemoveSchedule(ctx, id); err != nil {
			rep.Errors++
			log.Error("remove orphaned schedule", "error", err)
			continue
		}
		if err := r.snaps.Clear(ctx, id); err != nil {
			rep.Errors++
			log.Error("clear snapshot", "error", err)
		}
		rep.Removed++
		log.Warn("removed orphaned schedule", "event", "schedule_drift", "key", key)
	}

	r.reinstallMissing(ctx, scheduled, rep)

	if n, err := r.store.PurgeExpired(ctx); err != nil {
		rep.Errors++
		r.log.Error("purge expired entries", "error", err)
	} else {
		rep.Purged = n
	}

	r.log.Info("orphan sweep finished",
		"examined", rep.Examined, "removed", rep.Removed, "reinstalled", rep.Reinstalled,
		"purged", rep.Purged, "errors", rep.Errors)
	return rep, nil
}

// reinstallMissing schedules active monitors that lost their schedule, for
// example after a crash between the status write and the schedule install.
func (r *Reconciler) reinstallMissing(ctx context.Context, scheduled map[string]bool, rep *Report) {
	active, err := r.store.ListActiveMonitors(ctx)
	if err != nil {
		rep.Errors++
		r.log.Error("list active monitors", "error", err)
		return
	}
	for _, m := range active {
		if scheduled[m.ID] {
			continue
		}
		log := r.log.With("monitor_id", m.ID)
		// Re-read so a deactivation that raced the listing is not undone.
		cur, err := r.store.GetMonitor(ctx, m.ID)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				rep.Errors++
				log.Error("reload monitor", "error", err)
			}
			continue
		}
		if !cur.IsActive() {
			continue
		}
		if err := r.sched.UpsertSchedule(ctx, cur.ID, cur.Interval()); err != nil {
			rep.Errors++
			log.Error("reinstall schedule", "error", err)
			continue
		}
		if !r.stillActive(ctx, cur.ID, rep) {
			if _, err := r.sched.RemoveSchedule(ctx, cur.ID); err != nil {
				rep.Errors++
				log.Error("remove reinstalled schedule", "error", err)
			}
			log.Info("monitor went inactive during reinstall, schedule removed")
			continue
		}
		rep.Reinstalled++
		log.Warn("reinstalled missing schedule", "event", "schedule_drift", "interval", cur.Interval())
	}
}

// stillActive re-reads a monitor after its schedule was reinstalled. Read
// errors count against rep and keep the schedule.
func (r *Reconciler) stillActive(ctx context.Context, id string, rep *Report) bool {
	cur, err := r.store.GetMonitor(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return false
	}
	if err != nil {
		rep.Errors++
		r.log.Error("reload monitor", "monitor_id", id, "error", err)
		return true
	}
	return cur.IsActive()
}

// Run performs both sweeps and returns their reports.
func (r *Reconciler) Run(ctx context.Context) (inactive, orphans *Report, err error) {
	inactive, err = r.SweepInactiveOwners(ctx)
	if err != nil {
		return nil, nil, err
	}
	orphans, err = r.SweepOrphans(ctx)
	if err != nil {
		return inactive, nil, err
	}
	return inactive, orphans, nil
}
