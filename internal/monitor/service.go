// Package monitor implements the monitor lifecycle: every status or interval
// change is written to the store first and then mirrored onto the schedule.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"market_watch/internal/filter"
	"market_watch/internal/model"
	"market_watch/internal/queue"
	"market_watch/internal/scheduler"
)

// Default interval bounds.
const (
	DefaultMinInterval = time.Minute
	DefaultInterval    = 30 * time.Minute
)

// Store is the subset of the monitor store the service uses.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateMonitor(ctx context.Context, m *model.Monitor) error
	GetMonitor(ctx context.Context, id string) (*model.Monitor, error)
	ListMonitors(ctx context.Context, userID string) ([]model.Monitor, error)
	UpdateMonitorFilters(ctx context.Context, m *model.Monitor) (model.Status, error)
	SetMonitorInterval(ctx context.Context, id string, intervalMs int64) (model.Status, error)
	ActivateMonitor(ctx context.Context, id string) error
	SetMonitorStatus(ctx context.Context, id string, status model.Status) error
	DeleteMonitor(ctx context.Context, id string) error
}

// Scheduler is the Job Scheduler contract.
type Scheduler interface {
	UpsertSchedule(ctx context.Context, monitorID string, interval time.Duration) error
	RemoveSchedule(ctx context.Context, monitorID string) (bool, error)
	ListSchedules(ctx context.Context) ([]string, error)
	PendingJobs(ctx context.Context, monitorID string) ([]queue.Job, error)
}

// Snapshots is the snapshot cache.
type Snapshots interface {
	Load(ctx context.Context, monitorID string) (*model.Snapshot, bool, error)
	Clear(ctx context.Context, monitorID string) error
}

// Quotas checks the active monitor quota.
type Quotas interface {
	CheckActiveMonitorQuota(ctx context.Context, userID string) error
}

// Options bounds the polling interval.
type Options struct {
	MinInterval     time.Duration
	DefaultInterval time.Duration
}

// Filters are the search parameters of a monitor.
type Filters struct {
	Keywords         []string
	ExcludedKeywords []string
	MinPrice         *float64
	MaxPrice         *float64
	Conditions       []string
	Sellers          []string
}

// Service runs monitor lifecycle operations.
type Service struct {
	store  Store
	sched  Scheduler
	snaps  Snapshots
	quotas Quotas
	opts   Options
	log    *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, sched Scheduler, snaps Snapshots, quotas Quotas, opts Options, log *slog.Logger) *Service {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultInterval
	}
	if opts.DefaultInterval < opts.MinInterval {
		opts.DefaultInterval = opts.MinInterval
	}
	return &Service{store: store, sched: sched, snaps: snaps, quotas: quotas, opts: opts, log: log}
}

// Create stores a new inactive monitor for userID. A zero interval uses the
// default interval.
func (s *Service) Create(ctx context.Context, userID string, f Filters, interval time.Duration) (*model.Monitor, error) {
	if err := validateFilters(f); err != nil {
		return nil, err
	}
	if interval == 0 {
		interval = s.opts.DefaultInterval
	}
	if err := s.validateInterval(interval); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.quotas.CheckActiveMonitorQuota(ctx, userID); err != nil {
		return nil, err
	}

	m := &model.Monitor{
		ID:     uuid.NewString(),
		UserID: userID,
		Status: model.StatusInactive,
	}
	applyFilters(m, f)
	m.IntervalMs = interval.Milliseconds()
	if err := s.store.CreateMonitor(ctx, m); err != nil {
		return nil, fmt.Errorf("create monitor: %w", err)
	}
	s.log.Info("monitor created", "monitor_id", m.ID, "user_id", userID, "interval", interval)
	return m, nil
}

// Get returns a monitor.
func (s *Service) Get(ctx context.Context, id string) (*model.Monitor, error) {
	return s.store.GetMonitor(ctx, id)
}

// List returns the monitors of a user.
func (s *Service) List(ctx context.Context, userID string) ([]model.Monitor, error) {
	return s.store.ListMonitors(ctx, userID)
}

// Activate marks a monitor active and installs its schedule. Activating an
// active monitor is a no-op. The quota is enforced by the status write
// itself, so concurrent activations cannot exceed it.
func (s *Service) Activate(ctx context.Context, id string) (*model.Monitor, error) {
	m, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsActive() {
		return m, nil
	}
	if err := s.quotas.CheckActiveMonitorQuota(ctx, m.UserID); err != nil {
		return nil, err
	}

	if err := s.store.ActivateMonitor(ctx, id); err != nil {
		return nil, err
	}
	if err := s.sched.UpsertSchedule(ctx, id, m.Interval()); err != nil {
		s.rollbackStatus(ctx, id, model.StatusInactive)
		return nil, err
	}
	cur, err := s.settleSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("monitor activated", "monitor_id", id, "status", cur.Status)
	return cur, nil
}

// Deactivate marks a monitor inactive, removes its schedule and pending runs,
// and clears its snapshot. Deactivating an inactive monitor is a no-op apart
// from the cleanup.
func (s *Service) Deactivate(ctx context.Context, id string) (*model.Monitor, error) {
	m, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := m.Status

	if err := s.store.SetMonitorStatus(ctx, id, model.StatusInactive); err != nil {
		return nil, fmt.Errorf("deactivate monitor: %w", err)
	}
	if _, err := s.sched.RemoveSchedule(ctx, id); err != nil {
		if prev == model.StatusActive {
			s.rollbackStatus(ctx, id, prev)
		}
		return nil, err
	}
	if err := s.snaps.Clear(ctx, id); err != nil {
		return nil, err
	}
	m.Status = model.StatusInactive
	m.NextCheckAt = nil
	s.log.Info("monitor deactivated", "monitor_id", id)
	return m, nil
}

// Toggle flips a monitor between active and inactive.
func (s *Service) Toggle(ctx context.Context, id string) (*model.Monitor, error) {
	m, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.IsActive() {
		return s.Deactivate(ctx, id)
	}
	return s.Activate(ctx, id)
}

// UpdateInterval changes the polling interval. An active monitor's schedule
// is replaced with one carrying the new interval.
func (s *Service) UpdateInterval(ctx context.Context, id string, interval time.Duration) (*model.Monitor, error) {
	if err := s.validateInterval(interval); err != nil {
		return nil, err
	}
	m, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := m.IntervalMs
	status, err := s.store.SetMonitorInterval(ctx, id, interval.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("update interval: %w", err)
	}
	if status == model.StatusActive {
		if err := s.sched.UpsertSchedule(ctx, id, interval); err != nil {
			if _, rerr := s.store.SetMonitorInterval(ctx, id, prev); rerr != nil {
				s.log.Error("roll back interval", "monitor_id", id, "error", rerr)
			}
			return nil, err
		}
		m, err = s.settleSchedule(ctx, id)
	} else {
		m, err = s.store.GetMonitor(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("monitor interval updated", "monitor_id", id, "interval", interval)
	return m, nil
}

// Update replaces the search parameters. The snapshot is cleared so the next
// poll establishes a new baseline instead of reporting the new result set.
func (s *Service) Update(ctx context.Context, id string, f Filters) (*model.Monitor, error) {
	if err := validateFilters(f); err != nil {
		return nil, err
	}
	m, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	applyFilters(m, f)
	status, err := s.store.UpdateMonitorFilters(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("update monitor: %w", err)
	}
	m.Status = status
	if status != model.StatusActive {
		m.NextCheckAt = nil
	}
	if err := s.snaps.Clear(ctx, id); err != nil {
		return nil, err
	}
	s.log.Info("monitor updated", "monitor_id", id)
	return m, nil
}

// Delete removes a monitor, its schedule and its snapshot.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteMonitor(ctx, id); err != nil {
		return err
	}
	if _, err := s.sched.RemoveSchedule(ctx, id); err != nil {
		return err
	}
	if err := s.snaps.Clear(ctx, id); err != nil {
		return err
	}
	s.log.Info("monitor deleted", "monitor_id", id)
	return nil
}

// GetSnapshot returns the last snapshot of a monitor, or ok == false when
// none is cached.
func (s *Service) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, bool, error) {
	if _, err := s.store.GetMonitor(ctx, id); err != nil {
		return nil, false, err
	}
	return s.snaps.Load(ctx, id)
}

// StatusReport describes a monitor together with its derived state.
type StatusReport struct {
	Monitor   *model.Monitor  `json:"monitor"`
	Scheduled bool            `json:"scheduled"`
	Jobs      []queue.Job     `json:"jobs"`
	Snapshot  *model.Snapshot `json:"snapshot,omitempty"`
}

// Status returns the monitor, whether it is scheduled, the pending and failed
// instances of its schedule, and its snapshot.
func (s *Service) Status(ctx context.Context, id string) (*StatusReport, error) {
	m, err := s.store.GetMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	keys, err := s.sched.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.sched.PendingJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.snaps.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Monitor:   m,
		Scheduled: slices.Contains(keys, scheduler.ScheduleKey(id)),
		Jobs:      pending,
		Snapshot:  snap,
	}, nil
}

// settleSchedule re-reads a monitor after its schedule was installed. A
// deactivation or delete that landed in between wins: the schedule is
// removed again.
func (s *Service) settleSchedule(ctx context.Context, id string) (*model.Monitor, error) {
	cur, err := s.store.GetMonitor(ctx, id)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if cur != nil && cur.IsActive() {
		return cur, nil
	}
	if _, rerr := s.sched.RemoveSchedule(ctx, id); rerr != nil {
		return nil, rerr
	}
	s.log.Info("monitor went inactive while scheduling, schedule removed", "monitor_id", id)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *Service) rollbackStatus(ctx context.Context, id string, status model.Status) {
	if err := s.store.SetMonitorStatus(ctx, id, status); err != nil {
		s.log.Error("roll back monitor status", "monitor_id", id, "status", status, "error", err)
	}
}

func (s *Service) validateInterval(d time.Duration) error {
	if d < s.opts.MinInterval {
		return fmt.Errorf("%w: interval %s is below the minimum of %s", model.ErrInvalidArgument, d, s.opts.MinInterval)
	}
	return nil
}

func validateFilters(f Filters) error {
	if len(f.Keywords) == 0 {
		return fmt.Errorf("%w: at least one keyword is required", model.ErrInvalidArgument)
	}
	for _, kw := range slices.Concat(f.Keywords, f.ExcludedKeywords) {
		if err := filter.ValidateKeyword(kw); err != nil {
			return err
		}
	}
	for _, kw := range f.ExcludedKeywords {
		if err := filter.ValidateRegex(kw); err != nil {
			return fmt.Errorf("%w: excluded keyword %q: %v", model.ErrInvalidArgument, kw, err)
		}
	}
	if f.MinPrice != nil && *f.MinPrice < 0 {
		return fmt.Errorf("%w: minimum price must not be negative", model.ErrInvalidArgument)
	}
	if f.MinPrice != nil && f.MaxPrice != nil && *f.MinPrice > *f.MaxPrice {
		return fmt.Errorf("%w: minimum price exceeds maximum price", model.ErrInvalidArgument)
	}
	return nil
}

func applyFilters(m *model.Monitor, f Filters) {
	m.Keywords = f.Keywords
	m.ExcludedKeywords = f.ExcludedKeywords
	m.MinPrice = f.MinPrice
	m.MaxPrice = f.MaxPrice
	m.Conditions = f.Conditions
	m.Sellers = f.Sellers
}

