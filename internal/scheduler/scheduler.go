// Package scheduler keeps one recurring polling schedule per active monitor.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"market_watch/internal/jobs"
	"market_watch/internal/queue"
)

// MonitorKeyPrefix prefixes every monitor schedule key.
const MonitorKeyPrefix = "monitor:"

// Deterministic keys of the maintenance schedules.
const (
	InactiveCleanupKey = "inactive-monitor-cleanup"
	OrphanCleanupKey   = "orphaned-job-cleanup"
)

// Queue is the subset of the job queue the scheduler drives.
type Queue interface {
	UpsertSchedule(ctx context.Context, s queue.Schedule) error
	RemoveSchedule(ctx context.Context, key string) (bool, error)
	RemoveJobs(ctx context.Context, key string) (int64, error)
	ListSchedules(ctx context.Context) ([]queue.Schedule, error)
	GetSchedule(ctx context.Context, key string) (*queue.Schedule, error)
	ListJobs(ctx context.Context, key string) ([]queue.Job, error)
	Enqueue(ctx context.Context, kind string, payload []byte) (int64, error)
}

// Scheduler owns the schedule entries backing monitor polling.
type Scheduler struct {
	queue Queue
	log   *slog.Logger
}

// New creates a Scheduler over q.
func New(q Queue, log *slog.Logger) *Scheduler {
	return &Scheduler{queue: q, log: log}
}

// ScheduleKey returns the deterministic schedule key for a monitor.
func ScheduleKey(monitorID string) string {
	return MonitorKeyPrefix + monitorID
}

// MonitorIDFromKey extracts the monitor id from a monitor schedule key.
func MonitorIDFromKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, MonitorKeyPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// UpsertSchedule replaces any schedule for monitorID with one firing every interval.
// Repeated calls leave exactly one schedule carrying the latest interval.
func (s *Scheduler) UpsertSchedule(ctx context.Context, monitorID string, interval time.Duration) error {
	kind, payload, err := jobs.Encode(jobs.PollMonitor{MonitorID: monitorID})
	if err != nil {
		return err
	}
	err = s.queue.UpsertSchedule(ctx, queue.Schedule{
		Key:     ScheduleKey(monitorID),
		Kind:    kind,
		Payload: payload,
		Every:   interval,
	})
	if err != nil {
		return fmt.Errorf("upsert schedule for monitor %s: %w", monitorID, err)
	}
	s.log.Debug("schedule installed", "monitor_id", monitorID, "interval", interval)
	return nil
}

// RemoveSchedule deletes the monitor's schedule and purges its not-yet-run
// instances. It reports whether a schedule was found; absence is not an error.
func (s *Scheduler) RemoveSchedule(ctx context.Context, monitorID string) (bool, error) {
	key := ScheduleKey(monitorID)
	found, err := s.queue.RemoveSchedule(ctx, key)
	if err != nil {
		return false, fmt.Errorf("remove schedule for monitor %s: %w", monitorID, err)
	}
	purged, err := s.queue.RemoveJobs(ctx, key)
	if err != nil {
		return found, fmt.Errorf("purge jobs for monitor %s: %w", monitorID, err)
	}
	s.log.Debug("schedule removed", "monitor_id", monitorID, "found", found, "purged_jobs", purged)
	return found, nil
}

// ListSchedules returns every live schedule key, including maintenance schedules.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]string, error) {
	list, err := s.queue.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	keys := make([]string, 0, len(list))
	for _, sc := range list {
		keys = append(keys, sc.Key)
	}
	return keys, nil
}

// PendingJobs returns the instances of the monitor's schedule that have not
// completed yet, including retained failures.
func (s *Scheduler) PendingJobs(ctx context.Context, monitorID string) ([]queue.Job, error) {
	list, err := s.queue.ListJobs(ctx, ScheduleKey(monitorID))
	if err != nil {
		return nil, fmt.Errorf("list jobs for monitor %s: %w", monitorID, err)
	}
	return list, nil
}

// EnqueueOnce queues a single run of t outside any schedule and returns the
// job id. The next worker pass picks it up.
func (s *Scheduler) EnqueueOnce(ctx context.Context, t jobs.Task) (int64, error) {
	kind, payload, err := jobs.Encode(t)
	if err != nil {
		return 0, err
	}
	id, err := s.queue.Enqueue(ctx, kind, payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	s.log.Info("job enqueued", "job_id", id, "kind", kind)
	return id, nil
}

// InstallMaintenance upserts the two maintenance sweeps. The first firing of
// each is one full interval away. A sweep already scheduled with the same
// interval keeps its next run so restarts do not postpone it.
func (s *Scheduler) InstallMaintenance(ctx context.Context, now time.Time, inactiveEvery, orphanEvery time.Duration) error {
	for _, m := range []struct {
		key   string
		task  jobs.Task
		every time.Duration
	}{
		{InactiveCleanupKey, jobs.DisableInactiveMonitors{}, inactiveEvery},
		{OrphanCleanupKey, jobs.CleanupOrphanedSchedules{}, orphanEvery},
	} {
		existing, err := s.queue.GetSchedule(ctx, m.key)
		if err != nil {
			return fmt.Errorf("get schedule %s: %w", m.key, err)
		}
		if existing != nil && existing.Every == m.every {
			continue
		}
		kind, payload, err := jobs.Encode(m.task)
		if err != nil {
			return err
		}
		err = s.queue.UpsertSchedule(ctx, queue.Schedule{
			Key:       m.key,
			Kind:      kind,
			Payload:   payload,
			Every:     m.every,
			NextRunAt: now.Add(m.every),
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", m.key, err)
		}
		s.log.Info("scheduled maintenance", "key", m.key, "every", m.every)
	}
	return nil
}
