// Package worker executes due jobs from the queue with bounded concurrency
// and a global throughput cap.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"market_watch/internal/jobs"
	"market_watch/internal/maintenance"
	"market_watch/internal/marketplace"
	"market_watch/internal/model"
	"market_watch/internal/notifier"
	"market_watch/internal/queue"
)

// Queue is the subset of the job queue the worker consumes.
type Queue interface {
	Promote(ctx context.Context) (int, error)
	RecoverStalled(ctx context.Context, stallAfter time.Duration) (int64, error)
	Claim(ctx context.Context) (*queue.Job, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, j *queue.Job, cause error, permanent bool) (bool, error)
}

// Store is the subset of the monitor store the worker reads and updates.
type Store interface {
	GetMonitor(ctx context.Context, id string) (*model.Monitor, error)
	RecordCheck(ctx context.Context, id string, checkedAt time.Time, resultCount int, nextCheckAt time.Time) error
	IncrementNotificationCount(ctx context.Context, id string) error
}

// Snapshots is the snapshot cache.
type Snapshots interface {
	Load(ctx context.Context, monitorID string) (*model.Snapshot, bool, error)
	Store(ctx context.Context, monitorID string, snap *model.Snapshot) error
	Clear(ctx context.Context, monitorID string) error
}

// Quotas consumes per-user budgets.
type Quotas interface {
	CheckAPICallQuota(ctx context.Context, userID string) (bool, error)
	CheckNotificationQuota(ctx context.Context, userID string) (bool, error)
}

// Maintenance runs the reconciliation sweeps.
type Maintenance interface {
	SweepInactiveOwners(ctx context.Context) (*maintenance.Report, error)
	SweepOrphans(ctx context.Context) (*maintenance.Report, error)
}

// Options tunes the worker pool.
type Options struct {
	Concurrency   int
	RatePerSecond float64
	PollInterval  time.Duration
	StallAfter    time.Duration
}

// DefaultOptions runs five jobs at a time, at most ten per second.
func DefaultOptions() Options {
	return Options{Concurrency: 5, RatePerSecond: 10, PollInterval: time.Second, StallAfter: 5 * time.Minute}
}

// Deps bundles the collaborators of a Worker.
type Deps struct {
	Queue       Queue
	Store       Store
	Snapshots   Snapshots
	Quotas      Quotas
	Provider    marketplace.Provider
	Notifier    notifier.Notifier
	Maintenance Maintenance
}

// Worker consumes jobs from the queue.
type Worker struct {
	Deps
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Worker.
func New(deps Deps, opts Options, log *slog.Logger) *Worker {
	def := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = def.RatePerSecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.StallAfter <= 0 {
		opts.StallAfter = def.StallAfter
	}
	burst := max(int(opts.RatePerSecond), 1)
	return &Worker{
		Deps:    deps,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst),
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the clock (useful for testing).
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// Run promotes due schedules and executes jobs until ctx is cancelled, then
// waits for in-flight jobs to finish. In-flight jobs are not cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.Queue.RecoverStalled(ctx, w.opts.StallAfter); err != nil {
		w.log.Error("recover stalled jobs", "error", err)
	} else if n > 0 {
		w.log.Warn("recovered stalled jobs", "count", n)
	}

	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	jobCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.log.Info("worker started", "concurrency", w.opts.Concurrency, "rate_per_second", w.opts.RatePerSecond)
	for {
		if _, err := w.Queue.Promote(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("promote schedules", "error", err)
		}
		w.drain(ctx, &g, jobCtx)

		select {
		case <-ctx.Done():
			w.log.Info("worker stopping, waiting for in-flight jobs")
			_ = g.Wait()
			return nil
		case <-ticker.C:
		}
	}
}

// drain claims runnable jobs until none is left or ctx is done. g.Go blocks
// while the pool is full, so at most one claimed job waits for a slot.
func (w *Worker) drain(ctx context.Context, g *errgroup.Group, jobCtx context.Context) {
	for ctx.Err() == nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		j, err := w.Queue.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Error("claim job", "error", err)
			}
			return
		}
		if j == nil {
			return
		}
		g.Go(func() error {
			w.execute(jobCtx, j)
			return nil
		})
	}
}

// ProcessNext promotes due schedules and runs one runnable job synchronously.
// It reports whether a job ran.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if _, err := w.Queue.Promote(ctx); err != nil {
		return false, err
	}
	j, err := w.Queue.Claim(ctx)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	w.execute(ctx, j)
	return true, nil
}

// RunDue recovers stalled claims, then runs due jobs one at a time until none
// is left, and reports how many ran. It suits one-shot invocations from cron.
func (w *Worker) RunDue(ctx context.Context) (int, error) {
	if _, err := w.Queue.RecoverStalled(ctx, w.opts.StallAfter); err != nil {
		return 0, err
	}
	n := 0
	for ctx.Err() == nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return n, err
		}
		ran, err := w.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

// execute runs j and settles it on the queue. Job errors stop here.
func (w *Worker) execute(ctx context.Context, j *queue.Job) {
	log := w.log.With("job_id", j.ID, "kind", j.Kind, "attempt", j.Attempts)
	start := w.now()

	err := w.dispatch(ctx, j)
	if err == nil {
		if err := w.Queue.Complete(ctx, j.ID); err != nil {
			log.Error("complete job", "error", err)
		}
		log.Debug("job completed", "duration", w.now().Sub(start))
		return
	}

	permanent := model.IsPermanent(err) || errors.Is(err, jobs.ErrUnknownKind)
	retry, ferr := w.Queue.Fail(ctx, j, err, permanent)
	if ferr != nil {
		log.Error("record job failure", "error", ferr, "cause", err)
		return
	}
	if retry {
		log.Warn("job failed, will retry", "error", err)
		return
	}
	log.Error("job failed", "error", err, "permanent", permanent)
}

func (w *Worker) dispatch(ctx context.Context, j *queue.Job) error {
	task, err := jobs.Decode(j.Kind, j.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	switch t := task.(type) {
	case jobs.PollMonitor:
		return w.poll(ctx, t.MonitorID)
	case jobs.DisableInactiveMonitors:
		if w.Maintenance == nil {
			return errors.New("maintenance is not configured")
		}
		_, err := w.Maintenance.SweepInactiveOwners(ctx)
		return err
	case jobs.CleanupOrphanedSchedules:
		if w.Maintenance == nil {
			return errors.New("maintenance is not configured")
		}
		_, err := w.Maintenance.SweepOrphans(ctx)
		return err
	default:
		return fmt.Errorf("%w: unhandled task %T", jobs.ErrUnknownKind, task)
	}
}
