package worker

import (
	"context"
	"errors"
	"fmt"

	"market_watch/internal/diff"
	"market_watch/internal/filter"
	"market_watch/internal/marketplace"
	"market_watch/internal/model"
	"market_watch/internal/notifier"
)

// poll runs one polling cycle for a monitor.
func (w *Worker) poll(ctx context.Context, monitorID string) error {
	log := w.log.With("monitor_id", monitorID)

	m, err := w.Store.GetMonitor(ctx, monitorID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return err
		}
		return model.Transient("load monitor", err)
	}
	if !m.IsActive() {
		log.Debug("monitor inactive, skipping")
		return nil
	}
	log = log.With("user_id", m.UserID)

	allowed, err := w.Quotas.CheckAPICallQuota(ctx, m.UserID)
	if err != nil {
		return err
	}
	if !allowed {
		log.Info("api call quota exhausted, skipping cycle")
		return nil
	}

	prev, hadPrev, err := w.Snapshots.Load(ctx, monitorID)
	if err != nil {
		return err
	}

	res, err := w.Provider.Search(ctx, marketplace.QueryFor(m))
	if err != nil {
		var se *marketplace.StatusError
		if errors.As(err, &se) && se.Throttled() {
			log.Warn("marketplace throttled the search")
		}
		return fmt.Errorf("search marketplace: %w", err)
	}

	now := w.now().UTC()
	snap := &model.Snapshot{
		Items:     filter.ExcludeByTitle(res.Items, m.ExcludedKeywords),
		Total:     res.Total,
		Timestamp: now,
	}
	if snap.Items == nil {
		snap.Items = []model.Item{}
	}

	// A deactivation may have landed during the search.
	if active, err := w.stillActive(ctx, monitorID); err != nil || !active {
		return err
	}
	if err := w.Snapshots.Store(ctx, monitorID, snap); err != nil {
		return err
	}
	// Deactivation writes the status before clearing the snapshot, so a
	// snapshot stored after that clear is caught here.
	active, err := w.stillActive(ctx, monitorID)
	if err != nil {
		return err
	}
	if !active {
		log.Debug("monitor deactivated during poll, discarding snapshot")
		return w.Snapshots.Clear(ctx, monitorID)
	}

	if hadPrev {
		if fresh := diff.DetectNewItems(prev, snap); len(fresh) > 0 {
			w.notify(ctx, m, fresh)
		}
	}

	if err := w.Store.RecordCheck(ctx, monitorID, now, len(snap.Items), now.Add(m.Interval())); err != nil {
		return model.Transient("record check", err)
	}
	log.Debug("poll completed", "items", len(snap.Items), "first_run", !hadPrev)
	return nil
}

func (w *Worker) stillActive(ctx context.Context, monitorID string) (bool, error) {
	m, err := w.Store.GetMonitor(ctx, monitorID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, model.Transient("reload monitor", err)
	}
	return m.IsActive(), nil
}

// notify delivers new items once the owner's daily budget allows it.
// Delivery failures are logged and not retried.
func (w *Worker) notify(ctx context.Context, m *model.Monitor, items []model.Item) {
	log := w.log.With("monitor_id", m.ID, "user_id", m.UserID, "new_items", len(items))

	allowed, err := w.Quotas.CheckNotificationQuota(ctx, m.UserID)
	if err != nil {
		log.Error("check notification quota", "error", err)
		return
	}
	if !allowed {
		log.Info("notification quota exhausted, dropping notification")
		return
	}

	err = w.Notifier.Notify(ctx, notifier.Notification{
		UserID:    m.UserID,
		MonitorID: m.ID,
		Keywords:  m.Keywords,
		Items:     items,
	})
	if err != nil {
		log.Error("deliver notification", "error", err)
		return
	}
	if err := w.Store.IncrementNotificationCount(ctx, m.ID); err != nil {
		log.Error("count notification", "error", err)
	}
	log.Info("notified new listings")
}
