// Package notifier delivers new-listing notifications to monitor owners.
package notifier

import (
	"context"
	"log/slog"

	"market_watch/internal/model"
)

// Notification is one batch of new listings for a monitor.
type Notification struct {
	UserID    string
	MonitorID string
	Keywords  []string
	Items     []model.Item
}

// Notifier delivers notifications. Delivery is fire-and-forget for callers:
// a returned error is logged, never retried.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log writes notifications to the logger instead of delivering them.
type Log struct {
	log *slog.Logger
}

// NewLog returns a Log notifier.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

// Notify logs n.
func (l *Log) Notify(_ context.Context, n Notification) error {
	l.log.Info("new listings",
		"user_id", n.UserID,
		"monitor_id", n.MonitorID,
		"count", len(n.Items),
	)
	for _, it := range n.Items {
		l.log.Debug("new listing", "monitor_id", n.MonitorID, "item_id", it.ID, "title", it.Title, "price", it.Price, "link", it.Link)
	}
	return nil
}
