// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"market_watch/internal/model"
)

// Storage is the interface for all durable state: the monitor store of record,
// expiring key-value entries, and windowed counters.
type Storage interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
	SetTelegramChatID(ctx context.Context, id string, chatID int64) error

	CreateMonitor(ctx context.Context, m *model.Monitor) error
	GetMonitor(ctx context.Context, id string) (*model.Monitor, error)
	ListMonitors(ctx context.Context, userID string) ([]model.Monitor, error)
	ListActiveMonitors(ctx context.Context) ([]model.Monitor, error)
	ListMonitorsOfInactiveOwners(ctx context.Context, since time.Time) ([]model.Monitor, error)
	CountActiveMonitors(ctx context.Context, userID string) (int, error)
	UpdateMonitorFilters(ctx context.Context, m *model.Monitor) (model.Status, error)
	SetMonitorInterval(ctx context.Context, id string, intervalMs int64) (model.Status, error)
	ActivateMonitor(ctx context.Context, id string) error
	SetMonitorStatus(ctx context.Context, id string, status model.Status) error
	RecordCheck(ctx context.Context, id string, checkedAt time.Time, resultCount int, nextCheckAt time.Time) error
	IncrementNotificationCount(ctx context.Context, id string) error
	DeleteMonitor(ctx context.Context, id string) error

	PutValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	DeleteValue(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context) (int64, error)

	IncrementCounter(ctx context.Context, key string, limit int, expiresAt time.Time) (bool, error)
	CounterValue(ctx context.Context, key string) (int, error)

	Close() error
}
