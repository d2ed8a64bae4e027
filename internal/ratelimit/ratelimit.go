// Package ratelimit enforces the per-user quotas on monitors, marketplace
// calls and notifications.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"market_watch/internal/model"
)

// Store is what the limiter needs from durable storage. Counters live in the
// shared store so every process sees the same quota state.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	CountActiveMonitors(ctx context.Context, userID string) (int, error)
	IncrementCounter(ctx context.Context, key string, limit int, expiresAt time.Time) (bool, error)
	CounterValue(ctx context.Context, key string) (int, error)
}

// Limiter checks and consumes user quotas.
type Limiter struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

// New returns a Limiter. Daily windows end at midnight in loc; a nil loc
// means time.Local.
func New(store Store, loc *time.Location) *Limiter {
	if loc == nil {
		loc = time.Local
	}
	return &Limiter{store: store, loc: loc, now: time.Now}
}

// SetClock overrides the clock (useful for testing).
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// APIKey is the hourly marketplace call counter of a user.
func APIKey(userID string) string { return "api:" + userID + ":hourly" }

// NotificationKey is the daily notification counter of a user.
func NotificationKey(userID string) string { return "notification:" + userID + ":daily" }

// CheckActiveMonitorQuota returns an error wrapping model.ErrQuotaExceeded
// when the user already runs their maximum number of active monitors.
func (l *Limiter) CheckActiveMonitorQuota(ctx context.Context, userID string) error {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	n, err := l.store.CountActiveMonitors(ctx, userID)
	if err != nil {
		return model.Transient("count active monitors", err)
	}
	if n >= u.MaxActiveMonitors {
		return fmt.Errorf("%w: user %s has %d of %d active monitors", model.ErrQuotaExceeded, userID, n, u.MaxActiveMonitors)
	}
	return nil
}

// CheckAPICallQuota consumes one marketplace call from the user's hourly
// budget. The window opens on the first call and lasts one hour.
func (l *Limiter) CheckAPICallQuota(ctx context.Context, userID string) (bool, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	ok, err := l.store.IncrementCounter(ctx, APIKey(userID), u.MaxAPICallsPerHour, l.now().Add(time.Hour))
	if err != nil {
		return false, model.Transient("check api quota", err)
	}
	return ok, nil
}

// CheckNotificationQuota consumes one notification from the user's daily
// budget. The window closes at the next local midnight.
func (l *Limiter) CheckNotificationQuota(ctx context.Context, userID string) (bool, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	ok, err := l.store.IncrementCounter(ctx, NotificationKey(userID), u.MaxNotificationsPerDay, l.nextMidnight())
	if err != nil {
		return false, model.Transient("check notification quota", err)
	}
	return ok, nil
}

// Usage is a read-only view of a user's quota consumption.
type Usage struct {
	ActiveMonitors    int `json:"activeMonitors"`
	MaxActiveMonitors int `json:"maxActiveMonitors"`
	APICalls          int `json:"apiCalls"`
	MaxAPICalls       int `json:"maxApiCalls"`
	Notifications     int `json:"notifications"`
	MaxNotifications  int `json:"maxNotifications"`
}

// Usage reports the user's current consumption without consuming anything.
func (l *Limiter) Usage(ctx context.Context, userID string) (*Usage, error) {
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	active, err := l.store.CountActiveMonitors(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count active monitors: %w", err)
	}
	calls, err := l.store.CounterValue(ctx, APIKey(userID))
	if err != nil {
		return nil, fmt.Errorf("read api counter: %w", err)
	}
	sent, err := l.store.CounterValue(ctx, NotificationKey(userID))
	if err != nil {
		return nil, fmt.Errorf("read notification counter: %w", err)
	}
	return &Usage{
		ActiveMonitors:    active,
		MaxActiveMonitors: u.MaxActiveMonitors,
		APICalls:          calls,
		MaxAPICalls:       u.MaxAPICallsPerHour,
		Notifications:     sent,
		MaxNotifications:  u.MaxNotificationsPerDay,
	}, nil
}

func (l *Limiter) nextMidnight() time.Time {
	now := l.now().In(l.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, l.loc)
}
