// Package cache stores the last successful poll result of each monitor.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market_watch/internal/model"
)

// DefaultTTL is how long a snapshot stays usable for diffing.
const DefaultTTL = 24 * time.Hour

// KeyPrefix prefixes every snapshot key in the value store.
const KeyPrefix = "monitor:results:"

// Store is the expiring key-value store snapshots live in.
type Store interface {
	PutValue(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	DeleteValue(ctx context.Context, key string) error
}

// Cache reads and writes monitor snapshots.
type Cache struct {
	store Store
	ttl   time.Duration
}

// New returns a Cache over store. A non-positive ttl uses DefaultTTL.
func New(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl}
}

// Key returns the value-store key of a monitor's snapshot.
func Key(monitorID string) string {
	return KeyPrefix + monitorID
}

// Store replaces the monitor's snapshot.
func (c *Cache) Store(ctx context.Context, monitorID string, snap *model.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.store.PutValue(ctx, Key(monitorID), b, c.ttl); err != nil {
		return model.Transient("store snapshot", err)
	}
	return nil
}

// Load returns the monitor's snapshot. A missing or expired snapshot returns
// ok == false and no error.
func (c *Cache) Load(ctx context.Context, monitorID string) (*model.Snapshot, bool, error) {
	b, ok, err := c.store.GetValue(ctx, Key(monitorID))
	if err != nil {
		return nil, false, model.Transient("load snapshot", err)
	}
	if !ok {
		return nil, false, nil
	}
	var snap model.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		// An unreadable entry is as good as none.
		return nil, false, nil
	}
	return &snap, true, nil
}

// Clear deletes the monitor's snapshot. Clearing a missing snapshot is a no-op.
func (c *Cache) Clear(ctx context.Context, monitorID string) error {
	if err := c.store.DeleteValue(ctx, Key(monitorID)); err != nil {
		return model.Transient("clear snapshot", err)
	}
	return nil
}
