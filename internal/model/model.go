// Package model defines the domain types used across the application.
package model

import "time"

// Status is the lifecycle state of a monitor.
type Status string

// Supported monitor statuses.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Monitor is a user-owned standing search subscription against the marketplace.
type Monitor struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	Keywords         []string   `json:"keywords"`
	ExcludedKeywords []string   `json:"excludedKeywords,omitempty"`
	MinPrice         *float64   `json:"minPrice,omitempty"`
	MaxPrice         *float64   `json:"maxPrice,omitempty"`
	Conditions       []string   `json:"conditions,omitempty"`
	Sellers          []string   `json:"sellers,omitempty"`
	Status           Status     `json:"status"`
	IntervalMs       int64      `json:"intervalMs"`
	NextCheckAt      *time.Time `json:"nextCheckAt,omitempty"`
	LastCheckTime    *time.Time `json:"lastCheckTime,omitempty"`
	LastResultCount  int        `json:"lastResultCount"`
	APICallCount     int64      `json:"apiCallCount"`
	NotifyCount      int64      `json:"notificationCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// IsActive reports whether the monitor is in the active state.
func (m *Monitor) IsActive() bool {
	return m.Status == StatusActive
}

// Interval returns the polling interval as a duration.
func (m *Monitor) Interval() time.Duration {
	return time.Duration(m.IntervalMs) * time.Millisecond
}

// User owns monitors and carries the per-user quota caps.
type User struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	TelegramChatID         int64      `json:"telegramChatId,omitempty"`
	LastLoggedIn           *time.Time `json:"lastLoggedIn,omitempty"`
	MaxActiveMonitors      int        `json:"maxActiveMonitors"`
	MaxAPICallsPerHour     int        `json:"maxApiCallsPerHour"`
	MaxNotificationsPerDay int        `json:"maxNotificationsPerDay"`
	CreatedAt              time.Time  `json:"createdAt"`
}

// Default per-user caps applied when a user is created without explicit limits.
const (
	DefaultMaxActiveMonitors      = 10
	DefaultMaxAPICallsPerHour     = 100
	DefaultMaxNotificationsPerDay = 50
)

// Item is a single marketplace listing. Only ID participates in identity.
type Item struct {
	ID        string  `json:"itemId"`
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency,omitempty"`
	Condition string  `json:"condition,omitempty"`
	Seller    string  `json:"seller,omitempty"`
	Link      string  `json:"link"`
	Image     string  `json:"image,omitempty"`
}

// Snapshot is the result set of one successful poll.
type Snapshot struct {
	Items     []Item    `json:"items"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}
