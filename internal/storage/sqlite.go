package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"market_watch/internal/model"
	"market_watch/migrations"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp,
// so lexical order in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z"

const monitorColumns = `id, user_id, keywords, excluded_keywords, min_price, max_price, conditions, sellers,
	status, interval_ms, next_check_at, last_check_time, last_result_count, api_call_count,
	notification_count, created_at, updated_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// DB exposes the connection so the job queue can share the same database.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// SetClock overrides the clock used for expiry decisions (useful for testing).
func (s *SQLite) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateUser inserts a user. Zero caps are replaced by the defaults.
func (s *SQLite) CreateUser(ctx context.Context, u *model.User) error {
	if u.MaxActiveMonitors == 0 {
		u.MaxActiveMonitors = model.DefaultMaxActiveMonitors
	}
	if u.MaxAPICallsPerHour == 0 {
		u.MaxAPICallsPerHour = model.DefaultMaxAPICallsPerHour
	}
	if u.MaxNotificationsPerDay == 0 {
		u.MaxNotificationsPerDay = model.DefaultMaxNotificationsPerDay
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, telegram_chat_id, last_logged_in, max_active_monitors,
		                    max_api_calls_per_hour, max_notifications_per_day, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.TelegramChatID, formatTimePtr(u.LastLoggedIn), u.MaxActiveMonitors,
		u.MaxAPICallsPerHour, u.MaxNotificationsPerDay, formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID, or an error wrapping model.ErrNotFound.
func (s *SQLite) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, telegram_chat_id, last_logged_in, max_active_monitors,
		        max_api_calls_per_hour, max_notifications_per_day, created_at
		 FROM users WHERE id = ?`, id,
	)
	var u model.User
	var lastLogin sql.NullString
	var created string
	err := row.Scan(&u.ID, &u.Email, &u.TelegramChatID, &lastLogin, &u.MaxActiveMonitors,
		&u.MaxAPICallsPerHour, &u.MaxNotificationsPerDay, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.LastLoggedIn = parseNullTime(lastLogin)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// TouchLogin records a login for the user.
func (s *SQLite) TouchLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_logged_in = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return expectOne(res, "user", id)
}

// SetTelegramChatID links a user to the Telegram chat notifications go to.
func (s *SQLite) SetTelegramChatID(ctx context.Context, id string, chatID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET telegram_chat_id = ? WHERE id = ?`, chatID, id)
	if err != nil {
		return fmt.Errorf("update telegram chat id: %w", err)
	}
	return expectOne(res, "user", id)
}

// CreateMonitor inserts a monitor and populates CreatedAt and UpdatedAt.
func (s *SQLite) CreateMonitor(ctx context.Context, m *model.Monitor) error {
	now := s.now().UTC().Truncate(time.Millisecond)
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = model.StatusInactive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitors (id, user_id, keywords, excluded_keywords, min_price, max_price, conditions,
		                       sellers, status, interval_ms, next_check_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, encodeList(m.Keywords), encodeList(m.ExcludedKeywords), m.MinPrice, m.MaxPrice,
		encodeList(m.Conditions), encodeList(m.Sellers), string(m.Status), m.IntervalMs,
		formatTimePtr(m.NextCheckAt), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert monitor: %w", err)
	}
	return nil
}

// GetMonitor returns a monitor by ID, or an error wrapping model.ErrNotFound.
func (s *SQLite) GetMonitor(ctx context.Context, id string) (*model.Monitor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = ?`, id)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("monitor %s: %w", id, model.ErrNotFound)
	}
	return m, err
}

// ListMonitors returns all monitors owned by the user.
func (s *SQLite) ListMonitors(ctx context.Context, userID string) ([]model.Monitor, error) {
	return s.queryMonitors(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE user_id = ? ORDER BY created_at, id`, userID)
}

// ListActiveMonitors returns every active monitor.
func (s *SQLite) ListActiveMonitors(ctx context.Context) ([]model.Monitor, error) {
	return s.queryMonitors(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE status = 'active' ORDER BY id`)
}

// ListMonitorsOfInactiveOwners returns active monitors whose owner has not logged in
// since the given time. Owners that never logged in are judged by their creation time.
func (s *SQLite) ListMonitorsOfInactiveOwners(ctx context.Context, since time.Time) ([]model.Monitor, error) {
	return s.queryMonitors(ctx,
		`SELECT `+prefixColumns("m.")+`
		 FROM monitors m JOIN users u ON u.id = m.user_id
		 WHERE m.status = 'active'
		   AND COALESCE(u.last_logged_in, u.created_at) < ?
		 ORDER BY m.id`,
		formatTime(since),
	)
}

// CountActiveMonitors returns how many active monitors the user owns.
func (s *SQLite) CountActiveMonitors(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitors WHERE user_id = ? AND status = 'active'`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active monitors: %w", err)
	}
	return n, nil
}

// UpdateMonitorFilters persists the search parameters of m and reports the
// status the row had at the moment of the write. Status, scheduling, and the
// bookkeeping counters are left alone.
func (s *SQLite) UpdateMonitorFilters(ctx context.Context, m *model.Monitor) (model.Status, error) {
	m.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE monitors SET keywords = ?, excluded_keywords = ?, min_price = ?, max_price = ?,
		        conditions = ?, sellers = ?, updated_at = ?
		 WHERE id = ?
		 RETURNING status`,
		encodeList(m.Keywords), encodeList(m.ExcludedKeywords), m.MinPrice, m.MaxPrice,
		encodeList(m.Conditions), encodeList(m.Sellers), formatTime(m.UpdatedAt), m.ID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("monitor %s: %w", m.ID, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("update monitor filters: %w", err)
	}
	return model.Status(status), nil
}

// SetMonitorInterval changes only the polling interval and reports the status
// the row had at the moment of the write.
func (s *SQLite) SetMonitorInterval(ctx context.Context, id string, intervalMs int64) (model.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE monitors SET interval_ms = ?, updated_at = ? WHERE id = ? RETURNING status`,
		intervalMs, formatTime(s.now()), id,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("monitor %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("set monitor interval: %w", err)
	}
	return model.Status(status), nil
}

// ActivateMonitor marks a monitor active unless its owner already has
// max_active_monitors active monitors. The count and the write happen in one
// statement. Activating an active monitor succeeds without a write.
func (s *SQLite) ActivateMonitor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET status = 'active', updated_at = ?
		 WHERE id = ?
		   AND status <> 'active'
		   AND (SELECT COUNT(*) FROM monitors o
		        WHERE o.user_id = monitors.user_id AND o.status = 'active')
		     < (SELECT u.max_active_monitors FROM users u WHERE u.id = monitors.user_id)`,
		formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("activate monitor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate monitor: %w", err)
	}
	if n == 1 {
		return nil
	}
	m, err := s.GetMonitor(ctx, id)
	if err != nil {
		return err
	}
	if m.IsActive() {
		return nil
	}
	return fmt.Errorf("activate monitor %s: %w", id, model.ErrQuotaExceeded)
}

// SetMonitorStatus changes only the status. Deactivation clears next_check_at.
func (s *SQLite) SetMonitorStatus(ctx context.Context, id string, status model.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET status = ?,
		        next_check_at = CASE WHEN ? = 'active' THEN next_check_at ELSE NULL END,
		        updated_at = ?
		 WHERE id = ?`,
		string(status), string(status), formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("set monitor status: %w", err)
	}
	return expectOne(res, "monitor", id)
}

// RecordCheck stores the bookkeeping of a completed poll and increments api_call_count.
// next_check_at is only advanced while the monitor is still active.
func (s *SQLite) RecordCheck(ctx context.Context, id string, checkedAt time.Time, resultCount int, nextCheckAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET last_check_time = ?, last_result_count = ?,
		        api_call_count = api_call_count + 1,
		        next_check_at = CASE WHEN status = 'active' THEN ? ELSE next_check_at END,
		        updated_at = ?
		 WHERE id = ?`,
		formatTime(checkedAt), resultCount, formatTime(nextCheckAt), formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("record check: %w", err)
	}
	return expectOne(res, "monitor", id)
}

// IncrementNotificationCount atomically adds one to notification_count.
func (s *SQLite) IncrementNotificationCount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitors SET notification_count = notification_count + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("increment notification count: %w", err)
	}
	return expectOne(res, "monitor", id)
}

// DeleteMonitor removes a monitor. Deleting a missing monitor returns model.ErrNotFound.
func (s *SQLite) DeleteMonitor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	return expectOne(res, "monitor", id)
}

func (s *SQLite) queryMonitors(ctx context.Context, query string, args ...any) ([]model.Monitor, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var monitors []model.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, *m)
	}
	return monitors, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMonitor(row scannable) (*model.Monitor, error) {
	var m model.Monitor
	var keywords, excluded, conditions, sellers, status, created, updated string
	var minPrice, maxPrice sql.NullFloat64
	var nextCheck, lastCheck sql.NullString
	err := row.Scan(&m.ID, &m.UserID, &keywords, &excluded, &minPrice, &maxPrice, &conditions, &sellers,
		&status, &m.IntervalMs, &nextCheck, &lastCheck, &m.LastResultCount, &m.APICallCount,
		&m.NotifyCount, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan monitor: %w", err)
	}
	m.Keywords = decodeList(keywords)
	m.ExcludedKeywords = decodeList(excluded)
	m.Conditions = decodeList(conditions)
	m.Sellers = decodeList(sellers)
	if minPrice.Valid {
		v := minPrice.Float64
		m.MinPrice = &v
	}
	if maxPrice.Valid {
		v := maxPrice.Float64
		m.MaxPrice = &v
	}
	m.Status = model.Status(status)
	m.NextCheckAt = parseNullTime(nextCheck)
	m.LastCheckTime = parseNullTime(lastCheck)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

func prefixColumns(prefix string) string {
	cols := strings.Split(monitorColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
	}
	return nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil || len(v) == 0 {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(TimeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
