// Package queue implements a durable recurring-job queue on top of SQLite.
//
// A scheduler row keyed by a deterministic string fires a job instance every
// interval. Instances move through waiting -> active -> (removed | delayed | failed).
// A scheduler never has more than one pending instance at a time.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// State is the lifecycle state of a job instance.
type State string

// Job states. Completed jobs are deleted, so there is no completed state.
const (
	StateWaiting State = "waiting"
	StateDelayed State = "delayed"
	StateActive  State = "active"
	StateFailed  State = "failed"
)

// Schedule is a recurring trigger registration.
type Schedule struct {
	Key       string
	Kind      string
	Payload   []byte
	Every     time.Duration
	NextRunAt time.Time
}

// Job is one enqueued instance of a schedule, or a one-off job.
type Job struct {
	ID           int64     `json:"id"`
	SchedulerKey string    `json:"schedulerKey,omitempty"`
	Kind         string    `json:"kind"`
	Payload      []byte    `json:"-"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"maxAttempts"`
	RunAt        time.Time `json:"runAt"`
	LastError    string    `json:"lastError,omitempty"`
}

// Options tunes retry behaviour.
type Options struct {
	Attempts    int
	BackoffBase time.Duration
}

// DefaultOptions mirrors three attempts with a one second exponential backoff.
func DefaultOptions() Options {
	return Options{Attempts: 3, BackoffBase: time.Second}
}

// Queue is a SQLite-backed job queue.
type Queue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// New returns a Queue using db, which must already carry the queue schema.
func New(db *sql.DB, opts Options) *Queue {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &Queue{db: db, opts: opts, now: time.Now}
}

// SetClock overrides the clock (useful for testing).
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// UpsertSchedule removes any scheduler stored under s.Key and installs s in
// its place inside one transaction, so exactly one scheduler survives.
// A zero NextRunAt fires the first instance immediately.
func (q *Queue) UpsertSchedule(ctx context.Context, s Schedule) error {
	if s.Key == "" {
		return errors.New("upsert schedule: empty key")
	}
	if s.Every <= 0 {
		return fmt.Errorf("upsert schedule %s: interval must be positive", s.Key)
	}
	now := q.now()
	next := s.NextRunAt
	if next.IsZero() {
		next = now
	}
	payload := s.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_schedulers WHERE key = ?`, s.Key); err != nil {
		return fmt.Errorf("remove previous schedule: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_schedulers (key, kind, payload, every_ms, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.Key, s.Kind, string(payload), s.Every.Milliseconds(), formatTime(next), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("install schedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schedule: %w", err)
	}
	return nil
}

// RemoveSchedule deletes the scheduler under key and reports whether it existed.
func (q *Queue) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM job_schedulers WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("remove schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RemoveJobs purges waiting, delayed, and active instances tied to key.
func (q *Queue) RemoveJobs(ctx context.Context, key string) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE scheduler_key = ? AND state IN ('waiting', 'delayed', 'active')`, key,
	)
	if err != nil {
		return 0, fmt.Errorf("remove jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// GetSchedule returns the scheduler under key, or nil when none exists.
func (q *Queue) GetSchedule(ctx context.Context, key string) (*Schedule, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT key, kind, payload, every_ms, next_run_at FROM job_schedulers WHERE key = ?`, key,
	)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListSchedules returns every live scheduler ordered by key.
func (q *Queue) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT key, kind, payload, every_ms, next_run_at FROM job_schedulers ORDER BY key`,
	)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Promote enqueues an instance for every due scheduler that has no pending
// instance and advances its next run by one interval. Missed intervals are
// not replayed. It returns the number of instances enqueued.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	now := q.now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT key, kind, payload, every_ms, next_run_at FROM job_schedulers WHERE next_run_at <= ? ORDER BY next_run_at`,
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("query due schedules: %w", err)
	}
	var due []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			_ = rows.Close()
			return 0, err
		}
		due = append(due, *s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("iterate due schedules: %w", err)
	}
	_ = rows.Close()

	enqueued := 0
	for _, s := range due {
		var pending int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE scheduler_key = ? AND state IN ('waiting', 'delayed', 'active')`, s.Key,
		).Scan(&pending)
		if err != nil {
			return 0, fmt.Errorf("count pending jobs: %w", err)
		}
		if pending == 0 {
			if _, err := insertJob(ctx, tx, s.Key, s.Kind, s.Payload, q.opts.Attempts, now, now); err != nil {
				return 0, err
			}
			enqueued++
		}
		next := s.NextRunAt.Add(s.Every)
		if !next.After(now) {
			next = now.Add(s.Every)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE job_schedulers SET next_run_at = ? WHERE key = ?`, formatTime(next), s.Key,
		); err != nil {
			return 0, fmt.Errorf("advance schedule: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit promote: %w", err)
	}
	return enqueued, nil
}

// Enqueue adds a one-off job that is not tied to a scheduler.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload []byte) (int64, error) {
	now := q.now()
	return insertJob(ctx, q.db, "", kind, payload, q.opts.Attempts, now, now)
}

// Claim marks the oldest runnable job active and returns it, or nil when none is due.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := q.now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, scheduler_key, kind, payload, state, attempts, max_attempts, run_at, last_error
		 FROM jobs WHERE state IN ('waiting', 'delayed') AND run_at <= ?
		 ORDER BY run_at, id LIMIT 1`,
		formatTime(now),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.State = StateActive
	j.Attempts++
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = 'active', attempts = ?, updated_at = ? WHERE id = ?`,
		j.Attempts, formatTime(now), j.ID,
	); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return j, nil
}

// Complete removes a finished job. Completing a purged job is a no-op.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail records cause against the job. Unless permanent is set or the attempts
// are exhausted, the job is delayed by BackoffBase * 2^(attempts-1) and
// Fail reports true. Failed jobs are retained for inspection.
func (q *Queue) Fail(ctx context.Context, j *Job, cause error, permanent bool) (bool, error) {
	now := q.now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	retry := !permanent && j.Attempts < j.MaxAttempts
	var res sql.Result
	var err error
	if retry {
		delay := q.opts.BackoffBase << max(j.Attempts-1, 0)
		res, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET state = 'delayed', run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			formatTime(now.Add(delay)), msg, formatTime(now), j.ID,
		)
	} else {
		res, err = q.db.ExecContext(ctx,
			`UPDATE jobs SET state = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
			msg, formatTime(now), j.ID,
		)
	}
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Purged while running; nothing left to retry.
		return false, nil
	}
	return retry, nil
}

// RecoverStalled returns active jobs untouched for longer than stallAfter to
// the waiting state so a crashed worker's claims are retried. The claim counts
// as an attempt.
func (q *Queue) RecoverStalled(ctx context.Context, stallAfter time.Duration) (int64, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'waiting', run_at = ?, last_error = 'stalled', updated_at = ?
		 WHERE state = 'active' AND updated_at <= ?`,
		formatTime(now), formatTime(now), formatTime(now.Add(-stallAfter)),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListJobs returns the instances tied to key, oldest first.
func (q *Queue) ListJobs(ctx context.Context, key string) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, scheduler_key, kind, payload, state, attempts, max_attempts, run_at, last_error
		 FROM jobs WHERE scheduler_key = ? ORDER BY id`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[State(st)] = n
	}
	return counts, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, db execer, key, kind string, payload []byte, attempts int, runAt, now time.Time) (int64, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO jobs (scheduler_key, kind, payload, state, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, 'waiting', 0, ?, ?, ?, ?)`,
		key, kind, string(payload), attempts, formatTime(runAt), formatTime(now), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSchedule(row scannable) (*Schedule, error) {
	var s Schedule
	var payload, next string
	var everyMs int64
	if err := row.Scan(&s.Key, &s.Kind, &payload, &everyMs, &next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	s.Payload = []byte(payload)
	s.Every = time.Duration(everyMs) * time.Millisecond
	s.NextRunAt, _ = time.Parse(timeLayout, next)
	return &s, nil
}

func scanJob(row scannable) (*Job, error) {
	var j Job
	var payload, state, runAt string
	err := row.Scan(&j.ID, &j.SchedulerKey, &j.Kind, &payload, &state, &j.Attempts, &j.MaxAttempts, &runAt, &j.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Payload = []byte(payload)
	j.State = State(state)
	j.RunAt, _ = time.Parse(timeLayout, runAt)
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
