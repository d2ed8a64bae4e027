// Package config handles application configuration from environment variables
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Marketplace providers.
const (
	ProviderBrowse = "browse"
	ProviderFeed   = "feed"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string

	TelegramBotToken string
	AllowedChats     []int64

	Provider      string
	APIURL        string
	AuthURL       string
	ClientID      string
	ClientSecret  string
	MarketplaceID string
	FeedURL       string
	SearchLimit   int

	WorkerConcurrency   int
	WorkerRatePerSecond float64
	QueuePollInterval   time.Duration
	JobAttempts         int
	JobBackoff          time.Duration

	MinInterval     time.Duration
	DefaultInterval time.Duration
	SnapshotTTL     time.Duration

	InactiveAfter      time.Duration
	InactiveSweepEvery time.Duration
	OrphanSweepEvery   time.Duration

	QuotaTimezone string
}

// Load reads configuration from the environment, falling back to ./.env.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads configuration from the environment, falling back to the
// dotenv file at path. A missing file is not an error. Variables set in the
// environment win over the file.
func LoadFile(path string) (*Config, error) {
	file, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	l := &loader{file: file}

	cfg := &Config{
		DatabasePath:     l.str("DATABASE_PATH", "./data/watcher.db"),
		LogLevel:         l.str("LOG_LEVEL", "info"),
		TelegramBotToken: l.str("TELEGRAM_BOT_TOKEN", ""),
		AllowedChats:     l.ids("ALLOWED_CHATS"),

		Provider:      strings.ToLower(l.str("MARKETPLACE_PROVIDER", ProviderBrowse)),
		APIURL:        l.str("MARKETPLACE_API_URL", "https://api.ebay.com/buy/browse/v1"),
		AuthURL:       l.str("MARKETPLACE_AUTH_URL", "https://api.ebay.com/identity/v1/oauth2/token"),
		ClientID:      l.str("MARKETPLACE_CLIENT_ID", ""),
		ClientSecret:  l.str("MARKETPLACE_CLIENT_SECRET", ""),
		MarketplaceID: l.str("MARKETPLACE_ID", "EBAY_US"),
		FeedURL:       l.str("MARKETPLACE_FEED_URL", ""),
		SearchLimit:   l.integer("SEARCH_LIMIT", 15),

		WorkerConcurrency:   l.integer("WORKER_CONCURRENCY", 5),
		WorkerRatePerSecond: l.float("WORKER_RATE_PER_SECOND", 10),
		QueuePollInterval:   l.duration("QUEUE_POLL_INTERVAL", time.Second),
		JobAttempts:         l.integer("JOB_ATTEMPTS", 3),
		JobBackoff:          l.duration("JOB_BACKOFF", time.Second),

		MinInterval:     l.millis("MIN_INTERVAL_MS", time.Minute),
		DefaultInterval: l.millis("DEFAULT_INTERVAL_MS", 30*time.Minute),
		SnapshotTTL:     l.duration("SNAPSHOT_TTL", 24*time.Hour),

		InactiveAfter:      l.duration("INACTIVE_AFTER", 72*time.Hour),
		InactiveSweepEvery: l.duration("INACTIVE_SWEEP_EVERY", 24*time.Hour),
		OrphanSweepEvery:   l.duration("ORPHAN_SWEEP_EVERY", 12*time.Hour),

		QuotaTimezone: l.str("QUOTA_TIMEZONE", "Local"),
	}
	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Provider {
	case ProviderBrowse:
		if c.ClientID == "" || c.ClientSecret == "" {
			errs = append(errs, errors.New("MARKETPLACE_CLIENT_ID and MARKETPLACE_CLIENT_SECRET are required for the browse provider"))
		}
	case ProviderFeed:
		if c.FeedURL == "" {
			errs = append(errs, errors.New("MARKETPLACE_FEED_URL is required for the feed provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("MARKETPLACE_PROVIDER %q: want %s or %s", c.Provider, ProviderBrowse, ProviderFeed))
	}
	for name, v := range map[string]int{
		"SEARCH_LIMIT":       c.SearchLimit,
		"WORKER_CONCURRENCY": c.WorkerConcurrency,
		"JOB_ATTEMPTS":       c.JobAttempts,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.WorkerRatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_RATE_PER_SECOND must be positive, got %v", c.WorkerRatePerSecond))
	}
	if c.DefaultInterval < c.MinInterval {
		errs = append(errs, fmt.Errorf("DEFAULT_INTERVAL_MS %s is below MIN_INTERVAL_MS %s", c.DefaultInterval, c.MinInterval))
	}
	if _, err := c.QuotaLocation(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// QuotaLocation returns the time zone daily quotas reset in.
func (c *Config) QuotaLocation() (*time.Location, error) {
	if c.QuotaTimezone == "" || c.QuotaTimezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return nil, fmt.Errorf("QUOTA_TIMEZONE: %w", err)
	}
	return loc, nil
}

type loader struct {
	file map[string]string
	errs []error
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v := strings.TrimSpace(l.file[key]); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	raw := l.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (l *loader) float(key string, def float64) float64 {
	raw := l.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	raw := l.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return v
}

func (l *loader) millis(key string, def time.Duration) time.Duration {
	raw := l.str(key, "")
	if raw == "" {
		return def
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// ids parses a comma-separated list of chat ids.
func (l *loader) ids(key string) []int64 {
	var out []int64
	for _, s := range strings.Split(l.str(key, ""), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("invalid chat ID %q in %s: %w", s, key, err))
			continue
		}
		out = append(out, id)
	}
	return out
}
