package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"market_watch/internal/cache"
	"market_watch/internal/config"
	"market_watch/internal/maintenance"
	"market_watch/internal/monitor"
	"market_watch/internal/queue"
	"market_watch/internal/ratelimit"
	"market_watch/internal/scheduler"
	"market_watch/internal/storage"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.SQLite
	queue      *queue.Queue
	sched      *scheduler.Scheduler
	snaps      *cache.Cache
	limiter    *ratelimit.Limiter
	monitors   *monitor.Service
	reconciler *maintenance.Reconciler
}

type globalFlags struct {
	envFile  string
	dbPath   string
	logLevel string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:           "watcher",
		Short:         "Marketplace monitor engine",
		Long:          "Polls marketplace searches on a schedule and notifies owners about new listings.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Path to an optional dotenv file")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "Path to the SQLite database (overrides DATABASE_PATH)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")

	root.AddCommand(
		newServeCmd(&flags),
		newSweepCmd(&flags),
		newInspectCmd(&flags),
		newUserCmd(&flags),
		newMonitorCmd(&flags),
	)
	return root
}

func openApp(flags *globalFlags) (*app, error) {
	cfg, err := config.LoadFile(flags.envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.dbPath != "" {
		cfg.DatabasePath = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}

	loc, err := cfg.QuotaLocation()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	q := queue.New(store.DB(), queue.Options{Attempts: cfg.JobAttempts, BackoffBase: cfg.JobBackoff})
	sched := scheduler.New(q, log)
	snaps := cache.New(store, cfg.SnapshotTTL)
	limiter := ratelimit.New(store, loc)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		queue:   q,
		sched:   sched,
		snaps:   snaps,
		limiter: limiter,
		monitors: monitor.NewService(store, sched, snaps, limiter, monitor.Options{
			MinInterval:     cfg.MinInterval,
			DefaultInterval: cfg.DefaultInterval,
		}, log),
		reconciler: maintenance.New(store, sched, snaps, cfg.InactiveAfter, log),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
