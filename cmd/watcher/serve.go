package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"market_watch/internal/config"
	"market_watch/internal/marketplace"
	"market_watch/internal/notifier"
	"market_watch/internal/worker"
)

const httpTimeout = 30 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the poll worker, maintenance schedules, and Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if once {
				n, err := a.runDue(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"ran": n})
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run every due job once and exit instead of serving")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	w, tg, err := a.newWorker()
	if err != nil {
		return err
	}
	if err := a.sched.InstallMaintenance(ctx, time.Now(), a.cfg.InactiveSweepEvery, a.cfg.OrphanSweepEvery); err != nil {
		return err
	}

	a.log.Info("starting watcher",
		"provider", a.cfg.Provider,
		"concurrency", a.cfg.WorkerConcurrency,
		"rate_per_second", a.cfg.WorkerRatePerSecond,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	if tg != nil {
		g.Go(func() error {
			tg.Run(ctx)
			return nil
		})
	}
	err = g.Wait()
	a.log.Info("watcher stopped")
	return err
}

// runDue drains the queue once without starting the Telegram listener.
func (a *app) runDue(ctx context.Context) (int, error) {
	w, _, err := a.newWorker()
	if err != nil {
		return 0, err
	}
	if err := a.sched.InstallMaintenance(ctx, time.Now(), a.cfg.InactiveSweepEvery, a.cfg.OrphanSweepEvery); err != nil {
		return 0, err
	}
	n, err := w.RunDue(ctx)
	a.log.Info("due jobs finished", "ran", n)
	return n, err
}

// newWorker builds the poll worker. The Telegram notifier is returned when
// a bot token is configured.
func (a *app) newWorker() (*worker.Worker, *notifier.Telegram, error) {
	provider, err := a.newProvider()
	if err != nil {
		return nil, nil, err
	}

	var note notifier.Notifier = notifier.NewLog(a.log)
	var tg *notifier.Telegram
	if a.cfg.TelegramBotToken != "" {
		tg, err = notifier.NewTelegram(a.cfg.TelegramBotToken, a.store, a.cfg.AllowedChats, a.log)
		if err != nil {
			return nil, nil, err
		}
		note = tg
	} else {
		a.log.Warn("TELEGRAM_BOT_TOKEN not set, notifications are only logged")
	}

	w := worker.New(worker.Deps{
		Queue:       a.queue,
		Store:       a.store,
		Snapshots:   a.snaps,
		Quotas:      a.limiter,
		Provider:    provider,
		Notifier:    note,
		Maintenance: a.reconciler,
	}, worker.Options{
		Concurrency:   a.cfg.WorkerConcurrency,
		RatePerSecond: a.cfg.WorkerRatePerSecond,
		PollInterval:  a.cfg.QueuePollInterval,
	}, a.log)
	return w, tg, nil
}

func (a *app) newProvider() (marketplace.Provider, error) {
	client := marketplace.NewHTTPClient(httpTimeout)
	switch a.cfg.Provider {
	case config.ProviderFeed:
		feed, err := marketplace.NewFeedClient(client, a.cfg.FeedURL, a.cfg.SearchLimit)
		if err != nil {
			return nil, err
		}
		return feed, nil
	case config.ProviderBrowse:
		browse, err := marketplace.NewBrowseClient(client, marketplace.BrowseConfig{
			APIURL:        a.cfg.APIURL,
			AuthURL:       a.cfg.AuthURL,
			ClientID:      a.cfg.ClientID,
			ClientSecret:  a.cfg.ClientSecret,
			MarketplaceID: a.cfg.MarketplaceID,
			Limit:         a.cfg.SearchLimit,
		})
		if err != nil {
			return nil, err
		}
		return browse, nil
	}
	return nil, fmt.Errorf("unknown marketplace provider %q", a.cfg.Provider)
}
