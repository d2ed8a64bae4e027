package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"market_watch/internal/model"
	"market_watch/internal/monitor"
)

type filterFlags struct {
	keywords   []string
	excluded   []string
	minPrice   float64
	maxPrice   float64
	conditions []string
	sellers    []string
}

func (f *filterFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&f.keywords, "keyword", "k", nil, "Search keyword or regular expression (repeatable)")
	fs.StringArrayVarP(&f.excluded, "exclude", "x", nil, "Drop listings whose title matches (repeatable)")
	fs.Float64Var(&f.minPrice, "min-price", 0, "Minimum price")
	fs.Float64Var(&f.maxPrice, "max-price", 0, "Maximum price")
	fs.StringSliceVar(&f.conditions, "condition", nil, "Accepted item conditions")
	fs.StringSliceVar(&f.sellers, "seller", nil, "Accepted sellers")
}

func (f *filterFlags) filters(fs *pflag.FlagSet) monitor.Filters {
	out := monitor.Filters{
		Keywords:         f.keywords,
		ExcludedKeywords: f.excluded,
		Conditions:       f.conditions,
		Sellers:          f.sellers,
	}
	if fs.Changed("min-price") {
		out.MinPrice = &f.minPrice
	}
	if fs.Changed("max-price") {
		out.MaxPrice = &f.maxPrice
	}
	return out
}

func newMonitorCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Manage monitors",
	}
	cmd.AddCommand(
		newMonitorCreateCmd(flags),
		newMonitorListCmd(flags),
		newMonitorUpdateCmd(flags),
		newMonitorIntervalCmd(flags),
		monitorAction(flags, "show", "Show a monitor, its schedule state, and its snapshot",
			func(ctx context.Context, svc *monitor.Service, id string) (any, error) { return svc.Status(ctx, id) }),
		monitorAction(flags, "activate", "Activate a monitor and schedule its polling",
			func(ctx context.Context, svc *monitor.Service, id string) (any, error) { return svc.Activate(ctx, id) }),
		monitorAction(flags, "deactivate", "Deactivate a monitor and drop its schedule",
			func(ctx context.Context, svc *monitor.Service, id string) (any, error) { return svc.Deactivate(ctx, id) }),
		monitorAction(flags, "toggle", "Flip a monitor between active and inactive",
			func(ctx context.Context, svc *monitor.Service, id string) (any, error) { return svc.Toggle(ctx, id) }),
		monitorAction(flags, "snapshot", "Print the cached result snapshot",
			func(ctx context.Context, svc *monitor.Service, id string) (any, error) {
				snap, ok, err := svc.GetSnapshot(ctx, id)
				if err != nil || !ok {
					return nil, err
				}
				return snap, nil
			}),
		monitorAction(flags, "delete", "Delete a monitor, its schedule, and its snapshot",
			func(ctx context.Context, svc *monitor.Service, id string) (any, error) {
				return map[string]string{"deleted": id}, svc.Delete(ctx, id)
			}),
	)
	return cmd
}

// monitorAction builds a subcommand taking a single monitor id.
func monitorAction(flags *globalFlags, use, short string, run func(context.Context, *monitor.Service, string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <monitor-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			v, err := run(cmd.Context(), a.monitors, args[0])
			if err != nil {
				return err
			}
			if v == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "null")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newMonitorCreateCmd(flags *globalFlags) *cobra.Command {
	var (
		ff       filterFlags
		userID   string
		interval time.Duration
		activate bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a monitor (inactive unless --activate is given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			m, err := a.monitors.Create(ctx, userID, ff.filters(cmd.Flags()), interval)
			if err != nil {
				return err
			}
			if activate {
				if m, err = a.monitors.Activate(ctx, m.ID); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	ff.register(cmd.Flags())
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Owner user ID")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Polling interval (default 30m)")
	cmd.Flags().BoolVar(&activate, "activate", false, "Activate the monitor right away")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("keyword")
	return cmd
}

func newMonitorListCmd(flags *globalFlags) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the monitors of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			list, err := a.monitors.List(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if list == nil {
				list = []model.Monitor{}
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "Owner user ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newMonitorUpdateCmd(flags *globalFlags) *cobra.Command {
	var ff filterFlags
	cmd := &cobra.Command{
		Use:   "update <monitor-id>",
		Short: "Replace the search parameters of a monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			m, err := a.monitors.Update(cmd.Context(), args[0], ff.filters(cmd.Flags()))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	ff.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("keyword")
	return cmd
}

func newMonitorIntervalCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "interval <monitor-id> <duration>",
		Short: "Change the polling interval of a monitor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("invalid interval %q: %w", args[1], err)
			}
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			m, err := a.monitors.UpdateInterval(cmd.Context(), args[0], d)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
}
