package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"market_watch/internal/jobs"
	"market_watch/internal/maintenance"
)

func newSweepCmd(flags *globalFlags) *cobra.Command {
	var only string
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the maintenance sweeps once and print their reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			if enqueue {
				ids, err := a.enqueueSweeps(ctx, only)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ids)
			}
			out := map[string]*maintenance.Report{}
			switch only {
			case "":
				inactive, orphans, err := a.reconciler.Run(ctx)
				if err != nil {
					return err
				}
				out["inactive"], out["orphans"] = inactive, orphans
			case "inactive":
				if out["inactive"], err = a.reconciler.SweepInactiveOwners(ctx); err != nil {
					return err
				}
			case "orphans":
				if out["orphans"], err = a.reconciler.SweepOrphans(ctx); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown sweep %q: want inactive or orphans", only)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&only, "only", "", "Run a single sweep: inactive or orphans")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Queue the sweeps for the running worker instead of running them here")
	return cmd
}

// enqueueSweeps queues one-off sweep jobs and returns their ids by sweep name.
func (a *app) enqueueSweeps(ctx context.Context, only string) (map[string]int64, error) {
	tasks := map[string]jobs.Task{
		"inactive": jobs.DisableInactiveMonitors{},
		"orphans":  jobs.CleanupOrphanedSchedules{},
	}
	if only != "" {
		t, ok := tasks[only]
		if !ok {
			return nil, fmt.Errorf("unknown sweep %q: want inactive or orphans", only)
		}
		tasks = map[string]jobs.Task{only: t}
	}
	ids := make(map[string]int64, len(tasks))
	for name, t := range tasks {
		id, err := a.sched.EnqueueOnce(ctx, t)
		if err != nil {
			return nil, err
		}
		ids[name] = id
	}
	return ids, nil
}
