package main

import (
	"github.com/spf13/cobra"

	"market_watch/internal/inspect"
)

func newInspectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Start the MCP stdio inspection server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			return inspect.New(inspect.Deps{
				Monitors:    a.monitors,
				Schedules:   a.sched,
				Queue:       a.queue,
				Quotas:      a.limiter,
				Maintenance: a.reconciler,
			}, version).Serve()
		},
	}
}
