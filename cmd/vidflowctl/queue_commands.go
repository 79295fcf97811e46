package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vidflow/internal/app"
	"vidflow/internal/workflow"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect dispatcher queues",
	}
	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show the number of entries on each queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				depths, err := rt.Dispatcher.Depths(c)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, depths)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Queue", "Entries"},
					queueDepthRows(depths),
					[]columnAlignment{alignLeft, alignRight},
				))
				return nil
			})
		},
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	queueCmd.AddCommand(stats)
	return queueCmd
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired jobs now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(c context.Context, rt *app.Runtime) error {
				n, err := workflow.NewSweeper(rt.Store, rt.Bus, 0, rt.Logger).Sweep(c)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired job(s)\n", n)
				return nil
			})
		},
	}
}
