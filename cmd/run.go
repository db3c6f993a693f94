package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ops API, the task workers and scheduled discovery cycles",
		Long: `Starts the HTTP API (health, metrics and review backlogs), consumes the task
queue and, when scheduler.cycle_interval is set, runs a discovery and scan cycle
on that interval. Stops on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			if err := appInstance.Run(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		}),
	}
}

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Consume the task queue without serving HTTP",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			if err := appInstance.Work(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("work: %w", err)
			}
			return nil
		}),
	}
}

func newDiscoverCmd() *cobra.Command {
	var (
		drain bool
		poll  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run one discovery cycle and scan the items that are due",
		Long: `Walks every enabled discovery endpoint, records new items, then fetches due
items and captures changed content as evidence. With --drain the tasks the
cycle produced (OCR, extraction, composition) are processed before exiting.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			report, err := appInstance.Discover(cmd.Context())
			if err != nil {
				return err
			}
			printCycle(cmd.OutOrStdout(), report)

			if drain {
				if err := appInstance.Drain(cmd.Context(), poll); err != nil {
					return err
				}
			}
			if pending := appInstance.PendingTasks(); pending > 0 {
				zap.L().Warn("tasks left in the in-memory queue are lost on exit; rerun with --drain",
					zap.Int("pending", pending))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&drain, "drain", false, "process queued tasks before exiting (in-memory queue only)")
	cmd.Flags().DurationVar(&poll, "drain-poll", 200*time.Millisecond, "how often --drain checks for an idle queue")
	return cmd
}

func printCycle(out io.Writer, report server.CycleReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "cycle\t%s\n", report.CycleID)
	fmt.Fprintf(w, "endpoints scanned\t%d\n", len(report.Discovery.Results))
	fmt.Fprintf(w, "endpoints failed\t%d\n", report.Discovery.Failed)
	fmt.Fprintf(w, "items due\t%d\n", report.Scan.Due)
	fmt.Fprintf(w, "items processed\t%d\n", report.Scan.Processed)
	fmt.Fprintf(w, "items changed\t%d\n", report.Scan.Changed)
	fmt.Fprintf(w, "items failed\t%d\n", report.Scan.Failed)
	_ = w.Flush()
}

func newBaselineCmd() *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "approve-baseline <endpoint-id>",
		Short: "Approve the pending structural baseline of an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			if err := appInstance.ApproveBaseline(cmd.Context(), args[0], approver); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "baseline for %s approved by %s\n", args[0], approver)
			return nil
		}),
	}
	cmd.Flags().StringVar(&approver, "approver", "", "who approved the baseline")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}
