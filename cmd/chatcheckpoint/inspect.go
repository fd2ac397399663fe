package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/leofalp/chatcheckpoint/core/session"
	"github.com/leofalp/chatcheckpoint/internal/utils"
)

const previewLength = 80

func newHistoryCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the conversation history log of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, err := c.app.Runner.GetHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				fmt.Fprintln(out, utils.JSONString(messages, true))
				return nil
			}
			fmt.Fprintf(out, "%d messages\n", len(messages))
			for _, msg := range messages {
				fmt.Fprintf(out, "[%s] %-9s %s\n", msg.CreatedAt.Format("2006-01-02 15:04:05"), msg.Role, utils.Preview(msg.Content, previewLength))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newCheckpointsCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "checkpoints <session-id>",
		Short: "List the snapshots of a session, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snapshots []session.Snapshot
			for snap, err := range c.app.Runner.Checkpoints(cmd.Context(), args[0]) {
				if err != nil {
					return err
				}
				snapshots = append(snapshots, snap)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				fmt.Fprintln(out, utils.JSONString(snapshots, true))
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQUENCE\tMESSAGES\tCREATED")
			for _, snap := range snapshots {
				fmt.Fprintf(w, "%d\t%d\t%s\n", snap.Sequence, len(snap.Messages), snap.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newCostsCmd(c *cli) *cobra.Command {
	var (
		days   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Summarize model spend per day and model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := c.app.Runner.GetCostSummary(cmd.Context(), days)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				fmt.Fprintln(out, utils.JSONString(summary, true))
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tMODEL\tREQUESTS\tFAILED\tTOKENS IN\tTOKENS OUT\tCOST USD")
			var total float64
			for _, row := range summary {
				total += row.TotalCost
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%.6f\n",
					row.Date.Format("2006-01-02"), row.ModelName, row.RequestCount, row.FailedCount,
					row.TokensInput, row.TokensOutput, row.TotalCost)
			}
			fmt.Fprintf(w, "TOTAL\t\t\t\t\t\t%.6f\n", total)
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "lookback window in days")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
