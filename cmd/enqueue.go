package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newEnqueueCmd() *cobra.Command {
	var pending int
	cmd := &cobra.Command{
		Use:   "enqueue [article-id...]",
		Short: "Queues articles for enhancement",
		Long: `Queues the named articles for enhancement. With --pending N the N oldest
pending articles are queued instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			svc := appInstance.Service
			if pending > 0 {
				jobIDs, err := svc.EnqueuePending(cmd.Context(), pending)
				if err != nil {
					return fmt.Errorf("enqueue pending: %w", err)
				}
				return printJSON(cmd, map[string]any{"jobIds": jobIDs})
			}
			if len(args) == 0 {
				return fmt.Errorf("at least one article id or --pending is required")
			}
			result, err := svc.EnqueueBatch(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().IntVar(&pending, "pending", 0, "queue up to N pending articles, oldest first")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var failed int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints queue statistics and breaker states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := appInstance.Service.GetJobStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			out := map[string]any{
				"queue":    stats,
				"breakers": appInstance.Breakers.Snapshots(),
			}
			if failed > 0 {
				jobs, err := appInstance.Service.FailedJobs(cmd.Context(), failed)
				if err != nil {
					return fmt.Errorf("failed jobs: %w", err)
				}
				out["failed"] = jobs
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().IntVar(&failed, "failed", 0, "also list up to N retained failed jobs")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
