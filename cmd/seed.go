package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSeedCmd() *cobra.Command {
	var enqueue bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Scrapes the oldest blog articles into the article store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			created, err := appInstance.Seeder.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("seed articles: %w", err)
			}
			appInstance.Logger.Info("seed finished", zap.Int("created", created))
			fmt.Fprintf(cmd.OutOrStdout(), "created %d articles\n", created)
			if !enqueue {
				return nil
			}
			jobIDs, err := appInstance.Service.EnqueuePending(cmd.Context(), created)
			if err != nil {
				return fmt.Errorf("enqueue seeded articles: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d jobs\n", len(jobIDs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue the seeded articles for enhancement")
	return cmd
}
