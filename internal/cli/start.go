package cli

import (
	"github.com/spf13/cobra"
)

var (
	startBuild     bool
	startCleanup   bool
	startNoMonitor bool
)

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().BoolVar(&startBuild, "build", false, "run the configured build command first")
	startCmd.Flags().BoolVar(&startCleanup, "cleanup", false, "sweep orphaned workers before starting")
	startCmd.Flags().BoolVar(&startNoMonitor, "no-monitor", false, "detach after startup instead of supervising")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start all services in dependency order",
	Long: `Start brings every configured service to its minimum healthy
instance count, in dependency order. If any service fails to become
healthy the whole start is rolled back and nothing is left running.

By default poolhub then keeps supervising: replacing failed workers,
scaling pools, and republishing endpoints until it receives SIGINT or
SIGTERM. With --no-monitor it instead detaches after publishing
endpoints; the workers keep running and a later "poolhub stop" (or
status/cleanup) works from the on-disk registry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()

		ctx := cmd.Context()
		if startBuild {
			if err := o.Build(ctx); err != nil {
				return err
			}
		}
		if startCleanup {
			if _, err := o.Cleanup(ctx); err != nil {
				return err
			}
		}

		if err := o.Start(ctx); err != nil {
			return err
		}
		printSuccess("All services started")

		if startNoMonitor {
			printWarning("Detached: workers keep running, use 'poolhub stop' to stop them")
			return nil
		}
		return o.Monitor(ctx)
	},
}
