package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(restartCmd)
}

var restartCmd = &cobra.Command{
	Use:   "restart [service]",
	Short: "Restart one service's workers, or everything",
	Long: `With a service argument, restart stops that service's registered
workers and brings its pool back to minimum health, leaving the rest of
the system untouched. Without arguments it stops all workers and starts
everything again in dependency order, then detaches.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()

		ctx := cmd.Context()
		if len(args) == 1 {
			if err := o.RestartDetached(ctx, args[0]); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Service %s restarted", args[0]))
			return nil
		}

		if err := o.StopDetached(ctx, false); err != nil {
			return err
		}
		if err := o.Start(ctx); err != nil {
			return err
		}
		printSuccess("All services restarted")
		printWarning("Detached: workers keep running, use 'poolhub stop' to stop them")
		return nil
	},
}
