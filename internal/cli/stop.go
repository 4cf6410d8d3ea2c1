package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	stopForce   bool
	stopCleanup bool
)

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "SIGKILL immediately instead of draining")
	stopCmd.Flags().BoolVar(&stopCleanup, "cleanup", false, "sweep for orphaned workers afterwards")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all registered workers in reverse dependency order",
	Long: `Stop terminates every worker recorded in the registry, service by
service in reverse dependency order: SIGTERM to each process group, a
wait up to the shutdown timeout, then SIGKILL for stragglers. It works
whether or not the supervising start invocation is still running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()

		if err := o.StopDetached(cmd.Context(), stopForce); err != nil {
			return err
		}
		printSuccess("All workers stopped")

		if stopCleanup {
			killed, err := o.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			if killed > 0 {
				printWarning(fmt.Sprintf("Swept %d orphaned worker(s)", killed))
			}
		}
		return nil
	},
}
