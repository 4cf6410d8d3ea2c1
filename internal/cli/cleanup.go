package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Find and terminate orphaned worker processes",
	Long: `Cleanup scans the OS process table for workers that escaped
supervision: processes stamped with this deployment's environment
signature, or matching a configured service's command line, that have no
live registry entry. Orphans get SIGTERM, a grace window, then SIGKILL.
Stale registry rows for dead processes are pruned at the same time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()

		killed, err := o.Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		if killed == 0 {
			printSuccess("No orphaned workers found")
		} else {
			printWarning(fmt.Sprintf("Terminated %d orphaned worker(s)", killed))
		}
		return nil
	},
}
