package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusEvents int

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusEvents, "events", 0, "also show the N most recent lifecycle events")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registered workers and their health",
	Long: `Status reads the worker registry and reports each service's
workers, verifying that recorded processes are actually alive. It never
mutates anything, so it is safe to run at any time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		defer o.Close()

		statuses, err := o.StatusDetached()
		if err != nil {
			return err
		}
		fmt.Print(renderStatus(statuses))

		if statusEvents > 0 {
			events, err := o.Registry().RecentEvents(statusEvents)
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Println(headerStyle.Render("RECENT EVENTS"))
			for _, ev := range events {
				ts := time.Unix(0, ev.Timestamp).Format(time.RFC3339)
				line := fmt.Sprintf("%s  %-12s %-13s :%-6d %s", ts, ev.Service, ev.EventType, ev.Port, ev.Detail)
				fmt.Println(subtleStyle.Render(line))
			}
		}
		return nil
	},
}
