package cli

import (
	"github.com/spf13/cobra"

	"github.com/tomyedwab/poolhub/internal/config"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter poolhub.yaml",
	Long: `Init writes a starter configuration with one example service to
poolhub.yaml (or the path given with --config). It refuses to overwrite
an existing file.`,
	Args: cobra.NoArgs,
	// Init must work before any configuration exists, so it skips the
	// config loading the other commands share.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = "poolhub.yaml"
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		printSuccess("Wrote " + path)
		return nil
	},
}
