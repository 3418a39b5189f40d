package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"review-notifier/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Check every project once and exit",
	Long:  "Run fetches reviews of every configured project, notifies about new ones and saves today's snapshots. It exits with status 1 when any group, project or alert failed.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(config.Load)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger, true)
		if err != nil {
			exitCode = ExitSetupError
			return err
		}
		defer a.Close()

		report, runErr := a.monitor.RunAll(cmd.Context())
		if runErr != nil {
			logger.Error("Review check failed", "error", runErr)
			exitCode = ExitFailures
		}

		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}
