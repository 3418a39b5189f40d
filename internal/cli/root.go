package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

// Exit codes.
const (
	ExitSuccess    = 0
	ExitFailures   = 1 // The run finished but at least one group, project or alert failed
	ExitUsageError = 2
	ExitSetupError = 3 // Configuration or a backend could not be initialized
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "review-notifier",
	Short:         "Notify a team chat about new low-rated marketplace reviews",
	Long:          "review-notifier polls seller review APIs, keeps a daily snapshot per project and posts every newly seen review rated below 5 stars.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// exitCode is set by command handlers to control the process exit code.
var exitCode = ExitSuccess

// Run executes the root command and returns an exit code.
func Run() int {
	exitCode = ExitSuccess
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error
		if exitCode == ExitSuccess {
			return ExitUsageError
		}
	}
	return exitCode
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print review-notifier version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "review-notifier version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", envOr("CONFIG_FILE", "config.yaml"), "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn or error")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(versionCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newLogger builds the JSON logger used by every component and makes it the default.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
	return logger, nil
}
