package cli

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"review-notifier/config"
	"review-notifier/server"
)

var (
	flagPort     string
	flagInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /pollz, /health, /metrics and /snapshots",
	Long:  "Serve starts the HTTP service. Checks run on POST /pollz (for an external scheduler) and, with --interval, on an internal ticker.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(config.Load)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger, true)
		if err != nil {
			exitCode = ExitSetupError
			return err
		}
		defer a.Close()

		srv := server.New(&server.Config{
			Poller:    a.monitor,
			Snapshots: a.store,
			Metrics:   a.metrics.Handler(),
			Logger:    logger,
			Location:  cfg.Location(),
		})
		return srv.ListenAndServe(ctx, flagPort, flagInterval)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagPort, "port", envOr("PORT", "8080"), "HTTP port (defaults to $PORT or 8080)")
	serveCmd.Flags().DurationVar(&flagInterval, "interval", 0, "run checks on this interval in-process; 0 relies on POST /pollz")
}
