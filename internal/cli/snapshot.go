package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"review-notifier/config"
	"review-notifier/pkg/reviews"
	"review-notifier/storage"
)

var (
	flagProject string
	flagDate    string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect stored snapshots",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the snapshot of a project for a day",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(config.LoadStorage)
		if err != nil {
			return err
		}

		loc := cfg.Location()
		date := time.Now().In(loc)
		if flagDate != "" {
			date, err = time.ParseInLocation(time.DateOnly, flagDate, loc)
			if err != nil {
				return fmt.Errorf("invalid --date %q, want YYYY-MM-DD", flagDate)
			}
		}

		a, err := newApp(cmd.Context(), cfg, logger, false)
		if err != nil {
			exitCode = ExitSetupError
			return err
		}
		defer a.Close()

		revs, err := a.store.Load(cmd.Context(), flagProject, date)
		if errors.Is(err, reviews.ErrSnapshotNotFound) {
			exitCode = ExitFailures
			return fmt.Errorf("no snapshot for project %s on %s", flagProject, date.Format(time.DateOnly))
		}
		if err != nil {
			exitCode = ExitSetupError
			return err
		}

		data, err := storage.Encode(revs)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// snapshotLister is implemented by every snapshot backend.
type snapshotLister interface {
	List(ctx context.Context, project string) ([]string, error)
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the stored snapshot days of a project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(config.LoadStorage)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger, false)
		if err != nil {
			exitCode = ExitSetupError
			return err
		}
		defer a.Close()

		lister, ok := a.store.(snapshotLister)
		if !ok {
			return fmt.Errorf("storage backend %s cannot list snapshots", cfg.Storage.Backend)
		}
		keys, err := lister.List(cmd.Context(), flagProject)
		if err != nil {
			exitCode = ExitSetupError
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	snapshotListCmd.Flags().StringVarP(&flagProject, "project", "p", "", "project name")
	_ = snapshotListCmd.MarkFlagRequired("project")

	snapshotShowCmd.Flags().StringVarP(&flagProject, "project", "p", "", "project name")
	snapshotShowCmd.Flags().StringVarP(&flagDate, "date", "d", "", "day as YYYY-MM-DD (defaults to today in the configured timezone)")
	_ = snapshotShowCmd.MarkFlagRequired("project")

	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
}
