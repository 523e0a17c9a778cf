package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/scheduler"
	"github.com/pders01/podds/internal/syncer"
)

// syncPoll is how often the sync job wakes up. The service decides whether
// the configured interval has passed.
const syncPoll = 5 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sync, retention and search monitoring in the background",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		showBanner()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := scheduler.New(backgroundJobs(a)...)
		stopForeground := notifyForeground(s.Foreground)
		defer stopForeground()

		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("Running, press Ctrl-C to stop"))
		if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func backgroundJobs(a *app) []scheduler.Job {
	return []scheduler.Job{
		{
			Name:     "sync",
			Interval: syncPoll,
			Run: func(ctx context.Context) error {
				report, err := a.sync.Sync(ctx, false)
				if errors.Is(err, syncer.ErrSyncInProgress) {
					return nil
				}
				if err != nil {
					return err
				}
				if report.NewContent {
					debuglog.Infof("%d new episodes", report.Inserted)
				}
				return nil
			},
		},
		{
			Name:         "retention",
			Interval:     a.cfg.Retention.Interval,
			InitialDelay: time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.retention.Apply(ctx)
				return err
			},
		},
		{
			Name:         "searches",
			Interval:     a.cfg.Search.Interval,
			InitialDelay: 2 * time.Minute,
			Timeout:      a.cfg.Sync.CycleTimeout,
			Run: func(ctx context.Context) error {
				_, err := a.monitor.CheckMonitoredSearches(ctx)
				return err
			},
		},
	}
}
