package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pders01/podds/internal/retention"
	"github.com/pders01/podds/internal/syncer"
)

var forceSync bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle over all subscribed feeds",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		report, err := a.sync.Sync(cmd.Context(), forceSync)
		if err != nil {
			return err
		}
		printSyncReport(cmd.OutOrStdout(), report)
		if report.Inserted > 0 {
			latest, err := a.store.LatestEpisode()
			if err != nil {
				return err
			}
			if latest != nil {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("Latest: %s (%s)", latest.Title, humanize.Time(latest.PublishedAt))))
			}
		}
		return nil
	}),
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Remove cached audio for finished or abandoned episodes",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		report, err := a.retention.Apply(cmd.Context())
		if err != nil {
			return err
		}
		printRetentionReport(cmd.OutOrStdout(), report)
		return nil
	}),
}

func init() {
	syncCmd.Flags().BoolVarP(&forceSync, "force", "f", false, "Ignore the sync interval and feed TTLs")
	rootCmd.AddCommand(syncCmd, retentionCmd)
}

func printSyncReport(w io.Writer, r *syncer.Report) {
	if !r.Ran {
		fmt.Fprintln(w, dimStyle.Render("Synced recently, nothing to do (use --force to sync anyway)"))
		return
	}
	fmt.Fprintf(w, "%s %d feeds: %d updated, %d up to date, %d skipped, %d failed\n",
		titleStyle.Render("Sync"), r.Feeds, r.Updated, r.UpToDate, r.Skipped, r.Failed)
	if r.Inserted > 0 {
		fmt.Fprintln(w, newStyle.Render(fmt.Sprintf("%d new episodes", r.Inserted)))
	}
	if r.TimedOut {
		fmt.Fprintln(w, warnStyle.Render("Cycle timeout reached, remaining feeds were not fetched"))
	}
	for _, msg := range r.Errors {
		fmt.Fprintln(w, warnStyle.Render("  "+msg))
	}
	if !r.WatermarkMoved {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("%.0f%% of feeds failed, next sync starts from the previous watermark", r.ErrorRate*100)))
	}
}

func printRetentionReport(w io.Writer, r *retention.Report) {
	if len(r.Matched) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No cached episodes are due for removal"))
		return
	}
	fmt.Fprintf(w, "%s %s matched, %s removed from cache\n",
		titleStyle.Render("Retention"),
		humanize.Comma(int64(len(r.Matched))),
		humanize.Comma(int64(len(r.Deleted))))
	if r.Missing > 0 {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d were already gone from the cache", r.Missing)))
	}
	if r.Failed > 0 {
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("%d cache entries could not be removed", r.Failed)))
	}
}
