package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pders01/podds/internal/search"
	"github.com/pders01/podds/internal/storage"
)

var (
	allowLocal  bool
	directoryID string
	showLimit   int
)

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Manage subscriptions",
}

var feedsAddCmd = &cobra.Command{
	Use:   "add URL | add --id ID",
	Short: "Subscribe to a feed by URL or by directory id",
	Args: func(cmd *cobra.Command, args []string) error {
		if directoryID != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		var feedURL string
		if directoryID != "" {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			show, err := dir.PodcastByID(cmd.Context(), directoryID)
			if err != nil {
				return err
			}
			feedURL = show.FeedURL
		} else {
			feedURL = args[0]
		}

		a.manager.SetPermissiveValidation(allowLocal)
		f, n, err := a.manager.AddFeed(cmd.Context(), feedURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d episodes)\n", titleStyle.Render("Subscribed"), f.Title, n)
		return nil
	}),
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscribed feeds",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		feeds, err := a.store.GetSubscribedFeeds()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(feeds) == 0 {
			fmt.Fprintln(out, dimStyle.Render("No subscriptions"))
			return nil
		}
		for _, f := range feeds {
			synced := "never"
			if !f.LastSyncedAt.IsZero() {
				synced = humanize.Time(f.LastSyncedAt)
			}
			fmt.Fprintf(out, "%s  %s\n", dimStyle.Render(shortID(f.ID)), titleStyle.Render(f.Title))
			fmt.Fprintf(out, "          %s  %s\n", f.URL, dimStyle.Render("synced "+synced))
		}
		return nil
	}),
}

var feedsRemoveCmd = &cobra.Command{
	Use:   "remove ID|URL",
	Short: "Unsubscribe and delete a feed with its episodes",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		f, err := resolveFeed(a.store, args[0])
		if err != nil {
			return err
		}
		if err := a.manager.RemoveFeed(f.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", f.Title)
		return nil
	}),
}

var feedsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Subscribe to every feed in an OPML file",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		a.manager.SetPermissiveValidation(allowLocal)
		res, err := a.manager.ImportOPML(cmd.Context(), f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %d of %d feeds (%d skipped)\n", titleStyle.Render("Imported"), len(res.Added), res.Total, res.Skipped)
		for _, msg := range res.Failed {
			fmt.Fprintln(out, warnStyle.Render("  "+msg))
		}
		return nil
	}),
}

var feedsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write subscriptions as OPML to stdout",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		return a.manager.ExportOPML(cmd.OutOrStdout())
	}),
}

var feedsSearchCmd = &cobra.Command{
	Use:   "search TERM...",
	Short: "Find shows in the podcast directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		dir, err := a.directory()
		if err != nil {
			return err
		}
		shows, err := dir.SearchPodcasts(cmd.Context(), strings.Join(args, " "), showLimit)
		if err != nil {
			return err
		}
		printShows(cmd.OutOrStdout(), shows)
		return nil
	}),
}

var feedsTrendingCmd = &cobra.Command{
	Use:   "trending",
	Short: "List trending shows on PodcastIndex",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		if a.pindex == nil {
			return errors.New("trending shows need search.podcastindex_key and search.podcastindex_secret")
		}
		shows, err := a.pindex.Trending(cmd.Context(), showLimit)
		if err != nil {
			return err
		}
		printShows(cmd.OutOrStdout(), shows)
		return nil
	}),
}

func printShows(w io.Writer, shows []*search.Podcast) {
	if len(shows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No shows found"))
		return
	}
	for _, p := range shows {
		fmt.Fprintf(w, "%s  %s", dimStyle.Render(fmt.Sprintf("%-10s", p.ID)), titleStyle.Render(p.Title))
		if p.Author != "" {
			fmt.Fprint(w, dimStyle.Render(" by "+p.Author))
		}
		fmt.Fprintf(w, "\n            %s\n", p.FeedURL)
	}
}

func init() {
	feedsAddCmd.Flags().BoolVar(&allowLocal, "allow-local", false, "Allow feeds on local network hosts")
	feedsAddCmd.Flags().StringVar(&directoryID, "id", "", "Subscribe by PodcastIndex feed id (iTunes collection id without API keys)")
	feedsSearchCmd.Flags().IntVarP(&showLimit, "limit", "n", 10, "Maximum number of shows")
	feedsTrendingCmd.Flags().IntVarP(&showLimit, "limit", "n", 10, "Maximum number of shows")
	feedsImportCmd.Flags().BoolVar(&allowLocal, "allow-local", false, "Allow feeds on local network hosts")
	feedsCmd.AddCommand(feedsAddCmd, feedsListCmd, feedsRemoveCmd, feedsImportCmd, feedsExportCmd,
		feedsSearchCmd, feedsTrendingCmd)
	rootCmd.AddCommand(feedsCmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveFeed accepts a feed ID, an unambiguous ID prefix or the feed URL.
func resolveFeed(store *storage.Store, arg string) (*storage.Feed, error) {
	if f, err := store.GetFeed(arg); err == nil {
		return f, nil
	} else if !errors.Is(err, storage.ErrFeedNotFound) {
		return nil, err
	}
	if f, err := store.GetFeed(storage.FeedID(arg)); err == nil {
		return f, nil
	}

	feeds, err := store.GetAllFeeds()
	if err != nil {
		return nil, err
	}
	var match *storage.Feed
	for _, f := range feeds {
		if !strings.HasPrefix(f.ID, arg) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%q matches more than one feed", arg)
		}
		match = f
	}
	if match == nil {
		return nil, fmt.Errorf("%q: %w", arg, storage.ErrFeedNotFound)
	}
	return match, nil
}
