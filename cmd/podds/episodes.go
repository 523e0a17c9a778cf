package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pders01/podds/internal/storage"
)

var (
	episodeFeed  string
	episodeLimit int
)

var episodesCmd = &cobra.Command{
	Use:     "episodes",
	Aliases: []string{"ep"},
	Short:   "Browse episodes and record playback",
}

var episodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List episodes, newest first",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		feedID := ""
		if episodeFeed != "" {
			f, err := resolveFeed(a.store, episodeFeed)
			if err != nil {
				return err
			}
			feedID = f.ID
		}
		state, err := a.store.GetSyncState()
		if err != nil {
			return err
		}
		episodes, err := a.store.GetEpisodes(feedID, episodeLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if state.HasNewEpisodes {
			fmt.Fprintln(out, newStyle.Render("New episodes since you last looked"))
		}
		for _, ep := range episodes {
			fmt.Fprintf(out, "%s  %s  %s\n",
				dimStyle.Render(shortID(ep.ID)),
				ep.Title,
				dimStyle.Render(fmt.Sprintf("%s, %d min", humanize.Time(ep.PublishedAt), ep.DurationMin)))
		}
		return a.reconciler.Acknowledge()
	}),
}

var episodesDownloadCmd = &cobra.Command{
	Use:   "download ID",
	Short: "Download episode audio into the cache",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ep, err := resolveEpisode(a.store, args[0])
		if err != nil {
			return err
		}
		n, err := a.downloader.Download(cmd.Context(), ep.URL)
		if err != nil {
			return err
		}
		if err := a.store.MarkDownloaded(ep); err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already cached\n", ep.Title)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s (%s)\n", ep.Title, humanize.Bytes(uint64(n)))
		return nil
	}),
}

var episodesPlayCmd = &cobra.Command{
	Use:   "play ID",
	Short: "Mark an episode as the one currently playing",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ep, err := resolveEpisode(a.store, args[0])
		if err != nil {
			return err
		}
		if err := a.store.StartPlaying(ep); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Playing %s\n", ep.Title)
		return nil
	}),
}

var episodesProgressCmd = &cobra.Command{
	Use:   "progress ID POSITION REMAINING",
	Short: "Record playback position and remaining time in seconds",
	Args:  cobra.ExactArgs(3),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ep, err := resolveEpisode(a.store, args[0])
		if err != nil {
			return err
		}
		pos, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}
		remaining, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("remaining: %w", err)
		}
		if err := a.store.UpdatePlaybackPosition(ep.ID, pos, remaining); errors.Is(err, storage.ErrActiveNotFound) {
			return fmt.Errorf("%s has not been played or downloaded", ep.Title)
		} else if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s at %s\n", ep.Title, time.Duration(pos)*time.Second)
		return nil
	}),
}

var episodesCompleteCmd = &cobra.Command{
	Use:   "complete ID",
	Short: "Mark an episode as finished",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ep, err := resolveEpisode(a.store, args[0])
		if err != nil {
			return err
		}
		if err := a.store.MarkCompleted(ep.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Completed %s\n", ep.Title)
		return nil
	}),
}

var episodesActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "List episodes with playback or download state",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		list, err := a.store.GetActiveEpisodes()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, ae := range list {
			var flags []string
			if ae.IsPlaying {
				flags = append(flags, "playing")
			}
			if ae.IsDownloaded {
				flags = append(flags, "downloaded")
			}
			if ae.IsCompleted {
				flags = append(flags, "completed")
			} else if ae.InProgress() {
				flags = append(flags, fmt.Sprintf("%d min left", ae.MinutesLeft))
			}
			fmt.Fprintf(out, "%s  %s  %s\n", dimStyle.Render(shortID(ae.ID)), ae.Title,
				dimStyle.Render(strings.Join(flags, ", ")))
		}
		return nil
	}),
}

var episodesQueueCmd = &cobra.Command{
	Use:   "queue [ID...]",
	Short: "Set the play order of downloaded episodes and show what is up next",
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if len(args) > 0 {
			ids := make([]string, 0, len(args))
			for _, arg := range args {
				ep, err := resolveEpisode(a.store, arg)
				if err != nil {
					return err
				}
				ids = append(ids, ep.ID)
			}
			if err := a.store.ReorderQueue(ids); errors.Is(err, storage.ErrActiveNotFound) {
				return fmt.Errorf("only played or downloaded episodes can be queued: %w", err)
			} else if err != nil {
				return err
			}
		}

		next, err := a.store.UpNext()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if next == nil {
			fmt.Fprintln(out, dimStyle.Render("Nothing up next"))
			return nil
		}
		fmt.Fprintf(out, "%s %s  %s\n", titleStyle.Render("Up next"), next.Title, dimStyle.Render(next.FeedTitle))
		return nil
	}),
}

var episodesSearchCmd = &cobra.Command{
	Use:   "search TERM...",
	Short: "Search episodes of subscribed feeds",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		results, err := a.local.Search(cmd.Context(), strings.Join(args, " "), episodeLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, r := range results {
			fmt.Fprintf(out, "%s  %s  %s\n", dimStyle.Render(shortID(r.EpisodeID)), r.Title,
				dimStyle.Render(r.FeedTitle+", "+humanize.Time(r.PublishedAt)))
		}
		if a.index != nil {
			if n, err := a.index.DocCount(); err == nil {
				fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d matches in %s indexed episodes", len(results), humanize.Comma(int64(n)))))
			}
		}
		return nil
	}),
}

func init() {
	episodesSearchCmd.Flags().IntVarP(&episodeLimit, "limit", "n", 20, "Maximum number of results")
	episodesListCmd.Flags().StringVar(&episodeFeed, "feed", "", "Only episodes of this feed (ID or URL)")
	episodesListCmd.Flags().IntVarP(&episodeLimit, "limit", "n", 20, "Maximum number of episodes")
	episodesCmd.AddCommand(episodesListCmd, episodesDownloadCmd, episodesPlayCmd,
		episodesProgressCmd, episodesCompleteCmd, episodesActiveCmd, episodesQueueCmd, episodesSearchCmd)
	rootCmd.AddCommand(episodesCmd)
}

// resolveEpisode accepts an episode ID or an unambiguous ID prefix.
func resolveEpisode(store *storage.Store, arg string) (*storage.Episode, error) {
	if ep, err := store.GetEpisode(arg); err == nil {
		return ep, nil
	} else if !errors.Is(err, storage.ErrEpisodeNotFound) {
		return nil, err
	}

	episodes, err := store.GetEpisodes("", 0)
	if err != nil {
		return nil, err
	}
	var match *storage.Episode
	for _, ep := range episodes {
		if !strings.HasPrefix(ep.ID, arg) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%q matches more than one episode", arg)
		}
		match = ep
	}
	if match == nil {
		return nil, fmt.Errorf("%q: %w", arg, storage.ErrEpisodeNotFound)
	}
	return match, nil
}
