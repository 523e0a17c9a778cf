package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pders01/podds/internal/storage"
)

var searchesCmd = &cobra.Command{
	Use:   "searches",
	Short: "Run and monitor saved searches",
}

var searchesAddCmd = &cobra.Command{
	Use:   "add TERM...",
	Short: "Search now and save the term",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		st, results, err := a.monitor.AddSearch(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %q: %d results\n", titleStyle.Render("Search"), st.Term, len(results))
		for _, r := range results {
			when := ""
			if !r.PublishedAt.IsZero() {
				when = humanize.Time(r.PublishedAt)
			}
			fmt.Fprintf(out, "  %s  %s\n", r.Title, dimStyle.Render(strings.TrimSpace(r.FeedTitle+"  "+when)))
		}
		return nil
	}),
}

var searchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved searches",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		terms, err := a.monitor.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, st := range terms {
			line := fmt.Sprintf("%s  %s", dimStyle.Render(shortID(st.ID)), st.Term)
			if st.Monitored {
				line += dimStyle.Render("  monitored")
			}
			if st.HasNewResults {
				line += "  " + newStyle.Render("new results")
			}
			fmt.Fprintln(out, line)
		}
		return nil
	}),
}

var searchesMonitorCmd = &cobra.Command{
	Use:   "monitor ID|TERM",
	Short: "Toggle background checking of a saved search",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		st, err := resolveSearch(a.store, strings.Join(args, " "))
		if err != nil {
			return err
		}
		on, err := a.monitor.ToggleMonitor(st.ID)
		if err != nil {
			return err
		}
		state := "off"
		if on {
			state = "on"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Monitoring %q %s\n", st.Term, state)
		return nil
	}),
}

var searchesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Re-run monitored searches that are due",
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		report, err := a.monitor.CheckMonitoredSearches(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %d checked, %d not due\n", titleStyle.Render("Searches"), report.Checked, report.Skipped)
		for _, term := range report.NewFound {
			fmt.Fprintln(out, newStyle.Render(fmt.Sprintf("  new results for %q", term)))
		}
		for _, msg := range report.Errors {
			fmt.Fprintln(out, warnStyle.Render("  "+msg))
		}
		return nil
	}),
}

var searchesClearCmd = &cobra.Command{
	Use:   "clear ID|TERM",
	Short: "Clear the new results flag of a saved search",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		st, err := resolveSearch(a.store, strings.Join(args, " "))
		if err != nil {
			return err
		}
		return a.monitor.ClearHasNewResults(st.ID)
	}),
}

var searchesDeleteCmd = &cobra.Command{
	Use:   "delete ID|TERM",
	Short: "Delete a saved search",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		st, err := resolveSearch(a.store, strings.Join(args, " "))
		if err != nil {
			return err
		}
		return a.monitor.Delete(st.ID)
	}),
}

func init() {
	searchesCmd.AddCommand(searchesAddCmd, searchesListCmd, searchesMonitorCmd,
		searchesCheckCmd, searchesClearCmd, searchesDeleteCmd)
	rootCmd.AddCommand(searchesCmd)
}

// resolveSearch accepts a search term ID, an ID prefix or the term text.
func resolveSearch(store *storage.Store, arg string) (*storage.SearchTerm, error) {
	if st, err := store.GetSearchTerm(arg); err == nil {
		return st, nil
	}
	if st, err := store.FindSearchTerm(arg); err == nil {
		return st, nil
	} else if !errors.Is(err, storage.ErrSearchNotFound) {
		return nil, err
	}

	terms, err := store.GetSearchTerms(false)
	if err != nil {
		return nil, err
	}
	for _, st := range terms {
		if strings.HasPrefix(st.ID, arg) {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", arg, storage.ErrSearchNotFound)
}
