package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/storage"
)

var ErrEmptyTerm = errors.New("search term is empty")

// CheckReport summarizes one CheckMonitoredSearches pass.
type CheckReport struct {
	Checked  int
	Skipped  int
	NewFound []string
	Errors   []string
}

// Monitor keeps saved search terms and re-runs the monitored ones on their
// own schedule, flagging terms whose newest result moved forward.
type Monitor struct {
	store    *storage.Store
	searcher Searcher
	interval time.Duration
	limit    int
	now      func() time.Time
}

func NewMonitor(store *storage.Store, searcher Searcher, termInterval time.Duration, limit int) *Monitor {
	return &Monitor{
		store:    store,
		searcher: searcher,
		interval: termInterval,
		limit:    limit,
		now:      time.Now,
	}
}

// AddSearch runs term now and records it, refreshing the stored term when
// it was searched before.
func (m *Monitor) AddSearch(ctx context.Context, term string) (*storage.SearchTerm, []*Result, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil, ErrEmptyTerm
	}

	results, err := m.searcher.Search(ctx, term, m.limit)
	if err != nil {
		return nil, nil, err
	}

	st, err := m.store.FindSearchTerm(term)
	if errors.Is(err, storage.ErrSearchNotFound) {
		st = &storage.SearchTerm{ID: uuid.NewString(), Term: term}
	} else if err != nil {
		return nil, nil, err
	}
	st.ExecutedAt = m.now()
	if newest := Newest(results); newest.After(st.LatestEpisodePublishedAt) {
		st.LatestEpisodePublishedAt = newest
	}

	if err := m.store.SaveSearchTerm(st); err != nil {
		return nil, nil, fmt.Errorf("saving search term: %w", err)
	}
	return st, results, nil
}

func (m *Monitor) List() ([]*storage.SearchTerm, error) {
	return m.store.GetSearchTerms(false)
}

// ToggleMonitor flips whether the term is checked in the background and
// returns the new state.
func (m *Monitor) ToggleMonitor(id string) (bool, error) {
	var monitored bool
	err := m.store.Batch(func(tx *storage.Tx) error {
		st, err := tx.SearchTerm(id)
		if err != nil {
			return err
		}
		st.Monitored = !st.Monitored
		monitored = st.Monitored
		return tx.SaveSearchTerm(st)
	})
	return monitored, err
}

func (m *Monitor) ClearHasNewResults(id string) error {
	return m.store.Batch(func(tx *storage.Tx) error {
		st, err := tx.SearchTerm(id)
		if err != nil {
			return err
		}
		st.HasNewResults = false
		return tx.SaveSearchTerm(st)
	})
}

func (m *Monitor) Delete(id string) error {
	return m.store.DeleteSearchTerm(id)
}

// CheckMonitoredSearches re-runs every monitored term whose last execution
// is older than the term interval. A failing term is logged and the rest
// are still checked.
func (m *Monitor) CheckMonitoredSearches(ctx context.Context) (*CheckReport, error) {
	terms, err := m.store.GetSearchTerms(true)
	if err != nil {
		return nil, fmt.Errorf("listing monitored searches: %w", err)
	}

	report := &CheckReport{}
	if len(terms) == 0 {
		debuglog.Debugf("no monitored searches")
		return report, nil
	}

	for _, st := range terms {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		since := m.now().Sub(st.ExecutedAt)
		if since < m.interval {
			debuglog.Debugf("search %q checked %s ago, skipping", st.Term, since.Truncate(time.Minute))
			report.Skipped++
			continue
		}

		found, err := m.check(ctx, st)
		if err != nil {
			msg := fmt.Sprintf("checking search %q: %v", st.Term, err)
			debuglog.Errorf("%s", msg)
			report.Errors = append(report.Errors, msg)
			continue
		}
		report.Checked++
		if found {
			debuglog.Infof("new episodes for search %q", st.Term)
			report.NewFound = append(report.NewFound, st.Term)
		}
	}
	return report, nil
}

func (m *Monitor) check(ctx context.Context, st *storage.SearchTerm) (bool, error) {
	results, err := m.searcher.Search(ctx, st.Term, m.limit)
	if err != nil {
		return false, err
	}
	newest := Newest(results)
	executedAt := m.now()

	var found bool
	err = m.store.Batch(func(tx *storage.Tx) error {
		cur, err := tx.SearchTerm(st.ID)
		if err != nil {
			return err
		}
		cur.ExecutedAt = executedAt
		if newest.After(cur.LatestEpisodePublishedAt) {
			cur.LatestEpisodePublishedAt = newest
			cur.HasNewResults = true
			found = true
		}
		return tx.SaveSearchTerm(cur)
	})
	return found, err
}
