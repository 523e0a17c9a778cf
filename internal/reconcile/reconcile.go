// Package reconcile merges sync results into the store.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/storage"
)

// Signal is told about newly inserted episodes after they are committed.
type Signal interface {
	NewContent(inserted []*storage.Episode)
}

// SignalFunc adapts a function to Signal.
type SignalFunc func(inserted []*storage.Episode)

func (f SignalFunc) NewContent(inserted []*storage.Episode) { f(inserted) }

type Result struct {
	Inserted           []*storage.Episode
	NewContentDetected bool
}

type Reconciler struct {
	store    *storage.Store
	signal   Signal
	suppress func() bool
}

// New returns a Reconciler. suppress, when non-nil, is consulted on every
// pass; returning true means the user is already looking at new episodes
// and no signal is raised.
func New(store *storage.Store, signal Signal, suppress func() bool) *Reconciler {
	return &Reconciler{store: store, signal: signal, suppress: suppress}
}

// Reconcile applies feed changes and inserts candidate episodes whose
// enclosure URL is not yet stored, all in one batch. Existing episodes are
// never modified. Changes and episodes for feeds removed while the sync was
// running are dropped.
func (r *Reconciler) Reconcile(episodes []*storage.Episode, changes []storage.FeedChange) (*Result, error) {
	suppressed := r.suppress != nil && r.suppress()
	res := &Result{}

	err := r.store.Batch(func(tx *storage.Tx) error {
		res.Inserted = nil

		gone := make(map[string]bool)
		for _, c := range changes {
			err := tx.UpdateFeed(c.FeedID, c.Update)
			if errors.Is(err, storage.ErrFeedNotFound) {
				gone[c.FeedID] = true
				continue
			}
			if err != nil {
				return fmt.Errorf("updating feed %s: %w", c.FeedID, err)
			}
		}

		for _, ep := range episodes {
			if gone[ep.FeedID] {
				continue
			}
			if _, err := tx.Feed(ep.FeedID); errors.Is(err, storage.ErrFeedNotFound) {
				gone[ep.FeedID] = true
				continue
			}
			ok, err := tx.InsertEpisode(ep)
			if err != nil {
				return fmt.Errorf("inserting episode %s: %w", ep.URL, err)
			}
			if ok {
				res.Inserted = append(res.Inserted, ep)
			}
		}

		if len(res.Inserted) == 0 || suppressed {
			return nil
		}
		state, err := tx.SyncState()
		if err != nil {
			return err
		}
		state.HasNewEpisodes = true
		return tx.SaveSyncState(state)
	})
	if err != nil {
		return nil, err
	}

	res.NewContentDetected = len(res.Inserted) > 0 && !suppressed
	if res.NewContentDetected && r.signal != nil {
		r.signal.NewContent(res.Inserted)
	}
	debuglog.WithFields(map[string]any{
		"inserted":   len(res.Inserted),
		"candidates": len(episodes),
		"feeds":      len(changes),
	}).Infof("reconciled sync results")

	return res, nil
}

// Acknowledge clears the stored new-content flag.
func (r *Reconciler) Acknowledge() error {
	return r.store.Batch(func(tx *storage.Tx) error {
		state, err := tx.SyncState()
		if err != nil {
			return err
		}
		if !state.HasNewEpisodes {
			return nil
		}
		state.HasNewEpisodes = false
		return tx.SaveSyncState(state)
	})
}
