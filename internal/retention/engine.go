// Package retention ages out downloaded audio for episodes the user has
// finished with or abandoned.
package retention

import (
	"context"
	"time"

	"github.com/pders01/podds/internal/config"
	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/storage"
)

type Report struct {
	Matched []string
	Deleted []string
	Failed  int

	// Missing counts matched audio that was already gone from the cache.
	Missing int
}

type Engine struct {
	store   *storage.Store
	cleaner *Cleaner
	cfg     config.RetentionConfig
	now     func() time.Time
}

func NewEngine(store *storage.Store, cleaner *Cleaner, cfg config.RetentionConfig) *Engine {
	return &Engine{store: store, cleaner: cleaner, cfg: cfg, now: time.Now}
}

// stale reports whether a downloaded episode has aged past its threshold.
// Episodes that are playing are never stale.
func (e *Engine) stale(ae *storage.ActiveEpisode, now time.Time) bool {
	if !ae.IsDownloaded || ae.IsPlaying {
		return false
	}
	age := now.Sub(ae.LastUpdatedAt)
	switch {
	case ae.IsCompleted:
		return age > e.cfg.CompletedAfter
	case ae.InProgress():
		return age > e.cfg.InProgressAfter
	default:
		return false
	}
}

// Apply clears the downloaded flag of every stale active episode in one
// batch, then asks the cleaner to delete their cached audio. Failures are
// logged and never abort the pass; Apply only returns an error when the
// store cannot be read or written.
func (e *Engine) Apply(ctx context.Context) (*Report, error) {
	now := e.now()
	report := &Report{}

	err := e.store.Batch(func(tx *storage.Tx) error {
		report.Matched = nil

		active, err := tx.ActiveEpisodes()
		if err != nil {
			return err
		}
		for _, ae := range active {
			if !e.stale(ae, now) {
				continue
			}
			ae.IsDownloaded = false
			if err := tx.SaveActiveEpisode(ae); err != nil {
				return err
			}
			report.Matched = append(report.Matched, ae.URL)
		}

		state, err := tx.SyncState()
		if err != nil {
			return err
		}
		state.LastRetentionAt = now
		return tx.SaveSyncState(state)
	})
	if err != nil {
		debuglog.Errorf("retention pass failed: %v", err)
		return nil, err
	}

	if len(report.Matched) == 0 {
		debuglog.Debugf("retention: nothing to evict")
		return report, nil
	}

	res, err := e.cleaner.Clean(ctx, report.Matched)
	if err != nil {
		debuglog.Warnf("retention: cache cleanup not run: %v", err)
		report.Failed = len(report.Matched)
		return report, nil
	}
	report.Deleted = res.Deleted
	report.Missing, _ = cacheMisses(res.Err)
	report.Failed = len(report.Matched) - len(res.Deleted) - report.Missing
	switch {
	case res.Err == nil:
	case IsCacheMiss(res.Err):
		debuglog.Debugf("retention: audio already gone from cache: %v", res.Err)
	default:
		debuglog.Warnf("retention: %v", res.Err)
	}

	debuglog.WithFields(map[string]any{
		"matched": len(report.Matched),
		"deleted": len(report.Deleted),
		"missing": report.Missing,
	}).Infof("retention pass finished")
	return report, nil
}
