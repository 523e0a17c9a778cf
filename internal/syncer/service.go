package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/pders01/podds/internal/config"
	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/storage"
)

var ErrSyncInProgress = errors.New("a sync is already in progress")

const (
	stateIdle int32 = iota
	stateRunning
)

// Report summarizes one Sync call.
type Report struct {
	Started        time.Time
	Ran            bool
	Feeds          int
	Skipped        int
	UpToDate       int
	Updated        int
	Failed         int
	Inserted       int
	NewContent     bool
	Errors         []string
	ErrorRate      float64
	WatermarkMoved bool

	// TimedOut is set when the cycle timeout cut the pass short.
	TimedOut bool
}

// Service drives full sync cycles: it picks the subscribed feeds, hands
// them to the worker and reconciles the result into the store.
type Service struct {
	store      *storage.Store
	worker     *Worker
	reconciler Reconciler
	cfg        config.SyncConfig

	state atomic.Int32
	now   func() time.Time
}

func NewService(store *storage.Store, worker *Worker, reconciler Reconciler, cfg config.SyncConfig) *Service {
	return &Service{
		store:      store,
		worker:     worker,
		reconciler: reconciler,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Running reports whether a cycle is currently active.
func (s *Service) Running() bool {
	return s.state.Load() == stateRunning
}

// Sync runs one cycle. Without force the cycle is a no-op while the last
// successful sync is younger than the configured interval, and feeds still
// inside their publisher TTL are skipped. A second call while a cycle is
// active returns ErrSyncInProgress immediately.
func (s *Service) Sync(ctx context.Context, force bool) (*Report, error) {
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		return nil, ErrSyncInProgress
	}
	defer s.state.Store(stateIdle)

	started := s.now()
	report := &Report{Started: started}

	state, err := s.store.GetSyncState()
	if err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}
	if !force && !state.LastSyncAt.IsZero() && started.Sub(state.LastSyncAt) < s.cfg.Interval {
		debuglog.Debugf("last sync at %s is within the %s interval", state.LastSyncAt.Format(time.RFC3339), s.cfg.Interval)
		return report, nil
	}

	feeds, err := s.store.GetSubscribedFeeds()
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	report.Ran = true
	report.Feeds = len(feeds)

	cycleCtx := ctx
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	resp, err := s.worker.Do(cycleCtx, Request{Feeds: feeds, Since: state.LastSyncAt, Force: force})
	if err != nil {
		return nil, s.abort(started, len(feeds), fmt.Errorf("running sync pass: %w", err))
	}
	if err := cycleCtx.Err(); err != nil {
		report.TimedOut = true
		debuglog.Warnf("sync cycle ended early (%v), keeping the partial result", err)
	}

	res, err := s.reconciler.Reconcile(resp.Episodes, resp.Changes)
	if err != nil {
		return nil, s.abort(started, len(feeds), fmt.Errorf("reconciling sync results: %w", err))
	}

	report.Skipped = resp.Count(StateSkipped)
	report.UpToDate = resp.Count(StateUpToDate)
	report.Updated = resp.Count(StateUpdated)
	report.Failed = resp.Count(StateFailed)
	report.Inserted = len(res.Inserted)
	report.NewContent = res.NewContentDetected
	report.Errors = resp.Errors
	if len(feeds) > 0 {
		report.ErrorRate = float64(len(resp.Errors)) / float64(len(feeds))
	}
	report.WatermarkMoved = report.ErrorRate < s.cfg.ErrorRateThreshold

	for _, msg := range resp.Errors {
		debuglog.Errorf("%s", msg)
	}

	if err := s.recordAttempt(started, len(resp.Errors), report.WatermarkMoved); err != nil {
		return report, err
	}

	debuglog.WithFields(map[string]any{
		"feeds":    report.Feeds,
		"updated":  report.Updated,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
		"inserted": report.Inserted,
	}).Infof("sync finished")

	return report, nil
}

// abort records a cycle that produced nothing and returns cause, joined with
// any failure to record it.
func (s *Service) abort(started time.Time, errorCount int, cause error) error {
	if err := s.recordAttempt(started, errorCount, false); err != nil {
		debuglog.Errorf("%v", err)
		return multierror.Append(cause, err)
	}
	return cause
}

// recordAttempt stores the attempt. The watermark moves to the cycle start
// time only when advance is set, so a mostly failing cycle is retried from
// the same point next time.
func (s *Service) recordAttempt(started time.Time, errorCount int, advance bool) error {
	err := s.store.Batch(func(tx *storage.Tx) error {
		state, err := tx.SyncState()
		if err != nil {
			return err
		}
		state.LastAttemptAt = started
		state.LastErrorCount = errorCount
		if advance {
			state.LastSyncAt = started
		}
		return tx.SaveSyncState(state)
	})
	if err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}
