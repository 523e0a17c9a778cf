// Package syncer runs feed synchronization passes: concurrent fetches in
// bounded batches, executed on an isolated worker and guarded so only one
// pass runs at a time.
package syncer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/feed"
	"github.com/pders01/podds/internal/storage"
)

// FeedState is the terminal state of one feed within a pass.
type FeedState int

const (
	StateSkipped FeedState = iota + 1
	StateFailed
	StateUpToDate
	StateUpdated
)

func (s FeedState) String() string {
	switch s {
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	case StateUpToDate:
		return "up to date"
	case StateUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Request asks for one sync pass over Feeds. A zero Since disables the
// published-date cutoff.
type Request struct {
	Feeds []*storage.Feed
	Since time.Time
	Force bool
}

// Response aggregates a pass. Feeds and States hold one entry per request
// feed, in request order.
type Response struct {
	Episodes []*storage.Episode
	Feeds    []*storage.Feed
	Changes  []storage.FeedChange
	States   []FeedState
	Errors   []string
}

// Count returns how many feeds ended in state s.
func (r *Response) Count(s FeedState) int {
	n := 0
	for _, st := range r.States {
		if st == s {
			n++
		}
	}
	return n
}

type outcome struct {
	state    FeedState
	feed     *storage.Feed
	change   *storage.FeedChange
	episodes []*storage.Episode
	err      string
}

type Orchestrator struct {
	fetcher     FeedFetcher
	batchSize   int
	feedTimeout time.Duration
	now         func() time.Time
}

func NewOrchestrator(fetcher FeedFetcher, batchSize int, feedTimeout time.Duration) *Orchestrator {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Orchestrator{
		fetcher:     fetcher,
		batchSize:   batchSize,
		feedTimeout: feedTimeout,
		now:         time.Now,
	}
}

// RunSync fetches every feed of req in batches of at most batchSize
// concurrent requests. A failing feed is reported in Errors and never
// affects the others; RunSync itself does not fail. Once ctx ends no new
// batch starts and the remaining feeds are reported as failed, so the
// response always covers every request feed.
func (o *Orchestrator) RunSync(ctx context.Context, req Request) *Response {
	outcomes := make([]outcome, len(req.Feeds))

	for start := 0; start < len(req.Feeds); start += o.batchSize {
		if err := ctx.Err(); err != nil {
			debuglog.Warnf("sync pass cut short, %d feeds not attempted: %v", len(req.Feeds)-start, err)
			for i := start; i < len(req.Feeds); i++ {
				f := req.Feeds[i]
				outcomes[i] = o.failed(f, feed.Describe(f.Title, f.URL, fmt.Errorf("not attempted: %w", err)))
			}
			break
		}
		end := min(start+o.batchSize, len(req.Feeds))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = o.syncFeed(ctx, req.Feeds[i], req.Since, req.Force)
				return nil
			})
		}
		g.Wait()
	}

	resp := &Response{
		Feeds:  make([]*storage.Feed, len(outcomes)),
		States: make([]FeedState, len(outcomes)),
	}
	for i, oc := range outcomes {
		resp.Feeds[i] = oc.feed
		resp.States[i] = oc.state
		resp.Episodes = append(resp.Episodes, oc.episodes...)
		if oc.change != nil {
			resp.Changes = append(resp.Changes, *oc.change)
		}
		if oc.err != "" {
			resp.Errors = append(resp.Errors, oc.err)
		}
	}
	return resp
}

func (o *Orchestrator) syncFeed(ctx context.Context, f *storage.Feed, since time.Time, force bool) (oc outcome) {
	log := debuglog.WithFields(map[string]any{"feed": f.ID, "url": f.URL})

	defer func() {
		if r := recover(); r != nil {
			msg := feed.Describe(f.Title, f.URL, fmt.Errorf("panic: %v", r))
			log.Errorf("%s", msg)
			oc = o.failed(f, msg)
		}
	}()

	if !force && f.WithinTTL(o.now()) {
		log.Debugf("within publisher ttl of %d minutes, skipping", f.TTLMinutes)
		unchanged := *f
		return outcome{state: StateSkipped, feed: &unchanged}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.feedTimeout)
	defer cancel()

	res, err := o.fetcher.FetchAndParse(fetchCtx, f.ID, f.URL, since, feed.Validators{
		LastModified: f.LastModified,
		ETag:         f.ETag,
	})
	if err != nil {
		msg := feed.Describe(f.Title, f.URL, err)
		log.Warnf("%s", msg)
		return o.failed(f, msg)
	}

	checkedAt := o.now()
	update := storage.FeedUpdate{LastCheckedAt: &checkedAt}

	if res.Status == feed.StatusNotModified {
		log.Debugf("not modified")
		updated := f.Apply(update)
		return outcome{
			state:  StateUpToDate,
			feed:   &updated,
			change: &storage.FeedChange{FeedID: f.ID, Update: update},
		}
	}

	update.LastSyncedAt = &checkedAt
	update.TTLMinutes = &res.TTLMinutes
	setIfPresent(&update.LastModified, res.LastModified)
	setIfPresent(&update.ETag, res.ETag)
	setIfPresent(&update.Title, res.Title)
	setIfPresent(&update.Description, res.Description)
	setIfPresent(&update.Link, res.Link)
	setIfPresent(&update.Author, res.Author)
	setIfPresent(&update.OwnerName, res.OwnerName)
	if len(res.Categories) > 0 {
		update.Categories = res.Categories
	}

	log.Debugf("fetched %d episode candidates", len(res.Episodes))
	updated := f.Apply(update)
	return outcome{
		state:    StateUpdated,
		feed:     &updated,
		change:   &storage.FeedChange{FeedID: f.ID, Update: update},
		episodes: res.Episodes,
	}
}

// failed keeps every field of f except LastCheckedAt.
func (o *Orchestrator) failed(f *storage.Feed, msg string) outcome {
	checkedAt := o.now()
	update := storage.FeedUpdate{LastCheckedAt: &checkedAt}
	updated := f.Apply(update)
	return outcome{
		state:  StateFailed,
		feed:   &updated,
		change: &storage.FeedChange{FeedID: f.ID, Update: update},
		err:    msg,
	}
}

func setIfPresent(dst **string, v string) {
	if v != "" {
		*dst = &v
	}
}
