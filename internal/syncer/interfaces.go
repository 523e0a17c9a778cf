package syncer

import (
	"context"
	"time"

	"github.com/pders01/podds/internal/feed"
	"github.com/pders01/podds/internal/reconcile"
	"github.com/pders01/podds/internal/storage"
)

// FeedFetcher fetches and parses one feed. *feed.Fetcher implements it.
type FeedFetcher interface {
	FetchAndParse(ctx context.Context, feedID, url string, since time.Time, v feed.Validators) (*feed.Result, error)
}

// Runner executes one sync pass. *Orchestrator implements it.
type Runner interface {
	RunSync(ctx context.Context, req Request) *Response
}

// Reconciler merges a pass into the store. *reconcile.Reconciler implements it.
type Reconciler interface {
	Reconcile(episodes []*storage.Episode, changes []storage.FeedChange) (*reconcile.Result, error)
}
