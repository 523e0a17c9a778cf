// Package search runs episode searches against the local index or a
// podcast directory (PodcastIndex, iTunes), and watches saved terms for new
// results.
package search

import (
	"context"
	"errors"
	"time"
)

// Result is one episode matching a search term.
type Result struct {
	EpisodeID   string
	FeedID      string
	Title       string
	FeedTitle   string
	URL         string
	PublishedAt time.Time
	Score       float64
}

// Searcher finds episodes for a free-text term, best match first.
type Searcher interface {
	Search(ctx context.Context, term string, limit int) ([]*Result, error)
}

// Podcast is a show listed by a directory.
type Podcast struct {
	ID          string
	Title       string
	Author      string
	Description string
	FeedURL     string
	ArtworkURL  string
}

// Directory finds shows to subscribe to.
type Directory interface {
	SearchPodcasts(ctx context.Context, term string, limit int) ([]*Podcast, error)
	PodcastByID(ctx context.Context, id string) (*Podcast, error)
}

var (
	ErrPodcastNotFound = errors.New("podcast not found in directory")
	ErrDirectoryAuth   = errors.New("directory rejected the API credentials")
)

// Newest returns the latest publication time among results.
func Newest(results []*Result) time.Time {
	var latest time.Time
	for _, r := range results {
		if r.PublishedAt.After(latest) {
			latest = r.PublishedAt
		}
	}
	return latest
}
