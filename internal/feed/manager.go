package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gilliek/go-opml/opml"

	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/storage"
	"github.com/pders01/podds/internal/validation"
)

var ErrAlreadySubscribed = errors.New("already subscribed")

// Manager handles the subscription list: adding and removing feeds and
// OPML import/export.
type Manager struct {
	store        *storage.Store
	fetcher      *Fetcher
	urlValidator *validation.URLValidator
	feedTimeout  time.Duration
	now          func() time.Time
	mu           sync.Mutex
}

func NewManager(store *storage.Store, fetcher *Fetcher, feedTimeout time.Duration) *Manager {
	return &Manager{
		store:        store,
		fetcher:      fetcher,
		urlValidator: validation.NewFeedURLValidator(),
		feedTimeout:  feedTimeout,
		now:          time.Now,
	}
}

// SetPermissiveValidation enables permissive URL validation for development/testing
func (m *Manager) SetPermissiveValidation(permissive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if permissive {
		m.urlValidator = validation.NewPermissiveFeedURLValidator()
	} else {
		m.urlValidator = validation.NewFeedURLValidator()
	}
}

// AddFeed subscribes to rawURL. The full document is fetched once, without
// a since cutoff, and the feed and its episodes are stored in one batch.
// It returns the stored feed and how many episodes were new.
func (m *Manager) AddFeed(ctx context.Context, rawURL string) (*storage.Feed, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	normalizedURL, err := m.urlValidator.ValidateAndNormalize(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid feed URL: %w", err)
	}

	feedID := storage.FeedID(normalizedURL)
	existing, err := m.store.GetFeed(feedID)
	switch {
	case err == nil && existing.IsSubscribed:
		return existing, 0, fmt.Errorf("%s: %w", normalizedURL, ErrAlreadySubscribed)
	case err != nil && !errors.Is(err, storage.ErrFeedNotFound):
		return nil, 0, fmt.Errorf("looking up feed: %w", err)
	}

	if m.feedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.feedTimeout)
		defer cancel()
	}

	res, err := m.fetcher.FetchAndParse(ctx, feedID, normalizedURL, time.Time{}, Validators{})
	if err != nil {
		return nil, 0, fmt.Errorf("fetching feed: %w", err)
	}
	if res.Status != StatusUpdated {
		return nil, 0, fmt.Errorf("fetching feed: unexpected %s response", res.Status)
	}

	now := m.now()
	feed := existing
	if feed == nil {
		feed = &storage.Feed{ID: feedID, URL: normalizedURL, CreatedAt: now}
	}
	feed.IsSubscribed = true
	feed.Title = res.Title
	feed.Description = res.Description
	feed.Link = res.Link
	feed.Author = res.Author
	feed.OwnerName = res.OwnerName
	feed.Categories = res.Categories
	feed.TTLMinutes = res.TTLMinutes
	feed.LastModified = res.LastModified
	feed.ETag = res.ETag
	feed.LastCheckedAt = now
	feed.LastSyncedAt = now
	if feed.Title == "" {
		feed.Title = normalizedURL
	}

	inserted := 0
	err = m.store.Batch(func(tx *storage.Tx) error {
		if err := tx.SaveFeed(feed); err != nil {
			return err
		}
		for _, ep := range res.Episodes {
			ok, err := tx.InsertEpisode(ep)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("saving feed: %w", err)
	}

	debuglog.Infof("subscribed to %s (%d episodes)", feed.URL, inserted)
	return feed, inserted, nil
}

// RemoveFeed deletes a feed together with its episodes and active episodes.
func (m *Manager) RemoveFeed(feedID string) error {
	if _, err := m.store.GetFeed(feedID); err != nil {
		return err
	}
	if err := m.store.DeleteFeed(feedID); err != nil {
		return fmt.Errorf("removing feed: %w", err)
	}
	debuglog.Infof("removed feed %s", feedID)
	return nil
}

// ImportResult summarizes an OPML import.
type ImportResult struct {
	Total   int
	Added   []*storage.Feed
	Skipped int
	Failed  []string
}

// ImportOPML subscribes to every rss outline in r. URLs repeated in the
// document and feeds already subscribed (by URL or title) are skipped. A
// failing feed is recorded and does not stop the import.
func (m *Manager) ImportOPML(ctx context.Context, r io.Reader) (*ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading OPML: %w", err)
	}
	doc, err := opml.NewOPML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing OPML: %w", err)
	}

	existing, err := m.store.GetSubscribedFeeds()
	if err != nil {
		return nil, err
	}
	knownURL := make(map[string]bool, len(existing))
	knownTitle := make(map[string]bool, len(existing))
	for _, f := range existing {
		knownURL[f.URL] = true
		if f.Title != "" {
			knownTitle[strings.ToLower(f.Title)] = true
		}
	}

	result := &ImportResult{}
	seen := make(map[string]bool)
	for _, o := range flattenOutlines(doc.Body.Outlines) {
		result.Total++
		url := strings.TrimSpace(o.XMLURL)
		title := o.Text
		if title == "" {
			title = o.Title
		}

		if seen[url] {
			debuglog.Warnf("%s is a duplicate, skipping", url)
			result.Skipped++
			continue
		}
		seen[url] = true

		if knownURL[url] || (title != "" && knownTitle[strings.ToLower(title)]) {
			debuglog.Warnf("%s already exists, skipping", url)
			result.Skipped++
			continue
		}

		if ctx.Err() != nil {
			result.Failed = append(result.Failed, url)
			continue
		}

		feed, _, err := m.AddFeed(ctx, url)
		if errors.Is(err, ErrAlreadySubscribed) {
			result.Skipped++
			continue
		}
		if err != nil {
			debuglog.Errorf("importing %s: %v", url, err)
			if title == "" {
				title = url
			}
			result.Failed = append(result.Failed, title)
			continue
		}
		result.Added = append(result.Added, feed)
	}

	debuglog.Infof("OPML import: %d added, %d skipped, %d failed of %d",
		len(result.Added), result.Skipped, len(result.Failed), result.Total)
	return result, nil
}

// flattenOutlines returns the feed outlines at any nesting depth.
func flattenOutlines(outlines []opml.Outline) []opml.Outline {
	var out []opml.Outline
	for _, o := range outlines {
		if o.XMLURL != "" && (o.Type == "" || strings.EqualFold(o.Type, "rss")) {
			out = append(out, o)
		}
		out = append(out, flattenOutlines(o.Outlines)...)
	}
	return out
}

// ExportOPML writes all subscribed feeds as an OPML document.
func (m *Manager) ExportOPML(w io.Writer) error {
	feeds, err := m.store.GetSubscribedFeeds()
	if err != nil {
		return err
	}

	group := opml.Outline{Text: "feeds"}
	for _, f := range feeds {
		group.Outlines = append(group.Outlines, opml.Outline{
			Type:    "rss",
			Text:    f.Title,
			Title:   f.Title,
			XMLURL:  f.URL,
			HTMLURL: f.Link,
		})
	}

	doc := opml.OPML{Version: "1.0"}
	doc.Head.Title = "podds subscriptions"
	doc.Body.Outlines = []opml.Outline{group}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding OPML: %w", err)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	_, err = w.Write(append(out, '\n'))
	return err
}
