package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	feedsBucket    = []byte("feeds")
	episodesBucket = []byte("episodes")
	activeBucket   = []byte("active_episodes")
	searchBucket   = []byte("search_terms")
	metaBucket     = []byte("metadata")

	syncStateKey = []byte("sync_state")
)

var (
	ErrFeedNotFound    = errors.New("feed not found")
	ErrEpisodeNotFound = errors.New("episode not found")
	ErrActiveNotFound  = errors.New("active episode not found")
	ErrSearchNotFound  = errors.New("search term not found")
)

// ChangeSet describes what one committed write scope touched.
type ChangeSet struct {
	Feeds            []string
	InsertedEpisodes []*Episode
	RemovedFeeds     []string
	ActiveEpisodes   []string
	SearchTerms      []string
}

func (c ChangeSet) empty() bool {
	return len(c.Feeds) == 0 && len(c.InsertedEpisodes) == 0 && len(c.RemovedFeeds) == 0 &&
		len(c.ActiveEpisodes) == 0 && len(c.SearchTerms) == 0
}

// ChangeListener is notified after a write scope commits, never mid-scope.
type ChangeListener interface {
	OnStoreChanged(changes ChangeSet)
}

type Store struct {
	db *bolt.DB

	mu        sync.RWMutex
	listeners []ChangeListener
}

func NewStore(dbPath string) (*Store, error) {
	return Open(dbPath, 1*time.Second)
}

// Open opens the database, waiting up to timeout for another process to
// release its file lock.
func Open(dbPath string, timeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{feedsBucket, episodesBucket, activeBucket, searchBucket, metaBucket} {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return createErr
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AddListener registers l for post-commit change notifications.
func (s *Store) AddListener(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Batch runs fn inside a single read-write transaction. Either every write
// in fn commits or none does, and listeners hear about the writes only
// once the scope has closed. bbolt allows one writer at a time, so
// concurrent Batch calls are serialized.
func (s *Store) Batch(fn func(tx *Tx) error) error {
	var changes ChangeSet
	err := s.db.Update(func(btx *bolt.Tx) error {
		tx := &Tx{tx: btx}
		if err := fn(tx); err != nil {
			return err
		}
		changes = tx.changes
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(changes)
	return nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

func (s *Store) notify(changes ChangeSet) {
	if changes.empty() {
		return
	}
	s.mu.RLock()
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		l.OnStoreChanged(changes)
	}
}

func (s *Store) SaveFeed(feed *Feed) error {
	return s.Batch(func(tx *Tx) error { return tx.SaveFeed(feed) })
}

func (s *Store) GetFeed(id string) (*Feed, error) {
	var feed *Feed
	err := s.View(func(tx *Tx) error {
		var err error
		feed, err = tx.Feed(id)
		return err
	})
	return feed, err
}

func (s *Store) UpdateFeed(id string, update FeedUpdate) error {
	return s.Batch(func(tx *Tx) error { return tx.UpdateFeed(id, update) })
}

// GetAllFeeds returns all feeds sorted by title, falling back to URL.
func (s *Store) GetAllFeeds() ([]*Feed, error) {
	var feeds []*Feed
	err := s.View(func(tx *Tx) error {
		var err error
		feeds, err = tx.Feeds()
		return err
	})
	sort.Slice(feeds, func(i, j int) bool {
		ti := feeds[i].Title
		tj := feeds[j].Title
		if ti == "" {
			ti = feeds[i].URL
		}
		if tj == "" {
			tj = feeds[j].URL
		}
		return strings.ToLower(ti) < strings.ToLower(tj)
	})
	return feeds, err
}

func (s *Store) GetSubscribedFeeds() ([]*Feed, error) {
	all, err := s.GetAllFeeds()
	if err != nil {
		return nil, err
	}
	feeds := make([]*Feed, 0, len(all))
	for _, f := range all {
		if f.IsSubscribed {
			feeds = append(feeds, f)
		}
	}
	return feeds, nil
}

// DeleteFeed removes a feed together with its episodes and active episodes.
func (s *Store) DeleteFeed(id string) error {
	return s.Batch(func(tx *Tx) error { return tx.DeleteFeed(id) })
}

// InsertEpisodes stores the episodes whose URL is not yet known and returns
// the ones that were actually inserted.
func (s *Store) InsertEpisodes(episodes []*Episode) ([]*Episode, error) {
	var inserted []*Episode
	err := s.Batch(func(tx *Tx) error {
		for _, ep := range episodes {
			ok, err := tx.InsertEpisode(ep)
			if err != nil {
				return err
			}
			if ok {
				inserted = append(inserted, ep)
			}
		}
		return nil
	})
	return inserted, err
}

func (s *Store) GetEpisode(id string) (*Episode, error) {
	var ep *Episode
	err := s.View(func(tx *Tx) error {
		var err error
		ep, err = tx.Episode(id)
		return err
	})
	return ep, err
}

func (s *Store) FindEpisodeByURL(url string) (*Episode, error) {
	return s.GetEpisode(EpisodeID(url))
}

// GetEpisodes returns episodes of feedID (all feeds when empty), newest first.
func (s *Store) GetEpisodes(feedID string, limit int) ([]*Episode, error) {
	var episodes []*Episode
	err := s.View(func(tx *Tx) error {
		return tx.bucket(episodesBucket).ForEach(func(_ []byte, v []byte) error {
			var ep Episode
			if err := json.Unmarshal(v, &ep); err != nil {
				return nil
			}
			if feedID == "" || ep.FeedID == feedID {
				episodes = append(episodes, &ep)
			}
			return nil
		})
	})
	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].PublishedAt.After(episodes[j].PublishedAt)
	})
	if limit > 0 && len(episodes) > limit {
		episodes = episodes[:limit]
	}
	return episodes, err
}

// LatestEpisode returns the most recently published episode, or nil.
func (s *Store) LatestEpisode() (*Episode, error) {
	eps, err := s.GetEpisodes("", 1)
	if err != nil || len(eps) == 0 {
		return nil, err
	}
	return eps[0], nil
}

func (s *Store) GetActiveEpisode(id string) (*ActiveEpisode, error) {
	var ae *ActiveEpisode
	err := s.View(func(tx *Tx) error {
		var err error
		ae, err = tx.ActiveEpisode(id)
		return err
	})
	return ae, err
}

func (s *Store) GetActiveEpisodes() ([]*ActiveEpisode, error) {
	var list []*ActiveEpisode
	err := s.View(func(tx *Tx) error {
		var err error
		list, err = tx.ActiveEpisodes()
		return err
	})
	sort.Slice(list, func(i, j int) bool {
		return list[i].LastUpdatedAt.After(list[j].LastUpdatedAt)
	})
	return list, err
}

func (s *Store) SaveActiveEpisode(ae *ActiveEpisode) error {
	return s.Batch(func(tx *Tx) error { return tx.SaveActiveEpisode(ae) })
}

// MarkDownloaded flags ep as downloaded, creating its active record if needed.
func (s *Store) MarkDownloaded(ep *Episode) error {
	return s.Batch(func(tx *Tx) error {
		ae, err := tx.ActiveEpisode(ep.ID)
		if errors.Is(err, ErrActiveNotFound) {
			ae = newActiveEpisode(tx, ep)
		} else if err != nil {
			return err
		}
		ae.IsDownloaded = true
		return tx.SaveActiveEpisode(ae)
	})
}

// StartPlaying marks ep as the only playing episode.
func (s *Store) StartPlaying(ep *Episode) error {
	return s.Batch(func(tx *Tx) error {
		list, err := tx.ActiveEpisodes()
		if err != nil {
			return err
		}
		for _, other := range list {
			if other.IsPlaying && other.ID != ep.ID {
				other.IsPlaying = false
				other.IsCompleted = other.MinutesLeft < 5
				if err := tx.SaveActiveEpisode(other); err != nil {
					return err
				}
			}
		}
		ae, err := tx.ActiveEpisode(ep.ID)
		if errors.Is(err, ErrActiveNotFound) {
			ae = newActiveEpisode(tx, ep)
		} else if err != nil {
			return err
		}
		ae.IsPlaying = true
		return tx.SaveActiveEpisode(ae)
	})
}

// UpdatePlaybackPosition records position (seconds) and remaining seconds.
func (s *Store) UpdatePlaybackPosition(id string, position, remaining float64) error {
	return s.Batch(func(tx *Tx) error {
		ae, err := tx.ActiveEpisode(id)
		if err != nil {
			return err
		}
		ae.PlaybackPosition = position
		ae.MinutesLeft = int((remaining + 59) / 60)
		ae.LastUpdatedAt = time.Now()
		ae.IsCompleted = false
		return tx.SaveActiveEpisode(ae)
	})
}

// ReorderQueue sets the queue position of each listed active episode to its
// index in ids, starting at 1. Active episodes not listed keep their
// position. Nothing is saved when any id is unknown.
func (s *Store) ReorderQueue(ids []string) error {
	return s.Batch(func(tx *Tx) error {
		for i, id := range ids {
			ae, err := tx.ActiveEpisode(id)
			if err != nil {
				return fmt.Errorf("queueing %s: %w", id, err)
			}
			ae.SortOrder = i + 1
			if err := tx.SaveActiveEpisode(ae); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpNext returns the next downloaded, unstarted episode that is not
// playing: queued episodes by position first, then the rest oldest first.
// It returns nil when nothing qualifies.
func (s *Store) UpNext() (*ActiveEpisode, error) {
	var list []*ActiveEpisode
	err := s.View(func(tx *Tx) error {
		var err error
		list, err = tx.ActiveEpisodes()
		return err
	})
	if err != nil {
		return nil, err
	}

	var next *ActiveEpisode
	for _, ae := range list {
		if ae.IsPlaying || !ae.IsDownloaded || ae.IsCompleted || ae.PlaybackPosition > 0 {
			continue
		}
		if next == nil || queuedBefore(ae, next) {
			next = ae
		}
	}
	return next, nil
}

func queuedBefore(a, b *ActiveEpisode) bool {
	switch {
	case a.SortOrder > 0 && b.SortOrder > 0 && a.SortOrder != b.SortOrder:
		return a.SortOrder < b.SortOrder
	case a.SortOrder > 0 && b.SortOrder == 0:
		return true
	case a.SortOrder == 0 && b.SortOrder > 0:
		return false
	}
	return a.PublishedAt.Before(b.PublishedAt)
}

func (s *Store) MarkCompleted(id string) error {
	return s.Batch(func(tx *Tx) error {
		ae, err := tx.ActiveEpisode(id)
		if err != nil {
			return err
		}
		ae.IsCompleted = true
		ae.IsPlaying = false
		ae.LastUpdatedAt = time.Now()
		return tx.SaveActiveEpisode(ae)
	})
}

func newActiveEpisode(tx *Tx, ep *Episode) *ActiveEpisode {
	ae := &ActiveEpisode{
		ID:            ep.ID,
		FeedID:        ep.FeedID,
		Title:         ep.Title,
		Content:       ep.Content,
		URL:           ep.URL,
		DurationMin:   ep.DurationMin,
		PublishedAt:   ep.PublishedAt,
		MinutesLeft:   ep.DurationMin,
		LastUpdatedAt: time.Now(),
	}
	if feed, err := tx.Feed(ep.FeedID); err == nil {
		ae.FeedTitle = feed.Title
	}
	return ae
}

func (s *Store) SaveSearchTerm(term *SearchTerm) error {
	return s.Batch(func(tx *Tx) error { return tx.SaveSearchTerm(term) })
}

func (s *Store) GetSearchTerm(id string) (*SearchTerm, error) {
	var term *SearchTerm
	err := s.View(func(tx *Tx) error {
		var err error
		term, err = tx.SearchTerm(id)
		return err
	})
	return term, err
}

// FindSearchTerm looks a term up by its text, case-insensitively.
func (s *Store) FindSearchTerm(text string) (*SearchTerm, error) {
	terms, err := s.GetSearchTerms(false)
	if err != nil {
		return nil, err
	}
	for _, t := range terms {
		if strings.EqualFold(t.Term, text) {
			return t, nil
		}
	}
	return nil, ErrSearchNotFound
}

// GetSearchTerms returns saved terms, oldest execution first.
func (s *Store) GetSearchTerms(monitoredOnly bool) ([]*SearchTerm, error) {
	var terms []*SearchTerm
	err := s.View(func(tx *Tx) error {
		return tx.bucket(searchBucket).ForEach(func(_ []byte, v []byte) error {
			var t SearchTerm
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if !monitoredOnly || t.Monitored {
				terms = append(terms, &t)
			}
			return nil
		})
	})
	sort.Slice(terms, func(i, j int) bool {
		return terms[i].ExecutedAt.Before(terms[j].ExecutedAt)
	})
	return terms, err
}

func (s *Store) DeleteSearchTerm(id string) error {
	return s.Batch(func(tx *Tx) error {
		tx.changes.SearchTerms = append(tx.changes.SearchTerms, id)
		return tx.bucket(searchBucket).Delete([]byte(id))
	})
}

func (s *Store) GetSyncState() (*SyncState, error) {
	var state *SyncState
	err := s.View(func(tx *Tx) error {
		var err error
		state, err = tx.SyncState()
		return err
	})
	return state, err
}

func (s *Store) SaveSyncState(state *SyncState) error {
	return s.Batch(func(tx *Tx) error { return tx.SaveSyncState(state) })
}
