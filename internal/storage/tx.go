package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Tx is a store transaction handed out by Store.Batch and Store.View.
// Writes made through a View transaction fail.
type Tx struct {
	tx      *bolt.Tx
	changes ChangeSet
}

func (t *Tx) bucket(name []byte) *bolt.Bucket {
	return t.tx.Bucket(name)
}

func (t *Tx) get(bucket []byte, key string, v any) (bool, error) {
	data := t.bucket(bucket).Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (t *Tx) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.bucket(bucket).Put([]byte(key), data)
}

func (t *Tx) Feed(id string) (*Feed, error) {
	var feed Feed
	ok, err := t.get(feedsBucket, id, &feed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFeedNotFound
	}
	return &feed, nil
}

func (t *Tx) Feeds() ([]*Feed, error) {
	var feeds []*Feed
	err := t.bucket(feedsBucket).ForEach(func(_ []byte, v []byte) error {
		var feed Feed
		if err := json.Unmarshal(v, &feed); err != nil {
			return err
		}
		feeds = append(feeds, &feed)
		return nil
	})
	return feeds, err
}

func (t *Tx) SaveFeed(feed *Feed) error {
	if err := t.put(feedsBucket, feed.ID, feed); err != nil {
		return err
	}
	t.changes.Feeds = append(t.changes.Feeds, feed.ID)
	return nil
}

// UpdateFeed merges update into the stored feed. Fields the update leaves
// nil keep their stored value.
func (t *Tx) UpdateFeed(id string, update FeedUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	feed, err := t.Feed(id)
	if err != nil {
		return err
	}
	merged := feed.Apply(update)
	return t.SaveFeed(&merged)
}

func (t *Tx) DeleteFeed(id string) error {
	if err := t.bucket(feedsBucket).Delete([]byte(id)); err != nil {
		return err
	}

	for _, name := range [][]byte{episodesBucket, activeBucket} {
		b := t.bucket(name)
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var ref struct {
				FeedID string `json:"feed_id"`
			}
			if err := json.Unmarshal(v, &ref); err == nil && ref.FeedID == id {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
	}

	t.changes.RemovedFeeds = append(t.changes.RemovedFeeds, id)
	return nil
}

func (t *Tx) Episode(id string) (*Episode, error) {
	var ep Episode
	ok, err := t.get(episodesBucket, id, &ep)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEpisodeNotFound
	}
	return &ep, nil
}

// InsertEpisode stores ep unless an episode with the same enclosure URL
// exists. Existing records are never overwritten.
func (t *Tx) InsertEpisode(ep *Episode) (bool, error) {
	if ep.URL == "" {
		return false, fmt.Errorf("episode %q has no enclosure URL", ep.Title)
	}
	ep.ID = EpisodeID(ep.URL)
	if t.bucket(episodesBucket).Get([]byte(ep.ID)) != nil {
		return false, nil
	}
	if err := t.put(episodesBucket, ep.ID, ep); err != nil {
		return false, err
	}
	t.changes.InsertedEpisodes = append(t.changes.InsertedEpisodes, ep)
	return true, nil
}

func (t *Tx) ActiveEpisode(id string) (*ActiveEpisode, error) {
	var ae ActiveEpisode
	ok, err := t.get(activeBucket, id, &ae)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrActiveNotFound
	}
	return &ae, nil
}

func (t *Tx) ActiveEpisodes() ([]*ActiveEpisode, error) {
	var list []*ActiveEpisode
	err := t.bucket(activeBucket).ForEach(func(_ []byte, v []byte) error {
		var ae ActiveEpisode
		if err := json.Unmarshal(v, &ae); err != nil {
			return err
		}
		list = append(list, &ae)
		return nil
	})
	return list, err
}

func (t *Tx) SaveActiveEpisode(ae *ActiveEpisode) error {
	if err := t.put(activeBucket, ae.ID, ae); err != nil {
		return err
	}
	t.changes.ActiveEpisodes = append(t.changes.ActiveEpisodes, ae.ID)
	return nil
}

func (t *Tx) SearchTerm(id string) (*SearchTerm, error) {
	var term SearchTerm
	ok, err := t.get(searchBucket, id, &term)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSearchNotFound
	}
	return &term, nil
}

func (t *Tx) SaveSearchTerm(term *SearchTerm) error {
	if err := t.put(searchBucket, term.ID, term); err != nil {
		return err
	}
	t.changes.SearchTerms = append(t.changes.SearchTerms, term.ID)
	return nil
}

// SyncState returns the stored state, or a zero state on first use.
func (t *Tx) SyncState() (*SyncState, error) {
	var state SyncState
	if _, err := t.get(metaBucket, string(syncStateKey), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (t *Tx) SaveSyncState(state *SyncState) error {
	return t.put(metaBucket, string(syncStateKey), state)
}
