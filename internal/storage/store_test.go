package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type recordingListener struct {
	mu      sync.Mutex
	changes []ChangeSet
}

func (r *recordingListener) OnStoreChanged(c ChangeSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recordingListener) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func testFeed(url string) *Feed {
	return &Feed{
		ID:           FeedID(url),
		URL:          url,
		Title:        "Test Feed",
		IsSubscribed: true,
		CreatedAt:    time.Now(),
	}
}

func TestStore_SaveAndGetFeed(t *testing.T) {
	store := setupTestStore(t)

	feed := testFeed("http://example.com/feed.xml")
	feed.ETag = "\"abc123\""
	feed.LastModified = "Wed, 01 Jan 2025 00:00:00 GMT"
	require.NoError(t, store.SaveFeed(feed))

	retrieved, err := store.GetFeed(feed.ID)
	require.NoError(t, err)
	assert.Equal(t, feed.URL, retrieved.URL)
	assert.Equal(t, feed.Title, retrieved.Title)
	assert.Equal(t, feed.ETag, retrieved.ETag)
	assert.Equal(t, feed.LastModified, retrieved.LastModified)
}

func TestStore_GetFeed_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetFeed("non-existent")
	assert.ErrorIs(t, err, ErrFeedNotFound)
}

func TestStore_UpdateFeedMergesPartialFields(t *testing.T) {
	store := setupTestStore(t)

	feed := testFeed("http://example.com/feed.xml")
	feed.ETag = "old"
	feed.Description = "keep me"
	require.NoError(t, store.SaveFeed(feed))

	checked := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	etag := "new"
	require.NoError(t, store.UpdateFeed(feed.ID, FeedUpdate{LastCheckedAt: &checked, ETag: &etag}))

	got, err := store.GetFeed(feed.ID)
	require.NoError(t, err)
	assert.True(t, got.LastCheckedAt.Equal(checked))
	assert.Equal(t, "new", got.ETag)
	assert.Equal(t, "keep me", got.Description)
	assert.True(t, got.LastSyncedAt.IsZero())
}

func TestStore_UpdateFeed_UnknownFeed(t *testing.T) {
	store := setupTestStore(t)

	now := time.Now()
	err := store.UpdateFeed("missing", FeedUpdate{LastCheckedAt: &now})
	assert.ErrorIs(t, err, ErrFeedNotFound)
}

func TestStore_GetAllFeedsSorted(t *testing.T) {
	store := setupTestStore(t)

	for _, title := range []string{"zebra", "Alpha", "middle"} {
		f := testFeed("http://example.com/" + title)
		f.Title = title
		require.NoError(t, store.SaveFeed(f))
	}
	unsub := testFeed("http://example.com/unsub")
	unsub.Title = "Beta"
	unsub.IsSubscribed = false
	require.NoError(t, store.SaveFeed(unsub))

	all, err := store.GetAllFeeds()
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "Alpha", all[0].Title)
	assert.Equal(t, "Beta", all[1].Title)
	assert.Equal(t, "zebra", all[3].Title)

	subscribed, err := store.GetSubscribedFeeds()
	require.NoError(t, err)
	assert.Len(t, subscribed, 3)
}

func TestStore_InsertEpisodesDeduplicatesByURL(t *testing.T) {
	store := setupTestStore(t)

	feed := testFeed("http://example.com/feed.xml")
	require.NoError(t, store.SaveFeed(feed))

	first := &Episode{FeedID: feed.ID, GUID: "a", Title: "One", URL: "http://cdn.example.com/1.mp3"}
	inserted, err := store.InsertEpisodes([]*Episode{first})
	require.NoError(t, err)
	require.Len(t, inserted, 1)

	// Same URL, different guid and title: the stored record must not change.
	again := &Episode{FeedID: feed.ID, GUID: "b", Title: "Changed", URL: "http://cdn.example.com/1.mp3"}
	second := &Episode{FeedID: feed.ID, GUID: "c", Title: "Two", URL: "http://cdn.example.com/2.mp3"}
	inserted, err = store.InsertEpisodes([]*Episode{again, second})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "Two", inserted[0].Title)

	got, err := store.FindEpisodeByURL("http://cdn.example.com/1.mp3")
	require.NoError(t, err)
	assert.Equal(t, "One", got.Title)
	assert.Equal(t, "a", got.GUID)
}

func TestStore_GetEpisodesNewestFirst(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var eps []*Episode
	for i := 0; i < 5; i++ {
		eps = append(eps, &Episode{
			FeedID:      "f1",
			Title:       string(rune('a' + i)),
			URL:         "http://cdn.example.com/" + string(rune('a'+i)) + ".mp3",
			PublishedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	eps = append(eps, &Episode{FeedID: "f2", Title: "other", URL: "http://cdn.example.com/x.mp3", PublishedAt: base.Add(time.Minute)})
	_, err := store.InsertEpisodes(eps)
	require.NoError(t, err)

	got, err := store.GetEpisodes("f1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].Title)
	assert.Equal(t, "c", got[2].Title)

	latest, err := store.LatestEpisode()
	require.NoError(t, err)
	assert.Equal(t, "e", latest.Title)
}

func TestStore_BatchRollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	listener := &recordingListener{}
	store.AddListener(listener)

	feed := testFeed("http://example.com/feed.xml")
	boom := errors.New("boom")
	err := store.Batch(func(tx *Tx) error {
		if err := tx.SaveFeed(feed); err != nil {
			return err
		}
		if _, err := tx.InsertEpisode(&Episode{FeedID: feed.ID, URL: "http://cdn.example.com/1.mp3"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetFeed(feed.ID)
	assert.ErrorIs(t, err, ErrFeedNotFound)
	_, err = store.FindEpisodeByURL("http://cdn.example.com/1.mp3")
	assert.ErrorIs(t, err, ErrEpisodeNotFound)
	assert.Equal(t, 0, listener.count())
}

func TestStore_ListenerNotifiedAfterCommit(t *testing.T) {
	store := setupTestStore(t)
	feed := testFeed("http://example.com/feed.xml")

	listener := &recordingListener{}
	store.AddListener(listener)

	err := store.Batch(func(tx *Tx) error {
		if err := tx.SaveFeed(feed); err != nil {
			return err
		}
		_, err := tx.InsertEpisode(&Episode{FeedID: feed.ID, Title: "One", URL: "http://cdn.example.com/1.mp3"})
		if err != nil {
			return err
		}
		assert.Equal(t, 0, listener.count(), "listener must not fire inside the scope")
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 1, listener.count())
	cs := listener.changes[0]
	assert.Equal(t, []string{feed.ID}, cs.Feeds)
	require.Len(t, cs.InsertedEpisodes, 1)
	assert.Equal(t, "One", cs.InsertedEpisodes[0].Title)

	// Writes that change nothing do not notify.
	require.NoError(t, store.Batch(func(tx *Tx) error { return nil }))
	assert.Equal(t, 1, listener.count())
}

func TestStore_DeleteFeedCascades(t *testing.T) {
	store := setupTestStore(t)

	keep := testFeed("http://example.com/keep.xml")
	drop := testFeed("http://example.com/drop.xml")
	require.NoError(t, store.SaveFeed(keep))
	require.NoError(t, store.SaveFeed(drop))

	_, err := store.InsertEpisodes([]*Episode{
		{FeedID: keep.ID, URL: "http://cdn.example.com/k1.mp3"},
		{FeedID: drop.ID, URL: "http://cdn.example.com/d1.mp3"},
		{FeedID: drop.ID, URL: "http://cdn.example.com/d2.mp3"},
	})
	require.NoError(t, err)

	dropped, err := store.FindEpisodeByURL("http://cdn.example.com/d1.mp3")
	require.NoError(t, err)
	require.NoError(t, store.MarkDownloaded(dropped))

	require.NoError(t, store.DeleteFeed(drop.ID))

	all, err := store.GetEpisodes("", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, keep.ID, all[0].FeedID)

	active, err := store.GetActiveEpisodes()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStore_ActiveEpisodeLifecycle(t *testing.T) {
	store := setupTestStore(t)

	feed := testFeed("http://example.com/feed.xml")
	require.NoError(t, store.SaveFeed(feed))
	inserted, err := store.InsertEpisodes([]*Episode{
		{FeedID: feed.ID, Title: "One", URL: "http://cdn.example.com/1.mp3", DurationMin: 30},
		{FeedID: feed.ID, Title: "Two", URL: "http://cdn.example.com/2.mp3", DurationMin: 45},
	})
	require.NoError(t, err)
	one, two := inserted[0], inserted[1]

	require.NoError(t, store.StartPlaying(one))
	ae, err := store.GetActiveEpisode(one.ID)
	require.NoError(t, err)
	assert.True(t, ae.IsPlaying)
	assert.Equal(t, "Test Feed", ae.FeedTitle)
	assert.Equal(t, 30, ae.MinutesLeft)

	require.NoError(t, store.UpdatePlaybackPosition(one.ID, 600, 1200))
	ae, err = store.GetActiveEpisode(one.ID)
	require.NoError(t, err)
	assert.True(t, ae.InProgress())
	assert.Equal(t, 20, ae.MinutesLeft)

	// Starting another episode stops the first one.
	require.NoError(t, store.StartPlaying(two))
	ae, err = store.GetActiveEpisode(one.ID)
	require.NoError(t, err)
	assert.False(t, ae.IsPlaying)
	assert.False(t, ae.IsCompleted)

	require.NoError(t, store.MarkCompleted(two.ID))
	ae, err = store.GetActiveEpisode(two.ID)
	require.NoError(t, err)
	assert.True(t, ae.IsCompleted)
	assert.False(t, ae.IsPlaying)
	assert.False(t, ae.InProgress())

	assert.ErrorIs(t, store.MarkCompleted("missing"), ErrActiveNotFound)
}

func TestStore_QueueOrdersUpNext(t *testing.T) {
	store := setupTestStore(t)

	feed := testFeed("http://example.com/feed.xml")
	require.NoError(t, store.SaveFeed(feed))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	inserted, err := store.InsertEpisodes([]*Episode{
		{FeedID: feed.ID, Title: "A", URL: "http://cdn.example.com/a.mp3", PublishedAt: base},
		{FeedID: feed.ID, Title: "B", URL: "http://cdn.example.com/b.mp3", PublishedAt: base.Add(time.Hour)},
		{FeedID: feed.ID, Title: "C", URL: "http://cdn.example.com/c.mp3", PublishedAt: base.Add(2 * time.Hour)},
		{FeedID: feed.ID, Title: "D", URL: "http://cdn.example.com/d.mp3", PublishedAt: base.Add(3 * time.Hour)},
	})
	require.NoError(t, err)
	a, b, c, d := inserted[0], inserted[1], inserted[2], inserted[3]

	next, err := store.UpNext()
	require.NoError(t, err)
	assert.Nil(t, next, "nothing downloaded yet")

	for _, ep := range []*Episode{a, b, c} {
		require.NoError(t, store.MarkDownloaded(ep))
	}
	// Queued but never downloaded, so never up next.
	require.NoError(t, store.StartPlaying(d))

	next, err = store.UpNext()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "A", next.Title, "oldest first without a queue")

	require.NoError(t, store.ReorderQueue([]string{c.ID, b.ID}))
	next, err = store.UpNext()
	require.NoError(t, err)
	assert.Equal(t, "C", next.Title)

	ae, err := store.GetActiveEpisode(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, ae.SortOrder)

	require.NoError(t, store.StartPlaying(c))
	next, err = store.UpNext()
	require.NoError(t, err)
	assert.Equal(t, "B", next.Title)

	require.NoError(t, store.UpdatePlaybackPosition(b.ID, 30, 600))
	next, err = store.UpNext()
	require.NoError(t, err)
	assert.Equal(t, "A", next.Title, "started episodes leave the queue")

	err = store.ReorderQueue([]string{a.ID, "missing"})
	assert.ErrorIs(t, err, ErrActiveNotFound)
	ae, err = store.GetActiveEpisode(a.ID)
	require.NoError(t, err)
	assert.Zero(t, ae.SortOrder, "failed reorder saves nothing")
}

func TestStore_SearchTerms(t *testing.T) {
	store := setupTestStore(t)

	now := time.Now()
	require.NoError(t, store.SaveSearchTerm(&SearchTerm{ID: "1", Term: "Go", ExecutedAt: now, Monitored: true}))
	require.NoError(t, store.SaveSearchTerm(&SearchTerm{ID: "2", Term: "rust", ExecutedAt: now.Add(-time.Hour)}))

	all, err := store.GetSearchTerms(false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "rust", all[0].Term)

	monitored, err := store.GetSearchTerms(true)
	require.NoError(t, err)
	require.Len(t, monitored, 1)
	assert.Equal(t, "Go", monitored[0].Term)

	found, err := store.FindSearchTerm("go")
	require.NoError(t, err)
	assert.Equal(t, "1", found.ID)

	require.NoError(t, store.DeleteSearchTerm("1"))
	_, err = store.GetSearchTerm("1")
	assert.ErrorIs(t, err, ErrSearchNotFound)
}

func TestStore_SyncStateDefaultsToZero(t *testing.T) {
	store := setupTestStore(t)

	state, err := store.GetSyncState()
	require.NoError(t, err)
	assert.True(t, state.LastSyncAt.IsZero())

	state.LastSyncAt = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	state.HasNewEpisodes = true
	require.NoError(t, store.SaveSyncState(state))

	got, err := store.GetSyncState()
	require.NoError(t, err)
	assert.True(t, got.LastSyncAt.Equal(state.LastSyncAt))
	assert.True(t, got.HasNewEpisodes)
}

func TestFeed_WithinTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		feed Feed
		want bool
	}{
		{"no ttl", Feed{LastCheckedAt: now.Add(-time.Minute)}, false},
		{"never checked", Feed{TTLMinutes: 60}, false},
		{"inside window", Feed{TTLMinutes: 60, LastCheckedAt: now.Add(-30 * time.Minute)}, true},
		{"window elapsed", Feed{TTLMinutes: 60, LastCheckedAt: now.Add(-61 * time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.feed.WithinTTL(now))
		})
	}
}
