package reconcile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/podds/internal/storage"
)

func setupStore(t *testing.T) (*storage.Store, *storage.Feed) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	feed := &storage.Feed{ID: storage.FeedID("https://feeds.example.org/a"), URL: "https://feeds.example.org/a", Title: "A", IsSubscribed: true}
	require.NoError(t, store.SaveFeed(feed))
	return store, feed
}

func episode(feedID, guid, url string) *storage.Episode {
	return &storage.Episode{FeedID: feedID, GUID: guid, Title: guid, URL: url, PublishedAt: time.Now()}
}

type listener struct {
	calls []storage.ChangeSet
	store *storage.Store
	seen  []int
}

func (l *listener) OnStoreChanged(c storage.ChangeSet) {
	l.calls = append(l.calls, c)
	// Everything a scope wrote is visible once the listener fires.
	eps, _ := l.store.GetEpisodes("", 0)
	l.seen = append(l.seen, len(eps))
}

func TestReconcile_InsertsAndSignals(t *testing.T) {
	store, feed := setupStore(t)

	var signaled []*storage.Episode
	r := New(store, SignalFunc(func(eps []*storage.Episode) { signaled = eps }), nil)

	checked := time.Now()
	res, err := r.Reconcile(
		[]*storage.Episode{
			episode(feed.ID, "g1", "https://cdn.example.org/1.mp3"),
			episode(feed.ID, "g2", "https://cdn.example.org/2.mp3"),
		},
		[]storage.FeedChange{{FeedID: feed.ID, Update: storage.FeedUpdate{LastCheckedAt: &checked}}},
	)
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 2)
	assert.True(t, res.NewContentDetected)
	assert.Len(t, signaled, 2)

	stored, err := store.GetFeed(feed.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastCheckedAt.Equal(checked))

	state, err := store.GetSyncState()
	require.NoError(t, err)
	assert.True(t, state.HasNewEpisodes)

	require.NoError(t, r.Acknowledge())
	state, err = store.GetSyncState()
	require.NoError(t, err)
	assert.False(t, state.HasNewEpisodes)
}

func TestReconcile_NeverOverwritesExisting(t *testing.T) {
	store, feed := setupStore(t)
	r := New(store, nil, nil)

	_, err := r.Reconcile([]*storage.Episode{episode(feed.ID, "orig", "https://cdn.example.org/1.mp3")}, nil)
	require.NoError(t, err)

	// The upstream guid churned but the enclosure URL is the same.
	res, err := r.Reconcile([]*storage.Episode{episode(feed.ID, "churned", "https://cdn.example.org/1.mp3")}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)
	assert.False(t, res.NewContentDetected)

	got, err := store.FindEpisodeByURL("https://cdn.example.org/1.mp3")
	require.NoError(t, err)
	assert.Equal(t, "orig", got.GUID)
}

func TestReconcile_SuppressedWhileViewing(t *testing.T) {
	store, feed := setupStore(t)

	signals := 0
	viewing := true
	r := New(store, SignalFunc(func([]*storage.Episode) { signals++ }), func() bool { return viewing })

	res, err := r.Reconcile([]*storage.Episode{episode(feed.ID, "g1", "https://cdn.example.org/1.mp3")}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1)
	assert.False(t, res.NewContentDetected)
	assert.Zero(t, signals)

	state, err := store.GetSyncState()
	require.NoError(t, err)
	assert.False(t, state.HasNewEpisodes)

	viewing = false
	res, err = r.Reconcile([]*storage.Episode{episode(feed.ID, "g2", "https://cdn.example.org/2.mp3")}, nil)
	require.NoError(t, err)
	assert.True(t, res.NewContentDetected)
	assert.Equal(t, 1, signals)
}

func TestReconcile_SingleAtomicNotification(t *testing.T) {
	store, feed := setupStore(t)
	l := &listener{store: store}
	store.AddListener(l)

	checked := time.Now()
	r := New(store, nil, nil)
	_, err := r.Reconcile(
		[]*storage.Episode{
			episode(feed.ID, "g1", "https://cdn.example.org/1.mp3"),
			episode(feed.ID, "g2", "https://cdn.example.org/2.mp3"),
		},
		[]storage.FeedChange{{FeedID: feed.ID, Update: storage.FeedUpdate{LastCheckedAt: &checked}}},
	)
	require.NoError(t, err)

	require.Len(t, l.calls, 1)
	assert.Len(t, l.calls[0].InsertedEpisodes, 2)
	assert.Equal(t, []string{feed.ID}, l.calls[0].Feeds)
	assert.Equal(t, []int{2}, l.seen)
}

func TestReconcile_DropsRemovedFeeds(t *testing.T) {
	store, feed := setupStore(t)
	r := New(store, nil, nil)

	checked := time.Now()
	res, err := r.Reconcile(
		[]*storage.Episode{
			episode(feed.ID, "g1", "https://cdn.example.org/1.mp3"),
			episode("gone", "g2", "https://cdn.example.org/2.mp3"),
		},
		[]storage.FeedChange{
			{FeedID: "gone", Update: storage.FeedUpdate{LastCheckedAt: &checked}},
			{FeedID: feed.ID, Update: storage.FeedUpdate{LastCheckedAt: &checked}},
		},
	)
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)
	assert.Equal(t, feed.ID, res.Inserted[0].FeedID)
}
