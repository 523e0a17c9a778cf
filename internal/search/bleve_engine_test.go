package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexSearcher_IndexesExistingEpisodes(t *testing.T) {
	store := setupStore(t)
	now := time.Now()
	seed(t, store, "Go Time",
		ep("Golang tips", "Using bleve for full text search", "https://cdn.example.org/1.mp3", now),
		ep("Hello world", "a greeting", "https://cdn.example.org/2.mp3", now),
	)

	idxPath := filepath.Join(t.TempDir(), "index.bleve")
	idx, err := NewIndexSearcher(store, idxPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	n, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := idx.Search(context.Background(), "golang", 10)
	require.NoError(t, err)
	require.NotEmpty(t, res)
	assert.Equal(t, "Golang tips", res[0].Title)
	assert.Equal(t, "Go Time", res[0].FeedTitle)

	res, err = idx.Search(context.Background(), "bleve", 10)
	require.NoError(t, err)
	assert.Len(t, res, 1)

	fi, err := os.Stat(idxPath)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestIndexSearcher_FollowsStoreChanges(t *testing.T) {
	store := setupStore(t)
	idx, err := NewIndexSearcher(store, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	store.AddListener(idx)

	feed := seed(t, store, "Late Night",
		ep("Comedy hour", "stand-up special", "https://cdn.example.org/c1.mp3", time.Now()),
	)

	res, err := idx.Search(context.Background(), "comedy", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, feed.ID, res[0].FeedID)

	require.NoError(t, store.DeleteFeed(feed.ID))

	n, err := idx.DocCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err = idx.Search(context.Background(), "comedy", 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestIndexSearcher_PrefixMatch(t *testing.T) {
	store := setupStore(t)
	seed(t, store, "Science",
		ep("Astronomy roundup", "", "https://cdn.example.org/a.mp3", time.Now()),
	)

	idx, err := NewIndexSearcher(store, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	res, err := idx.Search(context.Background(), "astro", 10)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}
