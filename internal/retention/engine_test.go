package retention

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/podds/internal/config"
	"github.com/pders01/podds/internal/media"
	"github.com/pders01/podds/internal/storage"
)

type fixture struct {
	store   *storage.Store
	cache   *media.Cache
	cleaner *Cleaner
	engine  *Engine
	now     time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cache := media.NewCache(afero.NewMemMapFs(), "/cache")
	cleaner := NewCleaner(cache)
	cleaner.Start()
	t.Cleanup(cleaner.Stop)

	cfg := config.RetentionConfig{
		CompletedAfter:  7 * 24 * time.Hour,
		InProgressAfter: 14 * 24 * time.Hour,
	}
	f := &fixture{store: store, cache: cache, cleaner: cleaner, now: time.Now()}
	f.engine = NewEngine(store, cleaner, cfg)
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) active(t *testing.T, name string, age time.Duration, mutate func(*storage.ActiveEpisode)) *storage.ActiveEpisode {
	t.Helper()
	url := "https://cdn.example.org/" + name + ".mp3"
	ae := &storage.ActiveEpisode{
		ID:            storage.EpisodeID(url),
		Title:         name,
		URL:           url,
		IsDownloaded:  true,
		LastUpdatedAt: f.now.Add(-age),
	}
	if mutate != nil {
		mutate(ae)
	}
	require.NoError(t, f.store.SaveActiveEpisode(ae))
	_, err := f.cache.Put(url, strings.NewReader("audio"))
	require.NoError(t, err)
	return ae
}

func completed(ae *storage.ActiveEpisode) { ae.IsCompleted = true }

func inProgress(ae *storage.ActiveEpisode) { ae.PlaybackPosition = 120 }

func TestApply_EvictsStaleEpisodes(t *testing.T) {
	f := setup(t)
	day := 24 * time.Hour

	oldDone := f.active(t, "old-done", 8*day, completed)
	freshDone := f.active(t, "fresh-done", 6*day, completed)
	oldPartial := f.active(t, "old-partial", 15*day, inProgress)
	midPartial := f.active(t, "mid-partial", 10*day, inProgress)
	playing := f.active(t, "playing", 30*day, func(ae *storage.ActiveEpisode) {
		completed(ae)
		ae.IsPlaying = true
	})
	untouched := f.active(t, "never-started", 30*day, nil)

	report, err := f.engine.Apply(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{oldDone.URL, oldPartial.URL}, report.Matched)
	assert.ElementsMatch(t, []string{oldDone.URL, oldPartial.URL}, report.Deleted)
	assert.Zero(t, report.Failed)

	for _, ae := range []*storage.ActiveEpisode{oldDone, oldPartial} {
		got, err := f.store.GetActiveEpisode(ae.ID)
		require.NoError(t, err)
		assert.False(t, got.IsDownloaded, ae.Title)
		assert.False(t, f.cache.Has(ae.URL), ae.Title)
	}
	for _, ae := range []*storage.ActiveEpisode{freshDone, midPartial, playing, untouched} {
		got, err := f.store.GetActiveEpisode(ae.ID)
		require.NoError(t, err)
		assert.True(t, got.IsDownloaded, ae.Title)
		assert.True(t, f.cache.Has(ae.URL), ae.Title)
	}

	state, err := f.store.GetSyncState()
	require.NoError(t, err)
	assert.True(t, state.LastRetentionAt.Equal(f.now))
}

func TestApply_CacheMissDoesNotAbortPass(t *testing.T) {
	f := setup(t)
	day := 24 * time.Hour

	missing := f.active(t, "missing", 8*day, completed)
	require.NoError(t, f.cache.Delete(missing.URL))
	present := f.active(t, "present", 8*day, completed)

	report, err := f.engine.Apply(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Matched, 2)
	assert.Equal(t, []string{present.URL}, report.Deleted)
	assert.Equal(t, 1, report.Missing)
	assert.Zero(t, report.Failed, "a cache miss is not a failure")

	got, err := f.store.GetActiveEpisode(missing.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDownloaded)
}

func TestApply_StoppedCleanerStillClearsFlags(t *testing.T) {
	f := setup(t)
	ae := f.active(t, "done", 8*24*time.Hour, completed)
	f.cleaner.Stop()

	report, err := f.engine.Apply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, report.Deleted)

	got, err := f.store.GetActiveEpisode(ae.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDownloaded)
}

func TestApply_NothingStale(t *testing.T) {
	f := setup(t)
	f.active(t, "recent", time.Hour, completed)

	report, err := f.engine.Apply(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Matched)
}

type flakyRemover struct{ fail map[string]bool }

func (r flakyRemover) Delete(url string) error {
	if r.fail[url] {
		return errors.New("permission denied")
	}
	return nil
}

func TestCleaner_AggregatesErrors(t *testing.T) {
	c := NewCleaner(flakyRemover{fail: map[string]bool{"b": true, "d": true}})
	c.Start()
	defer c.Stop()

	res, err := c.Clean(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.Deleted)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "2 errors occurred")
	assert.False(t, IsCacheMiss(res.Err))
	misses, total := cacheMisses(res.Err)
	assert.Equal(t, 0, misses)
	assert.Equal(t, 2, total)
}

func TestApply_MixedCleanupErrors(t *testing.T) {
	f := setup(t)
	day := 24 * time.Hour
	missing := f.active(t, "missing", 8*day, completed)
	require.NoError(t, f.cache.Delete(missing.URL))
	locked := f.active(t, "locked", 8*day, completed)

	f.cleaner.Stop()
	f.cleaner = NewCleaner(failingRemover{cache: f.cache, fail: locked.URL})
	f.cleaner.Start()
	t.Cleanup(f.cleaner.Stop)
	f.engine.cleaner = f.cleaner

	report, err := f.engine.Apply(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Matched, 2)
	assert.Empty(t, report.Deleted)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Failed)
}

// failingRemover defers to cache except for one URL it refuses to delete.
type failingRemover struct {
	cache *media.Cache
	fail  string
}

func (r failingRemover) Delete(url string) error {
	if url == r.fail {
		return errors.New("permission denied")
	}
	return r.cache.Delete(url)
}

func TestCleaner_CacheMiss(t *testing.T) {
	c := NewCleaner(media.NewCache(afero.NewMemMapFs(), "/cache"))
	c.Start()
	defer c.Stop()

	res, err := c.Clean(context.Background(), []string{"https://cdn.example.org/gone.mp3"})
	require.NoError(t, err)
	assert.Empty(t, res.Deleted)
	assert.True(t, IsCacheMiss(res.Err))
}
