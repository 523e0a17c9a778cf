package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/storage"
)

// IndexSearcher keeps a bleve full-text index of stored episodes. Register
// it as a store listener so committed inserts and feed removals reach the
// index.
type IndexSearcher struct {
	store *storage.Store
	idx   bleve.Index
}

// NewIndexSearcher opens or creates the index at indexPath and indexes
// every stored episode. An empty path or ":memory:" keeps the index in
// memory.
func NewIndexSearcher(store *storage.Store, indexPath string) (*IndexSearcher, error) {
	var idx bleve.Index
	var err error

	if indexPath == "" || indexPath == ":memory:" {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
	} else {
		if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating index dir: %w", err)
		}
		idx, err = bleve.Open(indexPath)
		if err != nil {
			idx, err = bleve.New(indexPath, buildIndexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening search index: %w", err)
	}

	s := &IndexSearcher{store: store, idx: idx}
	if err := s.reindexAll(); err != nil {
		idx.Close()
		return nil, err
	}
	return s, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.IncludeTermVectors = true

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = false

	feedTitle := bleve.NewTextFieldMapping()
	feedTitle.Analyzer = standard.Name

	feedID := bleve.NewTextFieldMapping()
	feedID.Analyzer = keyword.Name
	feedID.Store = true

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("content", content)
	dm.AddFieldMappingsAt("feed_title", feedTitle)
	dm.AddFieldMappingsAt("feed_id", feedID)

	im.DefaultMapping = dm
	return im
}

func (s *IndexSearcher) Close() error {
	return s.idx.Close()
}

func (s *IndexSearcher) reindexAll() error {
	feeds, err := s.store.GetAllFeeds()
	if err != nil {
		return err
	}

	batch := s.idx.NewBatch()
	for _, f := range feeds {
		episodes, err := s.store.GetEpisodes(f.ID, 0)
		if err != nil {
			return err
		}
		for _, ep := range episodes {
			if err := batch.Index(docIDForEpisode(ep.ID), episodeDoc(ep, f.Title)); err != nil {
				return err
			}
		}
	}
	return s.idx.Batch(batch)
}

func episodeDoc(ep *storage.Episode, feedTitle string) map[string]any {
	return map[string]any{
		"feed_id":    ep.FeedID,
		"title":      ep.Title,
		"content":    ep.Content,
		"feed_title": feedTitle,
	}
}

// Search matches term against episode titles, show titles and show notes.
func (s *IndexSearcher) Search(ctx context.Context, term string, limit int) ([]*Result, error) {
	tokens := tokenize(term)
	if len(tokens) == 0 {
		return []*Result{}, nil
	}

	var qs []bleveQuery.Query
	for _, tok := range tokens {
		for _, f := range []struct {
			name  string
			boost float64
		}{{"title", 4.0}, {"feed_title", 2.0}, {"content", 1.0}} {
			mq := bleve.NewMatchQuery(tok)
			mq.SetField(f.name)
			mq.SetBoost(f.boost)
			pq := bleve.NewPrefixQuery(tok)
			pq.SetField(f.name)
			pq.SetBoost(f.boost * 0.8)
			qs = append(qs, mq, pq)
		}
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(qs...), limit, 0, false)
	res, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	feedTitles := make(map[string]string)
	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		ep, err := s.store.GetEpisode(strings.TrimPrefix(h.ID, "episode:"))
		if err != nil {
			// Stale document for an episode that is gone.
			continue
		}
		title, ok := feedTitles[ep.FeedID]
		if !ok {
			if f, err := s.store.GetFeed(ep.FeedID); err == nil {
				title = f.Title
			}
			feedTitles[ep.FeedID] = title
		}
		out = append(out, &Result{
			EpisodeID:   ep.ID,
			FeedID:      ep.FeedID,
			Title:       ep.Title,
			FeedTitle:   title,
			URL:         ep.URL,
			PublishedAt: ep.PublishedAt,
			Score:       h.Score,
		})
	}
	return out, nil
}

// OnStoreChanged indexes newly inserted episodes and drops the documents of
// removed feeds.
func (s *IndexSearcher) OnStoreChanged(changes storage.ChangeSet) {
	if len(changes.InsertedEpisodes) > 0 {
		feedTitles := make(map[string]string)
		batch := s.idx.NewBatch()
		for _, ep := range changes.InsertedEpisodes {
			title, ok := feedTitles[ep.FeedID]
			if !ok {
				if f, err := s.store.GetFeed(ep.FeedID); err == nil {
					title = f.Title
				}
				feedTitles[ep.FeedID] = title
			}
			if err := batch.Index(docIDForEpisode(ep.ID), episodeDoc(ep, title)); err != nil {
				debuglog.Warnf("search index: %v", err)
			}
		}
		if err := s.idx.Batch(batch); err != nil {
			debuglog.Errorf("search index batch failed: %v", err)
		}
	}

	for _, feedID := range changes.RemovedFeeds {
		if err := s.deleteFeed(feedID); err != nil {
			debuglog.Errorf("removing feed %s from search index: %v", feedID, err)
		}
	}
}

func (s *IndexSearcher) deleteFeed(feedID string) error {
	tq := bleve.NewTermQuery(feedID)
	tq.SetField("feed_id")

	const size = 1000
	for {
		res, err := s.idx.Search(bleve.NewSearchRequestOptions(tq, size, 0, false))
		if err != nil {
			return err
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := s.idx.NewBatch()
		for _, h := range res.Hits {
			batch.Delete(h.ID)
		}
		if err := s.idx.Batch(batch); err != nil {
			return err
		}
		if len(res.Hits) < size {
			return nil
		}
	}
}

func (s *IndexSearcher) DocCount() (int, error) {
	n, err := s.idx.DocCount()
	return int(n), err
}

func docIDForEpisode(id string) string { return "episode:" + id }
