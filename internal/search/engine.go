package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/pders01/podds/internal/storage"
)

// ScanSearcher scores every stored episode against the term without an
// index. It serves small libraries and stands in when the bleve index
// cannot be opened.
type ScanSearcher struct {
	store *storage.Store
}

func NewScanSearcher(store *storage.Store) *ScanSearcher {
	return &ScanSearcher{store: store}
}

func (e *ScanSearcher) Search(ctx context.Context, term string, limit int) ([]*Result, error) {
	terms := tokenize(term)
	if len(terms) == 0 {
		return []*Result{}, nil
	}

	feeds, err := e.store.GetAllFeeds()
	if err != nil {
		return nil, err
	}

	var results []*Result
	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		feedScore := scoreField(feed.Title, terms, 2.0)

		episodes, err := e.store.GetEpisodes(feed.ID, 0)
		if err != nil {
			continue
		}
		for _, ep := range episodes {
			score := feedScore + scoreField(ep.Title, terms, 4.0) + scoreField(ep.Content, terms, 1.0)
			if score <= 0 {
				continue
			}
			results = append(results, &Result{
				EpisodeID:   ep.ID,
				FeedID:      feed.ID,
				Title:       ep.Title,
				FeedTitle:   feed.Title,
				URL:         ep.URL,
				PublishedAt: ep.PublishedAt,
				Score:       score,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].PublishedAt.After(results[j].PublishedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scoreField rates how well text matches terms. Substring hits count more
// than partial word hits, and matching several terms multiplies the score.
func scoreField(text string, terms []string, weight float64) float64 {
	if text == "" {
		return 0
	}

	lower := strings.ToLower(text)
	words := tokenize(text)
	if len(words) == 0 {
		return 0
	}

	var score float64
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			score += 2.0
			matched++
		}
		for _, word := range words {
			switch {
			case word == term:
				score += 1.5
				matched++
			case strings.HasPrefix(word, term) || strings.HasSuffix(word, term):
				score += 1.0
				matched++
			case strings.Contains(word, term):
				score += 0.5
				matched++
			}
		}
	}

	if len(terms) > 1 && matched > 1 {
		score *= 1.0 + float64(matched)/float64(len(terms))
	}
	tf := float64(matched) / float64(len(words))
	score *= 1.0 + math.Log(1.0+tf)

	return score * weight
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit. Single characters are dropped.
func tokenize(text string) []string {
	var terms []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 1 {
			terms = append(terms, current.String())
		}
		current.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			current.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return terms
}
