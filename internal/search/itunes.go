package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pders01/podds/internal/gateway"
	"github.com/pders01/podds/internal/storage"
)

// ITunesSearcher searches the public iTunes directory. It needs no
// credentials.
type ITunesSearcher struct {
	gw      *gateway.Client
	baseURL string
}

func NewITunesSearcher(gw *gateway.Client, baseURL string) *ITunesSearcher {
	return &ITunesSearcher{gw: gw, baseURL: strings.TrimRight(baseURL, "/")}
}

type itunesItem struct {
	WrapperType    string `json:"wrapperType"`
	Kind           string `json:"kind"`
	CollectionID   int64  `json:"collectionId"`
	TrackID        int64  `json:"trackId"`
	CollectionName string `json:"collectionName"`
	TrackName      string `json:"trackName"`
	ArtistName     string `json:"artistName"`
	FeedURL        string `json:"feedUrl"`
	EpisodeURL     string `json:"episodeUrl"`
	ReleaseDate    string `json:"releaseDate"`
	Description    string `json:"description"`
	ArtworkURL600  string `json:"artworkUrl600"`
	ArtworkURL100  string `json:"artworkUrl100"`
}

type itunesResponse struct {
	ResultCount int          `json:"resultCount"`
	Results     []itunesItem `json:"results"`
}

func (s *ITunesSearcher) get(ctx context.Context, path string, q url.Values) (*itunesResponse, error) {
	h := make(http.Header)
	h.Set("Accept", "application/json")

	var body itunesResponse
	if err := getJSON(ctx, s.gw, s.baseURL+path+"?"+q.Encode(), h, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// Search finds episodes whose title or show matches term.
func (s *ITunesSearcher) Search(ctx context.Context, term string, limit int) ([]*Result, error) {
	q := url.Values{}
	q.Set("term", term)
	q.Set("media", "podcast")
	q.Set("entity", "podcastEpisode")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	body, err := s.get(ctx, "/search", q)
	if err != nil {
		return nil, fmt.Errorf("itunes search %q: %w", term, err)
	}

	out := make([]*Result, 0, len(body.Results))
	for _, it := range body.Results {
		if it.EpisodeURL == "" {
			continue
		}
		r := &Result{
			EpisodeID: storage.EpisodeID(it.EpisodeURL),
			Title:     it.TrackName,
			FeedTitle: it.CollectionName,
			URL:       it.EpisodeURL,
		}
		if t, err := time.Parse(time.RFC3339, it.ReleaseDate); err == nil {
			r.PublishedAt = t
		}
		if it.FeedURL != "" {
			r.FeedID = storage.FeedID(it.FeedURL)
		}
		out = append(out, r)
	}
	return out, nil
}

// SearchPodcasts finds shows matching term.
func (s *ITunesSearcher) SearchPodcasts(ctx context.Context, term string, limit int) ([]*Podcast, error) {
	q := url.Values{}
	q.Set("term", term)
	q.Set("media", "podcast")
	q.Set("entity", "podcast")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	body, err := s.get(ctx, "/search", q)
	if err != nil {
		return nil, fmt.Errorf("itunes show search %q: %w", term, err)
	}
	return itunesPodcasts(body.Results), nil
}

// PodcastByID resolves an iTunes collection id.
func (s *ITunesSearcher) PodcastByID(ctx context.Context, id string) (*Podcast, error) {
	q := url.Values{}
	q.Set("id", id)
	q.Set("entity", "podcast")

	body, err := s.get(ctx, "/lookup", q)
	if err != nil {
		return nil, fmt.Errorf("itunes lookup %s: %w", id, err)
	}
	shows := itunesPodcasts(body.Results)
	if len(shows) == 0 {
		return nil, fmt.Errorf("itunes lookup %s: %w", id, ErrPodcastNotFound)
	}
	return shows[0], nil
}

// itunesPodcasts keeps the results that carry a feed, since only those can
// be subscribed to.
func itunesPodcasts(items []itunesItem) []*Podcast {
	out := make([]*Podcast, 0, len(items))
	for _, it := range items {
		if it.FeedURL == "" {
			continue
		}
		art := it.ArtworkURL600
		if art == "" {
			art = it.ArtworkURL100
		}
		out = append(out, &Podcast{
			ID:          strconv.FormatInt(it.CollectionID, 10),
			Title:       it.CollectionName,
			Author:      it.ArtistName,
			Description: it.Description,
			FeedURL:     it.FeedURL,
			ArtworkURL:  art,
		})
	}
	return out
}
