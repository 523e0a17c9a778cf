package search

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pders01/podds/internal/gateway"
	"github.com/pders01/podds/internal/storage"
)

// PodcastIndexSearcher searches episodes by person or topic through the
// PodcastIndex API. It doubles as a Directory for shows.
type PodcastIndexSearcher struct {
	gw      *gateway.Client
	baseURL string
	key     string
	secret  string
	now     func() time.Time
}

func NewPodcastIndexSearcher(gw *gateway.Client, baseURL, key, secret string) *PodcastIndexSearcher {
	return &PodcastIndexSearcher{
		gw:      gw,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		now:     time.Now,
	}
}

type piEpisode struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	EnclosureURL  string `json:"enclosureUrl"`
	DatePublished int64  `json:"datePublished"`
	FeedTitle     string `json:"feedTitle"`
	FeedURL       string `json:"feedUrl"`
}

type piEpisodesResponse struct {
	Status      any         `json:"status"`
	Description string      `json:"description"`
	Items       []piEpisode `json:"items"`
	Count       int         `json:"count"`
}

type piFeed struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Author      string `json:"author"`
	Description string `json:"description"`
	Artwork     string `json:"artwork"`
	Image       string `json:"image"`
}

type piFeedsResponse struct {
	Status any      `json:"status"`
	Feeds  []piFeed `json:"feeds"`
	Count  int      `json:"count"`
}

type piFeedResponse struct {
	Status any `json:"status"`

	// The API answers an unknown id with an empty array instead of an
	// object, so Feed is decoded lazily.
	Feed rawFeed `json:"feed"`
}

type rawFeed struct {
	piFeed
	present bool
}

func (r *rawFeed) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	r.present = true
	return json.Unmarshal(b, &r.piFeed)
}

// authHeaders signs a request the way the API expects: Authorization is
// the hex SHA-1 of key, secret and the unix time sent in X-Auth-Date.
func (p *PodcastIndexSearcher) authHeaders() http.Header {
	ts := strconv.FormatInt(p.now().Unix(), 10)
	sum := sha1.Sum([]byte(p.key + p.secret + ts))

	h := make(http.Header)
	h.Set("X-Auth-Date", ts)
	h.Set("X-Auth-Key", p.key)
	h.Set("Authorization", hex.EncodeToString(sum[:]))
	h.Set("Accept", "application/json")
	return h
}

func (p *PodcastIndexSearcher) get(ctx context.Context, path string, q url.Values, v any) error {
	endpoint := p.baseURL + path
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	err := getJSON(ctx, p.gw, endpoint, p.authHeaders(), v)
	if gateway.IsRelayStatus(err, http.StatusUnauthorized) || gateway.IsRelayStatus(err, http.StatusForbidden) {
		return fmt.Errorf("%w: %w", ErrDirectoryAuth, err)
	}
	return err
}

func (p *PodcastIndexSearcher) Search(ctx context.Context, term string, limit int) ([]*Result, error) {
	q := url.Values{}
	q.Set("q", term)
	if limit > 0 {
		q.Set("max", strconv.Itoa(limit))
	}

	var body piEpisodesResponse
	if err := p.get(ctx, "/search/byperson", q, &body); err != nil {
		return nil, fmt.Errorf("podcastindex search %q: %w", term, err)
	}

	out := make([]*Result, 0, len(body.Items))
	for _, it := range body.Items {
		r := &Result{
			Title:       it.Title,
			FeedTitle:   it.FeedTitle,
			URL:         it.EnclosureURL,
			PublishedAt: time.Unix(it.DatePublished, 0),
		}
		if it.EnclosureURL != "" {
			r.EpisodeID = storage.EpisodeID(it.EnclosureURL)
		}
		if it.FeedURL != "" {
			r.FeedID = storage.FeedID(it.FeedURL)
		}
		out = append(out, r)
	}
	return out, nil
}

// SearchPodcasts looks up shows by title or topic.
func (p *PodcastIndexSearcher) SearchPodcasts(ctx context.Context, term string, limit int) ([]*Podcast, error) {
	q := url.Values{}
	q.Set("q", term)
	if limit > 0 {
		q.Set("max", strconv.Itoa(limit))
	}

	var body piFeedsResponse
	if err := p.get(ctx, "/search/byterm", q, &body); err != nil {
		return nil, fmt.Errorf("podcastindex show search %q: %w", term, err)
	}
	return piPodcasts(body.Feeds), nil
}

// PodcastByID resolves a PodcastIndex feed id.
func (p *PodcastIndexSearcher) PodcastByID(ctx context.Context, id string) (*Podcast, error) {
	q := url.Values{}
	q.Set("id", id)

	var body piFeedResponse
	if err := p.get(ctx, "/podcasts/byfeedid", q, &body); err != nil {
		return nil, fmt.Errorf("podcastindex feed %s: %w", id, err)
	}
	if !body.Feed.present || body.Feed.URL == "" {
		return nil, fmt.Errorf("podcastindex feed %s: %w", id, ErrPodcastNotFound)
	}
	return piPodcast(body.Feed.piFeed), nil
}

// Trending lists the shows currently trending on PodcastIndex.
func (p *PodcastIndexSearcher) Trending(ctx context.Context, limit int) ([]*Podcast, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("max", strconv.Itoa(limit))
	}

	var body piFeedsResponse
	if err := p.get(ctx, "/podcasts/trending", q, &body); err != nil {
		return nil, fmt.Errorf("podcastindex trending: %w", err)
	}
	return piPodcasts(body.Feeds), nil
}

func piPodcasts(feeds []piFeed) []*Podcast {
	out := make([]*Podcast, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		out = append(out, piPodcast(f))
	}
	return out
}

func piPodcast(f piFeed) *Podcast {
	art := f.Artwork
	if art == "" {
		art = f.Image
	}
	return &Podcast{
		ID:          strconv.FormatInt(f.ID, 10),
		Title:       f.Title,
		Author:      f.Author,
		Description: f.Description,
		FeedURL:     f.URL,
		ArtworkURL:  art,
	}
}
