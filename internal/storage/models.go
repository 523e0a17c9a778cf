package storage

import (
	"crypto/sha256"
	"fmt"
	"time"
)

type Feed struct {
	ID           string   `json:"id"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Link         string   `json:"link"`
	Author       string   `json:"author"`
	OwnerName    string   `json:"owner_name"`
	Categories   []string `json:"categories"`
	IsSubscribed bool     `json:"is_subscribed"`

	// LastCheckedAt advances on every sync attempt, LastSyncedAt only when
	// fresh content was fetched.
	LastCheckedAt time.Time `json:"last_checked_at"`
	LastSyncedAt  time.Time `json:"last_synced_at"`
	LastModified  string    `json:"last_modified"`
	ETag          string    `json:"etag"`
	TTLMinutes    int       `json:"ttl_minutes"`
	CreatedAt     time.Time `json:"created_at"`
}

// WithinTTL reports whether the publisher-declared TTL still covers now.
func (f *Feed) WithinTTL(now time.Time) bool {
	if f.TTLMinutes <= 0 || f.LastCheckedAt.IsZero() {
		return false
	}
	return now.Sub(f.LastCheckedAt) < time.Duration(f.TTLMinutes)*time.Minute
}

// FeedUpdate is a partial update. Nil fields are left untouched.
type FeedUpdate struct {
	LastCheckedAt *time.Time
	LastSyncedAt  *time.Time
	LastModified  *string
	ETag          *string
	TTLMinutes    *int
	Title         *string
	Description   *string
	Link          *string
	Author        *string
	OwnerName     *string
	Categories    []string
}

// IsEmpty reports whether the update would change nothing.
func (u FeedUpdate) IsEmpty() bool {
	return u.LastCheckedAt == nil && u.LastSyncedAt == nil && u.LastModified == nil &&
		u.ETag == nil && u.TTLMinutes == nil && u.Title == nil && u.Description == nil &&
		u.Link == nil && u.Author == nil && u.OwnerName == nil && u.Categories == nil
}

// FeedChange pairs a feed with the partial update to apply to it.
type FeedChange struct {
	FeedID string
	Update FeedUpdate
}

// Apply returns a copy of f with every non-nil field of u set.
func (f Feed) Apply(u FeedUpdate) Feed {
	if u.LastCheckedAt != nil {
		f.LastCheckedAt = *u.LastCheckedAt
	}
	if u.LastSyncedAt != nil {
		f.LastSyncedAt = *u.LastSyncedAt
	}
	if u.LastModified != nil {
		f.LastModified = *u.LastModified
	}
	if u.ETag != nil {
		f.ETag = *u.ETag
	}
	if u.TTLMinutes != nil {
		f.TTLMinutes = *u.TTLMinutes
	}
	if u.Title != nil {
		f.Title = *u.Title
	}
	if u.Description != nil {
		f.Description = *u.Description
	}
	if u.Link != nil {
		f.Link = *u.Link
	}
	if u.Author != nil {
		f.Author = *u.Author
	}
	if u.OwnerName != nil {
		f.OwnerName = *u.OwnerName
	}
	if u.Categories != nil {
		f.Categories = append([]string(nil), u.Categories...)
	}
	return f
}

// Episode is immutable once stored. Its ID is derived from the enclosure URL.
type Episode struct {
	ID          string    `json:"id"`
	FeedID      string    `json:"feed_id"`
	GUID        string    `json:"guid"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
	Content     string    `json:"content"`
	URL         string    `json:"url"`
	DurationMin int       `json:"duration_min"`
	ChaptersURL string    `json:"chapters_url,omitempty"`
}

// ActiveEpisode tracks playback and download state of an episode the user
// has started or downloaded.
type ActiveEpisode struct {
	ID          string    `json:"id"`
	FeedID      string    `json:"feed_id"`
	FeedTitle   string    `json:"feed_title"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	URL         string    `json:"url"`
	DurationMin int       `json:"duration_min"`
	PublishedAt time.Time `json:"published_at"`

	PlaybackPosition float64   `json:"playback_position"`
	MinutesLeft      int       `json:"minutes_left"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
	IsCompleted      bool      `json:"is_completed"`
	IsDownloaded     bool      `json:"is_downloaded"`
	IsPlaying        bool      `json:"is_playing"`

	// SortOrder is the 1-based queue position; 0 means never queued.
	SortOrder int `json:"sort_order,omitempty"`
}

// InProgress reports a partially played, not completed episode.
func (a *ActiveEpisode) InProgress() bool {
	return !a.IsCompleted && a.PlaybackPosition > 0
}

type SearchTerm struct {
	ID                       string    `json:"id"`
	Term                     string    `json:"term"`
	ExecutedAt               time.Time `json:"executed_at"`
	LatestEpisodePublishedAt time.Time `json:"latest_episode_published_at"`
	Monitored                bool      `json:"monitored"`
	HasNewResults            bool      `json:"has_new_results"`
}

// SyncState holds the engine-wide sync watermark and signals.
type SyncState struct {
	LastSyncAt      time.Time `json:"last_sync_at"`
	LastAttemptAt   time.Time `json:"last_attempt_at"`
	LastErrorCount  int       `json:"last_error_count"`
	HasNewEpisodes  bool      `json:"has_new_episodes"`
	LastRetentionAt time.Time `json:"last_retention_at"`
}

func FeedID(url string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(url)))
}

func EpisodeID(enclosureURL string) string {
	sum := sha256.Sum256([]byte(enclosureURL))
	return fmt.Sprintf("%x", sum[:16])
}
