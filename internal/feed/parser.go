package feed

import (
	"fmt"
	"html"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"

	"github.com/pders01/podds/internal/media"
	"github.com/pders01/podds/internal/storage"
)

// SinceBuffer widens the since cutoff. Publishers' pubDate values lag the
// time the item first appears in the document.
const SinceBuffer = 24 * time.Hour

// Document is the parsed form of one feed: episode candidates plus the
// feed-level metadata found alongside them.
type Document struct {
	Title       string
	Description string
	Link        string
	Author      string
	OwnerName   string
	Categories  []string
	TTLMinutes  int
	Episodes    []*storage.Episode
}

// ttlTranslator keeps RSS <ttl>, which gofeed's universal Feed drops.
type ttlTranslator struct {
	gofeed.DefaultRSSTranslator
}

func (t *ttlTranslator) Translate(feed interface{}) (*gofeed.Feed, error) {
	f, err := t.DefaultRSSTranslator.Translate(feed)
	if err != nil {
		return nil, err
	}
	if src, ok := feed.(*rss.Feed); ok && strings.TrimSpace(src.TTL) != "" {
		if f.Custom == nil {
			f.Custom = make(map[string]string)
		}
		f.Custom["ttl"] = strings.TrimSpace(src.TTL)
	}
	return f, nil
}

type Parser struct {
	parser *gofeed.Parser
	types  *media.TypeDetector
	now    func() time.Time
}

func NewParser(types *media.TypeDetector) *Parser {
	p := gofeed.NewParser()
	p.RSSTranslator = &ttlTranslator{}
	return &Parser{
		parser: p,
		types:  types,
		now:    time.Now,
	}
}

// Parse reads a feed document. When since is non-zero, items published
// before since minus SinceBuffer are dropped. Items without an audio
// enclosure are skipped, and of several items sharing an enclosure URL only
// the first in document order is kept.
func (p *Parser) Parse(r io.Reader, feedID string, since time.Time) (*Document, error) {
	feed, err := p.parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	doc := &Document{
		Title:       cleanText(feed.Title),
		Description: cleanText(feed.Description),
		Link:        feed.Link,
		Categories:  feedCategories(feed),
		TTLMinutes:  parseTTL(feed.Custom["ttl"]),
	}
	if feed.ITunesExt != nil {
		doc.Author = cleanText(feed.ITunesExt.Author)
		if feed.ITunesExt.Owner != nil {
			doc.OwnerName = cleanText(feed.ITunesExt.Owner.Name)
		}
		if doc.Description == "" {
			doc.Description = cleanText(feed.ITunesExt.Summary)
		}
	}
	if doc.Author == "" && len(feed.Authors) > 0 && feed.Authors[0] != nil {
		doc.Author = cleanText(feed.Authors[0].Name)
	}

	var cutoff time.Time
	if !since.IsZero() {
		cutoff = since.Add(-SinceBuffer)
	}
	fetchedAt := p.now()

	seen := make(map[string]bool, len(feed.Items))
	doc.Episodes = make([]*storage.Episode, 0, len(feed.Items))
	for _, item := range feed.Items {
		published := fetchedAt
		if item.PublishedParsed != nil {
			published = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			published = *item.UpdatedParsed
		}
		if !cutoff.IsZero() && published.Before(cutoff) {
			continue
		}

		enclosure := p.audioEnclosure(item)
		if enclosure == "" || seen[enclosure] {
			continue
		}
		seen[enclosure] = true

		ep := &storage.Episode{
			ID:          storage.EpisodeID(enclosure),
			FeedID:      feedID,
			GUID:        item.GUID,
			Title:       cleanText(item.Title),
			PublishedAt: published,
			Content:     itemContent(item),
			URL:         enclosure,
			ChaptersURL: chaptersURL(item),
		}
		if item.ITunesExt != nil {
			ep.DurationMin = ParseDuration(item.ITunesExt.Duration)
		}
		doc.Episodes = append(doc.Episodes, ep)
	}

	return doc, nil
}

func (p *Parser) audioEnclosure(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if p.types.IsAudio(enc.Type, enc.URL) {
			return strings.TrimSpace(enc.URL)
		}
	}
	return ""
}

// maxDurationSeconds caps itunes:duration values; anything longer is
// treated as garbage.
const maxDurationSeconds = 10_000_000

// ParseDuration converts an itunes:duration value to whole minutes. It
// accepts plain seconds as well as HH:MM:SS and MM:SS. Anything else,
// including non-finite or absurdly large values, is 0.
func ParseDuration(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}

	seconds := 0
	for _, part := range parts {
		part = strings.TrimSpace(part)
		n, err := strconv.Atoi(part)
		if err != nil {
			// Some publishers write fractional seconds.
			f, ferr := strconv.ParseFloat(part, 64)
			if ferr != nil || len(parts) > 1 || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > maxDurationSeconds {
				return 0
			}
			n = int(f)
		}
		if n < 0 || n > maxDurationSeconds {
			return 0
		}
		seconds = seconds*60 + n
		if seconds > maxDurationSeconds {
			return 0
		}
	}
	return seconds / 60
}

func parseTTL(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func itemContent(item *gofeed.Item) string {
	content := item.Description
	if content == "" {
		content = item.Content
	}
	if content == "" && item.ITunesExt != nil {
		content = item.ITunesExt.Summary
	}
	return cleanText(content)
}

func chaptersURL(item *gofeed.Item) string {
	for _, ext := range item.Extensions["podcast"]["chapters"] {
		if u := ext.Attrs["url"]; u != "" {
			return u
		}
	}
	return ""
}

func feedCategories(feed *gofeed.Feed) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		c = cleanText(c)
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, c := range feed.Categories {
		add(c)
	}
	if feed.ITunesExt != nil {
		for _, c := range feed.ITunesExt.Categories {
			for ; c != nil; c = c.Subcategory {
				add(c.Text)
			}
		}
	}
	return out
}

// cleanText decodes entities that survive XML decoding, such as the
// doubly escaped &amp;amp; some publishers emit.
func cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(s))
}
