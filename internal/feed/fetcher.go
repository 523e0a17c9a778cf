package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/pders01/podds/internal/gateway"
)

// maxFeedSize bounds how much of a response body is read.
const maxFeedSize = 32 << 20

const acceptHeader = "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8"

// Status of a fetch attempt.
type Status int

const (
	StatusUpdated Status = iota + 1
	StatusNotModified
)

func (s Status) String() string {
	switch s {
	case StatusUpdated:
		return "updated"
	case StatusNotModified:
		return "not modified"
	default:
		return "unknown"
	}
}

// Validators are the cache validators remembered from a previous fetch.
type Validators struct {
	LastModified string
	ETag         string
}

// Result is what one FetchAndParse call produced. On StatusNotModified
// only Status is set.
type Result struct {
	Status       Status
	LastModified string
	ETag         string
	Document
}

type Fetcher struct {
	gw      *gateway.Client
	parser  *Parser
	primary string
	backup  string
}

// NewFetcher returns a Fetcher sending requests through gw using the
// given relay helpers.
func NewFetcher(gw *gateway.Client, parser *Parser, primary, backup string) *Fetcher {
	return &Fetcher{
		gw:      gw,
		parser:  parser,
		primary: primary,
		backup:  backup,
	}
}

// FetchAndParse issues one conditional GET for url and parses the result.
// Every failure, including a panic in the parser, comes back as a
// *FetchError; nothing escapes as a panic.
func (f *Fetcher) FetchAndParse(ctx context.Context, feedID, url string, since time.Time, v Validators) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &FetchError{Kind: KindParse, URL: url, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	header := http.Header{}
	header.Set("Accept", acceptHeader)
	if v.LastModified != "" {
		header.Set("If-Modified-Since", v.LastModified)
	}
	if v.ETag != "" {
		header.Set("If-None-Match", v.ETag)
	}

	resp, err := f.gw.Fetch(ctx, gateway.Request{
		URL:     url,
		Header:  header,
		Primary: f.primary,
		Backup:  f.backup,
	})
	if err != nil {
		return nil, classify(ctx, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{Status: StatusNotModified}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(url, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); !isFeedContentType(ct) {
		return nil, &FetchError{Kind: KindFormat, URL: url, Err: fmt.Errorf("unexpected content type %q", ct)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, classify(ctx, url, err)
	}

	doc, err := f.parser.Parse(bytes.NewReader(body), feedID, since)
	if err != nil {
		return nil, &FetchError{Kind: KindParse, URL: url, Err: err}
	}

	return &Result{
		Status:       StatusUpdated,
		LastModified: resp.Header.Get("Last-Modified"),
		ETag:         resp.Header.Get("ETag"),
		Document:     *doc,
	}, nil
}

// isFeedContentType accepts the XML family and feed-specific types. A
// missing header is tolerated since many static hosts omit it.
func isFeedContentType(ct string) bool {
	if strings.TrimSpace(ct) == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return strings.Contains(mt, "xml") || strings.Contains(mt, "rss") || strings.Contains(mt, "atom")
}

// Describe renders err for the aggregated sync error list.
func Describe(title, url string, err error) string {
	name := title
	if name == "" {
		name = url
	}
	return fmt.Sprintf("failed to fetch episodes for feed %s (%s): %v", name, url, err)
}
