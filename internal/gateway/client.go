// Package gateway fetches remote resources through a CORS relay with a
// single fallback hop to a backup relay.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pders01/podds/internal/debuglog"
)

// RelayError reports a non-success status returned by a relay, or by the
// target itself when fetching directly.
type RelayError struct {
	Helper     string
	StatusCode int
}

func (e *RelayError) Error() string {
	if e.Helper == "" {
		return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("relay %s returned HTTP %d", e.Helper, e.StatusCode)
}

// ProxiedURL builds the relay request URL for rawURL. An empty helper
// means the target is fetched directly and rawURL is returned unchanged.
func ProxiedURL(rawURL, helper string, cacheAudio bool, now time.Time) string {
	if helper == "" {
		return rawURL
	}

	sep := "?"
	if strings.Contains(helper, "?") {
		sep = "&"
	}

	var b strings.Builder
	b.WriteString(helper)
	b.WriteString(sep)
	b.WriteString("url=")
	b.WriteString(url.QueryEscape(rawURL))
	b.WriteString("&nocache=")
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	if cacheAudio {
		b.WriteString("&cacheAudio=true")
	}
	return b.String()
}

// Request describes one gateway fetch.
type Request struct {
	Method     string
	URL        string
	Header     http.Header
	Primary    string
	Backup     string
	CacheAudio bool
}

type Client struct {
	http      *http.Client
	userAgent string
	now       func() time.Time
}

// NewClient returns a Client. Timeouts are expected to come from the
// request context, so httpClient may have no Timeout of its own.
func NewClient(httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:      httpClient,
		userAgent: userAgent,
		now:       time.Now,
	}
}

// Fetch performs req through the primary helper and, when that fails and a
// backup is configured, exactly once more through the backup. 2xx and 304
// responses are successes and are returned with an open body. The error of
// the last attempt is returned unchanged.
func (c *Client) Fetch(ctx context.Context, req Request) (*http.Response, error) {
	resp, err := c.attempt(ctx, req, req.Primary)
	if err == nil {
		return resp, nil
	}
	if req.Backup == "" || ctx.Err() != nil {
		return nil, err
	}

	debuglog.WithFields(map[string]any{
		"target":  req.URL,
		"primary": req.Primary,
	}).Warnf("primary relay failed, trying backup: %v", err)

	return c.attempt(ctx, req, req.Backup)
}

func (c *Client) attempt(ctx context.Context, req Request, helper string) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := ProxiedURL(req.URL, helper, req.CacheAudio, c.now())
	httpReq, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", req.URL, err)
	}

	if resp.StatusCode == http.StatusNotModified || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return resp, nil
	}

	// Drain a little so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return nil, &RelayError{Helper: helper, StatusCode: resp.StatusCode}
}

// IsRelayStatus reports whether err carries the given relay status.
func IsRelayStatus(err error, status int) bool {
	var re *RelayError
	return errors.As(err, &re) && re.StatusCode == status
}
