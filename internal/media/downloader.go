package media

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/gateway"
)

// Downloader copies episode audio into the cache through the gateway.
type Downloader struct {
	gw      *gateway.Client
	cache   *Cache
	primary string
	backup  string
}

func NewDownloader(gw *gateway.Client, cache *Cache, primary, backup string) *Downloader {
	return &Downloader{gw: gw, cache: cache, primary: primary, backup: backup}
}

// Download fetches url into the cache and returns the number of bytes
// written. Already cached URLs are not fetched again.
func (d *Downloader) Download(ctx context.Context, url string) (int64, error) {
	if d.cache.Has(url) {
		return 0, nil
	}

	resp, err := d.gw.Fetch(ctx, gateway.Request{
		URL:        url,
		Primary:    d.primary,
		Backup:     d.backup,
		CacheAudio: true,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("downloading %s: unexpected status %d", url, resp.StatusCode)
	}

	n, err := d.cache.Put(url, resp.Body)
	if err != nil {
		return n, err
	}
	debuglog.Infof("downloaded %s (%d bytes)", url, n)
	return n, nil
}
