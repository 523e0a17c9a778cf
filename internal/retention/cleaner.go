package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/pders01/podds/internal/media"
)

var ErrCleanerStopped = errors.New("cache cleaner stopped")

// CacheRemover deletes cached media. *media.Cache implements it.
type CacheRemover interface {
	Delete(url string) error
}

type CleanRequest struct {
	URLs  []string
	reply chan CleanResult
}

// CleanResult lists the URLs whose cache entry was removed. Err aggregates
// one error per URL that could not be removed.
type CleanResult struct {
	Deleted []string
	Err     error
}

// Cleaner owns cache deletion on its own goroutine. Each request gets
// exactly one reply, and a failing URL never stops the rest of the batch.
type Cleaner struct {
	cache    CacheRemover
	requests chan CleanRequest
	quit     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewCleaner(cache CacheRemover) *Cleaner {
	return &Cleaner{
		cache:    cache,
		requests: make(chan CleanRequest),
		quit:     make(chan struct{}),
	}
}

func (c *Cleaner) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.loop()
	})
}

func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
	c.wg.Wait()
}

func (c *Cleaner) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			req.reply <- c.clean(req.URLs)
		}
	}
}

func (c *Cleaner) clean(urls []string) (res CleanResult) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = multierror.Append(res.Err, fmt.Errorf("cleaner panic: %v", r))
		}
	}()

	var merr *multierror.Error
	for _, url := range urls {
		if err := c.cache.Delete(url); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("deleting cached audio for %s: %w", url, err))
			continue
		}
		res.Deleted = append(res.Deleted, url)
	}
	res.Err = merr.ErrorOrNil()
	return res
}

// Clean submits urls and waits for the result.
func (c *Cleaner) Clean(ctx context.Context, urls []string) (CleanResult, error) {
	req := CleanRequest{URLs: urls, reply: make(chan CleanResult, 1)}

	select {
	case c.requests <- req:
	case <-c.quit:
		return CleanResult{}, ErrCleanerStopped
	case <-ctx.Done():
		return CleanResult{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return CleanResult{}, ctx.Err()
	}
}

// IsCacheMiss reports whether every error in err is a cache miss.
func IsCacheMiss(err error) bool {
	n, total := cacheMisses(err)
	return total > 0 && n == total
}

// cacheMisses counts the cache misses among the errors joined in err.
func cacheMisses(err error) (misses, total int) {
	if err == nil {
		return 0, 0
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		if errors.Is(err, media.ErrCacheMiss) {
			return 1, 1
		}
		return 0, 1
	}
	for _, e := range merr.Errors {
		if errors.Is(e, media.ErrCacheMiss) {
			misses++
		}
	}
	return misses, len(merr.Errors)
}
