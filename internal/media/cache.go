package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrCacheMiss is returned when a URL has no cached file.
var ErrCacheMiss = errors.New("not in cache")

// Cache stores downloaded episode audio keyed by source URL.
type Cache struct {
	fs  afero.Fs
	dir string
}

func NewCache(fs afero.Fs, dir string) *Cache {
	return &Cache{fs: fs, dir: dir}
}

// NewOSCache returns a cache rooted at dir on the real filesystem.
func NewOSCache(dir string) *Cache {
	return NewCache(afero.NewOsFs(), dir)
}

func (c *Cache) Path(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:])
	if ext := Extension(url); ext != "" {
		name += "." + ext
	}
	return filepath.Join(c.dir, name)
}

func (c *Cache) Has(url string) bool {
	ok, err := afero.Exists(c.fs, c.Path(url))
	return err == nil && ok
}

// Put writes r to the cache entry for url, replacing any previous entry.
// Partial writes are removed.
func (c *Cache) Put(url string, r io.Reader) (int64, error) {
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating cache dir: %w", err)
	}

	final := c.Path(url)
	tmp := final + ".part"
	f, err := c.fs.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating cache file: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		c.fs.Remove(tmp)
		return n, fmt.Errorf("writing cache file: %w", errors.Join(copyErr, closeErr))
	}

	if err := c.fs.Rename(tmp, final); err != nil {
		c.fs.Remove(tmp)
		return n, fmt.Errorf("committing cache file: %w", err)
	}
	return n, nil
}

func (c *Cache) Open(url string) (afero.File, error) {
	f, err := c.fs.Open(c.Path(url))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", url, ErrCacheMiss)
	}
	return f, err
}

// Delete removes the cached file for url. A missing entry is reported as
// ErrCacheMiss.
func (c *Cache) Delete(url string) error {
	p := c.Path(url)
	if ok, err := afero.Exists(c.fs, p); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: %w", url, ErrCacheMiss)
	}
	return c.fs.Remove(p)
}
