package media

import (
	_ "embed"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed audio_types.toml
var audioTypesTOML []byte

type audioTypes struct {
	MIMEPrefixes []string `toml:"mime_prefixes"`
	MIMETypes    []string `toml:"mime_types"`
	Extensions   []string `toml:"extensions"`
}

// TypeDetector decides whether an enclosure carries episode audio.
type TypeDetector struct {
	prefixes   []string
	mimeTypes  map[string]bool
	extensions map[string]bool
}

func NewTypeDetector() (*TypeDetector, error) {
	var cfg audioTypes
	if err := toml.Unmarshal(audioTypesTOML, &cfg); err != nil {
		return nil, fmt.Errorf("decoding audio types: %w", err)
	}

	d := &TypeDetector{
		prefixes:   cfg.MIMEPrefixes,
		mimeTypes:  make(map[string]bool, len(cfg.MIMETypes)),
		extensions: make(map[string]bool, len(cfg.Extensions)),
	}
	for _, t := range cfg.MIMETypes {
		d.mimeTypes[strings.ToLower(t)] = true
	}
	for _, e := range cfg.Extensions {
		d.extensions[strings.ToLower(e)] = true
	}
	return d, nil
}

// IsAudio reports whether the declared MIME type or the URL's file
// extension indicates an audio payload.
func (d *TypeDetector) IsAudio(mimeType, rawURL string) bool {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		if d.mimeTypes[mt] {
			return true
		}
		for _, p := range d.prefixes {
			if strings.HasPrefix(mt, p) {
				return true
			}
		}
	}
	return d.extensions[Extension(rawURL)]
}

// Extension returns the lower-case file extension of the URL path, without
// the dot. Query strings and fragments are ignored.
func Extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	return strings.ToLower(ext)
}
