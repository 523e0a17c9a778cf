package config

import "time"

// TestConfig returns a config with short timeouts suitable for tests.
func TestConfig() *Config {
	cfg := defaultConfig()
	cfg.Database.Path = ":memory:"
	cfg.Database.SearchIndex = ""
	cfg.Gateway.UserAgent = "podds-test/1.0"
	cfg.Gateway.HTTPTimeout = 5 * time.Second
	cfg.Sync.Interval = time.Minute
	cfg.Sync.BatchSize = 5
	cfg.Sync.FeedTimeout = 2 * time.Second
	cfg.Sync.CycleTimeout = 30 * time.Second
	cfg.Retention.CacheDir = ""
	cfg.Search.Source = "local"
	cfg.Search.PodcastIndexURL = ""
	cfg.Search.ITunesURL = ""
	cfg.Log.Level = "off"
	return cfg
}
