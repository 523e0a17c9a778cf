package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Retention RetentionConfig `mapstructure:"retention"`
	Search    SearchConfig    `mapstructure:"search"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SearchIndex string        `mapstructure:"search_index"`
}

// GatewayConfig names the relay helpers. An empty Primary fetches targets
// directly.
type GatewayConfig struct {
	Primary     string        `mapstructure:"primary"`
	Backup      string        `mapstructure:"backup"`
	UserAgent   string        `mapstructure:"user_agent"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type SyncConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	BatchSize          int           `mapstructure:"batch_size"`
	FeedTimeout        time.Duration `mapstructure:"feed_timeout"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
	CycleTimeout       time.Duration `mapstructure:"cycle_timeout"`
}

type RetentionConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	CompletedAfter  time.Duration `mapstructure:"completed_after"`
	InProgressAfter time.Duration `mapstructure:"in_progress_after"`
	CacheDir        string        `mapstructure:"cache_dir"`
}

// SearchConfig picks the searcher behind saved searches. Source is one of
// auto, podcastindex, itunes or local; auto uses PodcastIndex when keys
// are set and iTunes otherwise.
type SearchConfig struct {
	Source             string        `mapstructure:"source"`
	Interval           time.Duration `mapstructure:"interval"`
	TermInterval       time.Duration `mapstructure:"term_interval"`
	PodcastIndexURL    string        `mapstructure:"podcastindex_url"`
	PodcastIndexKey    string        `mapstructure:"podcastindex_key"`
	PodcastIndexSecret string        `mapstructure:"podcastindex_secret"`
	ITunesURL          string        `mapstructure:"itunes_url"`
	ResultLimit        int           `mapstructure:"result_limit"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".podds")

	return &Config{
		Database: DatabaseConfig{
			Path:        filepath.Join(dataDir, "podds.db"),
			Timeout:     1 * time.Second,
			SearchIndex: filepath.Join(dataDir, "index.bleve"),
		},
		Gateway: GatewayConfig{
			UserAgent:   "podds/1.0 (https://github.com/pders01/podds)",
			HTTPTimeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:           60 * time.Minute,
			BatchSize:          10,
			FeedTimeout:        15 * time.Second,
			ErrorRateThreshold: 0.5,
			CycleTimeout:       5 * time.Minute,
		},
		Retention: RetentionConfig{
			Interval:        30 * time.Minute,
			CompletedAfter:  7 * 24 * time.Hour,
			InProgressAfter: 14 * 24 * time.Hour,
			CacheDir:        filepath.Join(dataDir, "cache"),
		},
		Search: SearchConfig{
			Source:          "auto",
			Interval:        30 * time.Minute,
			TermInterval:    24 * time.Hour,
			PodcastIndexURL: "https://api.podcastindex.org/api/1.0",
			ITunesURL:       "https://itunes.apple.com",
			ResultLimit:     20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// settings flattens cfg into dotted viper keys. Durations are written as
// strings so the TOML stays readable.
func settings(cfg *Config) map[string]any {
	return map[string]any{
		"database.path":         cfg.Database.Path,
		"database.timeout":      cfg.Database.Timeout.String(),
		"database.search_index": cfg.Database.SearchIndex,

		"gateway.primary":      cfg.Gateway.Primary,
		"gateway.backup":       cfg.Gateway.Backup,
		"gateway.user_agent":   cfg.Gateway.UserAgent,
		"gateway.http_timeout": cfg.Gateway.HTTPTimeout.String(),

		"sync.interval":             cfg.Sync.Interval.String(),
		"sync.batch_size":           cfg.Sync.BatchSize,
		"sync.feed_timeout":         cfg.Sync.FeedTimeout.String(),
		"sync.error_rate_threshold": cfg.Sync.ErrorRateThreshold,
		"sync.cycle_timeout":        cfg.Sync.CycleTimeout.String(),

		"retention.interval":          cfg.Retention.Interval.String(),
		"retention.completed_after":   cfg.Retention.CompletedAfter.String(),
		"retention.in_progress_after": cfg.Retention.InProgressAfter.String(),
		"retention.cache_dir":         cfg.Retention.CacheDir,

		"search.source":              cfg.Search.Source,
		"search.interval":            cfg.Search.Interval.String(),
		"search.term_interval":       cfg.Search.TermInterval.String(),
		"search.podcastindex_url":    cfg.Search.PodcastIndexURL,
		"search.podcastindex_key":    cfg.Search.PodcastIndexKey,
		"search.podcastindex_secret": cfg.Search.PodcastIndexSecret,
		"search.itunes_url":          cfg.Search.ITunesURL,
		"search.result_limit":        cfg.Search.ResultLimit,

		"log.level": cfg.Log.Level,
		"log.file":  cfg.Log.File,
	}
}

// Load reads configuration from configPath, or from
// ~/.config/podds/config.toml when empty. A .env file in the working
// directory and PODDS_* environment variables override file values.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	for key, value := range settings(defaultConfig()) {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(filepath.Join(homeDir, ".config", "podds"))
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PODDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	expandPaths(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects values the sync engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Sync.BatchSize < 1:
		return fmt.Errorf("sync.batch_size must be at least 1, got %d", c.Sync.BatchSize)
	case c.Sync.FeedTimeout <= 0:
		return fmt.Errorf("sync.feed_timeout must be positive")
	case c.Sync.ErrorRateThreshold <= 0 || c.Sync.ErrorRateThreshold > 1:
		return fmt.Errorf("sync.error_rate_threshold must be in (0, 1], got %v", c.Sync.ErrorRateThreshold)
	case c.Retention.CompletedAfter <= 0 || c.Retention.InProgressAfter <= 0:
		return fmt.Errorf("retention thresholds must be positive")
	case c.Retention.Interval <= 0 || c.Search.Interval <= 0:
		return fmt.Errorf("retention.interval and search.interval must be positive")
	}
	switch c.Search.Source {
	case "auto", "podcastindex", "itunes", "local":
	default:
		return fmt.Errorf("search.source must be auto, podcastindex, itunes or local, got %q", c.Search.Source)
	}
	return nil
}

// expandPath expands ~ to home directory and converts to absolute path
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Database.SearchIndex = expandPath(cfg.Database.SearchIndex)
	cfg.Retention.CacheDir = expandPath(cfg.Retention.CacheDir)
	cfg.Log.File = expandPath(cfg.Log.File)
}

func Save(config *Config, path string) error {
	v := viper.New()
	for key, value := range settings(config) {
		v.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
