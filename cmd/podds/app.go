package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/pders01/podds/internal/config"
	"github.com/pders01/podds/internal/debuglog"
	"github.com/pders01/podds/internal/feed"
	"github.com/pders01/podds/internal/gateway"
	"github.com/pders01/podds/internal/media"
	"github.com/pders01/podds/internal/reconcile"
	"github.com/pders01/podds/internal/retention"
	"github.com/pders01/podds/internal/search"
	"github.com/pders01/podds/internal/storage"
	"github.com/pders01/podds/internal/syncer"
)

// app holds every long-lived component a command may need.
type app struct {
	cfg   *config.Config
	store *storage.Store

	gw         *gateway.Client
	manager    *feed.Manager
	reconciler *reconcile.Reconciler
	worker     *syncer.Worker
	sync       *syncer.Service
	cache      *media.Cache
	cleaner    *retention.Cleaner
	retention  *retention.Engine
	downloader *media.Downloader
	monitor    *search.Monitor
	index      *search.IndexSearcher
	local      search.Searcher
	pindex     *search.PodcastIndexSearcher
	itunes     *search.ITunesSearcher
}

func newApp(cfg *config.Config) (*app, error) {
	if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.File); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Database.Path, cfg.Database.Timeout)
	if err != nil {
		debuglog.Close()
		return nil, err
	}

	a := &app{cfg: cfg, store: store}

	// Feed and API requests are bounded per request; audio downloads only
	// by their context.
	a.gw = gateway.NewClient(&http.Client{Timeout: cfg.Gateway.HTTPTimeout}, cfg.Gateway.UserAgent)
	audioGW := gateway.NewClient(&http.Client{}, cfg.Gateway.UserAgent)

	types, err := media.NewTypeDetector()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading audio types: %w", err)
	}
	fetcher := feed.NewFetcher(a.gw, feed.NewParser(types), cfg.Gateway.Primary, cfg.Gateway.Backup)
	a.manager = feed.NewManager(store, fetcher, cfg.Sync.FeedTimeout)

	a.reconciler = reconcile.New(store, reconcile.SignalFunc(func(inserted []*storage.Episode) {
		debuglog.Infof("new content: %d episodes", len(inserted))
	}), nil)

	a.worker = syncer.NewWorker(syncer.NewOrchestrator(fetcher, cfg.Sync.BatchSize, cfg.Sync.FeedTimeout))
	a.worker.Start()
	a.sync = syncer.NewService(store, a.worker, a.reconciler, cfg.Sync)

	a.cache = media.NewOSCache(cfg.Retention.CacheDir)
	a.cleaner = retention.NewCleaner(a.cache)
	a.cleaner.Start()
	a.retention = retention.NewEngine(store, a.cleaner, cfg.Retention)
	a.downloader = media.NewDownloader(audioGW, a.cache, cfg.Gateway.Primary, cfg.Gateway.Backup)

	sc := cfg.Search
	if sc.PodcastIndexKey != "" && sc.PodcastIndexSecret != "" && sc.PodcastIndexURL != "" {
		a.pindex = search.NewPodcastIndexSearcher(a.gw, sc.PodcastIndexURL, sc.PodcastIndexKey, sc.PodcastIndexSecret)
	}
	if sc.ITunesURL != "" {
		a.itunes = search.NewITunesSearcher(a.gw, sc.ITunesURL)
	}
	a.local = a.localSearcher()
	a.monitor = search.NewMonitor(store, a.searcher(), sc.TermInterval, sc.ResultLimit)
	return a, nil
}

// localSearcher searches subscribed episodes through the bleve index, or by
// scanning the store when the index cannot be opened.
func (a *app) localSearcher() search.Searcher {
	idx, err := search.NewIndexSearcher(a.store, a.cfg.Database.SearchIndex)
	if err != nil {
		debuglog.Warnf("search index unavailable, scanning store instead: %v", err)
		return search.NewScanSearcher(a.store)
	}
	a.index = idx
	a.store.AddListener(idx)
	return idx
}

// searcher picks the searcher behind saved searches from search.source.
// auto prefers PodcastIndex, then iTunes, then the local index.
func (a *app) searcher() search.Searcher {
	switch a.cfg.Search.Source {
	case "local":
		return a.local
	case "podcastindex":
		if a.pindex != nil {
			return a.pindex
		}
		debuglog.Warnf("search.source is podcastindex but no API key is configured, using the local index")
		return a.local
	case "itunes":
		if a.itunes != nil {
			return a.itunes
		}
		debuglog.Warnf("search.source is itunes but search.itunes_url is empty, using the local index")
		return a.local
	}
	if a.pindex != nil {
		return a.pindex
	}
	if a.itunes != nil {
		return a.itunes
	}
	return a.local
}

var errNoDirectory = errors.New("no podcast directory configured (set search.podcastindex_key or search.itunes_url)")

// directory prefers PodcastIndex ids when keys are configured.
func (a *app) directory() (search.Directory, error) {
	if a.pindex != nil {
		return a.pindex, nil
	}
	if a.itunes != nil {
		return a.itunes, nil
	}
	return nil, errNoDirectory
}

func (a *app) Close() {
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.cleaner != nil {
		a.cleaner.Stop()
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			debuglog.Warnf("closing search index: %v", err)
		}
	}
	if err := a.store.Close(); err != nil {
		debuglog.Warnf("closing store: %v", err)
	}
	debuglog.Close()
}

// withApp adapts a command body that needs the wired application.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}
