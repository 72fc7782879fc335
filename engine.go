package gazette

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matthewjhunter/gazette/internal/config"
	"github.com/matthewjhunter/gazette/internal/crawl"
	"github.com/matthewjhunter/gazette/internal/feeds"
	"github.com/matthewjhunter/gazette/internal/fever"
	"github.com/matthewjhunter/gazette/internal/hotlink"
	"github.com/matthewjhunter/gazette/internal/storage"
)

// ErrCrawlRunning is returned by Crawl while a cycle is already in flight.
var ErrCrawlRunning = crawl.ErrCycleRunning

// Engine is the public API for gazette. It owns the feed store, the crawl
// scheduler, and the hotlink cache, and hands out the Fever handler.
type Engine struct {
	store     storage.Store
	scheduler *crawl.Scheduler
	cache     *hotlink.Cache
	refresher *hotlink.Refresher
	fever     *fever.Handler

	crawlInterval time.Duration
	cacheInterval time.Duration
	feverEnabled  bool
}

// NewEngine opens the configured database and wires every component. Stored
// settings (crawl_interval, cache_interval, fever_api_key) take precedence over
// cfg and are read only here.
func NewEngine(cfg *config.Config) (*Engine, error) {
	store, err := storage.Open(cfg.Database.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	crawlInterval := settingDuration(store, storage.SettingCrawlInterval, cfg.Crawl.Interval)
	cacheInterval := settingDuration(store, storage.SettingCacheInterval, cfg.Cache.Interval)
	apiKey := cfg.Fever.APIKey
	if v, err := store.GetSetting(storage.SettingFeverAPIKey); err == nil && v != "" {
		apiKey = v
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		store.Close()
		return nil, fmt.Errorf("read settings: %w", err)
	}

	fetcher := feeds.NewFetcher(feeds.FetcherOptions{
		Timeout:      cfg.Crawl.FetchTimeout,
		UserAgent:    cfg.Crawl.UserAgent,
		MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
	})
	scheduler := crawl.NewScheduler(store, fetcher, crawl.Options{
		Interval: crawlInterval,
		Workers:  cfg.Crawl.Workers,
	})

	cache := &hotlink.Cache{}
	refresher := hotlink.NewRefresher(cache,
		hotlink.NewStoreSource(store, cfg.Cache.ArticleWindow),
		hotlink.NewHTTPResolver(nil, cfg.Cache.ResolveTimeout, cfg.Crawl.UserAgent),
		hotlink.Options{Interval: cacheInterval, Workers: cfg.Cache.Workers},
	)

	return &Engine{
		store:         store,
		scheduler:     scheduler,
		cache:         cache,
		refresher:     refresher,
		fever:         fever.NewHandler(store, apiKey),
		crawlInterval: crawlInterval,
		cacheInterval: cacheInterval,
		feverEnabled:  apiKey != "",
	}, nil
}

func settingDuration(store storage.Store, key string, fallback time.Duration) time.Duration {
	raw, err := store.GetSetting(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("gazette: failed to read setting", "key", key, "err", err)
		}
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d < time.Second {
		slog.Warn("gazette: ignoring invalid setting", "key", key, "value", raw)
		return fallback
	}
	return d
}

// Start publishes the first hotlink generation, then starts the cache and
// crawl timers. Both loops run until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if !e.feverEnabled {
		slog.Warn("gazette: no Fever API key configured, sync clients will be rejected")
	}
	if err := e.refresher.Start(ctx); err != nil {
		return err
	}
	if err := e.scheduler.Start(ctx); err != nil {
		e.refresher.Stop()
		return err
	}
	return nil
}

// Stop halts both timers and waits for in-flight work.
func (e *Engine) Stop() {
	e.scheduler.Stop()
	e.refresher.Stop()
}

// Close closes the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Crawl runs one crawl cycle now and waits for it.
func (e *Engine) Crawl(ctx context.Context) (*CycleResult, error) {
	return e.scheduler.RunCycle(ctx)
}

// TriggerCrawl starts a cycle in the background. It reports false when one is
// already running.
func (e *Engine) TriggerCrawl() bool {
	return e.scheduler.Trigger()
}

// CrawlStatus reports whether a cycle is running and the last result.
func (e *Engine) CrawlStatus() CrawlStatus {
	return CrawlStatus{
		Running:    e.scheduler.Running(),
		Interval:   e.crawlInterval.String(),
		LastResult: e.scheduler.LastResult(),
	}
}

// FeverHandler serves the Fever sync API.
func (e *Engine) FeverHandler() http.Handler {
	return e.fever
}

// LookupHotlink consults the live cache generation.
func (e *Engine) LookupHotlink(src string) (HotlinkEntry, bool) {
	return e.cache.Lookup(src)
}

// RefreshCache rebuilds the hotlink cache now.
func (e *Engine) RefreshCache(ctx context.Context) error {
	_, err := e.refresher.Rebuild(ctx)
	return err
}

// CacheStatus describes the live hotlink generation.
func (e *Engine) CacheStatus() CacheStatus {
	gen := e.cache.Current()
	if gen == nil {
		return CacheStatus{}
	}
	built := gen.BuiltAt
	return CacheStatus{
		Generation: gen.ID.String(),
		BuiltAt:    &built,
		Entries:    gen.Len(),
		Available:  gen.Available(),
	}
}

// CrawlInterval is the effective crawl cadence after settings overrides.
func (e *Engine) CrawlInterval() time.Duration { return e.crawlInterval }

// CacheInterval is the effective cache cadence after settings overrides.
func (e *Engine) CacheInterval() time.Duration { return e.cacheInterval }

// ImportOPML subscribes every feed listed in an OPML file.
func (e *Engine) ImportOPML(path string) (*ImportResult, error) {
	return feeds.ImportOPML(e.store, path)
}

// AddCategory creates a category.
func (e *Engine) AddCategory(name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("category name is required")
	}
	return e.store.AddCategory(name)
}

// AddFeed subscribes to feedURL in the named category, creating the category
// if needed. An empty category means Uncategorized; an empty title means the
// URL until the first crawl.
func (e *Engine) AddFeed(feedURL, category, title string) (int64, error) {
	feedURL = strings.TrimSpace(feedURL)
	u, err := url.Parse(feedURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("invalid feed URL %q", feedURL)
	}
	if strings.TrimSpace(category) == "" {
		category = feeds.DefaultCategory
	}
	if title == "" {
		title = feedURL
	}
	catID, err := e.store.GetOrCreateCategory(strings.TrimSpace(category))
	if err != nil {
		return 0, err
	}
	return e.store.AddFeed(catID, feedURL, title)
}

// DeleteFeed unsubscribes a feed and drops its articles.
func (e *Engine) DeleteFeed(feedID int64) error {
	return e.store.DeleteFeed(feedID)
}

// Categories lists all categories.
func (e *Engine) Categories() ([]Category, error) {
	cats, err := e.store.GetCategories()
	if err != nil {
		return nil, err
	}
	out := make([]Category, len(cats))
	for i, c := range cats {
		out[i] = Category{ID: c.ID, Name: c.Name}
	}
	return out, nil
}

// Feeds lists all feeds with their category names.
func (e *Engine) Feeds() ([]Feed, error) {
	cats, err := e.store.GetCategories()
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(cats))
	for _, c := range cats {
		names[c.ID] = c.Name
	}
	ff, err := e.store.GetFeeds()
	if err != nil {
		return nil, err
	}
	out := make([]Feed, len(ff))
	for i, f := range ff {
		out[i] = feedFromInternal(f, names[f.CategoryID])
	}
	return out, nil
}

// SetAPIKey stores the Fever key for email and password. It takes effect on
// the next start.
func (e *Engine) SetAPIKey(email, password string) (string, error) {
	if email == "" || password == "" {
		return "", errors.New("email and password are required")
	}
	key := fever.APIKey(email, password)
	if err := e.store.SetSetting(storage.SettingFeverAPIKey, key); err != nil {
		return "", err
	}
	return key, nil
}

func feedFromInternal(f storage.Feed, category string) Feed {
	return Feed{
		ID:          f.ID,
		CategoryID:  f.CategoryID,
		Category:    category,
		URL:         f.URL,
		Title:       f.Title,
		SiteURL:     f.SiteURL,
		LastFetched: f.LastFetched,
		LastError:   f.LastError,
		CreatedAt:   f.CreatedAt,
	}
}
