// Package crawl runs the periodic fetch, parse and store pipeline over every
// subscribed feed.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/matthewjhunter/gazette/internal/feeds"
	"github.com/matthewjhunter/gazette/internal/storage"
)

// ErrCycleRunning is returned by RunCycle while another cycle is in flight.
var ErrCycleRunning = errors.New("crawl cycle already running")

// Fetcher retrieves one feed document.
type Fetcher interface {
	Fetch(ctx context.Context, req feeds.FetchRequest) (*feeds.FetchResult, error)
}

// Status is the per-feed result of a cycle.
type Status string

const (
	StatusDownloaded  Status = "downloaded"
	StatusNotModified Status = "not_modified"
	StatusErrored     Status = "errored"
)

// FeedOutcome records what happened to one feed during a cycle.
type FeedOutcome struct {
	FeedID      int64  `json:"feed_id"`
	URL         string `json:"url"`
	Status      Status `json:"status"`
	NewArticles int    `json:"new_articles"`
	Skipped     int    `json:"skipped"`
	Error       string `json:"error,omitempty"`
	// Permanent marks failures that will repeat until the feed is fixed.
	Permanent bool `json:"permanent,omitempty"`
}

// CycleResult summarizes one crawl cycle.
type CycleResult struct {
	FeedsTotal       int           `json:"feeds_total"`
	FeedsDownloaded  int           `json:"feeds_downloaded"`
	FeedsNotModified int           `json:"feeds_not_modified"`
	FeedsErrored     int           `json:"feeds_errored"`
	NewArticles      int           `json:"new_articles"`
	ItemsSkipped     int           `json:"items_skipped"`
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	Errors           []string      `json:"errors,omitempty"`
	Feeds            []FeedOutcome `json:"feeds"`
}

// Duration is how long the cycle took.
func (r *CycleResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Options tune a Scheduler. Zero values select defaults.
type Options struct {
	Interval time.Duration
	Workers  int
}

// Scheduler owns the crawl timer. At most one cycle runs at a time; ticks
// that find a cycle in flight are dropped.
type Scheduler struct {
	store   storage.Store
	fetcher Fetcher
	parser  *feeds.Parser
	dedup   *feeds.Deduplicator

	interval time.Duration
	workers  int

	running atomic.Bool
	last    atomic.Pointer[CycleResult]

	mu   sync.Mutex
	cron *cron.Cron
	base context.Context
	wg   sync.WaitGroup
}

func NewScheduler(store storage.Store, fetcher Fetcher, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	return &Scheduler{
		store:    store,
		fetcher:  fetcher,
		parser:   feeds.NewParser(),
		dedup:    feeds.NewDeduplicator(store),
		interval: opts.Interval,
		workers:  opts.Workers,
		base:     context.Background(),
	}
}

// Interval is the time between scheduled cycles.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Running reports whether a cycle is in flight.
func (s *Scheduler) Running() bool { return s.running.Load() }

// LastResult returns the most recent completed cycle, or nil.
func (s *Scheduler) LastResult() *CycleResult { return s.last.Load() }

// RunCycle crawls every feed once and waits for the result.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer s.running.Store(false)
	return s.cycle(ctx)
}

// Trigger starts a cycle in the background. It returns false without doing
// anything when a cycle is already running. Cancelling the Start context does
// not interrupt the cycle; Stop waits for it.
func (s *Scheduler) Trigger() bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	ctx := context.WithoutCancel(s.base)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if _, err := s.cycle(ctx); err != nil {
			slog.Error("crawl: triggered cycle failed", "err", err)
		}
	}()
	return true
}

// Start schedules a cycle every interval until ctx is done or Stop is called.
// The first cycle runs one interval after Start. ctx only stops scheduling; a
// cycle already running finishes with its per-fetch timeouts.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("crawl scheduler already started")
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.tick(ctx) }))
	c.Start()

	s.cron = c
	s.base = ctx
	slog.Info("crawl: scheduler started", "interval", s.interval, "workers", s.workers)
	return nil
}

// Stop halts the timer and waits for any running cycle it started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
	slog.Info("crawl: scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.RunCycle(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, ErrCycleRunning):
		slog.Info("crawl: tick skipped, cycle still running")
	case err != nil:
		slog.Error("crawl: scheduled cycle failed", "err", err)
	}
}

func (s *Scheduler) cycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{StartedAt: time.Now()}

	all, err := s.store.GetFeeds()
	if err != nil {
		return nil, fmt.Errorf("failed to get feeds: %w", err)
	}
	res.FeedsTotal = len(all)
	res.Feeds = make([]FeedOutcome, len(all))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range all {
		g.Go(func() error {
			res.Feeds[i] = s.crawlFeed(ctx, all[i])
			return nil
		})
	}
	g.Wait()

	for _, o := range res.Feeds {
		switch o.Status {
		case StatusDownloaded:
			res.FeedsDownloaded++
		case StatusNotModified:
			res.FeedsNotModified++
		case StatusErrored:
			res.FeedsErrored++
			res.Errors = append(res.Errors, o.URL+": "+o.Error)
		}
		res.NewArticles += o.NewArticles
		res.ItemsSkipped += o.Skipped
	}
	res.FinishedAt = time.Now()
	s.last.Store(res)

	slog.Info("crawl: cycle finished",
		"feeds", res.FeedsTotal,
		"downloaded", res.FeedsDownloaded,
		"not_modified", res.FeedsNotModified,
		"errored", res.FeedsErrored,
		"new_articles", res.NewArticles,
		"duration", res.Duration().Round(time.Millisecond))
	return res, nil
}

// crawlFeed runs fetch, parse, dedupe and the metadata update for one feed.
// Nothing that goes wrong here escapes as an error or a panic.
func (s *Scheduler) crawlFeed(ctx context.Context, feed storage.Feed) (out FeedOutcome) {
	out = FeedOutcome{FeedID: feed.ID, URL: feed.URL}

	defer func() {
		if r := recover(); r != nil {
			out = s.fail(out, fmt.Errorf("panic: %v", r))
		}
	}()

	res, err := s.fetcher.Fetch(ctx, feeds.FetchRequest{
		URL:          feed.URL,
		ETag:         feed.ETag,
		LastModified: feed.LastModified,
	})
	if err != nil {
		return s.fail(out, err)
	}

	if res.Unchanged {
		if err := s.store.UpdateFeedFetchMeta(feed.ID, storage.FetchMeta{FetchedAt: res.FetchedAt}); err != nil {
			return s.fail(out, err)
		}
		out.Status = StatusNotModified
		return out
	}

	doc, err := s.parser.Parse(res.Body, res.FetchedAt)
	if err != nil {
		return s.fail(out, err)
	}
	slog.Debug("crawl: parsed feed", "feed_id", feed.ID, "items", doc.Len())
	inserted, err := s.dedup.Store(ctx, feed.ID, doc.Items())
	out.Skipped = doc.Skipped()
	if err != nil {
		return s.fail(out, err)
	}
	if err := doc.Err(); err != nil {
		return s.fail(out, err)
	}

	meta := storage.FetchMeta{
		FetchedAt: res.FetchedAt,
		SiteURL:   doc.SiteURL,
		Validators: &storage.Validators{
			ETag:         res.ETag,
			LastModified: res.LastModified,
		},
	}
	// Feeds added without a title carry their URL until the document names itself.
	if feed.Title == feed.URL && doc.Title != "" {
		meta.Title = doc.Title
	}
	if err := s.store.UpdateFeedFetchMeta(feed.ID, meta); err != nil {
		return s.fail(out, err)
	}

	out.Status = StatusDownloaded
	out.NewArticles = len(inserted)
	if out.NewArticles > 0 {
		slog.Debug("crawl: stored new articles", "feed_id", feed.ID, "count", out.NewArticles)
	}
	return out
}

func (s *Scheduler) fail(out FeedOutcome, err error) FeedOutcome {
	out.Status = StatusErrored
	out.Error = err.Error()
	var fe *feeds.FetchError
	out.Permanent = errors.As(err, &fe) && !fe.Retryable()
	slog.Warn("crawl: feed failed", "feed_id", out.FeedID, "url", out.URL, "permanent", out.Permanent, "err", err)
	if uerr := s.store.UpdateFeedFetchMeta(out.FeedID, storage.FetchMeta{FetchedAt: time.Now(), Error: out.Error}); uerr != nil {
		slog.Error("crawl: failed to record feed error", "feed_id", out.FeedID, "err", uerr)
	}
	return out
}

// cronLogger routes robfig/cron's internal logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
