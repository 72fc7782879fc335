package hotlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrRebuildRunning is returned by Rebuild while another rebuild is in flight.
var ErrRebuildRunning = errors.New("hotlink rebuild already running")

// Options tune a Refresher. Zero values select defaults.
type Options struct {
	Interval time.Duration
	Workers  int
}

// Refresher rebuilds the cache from a Source on a fixed interval.
type Refresher struct {
	cache    *Cache
	source   Source
	resolver Resolver
	interval time.Duration
	workers  int

	building atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRefresher(cache *Cache, source Source, resolver Resolver, opts Options) *Refresher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Workers < 1 {
		opts.Workers = 8
	}
	return &Refresher{
		cache:    cache,
		source:   source,
		resolver: resolver,
		interval: opts.Interval,
		workers:  opts.Workers,
	}
}

// Rebuild resolves every URL the source lists and publishes the result as a
// new generation. On error the previous generation stays live.
func (r *Refresher) Rebuild(ctx context.Context) (*Generation, error) {
	if !r.building.CompareAndSwap(false, true) {
		return nil, ErrRebuildRunning
	}
	defer r.building.Store(false)

	start := time.Now()
	urls, err := r.source.URLs(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Entry, len(urls))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, src := range urls {
		g.Go(func() error {
			results[i] = r.resolve(ctx, src)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("hotlink rebuild abandoned: %w", err)
	}

	entries := make(map[string]Entry, len(results))
	for _, e := range results {
		entries[e.Source] = e
	}
	gen := newGeneration(entries)
	r.cache.swap(gen)

	slog.Info("hotlink: generation published",
		"generation", gen.ID,
		"urls", gen.Len(),
		"available", gen.Available(),
		"duration", time.Since(start).Round(time.Millisecond))
	return gen, nil
}

func (r *Refresher) resolve(ctx context.Context, src string) (e Entry) {
	defer func() {
		if p := recover(); p != nil {
			e = Entry{Source: src, Err: fmt.Sprintf("resolver panic: %v", p)}
		}
	}()
	e = r.resolver.Resolve(ctx, src)
	e.Source = src
	if !e.Available && e.Err == "" {
		e.Err = "unavailable"
	}
	return e
}

// Start builds the first generation before returning, then rebuilds every
// interval until ctx is done or Stop is called. A failed first build is logged
// and leaves the cache empty.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("hotlink refresher already started")
	}

	if _, err := r.Rebuild(ctx); err != nil {
		slog.Error("hotlink: initial build failed", "err", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
	slog.Info("hotlink: refresher started", "interval", r.interval, "workers", r.workers)
	return nil
}

// Stop halts the loop and waits for an in-flight rebuild to finish.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("hotlink: refresher stopped")
}

func (r *Refresher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := r.Rebuild(ctx)
			switch {
			case errors.Is(err, ErrRebuildRunning):
				slog.Info("hotlink: tick skipped, rebuild still running")
			case err != nil && ctx.Err() == nil:
				slog.Error("hotlink: rebuild failed", "err", err)
			}
		}
	}
}
