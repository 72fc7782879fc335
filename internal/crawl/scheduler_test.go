package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matthewjhunter/gazette/internal/feeds"
	"github.com/matthewjhunter/gazette/internal/storage"
)

func newTestStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func addFeed(t *testing.T, store storage.Store, url string) int64 {
	t.Helper()
	catID, err := store.GetOrCreateCategory("Test")
	if err != nil {
		t.Fatalf("GetOrCreateCategory failed: %v", err)
	}
	id, err := store.AddFeed(catID, url, url)
	if err != nil {
		t.Fatalf("AddFeed failed: %v", err)
	}
	return id
}

func rss(n int, prefix string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>T</title><link>https://example.com/</link>`)
	for i := range n {
		fmt.Fprintf(&b, "<item><title>%s %d</title><link>https://example.com/%s/%d</link><guid>%s-%d</guid></item>", prefix, i, prefix, i, prefix, i)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func feedServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newScheduler(store storage.Store) *Scheduler {
	return NewScheduler(store, feeds.NewFetcher(feeds.FetcherOptions{Timeout: 5 * time.Second}), Options{Workers: 2})
}

func totalArticles(t *testing.T, store storage.Store) int {
	t.Helper()
	n, err := store.CountArticles()
	if err != nil {
		t.Fatalf("CountArticles failed: %v", err)
	}
	return n
}

func TestRunCycle_Idempotent(t *testing.T) {
	store := newTestStore(t)
	addFeed(t, store, feedServer(t, rss(3, "a")).URL)
	addFeed(t, store, feedServer(t, rss(4, "b")).URL)

	s := newScheduler(store)
	first, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if first.FeedsTotal != 2 || first.FeedsDownloaded != 2 || first.NewArticles != 7 {
		t.Errorf("first cycle = %+v", first)
	}

	second, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle failed: %v", err)
	}
	if second.NewArticles != 0 {
		t.Errorf("second cycle stored %d new articles, want 0", second.NewArticles)
	}
	if n := totalArticles(t, store); n != 7 {
		t.Errorf("stored %d articles, want 7", n)
	}
	if s.LastResult() != second {
		t.Error("LastResult should be the latest cycle")
	}
}

func TestRunCycle_NotModified(t *testing.T) {
	store := newTestStore(t)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(rss(2, "x")))
	}))
	defer srv.Close()
	feedID := addFeed(t, store, srv.URL)

	s := newScheduler(store)
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	before, err := store.GetFeed(feedID)
	if err != nil {
		t.Fatalf("GetFeed failed: %v", err)
	}
	if before.ETag != `"v1"` || before.LastFetched == nil {
		t.Fatalf("first cycle did not record validators: %+v", before)
	}

	time.Sleep(1100 * time.Millisecond) // last_fetched has second resolution
	res, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.FeedsNotModified != 1 || res.NewArticles != 0 {
		t.Errorf("second cycle = %+v", res)
	}

	after, err := store.GetFeed(feedID)
	if err != nil {
		t.Fatalf("GetFeed failed: %v", err)
	}
	if !after.LastFetched.After(*before.LastFetched) {
		t.Errorf("last_fetched not advanced: %v -> %v", before.LastFetched, after.LastFetched)
	}
	if after.ETag != `"v1"` || after.LastError != nil {
		t.Errorf("304 should keep validators and clear error: %+v", after)
	}
	if n := totalArticles(t, store); n != 2 {
		t.Errorf("stored %d articles, want 2", n)
	}
	if requests.Load() != 2 {
		t.Errorf("server saw %d requests, want 2", requests.Load())
	}
}

func TestRunCycle_FailureIsolation(t *testing.T) {
	store := newTestStore(t)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer broken.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	defer gone.Close()

	brokenID := addFeed(t, store, broken.URL)
	goneID := addFeed(t, store, gone.URL)
	garbageID := addFeed(t, store, feedServer(t, "not a feed").URL)
	goodID := addFeed(t, store, feedServer(t, rss(2, "ok")).URL)

	res, err := newScheduler(store).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.FeedsErrored != 3 || res.FeedsDownloaded != 1 || res.NewArticles != 2 {
		t.Errorf("cycle = %+v", res)
	}
	if len(res.Errors) != 3 {
		t.Errorf("expected 3 error strings, got %v", res.Errors)
	}
	permanent := map[int64]bool{}
	for _, o := range res.Feeds {
		permanent[o.FeedID] = o.Permanent
	}
	if !permanent[goneID] || permanent[brokenID] || permanent[goodID] {
		t.Errorf("permanent flags = %v, want only feed %d", permanent, goneID)
	}

	for _, id := range []int64{brokenID, goneID, garbageID} {
		f, err := store.GetFeed(id)
		if err != nil {
			t.Fatalf("GetFeed failed: %v", err)
		}
		if f.LastError == nil || *f.LastError == "" {
			t.Errorf("feed %d: expected last_error", id)
		}
		if f.LastFetched != nil {
			t.Errorf("feed %d: failure should not set last_fetched", id)
		}
	}
	good, err := store.GetFeed(goodID)
	if err != nil {
		t.Fatalf("GetFeed failed: %v", err)
	}
	if good.LastError != nil || good.SiteURL != "https://example.com/" {
		t.Errorf("good feed = %+v", good)
	}
}

type panicFetcher struct{ url string }

func (p panicFetcher) Fetch(ctx context.Context, req feeds.FetchRequest) (*feeds.FetchResult, error) {
	if req.URL == p.url {
		panic("fetcher exploded")
	}
	return &feeds.FetchResult{Body: []byte(rss(1, "p")), FetchedAt: time.Now()}, nil
}

func TestRunCycle_RecoversPanic(t *testing.T) {
	store := newTestStore(t)
	badID := addFeed(t, store, "https://bad.example.com/feed")
	addFeed(t, store, "https://good.example.com/feed")

	s := NewScheduler(store, panicFetcher{url: "https://bad.example.com/feed"}, Options{})
	res, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.FeedsErrored != 1 || res.FeedsDownloaded != 1 {
		t.Errorf("cycle = %+v", res)
	}
	f, err := store.GetFeed(badID)
	if err != nil {
		t.Fatalf("GetFeed failed: %v", err)
	}
	if f.LastError == nil || !strings.Contains(*f.LastError, "fetcher exploded") {
		t.Errorf("last_error = %v", f.LastError)
	}
}

func TestRunCycle_Reentrancy(t *testing.T) {
	store := newTestStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Write([]byte(rss(1, "slow")))
	}))
	defer srv.Close()
	addFeed(t, store, srv.URL)

	s := newScheduler(store)
	done := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		done <- err
	}()
	<-entered

	if !s.Running() {
		t.Error("Running should be true mid-cycle")
	}
	if _, err := s.RunCycle(context.Background()); !errors.Is(err, ErrCycleRunning) {
		t.Errorf("concurrent RunCycle = %v, want ErrCycleRunning", err)
	}
	if s.Trigger() {
		t.Error("Trigger should refuse while a cycle runs")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if s.Running() {
		t.Error("Running should be false after the cycle")
	}
	if n := totalArticles(t, store); n != 1 {
		t.Errorf("stored %d articles, want 1", n)
	}
}

func waitForResult(t *testing.T, s *Scheduler, timeout time.Duration) *CycleResult {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r := s.LastResult(); r != nil && !s.Running() {
			return r
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a cycle")
	return nil
}

func TestTrigger(t *testing.T) {
	store := newTestStore(t)
	addFeed(t, store, feedServer(t, rss(2, "t")).URL)

	s := newScheduler(store)
	if !s.Trigger() {
		t.Fatal("Trigger should start a cycle when idle")
	}
	res := waitForResult(t, s, 5*time.Second)
	if res.NewArticles != 2 {
		t.Errorf("triggered cycle = %+v", res)
	}
	s.Stop()
}

func TestTrigger_SurvivesStartCancel(t *testing.T) {
	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(rss(1, strings.TrimPrefix(r.URL.Path, "/"))))
	}))
	defer srv.Close()
	var ids []int64
	for i := range 4 {
		ids = append(ids, addFeed(t, store, fmt.Sprintf("%s/f%d", srv.URL, i)))
	}

	s := NewScheduler(store, feeds.NewFetcher(feeds.FetcherOptions{Timeout: 5 * time.Second}), Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.Trigger() {
		t.Fatal("Trigger should start a cycle when idle")
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	s.Stop()

	res := s.LastResult()
	if res == nil || res.FeedsErrored != 0 || res.FeedsDownloaded != 4 || res.NewArticles != 4 {
		t.Fatalf("cycle after shutdown signal = %+v", res)
	}
	for _, id := range ids {
		f, err := store.GetFeed(id)
		if err != nil {
			t.Fatalf("GetFeed failed: %v", err)
		}
		if f.LastError != nil {
			t.Errorf("feed %d: last_error = %q", id, *f.LastError)
		}
	}
}

func TestStartStop(t *testing.T) {
	store := newTestStore(t)
	addFeed(t, store, feedServer(t, rss(1, "c")).URL)

	s := NewScheduler(store, feeds.NewFetcher(feeds.FetcherOptions{}), Options{Interval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	waitForResult(t, s, 5*time.Second)
	s.Stop()

	if n := totalArticles(t, store); n != 1 {
		t.Errorf("stored %d articles, want 1", n)
	}
}

func TestRunCycle_NoFeeds(t *testing.T) {
	res, err := newScheduler(newTestStore(t)).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if res.FeedsTotal != 0 || res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("empty cycle = %+v", res)
	}
}
