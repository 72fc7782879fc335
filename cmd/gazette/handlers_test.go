package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/matthewjhunter/gazette"
	"github.com/matthewjhunter/gazette/internal/config"
	"github.com/matthewjhunter/gazette/internal/fever"
)

type fakeEngine struct {
	running  atomic.Bool
	triggers atomic.Int64
	entries  map[string]gazette.HotlinkEntry
	feverHit atomic.Int64
}

func (f *fakeEngine) FeverHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.feverHit.Add(1)
		writeJSON(w, http.StatusOK, map[string]int{"api_version": 3, "auth": 0})
	})
}

func (f *fakeEngine) TriggerCrawl() bool {
	if !f.running.CompareAndSwap(false, true) {
		return false
	}
	f.triggers.Add(1)
	return true
}

func (f *fakeEngine) CrawlStatus() gazette.CrawlStatus {
	return gazette.CrawlStatus{Running: f.running.Load(), Interval: "15m0s"}
}

func (f *fakeEngine) CacheStatus() gazette.CacheStatus {
	return gazette.CacheStatus{Entries: len(f.entries)}
}

func (f *fakeEngine) LookupHotlink(src string) (gazette.HotlinkEntry, bool) {
	e, ok := f.entries[src]
	return e, ok
}

func newFakeRouter() (*fakeEngine, http.Handler) {
	f := &fakeEngine{entries: map[string]gazette.HotlinkEntry{
		"https://img.example.com/a.png": {
			Source: "https://img.example.com/a.png", Target: "https://cdn.example.com/a.png", Available: true,
		},
		"https://img.example.com/gone.png": {
			Source: "https://img.example.com/gone.png", Err: "status 404",
		},
	}}
	return f, newRouter(f)
}

// request is a convenience helper for making test HTTP requests.
func request(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	_, router := newFakeRouter()
	rr := request(t, router, http.MethodGet, "/api/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if decode(t, rr)["status"] != "ok" {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestCrawlTrigger(t *testing.T) {
	f, router := newFakeRouter()

	rr := request(t, router, http.MethodPost, "/api/crawl")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first trigger status = %d, want 202", rr.Code)
	}
	rr = request(t, router, http.MethodPost, "/api/crawl")
	if rr.Code != http.StatusConflict {
		t.Fatalf("second trigger status = %d, want 409", rr.Code)
	}
	if f.triggers.Load() != 1 {
		t.Errorf("triggers = %d", f.triggers.Load())
	}

	rr = request(t, router, http.MethodGet, "/api/crawl")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if decode(t, rr)["running"] != true {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestHotlink(t *testing.T) {
	_, router := newFakeRouter()

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"cached", "?url=" + url.QueryEscape("https://img.example.com/a.png"), http.StatusFound},
		{"unavailable", "?url=" + url.QueryEscape("https://img.example.com/gone.png"), http.StatusNotFound},
		{"miss", "?url=" + url.QueryEscape("https://img.example.com/other.png"), http.StatusNotFound},
		{"missing param", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := request(t, router, http.MethodGet, "/api/hotlink"+tt.query)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			if tt.status == http.StatusFound {
				if loc := rr.Header().Get("Location"); loc != "https://cdn.example.com/a.png" {
					t.Errorf("Location = %q", loc)
				}
			}
		})
	}
}

func TestFeverMounts(t *testing.T) {
	f, router := newFakeRouter()
	for _, path := range []string{"/fever?api", "/fever/?api", "/api/fever?api"} {
		rr := request(t, router, http.MethodGet, path)
		if rr.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rr.Code)
		}
		rr = request(t, router, http.MethodPost, path)
		if rr.Code != http.StatusOK {
			t.Errorf("POST %s status = %d", path, rr.Code)
		}
	}
	if f.feverHit.Load() != 6 {
		t.Errorf("fever handler hit %d times, want 6", f.feverHit.Load())
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	_, router := newFakeRouter()
	rr := request(t, router, http.MethodGet, "/nope")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if decode(t, rr)["error"] != "not found" {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, router := newFakeRouter()
	rr := request(t, router, http.MethodDelete, "/api/health")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestRecovery(t *testing.T) {
	h := recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := request(t, h, http.MethodGet, "/")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestLoggingCapturesStatus(t *testing.T) {
	var seen int
	h := logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
		seen = rw.status
	}))
	rr := request(t, h, http.MethodGet, "/")
	if rr.Code != http.StatusTeapot || seen != http.StatusTeapot {
		t.Errorf("code = %d, captured = %d", rr.Code, seen)
	}
}

func TestRouterWithEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "test.db")
	cfg.Fever.APIKey = fever.APIKey("reader@example.com", "secret")

	engine, err := gazette.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()
	router := newRouter(engine)

	form := url.Values{"api_key": {cfg.Fever.APIKey}}
	req := httptest.NewRequest(http.MethodPost, "/fever/?api&groups", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	body := decode(t, rr)
	if body["auth"] != float64(1) {
		t.Errorf("auth = %v", body["auth"])
	}
	if _, ok := body["groups"]; !ok {
		t.Errorf("groups missing from %s", rr.Body.String())
	}

	rr = request(t, router, http.MethodGet, "/api/crawl")
	status := decode(t, rr)
	if status["running"] != false || status["last_result"] != nil {
		t.Errorf("crawl status = %s", rr.Body.String())
	}
}
