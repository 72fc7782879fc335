package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matthewjhunter/gazette"
)

// engineAPI is the slice of *gazette.Engine the HTTP surface needs.
type engineAPI interface {
	FeverHandler() http.Handler
	TriggerCrawl() bool
	CrawlStatus() gazette.CrawlStatus
	CacheStatus() gazette.CacheStatus
	LookupHotlink(src string) (gazette.HotlinkEntry, bool)
}

func newRouter(engine engineAPI) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging)
	r.Use(recovery)

	h := &handlers{engine: engine}

	fever := engine.FeverHandler()
	r.Handle("/fever", fever)
	r.Handle("/fever/", fever)

	r.Route("/api", func(r chi.Router) {
		r.Handle("/fever", fever)
		r.Post("/crawl", h.handleCrawlTrigger)
		r.Get("/crawl", h.handleCrawlStatus)
		r.Get("/hotlink", h.handleHotlink)
		r.Get("/cache", h.handleCacheStatus)
		r.Get("/health", h.handleHealth)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

type handlers struct {
	engine engineAPI
}

func (h *handlers) handleCrawlTrigger(w http.ResponseWriter, r *http.Request) {
	if !h.engine.TriggerCrawl() {
		writeError(w, http.StatusConflict, "crawl already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *handlers) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.CrawlStatus())
}

func (h *handlers) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.CacheStatus())
}

// handleHotlink redirects to the cached target for ?url=. Misses and
// unavailable entries are 404 so clients fall back to the source URL.
func (h *handlers) handleHotlink(w http.ResponseWriter, r *http.Request) {
	src := r.URL.Query().Get("url")
	if src == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}
	entry, ok := h.engine.LookupHotlink(src)
	if !ok || !entry.Available {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	http.Redirect(w, r, entry.Target, http.StatusFound)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
