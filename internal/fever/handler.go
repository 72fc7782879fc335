// Package fever serves the Fever v3 sync API that mobile and desktop feed
// readers speak.
package fever

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matthewjhunter/gazette/internal/storage"
)

const (
	apiVersion = 3

	// PageSize caps items per response and ids accepted in with_ids.
	PageSize = 50
)

// APIKey derives the key a Fever client sends for the given credentials.
func APIKey(email, password string) string {
	sum := md5.Sum([]byte(email + ":" + password))
	return hex.EncodeToString(sum[:])
}

type group struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type feedsGroup struct {
	GroupID int64  `json:"group_id"`
	FeedIDs string `json:"feed_ids"`
}

type feed struct {
	ID                int64  `json:"id"`
	FaviconID         int64  `json:"favicon_id"`
	Title             string `json:"title"`
	URL               string `json:"url"`
	SiteURL           string `json:"site_url"`
	IsSpark           int    `json:"is_spark"`
	LastUpdatedOnTime int64  `json:"last_updated_on_time"`
}

type item struct {
	ID            int64  `json:"id"`
	FeedID        int64  `json:"feed_id"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	HTML          string `json:"html"`
	URL           string `json:"url"`
	IsSaved       int    `json:"is_saved"`
	IsRead        int    `json:"is_read"`
	CreatedOnTime int64  `json:"created_on_time"`
}

type favicon struct {
	ID   int64  `json:"id"`
	Data string `json:"data"`
}

// response carries only the facets that were asked for. A nil pointer is
// omitted; a pointer to an empty value is sent as empty.
type response struct {
	APIVersion          int           `json:"api_version"`
	Auth                int           `json:"auth"`
	LastRefreshedOnTime *int64        `json:"last_refreshed_on_time,omitempty"`
	Groups              *[]group      `json:"groups,omitempty"`
	Feeds               *[]feed       `json:"feeds,omitempty"`
	FeedsGroups         *[]feedsGroup `json:"feeds_groups,omitempty"`
	Items               *[]item       `json:"items,omitempty"`
	TotalItems          *int          `json:"total_items,omitempty"`
	UnreadItemIDs       *string       `json:"unread_item_ids,omitempty"`
	SavedItemIDs        *string       `json:"saved_item_ids,omitempty"`
	Favicons            *[]favicon    `json:"favicons,omitempty"`
	Links               *[]struct{}   `json:"links,omitempty"`
}

// Handler answers Fever requests from the store. It never crawls.
type Handler struct {
	store  storage.Store
	apiKey string
}

// NewHandler returns a Handler that accepts apiKey (md5 hex of
// "email:password"). An empty key rejects every request.
func NewHandler(store storage.Store, apiKey string) *Handler {
	return &Handler{store: store, apiKey: strings.ToLower(strings.TrimSpace(apiKey))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Debug("fever: bad form", "err", err)
	}
	resp := &response{APIVersion: apiVersion}
	if !h.authorized(r.Form.Get("api_key")) {
		writeJSON(w, resp)
		return
	}
	resp.Auth = 1

	req := &request{h: h, form: r.Form}

	if r.Form.Has("mark") {
		req.mark(resp)
	}
	if r.Form.Has("groups") {
		groups, links := req.groups()
		resp.Groups = &groups
		resp.FeedsGroups = &links
	}
	if r.Form.Has("feeds") {
		feeds, links := req.feeds()
		resp.Feeds = &feeds
		resp.FeedsGroups = &links
	}
	if r.Form.Has("items") {
		items, total := req.items()
		resp.Items = &items
		resp.TotalItems = &total
	}
	if r.Form.Has("unread_item_ids") {
		ids := req.flagged(storage.FlagRead, false)
		resp.UnreadItemIDs = &ids
	}
	if r.Form.Has("saved_item_ids") {
		ids := req.flagged(storage.FlagSaved, true)
		resp.SavedItemIDs = &ids
	}
	if r.Form.Has("favicons") {
		resp.Favicons = &[]favicon{}
	}
	if r.Form.Has("links") {
		resp.Links = &[]struct{}{}
	}

	refreshed := req.lastRefreshed()
	resp.LastRefreshedOnTime = &refreshed
	writeJSON(w, resp)
}

func (h *Handler) authorized(key string) bool {
	if h.apiKey == "" || key == "" {
		return false
	}
	got := strings.ToLower(strings.TrimSpace(key))
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.apiKey)) == 1
}

// request memoizes store reads shared between facets of one call.
type request struct {
	h    *Handler
	form map[string][]string

	allFeeds []storage.Feed
	feedsErr error
	loaded   bool
}

func (q *request) get(key string) string {
	if v := q.form[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (q *request) num(key string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(q.get(key)), 10, 64)
	return n
}

func (q *request) storeFeeds() ([]storage.Feed, error) {
	if !q.loaded {
		q.allFeeds, q.feedsErr = q.h.store.GetFeeds()
		q.loaded = true
	}
	return q.allFeeds, q.feedsErr
}

func (q *request) lastRefreshed() int64 {
	all, err := q.storeFeeds()
	if err != nil {
		slog.Error("fever: last refreshed", "err", err)
		return 0
	}
	var latest int64
	for _, f := range all {
		if f.LastFetched != nil && f.LastFetched.Unix() > latest {
			latest = f.LastFetched.Unix()
		}
	}
	return latest
}

func (q *request) feedsGroups() []feedsGroup {
	links := []feedsGroup{}
	all, err := q.storeFeeds()
	if err != nil {
		slog.Error("fever: feeds_groups", "err", err)
		return links
	}
	byCategory := make(map[int64][]string)
	var order []int64
	for _, f := range all {
		if _, ok := byCategory[f.CategoryID]; !ok {
			order = append(order, f.CategoryID)
		}
		byCategory[f.CategoryID] = append(byCategory[f.CategoryID], strconv.FormatInt(f.ID, 10))
	}
	for _, id := range order {
		links = append(links, feedsGroup{GroupID: id, FeedIDs: strings.Join(byCategory[id], ",")})
	}
	return links
}

func (q *request) groups() ([]group, []feedsGroup) {
	groups := []group{}
	cats, err := q.h.store.GetCategories()
	if err != nil {
		slog.Error("fever: groups", "err", err)
	}
	for _, c := range cats {
		groups = append(groups, group{ID: c.ID, Title: c.Name})
	}
	return groups, q.feedsGroups()
}

func (q *request) feeds() ([]feed, []feedsGroup) {
	out := []feed{}
	all, err := q.storeFeeds()
	if err != nil {
		slog.Error("fever: feeds", "err", err)
	}
	for _, f := range all {
		fd := feed{
			ID:      f.ID,
			Title:   f.Title,
			URL:     f.URL,
			SiteURL: f.SiteURL,
		}
		if f.LastFetched != nil {
			fd.LastUpdatedOnTime = f.LastFetched.Unix()
		}
		out = append(out, fd)
	}
	return out, q.feedsGroups()
}

func (q *request) items() ([]item, int) {
	out := []item{}
	filter := storage.ArticleFilter{Limit: PageSize}
	if raw := q.get("with_ids"); raw != "" {
		filter.IDs = parseIDs(raw, PageSize)
		if len(filter.IDs) == 0 {
			return out, q.total()
		}
	} else {
		filter.SinceID = q.num("since_id")
		filter.MaxID = q.num("max_id")
	}

	articles, err := q.h.store.GetArticles(filter)
	if err != nil {
		slog.Error("fever: items", "err", err)
		return out, q.total()
	}
	for _, a := range articles {
		html := a.Content
		if html == "" {
			html = a.Summary
		}
		out = append(out, item{
			ID:            a.ID,
			FeedID:        a.FeedID,
			Title:         a.Title,
			Author:        a.Author,
			HTML:          html,
			URL:           a.URL,
			IsSaved:       boolInt(a.Saved),
			IsRead:        boolInt(a.Read),
			CreatedOnTime: a.PublishedAt.Unix(),
		})
	}
	return out, q.total()
}

func (q *request) total() int {
	n, err := q.h.store.CountArticles()
	if err != nil {
		slog.Error("fever: total_items", "err", err)
		return 0
	}
	return n
}

func (q *request) flagged(flag storage.Flag, value bool) string {
	ids, err := q.h.store.GetArticleIDsWithFlag(flag, value)
	if err != nil {
		slog.Error("fever: item ids", "flag", flag, "err", err)
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// mark applies a mark=item|feed|group request and attaches the id list the
// client needs to reconcile.
func (q *request) mark(resp *response) {
	id := q.num("id")
	as := q.get("as")

	switch q.get("mark") {
	case "item":
		var (
			flag  storage.Flag
			value bool
		)
		switch as {
		case "read":
			flag, value = storage.FlagRead, true
		case "unread":
			flag, value = storage.FlagRead, false
		case "saved":
			flag, value = storage.FlagSaved, true
		case "unsaved":
			flag, value = storage.FlagSaved, false
		default:
			return
		}
		if err := q.h.store.SetArticleFlag(id, flag, value); err != nil && !errors.Is(err, storage.ErrNotFound) {
			slog.Error("fever: mark item", "id", id, "as", as, "err", err)
		}
		if flag == storage.FlagSaved {
			ids := q.flagged(storage.FlagSaved, true)
			resp.SavedItemIDs = &ids
			return
		}

	case "feed", "group":
		if as != "read" {
			return
		}
		before := time.Now()
		if b := q.num("before"); b > 0 {
			before = time.Unix(b, 0)
		}
		var err error
		if q.get("mark") == "feed" {
			_, err = q.h.store.MarkFeedRead(id, before)
		} else {
			_, err = q.h.store.MarkCategoryRead(id, before)
		}
		if err != nil {
			slog.Error("fever: mark read", "mark", q.get("mark"), "id", id, "err", err)
		}

	default:
		return
	}

	ids := q.flagged(storage.FlagRead, false)
	resp.UnreadItemIDs = &ids
}

func parseIDs(raw string, limit int) []int64 {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}
	return ids
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("fever: encode response", "err", err)
	}
}
