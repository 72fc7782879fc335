package hotlink

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Source lists the URLs a rebuild should resolve.
type Source interface {
	URLs(ctx context.Context) ([]string, error)
}

// ContentStore is the slice of the feed store a StoreSource reads.
type ContentStore interface {
	GetRecentArticleContent(limit int) ([]string, error)
}

// StoreSource extracts media URLs from the newest stored articles.
type StoreSource struct {
	store  ContentStore
	window int
}

// NewStoreSource reads at most window articles per rebuild.
func NewStoreSource(store ContentStore, window int) *StoreSource {
	if window <= 0 {
		window = 500
	}
	return &StoreSource{store: store, window: window}
}

const mediaSelector = "img[src], video[src], audio[src], source[src]"

func (s *StoreSource) URLs(ctx context.Context) ([]string, error) {
	bodies, err := s.store.GetRecentArticleContent(s.window)
	if err != nil {
		return nil, fmt.Errorf("failed to load article content: %w", err)
	}

	seen := make(map[string]bool)
	for _, body := range bodies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, u := range ExtractMediaURLs(body) {
			seen[u] = true
		}
	}

	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	slices.Sort(urls)
	return urls, nil
}

// ExtractMediaURLs returns the absolute http(s) src attributes of media
// elements in an HTML fragment, in document order.
func ExtractMediaURLs(html string) []string {
	if !strings.Contains(html, "src") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find(mediaSelector).Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		src = strings.TrimSpace(src)
		u, err := url.Parse(src)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		out = append(out, src)
	})
	return out
}
