package gazette

import (
	"time"

	"github.com/matthewjhunter/gazette/internal/crawl"
	"github.com/matthewjhunter/gazette/internal/feeds"
	"github.com/matthewjhunter/gazette/internal/hotlink"
)

// Category groups feeds. Fever clients call these groups.
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Feed represents an RSS/Atom/JSON feed subscription.
type Feed struct {
	ID          int64      `json:"id"`
	CategoryID  int64      `json:"category_id"`
	Category    string     `json:"category"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	SiteURL     string     `json:"site_url,omitempty"`
	LastFetched *time.Time `json:"last_fetched,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CrawlStatus is what operators see about the crawl loop.
type CrawlStatus struct {
	Running    bool         `json:"running"`
	Interval   string       `json:"interval"`
	LastResult *CycleResult `json:"last_result"`
}

// CacheStatus describes the live hotlink generation.
type CacheStatus struct {
	Generation string     `json:"generation,omitempty"`
	BuiltAt    *time.Time `json:"built_at,omitempty"`
	Entries    int        `json:"entries"`
	Available  int        `json:"available"`
}

type (
	CycleResult  = crawl.CycleResult
	FeedOutcome  = crawl.FeedOutcome
	ImportResult = feeds.ImportResult
	HotlinkEntry = hotlink.Entry
)
