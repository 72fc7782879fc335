package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the contract the crawler, the Fever adapter, and the CLI share.
// Deleting a category cascades to its feeds, and deleting a feed cascades to
// its articles.
type Store interface {
	Close() error

	// Categories
	AddCategory(name string) (int64, error)
	GetOrCreateCategory(name string) (int64, error)
	GetCategories() ([]Category, error)
	DeleteCategory(categoryID int64) error

	// Feeds
	AddFeed(categoryID int64, url, title string) (int64, error)
	GetOrCreateFeed(categoryID int64, url, title string) (int64, bool, error)
	GetFeeds() ([]Feed, error)
	GetFeed(feedID int64) (*Feed, error)
	DeleteFeed(feedID int64) error
	UpdateFeedFetchMeta(feedID int64, meta FetchMeta) error

	// Articles
	GetArticlesByIdentity(feedID int64, guids []string) (map[string]bool, error)
	InsertArticles(feedID int64, articles []Article) (int, error)
	SetArticleFlag(articleID int64, flag Flag, value bool) error
	MarkFeedRead(feedID int64, before time.Time) (int64, error)
	MarkCategoryRead(categoryID int64, before time.Time) (int64, error)
	GetArticles(filter ArticleFilter) ([]Article, error)
	CountArticles() (int, error)
	GetArticleIDsWithFlag(flag Flag, value bool) ([]int64, error)
	GetRecentArticleContent(limit int) ([]string, error)

	// Settings
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Setting keys read at startup.
const (
	SettingCrawlInterval = "crawl_interval"
	SettingCacheInterval = "cache_interval"
	SettingFeverAPIKey   = "fever_api_key"
)

type Category struct {
	ID   int64
	Name string
}

type Feed struct {
	ID           int64
	CategoryID   int64
	URL          string
	Title        string
	SiteURL      string
	LastFetched  *time.Time
	LastError    *string
	ETag         string
	LastModified string
	CreatedAt    time.Time
}

type Article struct {
	ID          int64
	FeedID      int64
	GUID        string
	Title       string
	URL         string
	Author      string
	Content     string
	Summary     string
	PublishedAt time.Time
	Read        bool
	Saved       bool
	CreatedAt   time.Time
}

// Validators are the conditional-request tokens from the last successful fetch.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchMeta describes the outcome of one crawl of a feed. A non-empty Error
// records a failure and leaves every other column alone. Otherwise FetchedAt
// becomes the last success time and the error is cleared; nil Validators and
// an empty SiteURL or Title keep the stored values.
type FetchMeta struct {
	FetchedAt  time.Time
	Error      string
	Validators *Validators
	SiteURL    string
	Title      string
}

// Flag names a per-article boolean the sync protocol can change.
type Flag string

const (
	FlagRead  Flag = "read"
	FlagSaved Flag = "saved"
)

func (f Flag) column() (string, error) {
	switch f {
	case FlagRead:
		return "is_read", nil
	case FlagSaved:
		return "is_saved", nil
	}
	return "", errors.New("unknown article flag: " + string(f))
}

// ArticleFilter selects articles newest-first (by id). Zero fields are ignored.
type ArticleFilter struct {
	FeedID  int64
	SinceID int64 // id > SinceID
	MaxID   int64 // id < MaxID
	IDs     []int64
	Limit   int
}
