package feeds

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

// ParseError reports a document that yielded nothing usable.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse feed: %s: %v", e.Reason, e.Err)
	}
	return "parse feed: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Candidate is one normalized feed entry that has not been stored yet.
type Candidate struct {
	Identity    string
	Title       string
	URL         string
	Author      string
	Content     string
	Summary     string
	PublishedAt time.Time
}

// Parser turns raw RSS, Atom or JSON Feed bytes into candidates. It is safe
// for concurrent use.
type Parser struct {
	policy *bluemonday.Policy
}

func NewParser() *Parser {
	return &Parser{policy: bluemonday.UGCPolicy()}
}

// Document is a parsed feed whose items are normalized lazily.
type Document struct {
	Title   string
	SiteURL string

	items     []*gofeed.Item
	fetchedAt time.Time
	policy    *bluemonday.Policy

	used      atomic.Bool
	seen      int
	recovered int
	skipped   int
}

// Parse decodes body. The format is detected from the content.
func (p *Parser) Parse(body []byte, fetchedAt time.Time) (*Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ParseError{Reason: "empty document"}
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Reason: "unrecognized feed format", Err: err}
	}
	return &Document{
		Title:     strings.TrimSpace(feed.Title),
		SiteURL:   strings.TrimSpace(feed.Link),
		items:     feed.Items,
		fetchedAt: fetchedAt,
		policy:    p.policy,
	}, nil
}

// Len is the number of raw entries in the document.
func (d *Document) Len() int { return len(d.items) }

// Items yields one Candidate per recoverable entry. The sequence can be
// consumed once; later calls yield nothing.
func (d *Document) Items() iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		if !d.used.CompareAndSwap(false, true) {
			return
		}
		for i, item := range d.items {
			d.seen++
			c, ok := d.normalize(item)
			if !ok {
				d.skipped++
				slog.Warn("skipping feed item without guid, link or title", "index", i)
				continue
			}
			d.recovered++
			if !yield(c) {
				return
			}
		}
	}
}

// Skipped is the number of entries dropped so far.
func (d *Document) Skipped() int { return d.skipped }

// Err reports a *ParseError once the sequence has been consumed if the
// document had entries but none of them could be recovered.
func (d *Document) Err() error {
	if d.seen > 0 && d.recovered == 0 {
		return &ParseError{Reason: fmt.Sprintf("none of %d items recoverable", d.seen)}
	}
	return nil
}

func (d *Document) normalize(item *gofeed.Item) (Candidate, bool) {
	if item == nil {
		return Candidate{}, false
	}
	link := strings.TrimSpace(item.Link)
	if link == "" && len(item.Links) > 0 {
		link = strings.TrimSpace(item.Links[0])
	}
	title := strings.TrimSpace(item.Title)
	guid := strings.TrimSpace(item.GUID)
	if guid == "" && link == "" && title == "" {
		return Candidate{}, false
	}

	c := Candidate{
		Identity: Identity(guid, link, title),
		Title:    title,
		URL:      link,
		Summary:  d.policy.Sanitize(item.Description),
	}
	if item.Content != "" {
		c.Content = d.policy.Sanitize(item.Content)
	} else {
		c.Content = c.Summary
	}
	if item.Author != nil {
		c.Author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		c.Author = item.Authors[0].Name
	}

	switch {
	case item.PublishedParsed != nil:
		c.PublishedAt = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		c.PublishedAt = *item.UpdatedParsed
	default:
		c.PublishedAt = d.fetchedAt
	}
	return c, true
}

// Identity derives the stable per-feed key for an entry: the source GUID when
// present, otherwise a hash of the normalized link and title.
func Identity(guid, link, title string) string {
	if g := strings.TrimSpace(guid); g != "" {
		return g
	}
	sum := sha256.Sum256([]byte(NormalizeLink(link) + "\n" + NormalizeTitle(title)))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NormalizeLink lower-cases scheme and host, drops the fragment and any
// trailing slash on the path. Unparseable input is only trimmed.
func NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = strings.TrimSuffix(u.RawPath, "/")
	return u.String()
}

// NormalizeTitle collapses runs of whitespace and lower-cases.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}
