package feeds

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/matthewjhunter/gazette/internal/storage"
)

// Deduplicator persists candidates that are new for a feed. Lookup and insert
// for one feed never interleave with another Store call for the same feed.
type Deduplicator struct {
	store storage.Store

	mu    sync.Mutex
	locks map[int64]*feedLock
}

type feedLock struct {
	sync.Mutex
	refs int
}

func NewDeduplicator(store storage.Store) *Deduplicator {
	return &Deduplicator{store: store, locks: make(map[int64]*feedLock)}
}

func (d *Deduplicator) lock(feedID int64) func() {
	d.mu.Lock()
	l, ok := d.locks[feedID]
	if !ok {
		l = &feedLock{}
		d.locks[feedID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, feedID)
		}
		d.mu.Unlock()
	}
}

// Store consumes seq and inserts every candidate whose identity is not yet
// stored for feedID. Repeats inside seq keep their first occurrence. It
// returns the articles actually inserted, with ids assigned.
func (d *Deduplicator) Store(ctx context.Context, feedID int64, seq iter.Seq[Candidate]) ([]storage.Article, error) {
	var batch []storage.Article
	seen := make(map[string]bool)
	for c := range seq {
		if seen[c.Identity] {
			continue
		}
		seen[c.Identity] = true
		batch = append(batch, storage.Article{
			FeedID:      feedID,
			GUID:        c.Identity,
			Title:       c.Title,
			URL:         c.URL,
			Author:      c.Author,
			Content:     c.Content,
			Summary:     c.Summary,
			PublishedAt: c.PublishedAt,
		})
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := d.lock(feedID)
	defer unlock()

	ids := make([]string, len(batch))
	for i := range batch {
		ids[i] = batch[i].GUID
	}
	existing, err := d.store.GetArticlesByIdentity(feedID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing articles: %w", err)
	}

	fresh := batch[:0]
	for _, a := range batch {
		if !existing[a.GUID] {
			fresh = append(fresh, a)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if _, err := d.store.InsertArticles(feedID, fresh); err != nil {
		return nil, fmt.Errorf("failed to insert articles: %w", err)
	}

	// A concurrent writer outside this process can still win a row; those
	// come back without an id.
	inserted := fresh[:0]
	for _, a := range fresh {
		if a.ID != 0 {
			inserted = append(inserted, a)
		}
	}
	return inserted, nil
}
