// Package hotlink keeps an in-memory map from remote media URLs referenced by
// stored articles to their resolved locations. The map is rebuilt from
// scratch on a timer and published with a single atomic swap, so readers see
// either the old generation or the new one, never a mix.
package hotlink

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Entry is the resolution of one source URL.
type Entry struct {
	Source      string `json:"source"`
	Target      string `json:"target,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Available   bool   `json:"available"`
	Err         string `json:"error,omitempty"`
}

// Generation is an immutable snapshot produced by one rebuild.
type Generation struct {
	ID      uuid.UUID
	BuiltAt time.Time
	entries map[string]Entry
}

func newGeneration(entries map[string]Entry) *Generation {
	return &Generation{ID: uuid.New(), BuiltAt: time.Now(), entries: entries}
}

// Lookup returns the entry for src.
func (g *Generation) Lookup(src string) (Entry, bool) {
	if g == nil {
		return Entry{}, false
	}
	e, ok := g.entries[src]
	return e, ok
}

// Len is the number of entries, available or not.
func (g *Generation) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Available counts entries that resolved.
func (g *Generation) Available() int {
	if g == nil {
		return 0
	}
	n := 0
	for _, e := range g.entries {
		if e.Available {
			n++
		}
	}
	return n
}

// Cache publishes the current generation.
type Cache struct {
	current atomic.Pointer[Generation]
}

// Current returns the live generation, or nil before the first build.
func (c *Cache) Current() *Generation {
	return c.current.Load()
}

// Lookup is Current().Lookup(src).
func (c *Cache) Lookup(src string) (Entry, bool) {
	return c.Current().Lookup(src)
}

func (c *Cache) swap(g *Generation) *Generation {
	return c.current.Swap(g)
}
