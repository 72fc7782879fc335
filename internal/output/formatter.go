package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/matthewjhunter/gazette"
	"github.com/matthewjhunter/gazette/internal/crawl"
	"github.com/matthewjhunter/gazette/internal/feeds"
)

type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatHuman Format = "human"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatText, FormatHuman:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want json, text or human)", s)
}

type Formatter struct {
	format Format
	out    io.Writer
	err    io.Writer
}

// NewFormatter creates a new output formatter
func NewFormatter(format Format) *Formatter {
	return &Formatter{
		format: format,
		out:    os.Stdout,
		err:    os.Stderr,
	}
}

// NewFormatterWithWriters creates a formatter with custom output writers for testability
func NewFormatterWithWriters(format Format, out, errW io.Writer) *Formatter {
	return &Formatter{
		format: format,
		out:    out,
		err:    errW,
	}
}

// OutputCycleResult outputs the result of a crawl cycle in the configured format
func (f *Formatter) OutputCycleResult(result *crawl.CycleResult) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(result)
	case FormatText:
		fmt.Fprintf(f.out, "feeds=%d\n", result.FeedsTotal)
		fmt.Fprintf(f.out, "downloaded=%d\n", result.FeedsDownloaded)
		fmt.Fprintf(f.out, "not_modified=%d\n", result.FeedsNotModified)
		fmt.Fprintf(f.out, "errored=%d\n", result.FeedsErrored)
		fmt.Fprintf(f.out, "new_articles=%d\n", result.NewArticles)
		fmt.Fprintf(f.out, "items_skipped=%d\n", result.ItemsSkipped)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Crawled %d feeds in %s\n", result.FeedsTotal, result.Duration().Round(time.Millisecond))
		fmt.Fprintf(f.out, "  %d downloaded, %d not modified, %d errored\n",
			result.FeedsDownloaded, result.FeedsNotModified, result.FeedsErrored)
		fmt.Fprintf(f.out, "Stored %d new articles\n", result.NewArticles)
		if result.ItemsSkipped > 0 {
			fmt.Fprintf(f.out, "Skipped %d unidentifiable items\n", result.ItemsSkipped)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(f.out, "  ✗ %s\n", truncate(e, 200))
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputFeeds outputs the subscribed feeds
func (f *Formatter) OutputFeeds(rows []gazette.Feed) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(rows)
	case FormatText:
		for _, r := range rows {
			fmt.Fprintf(f.out, "id=%d\tcategory=%s\ttitle=%s\turl=%s\tlast_fetched=%s\n",
				r.ID, r.Category, r.Title, r.URL, formatTime(r.LastFetched))
		}
		return nil
	case FormatHuman:
		if len(rows) == 0 {
			fmt.Fprintln(f.out, "No feeds")
			return nil
		}
		fmt.Fprintf(f.out, "Feeds (%d):\n\n", len(rows))
		for _, r := range rows {
			fmt.Fprintf(f.out, "[%d] %s (%s)\n", r.ID, r.Title, r.Category)
			fmt.Fprintf(f.out, "    %s\n", r.URL)
			if r.LastFetched != nil {
				fmt.Fprintf(f.out, "    Last fetched: %s\n", r.LastFetched.Format("2006-01-02 15:04"))
			}
			if r.LastError != nil {
				fmt.Fprintf(f.out, "    ⚠️  %s\n", truncate(*r.LastError, 200))
			}
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputCategories outputs the category list
func (f *Formatter) OutputCategories(categories []gazette.Category) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(categories)
	case FormatText:
		for _, c := range categories {
			fmt.Fprintf(f.out, "id=%d\tname=%s\n", c.ID, c.Name)
		}
		return nil
	case FormatHuman:
		if len(categories) == 0 {
			fmt.Fprintln(f.out, "No categories")
			return nil
		}
		for _, c := range categories {
			fmt.Fprintf(f.out, "[%d] %s\n", c.ID, c.Name)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputImportResult outputs OPML import counts
func (f *Formatter) OutputImportResult(result *feeds.ImportResult) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(map[string]int{
			"added":    result.Added,
			"existing": result.Existing,
			"failed":   result.Failed,
		})
	case FormatText:
		fmt.Fprintf(f.out, "added=%d\texisting=%d\tfailed=%d\n", result.Added, result.Existing, result.Failed)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Added %d feeds from OPML\n", result.Added)
		if result.Existing > 0 {
			fmt.Fprintf(f.out, "%d already subscribed\n", result.Existing)
		}
		if result.Failed > 0 {
			fmt.Fprintf(f.out, "%d failed (see log)\n", result.Failed)
		}
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// OutputCreated reports a newly created row
func (f *Formatter) OutputCreated(kind string, id int64, name string) error {
	switch f.format {
	case FormatJSON:
		return json.NewEncoder(f.out).Encode(map[string]any{"kind": kind, "id": id, "name": name})
	case FormatText:
		fmt.Fprintf(f.out, "%s_id=%d\n", kind, id)
		return nil
	case FormatHuman:
		fmt.Fprintf(f.out, "Added %s %q (id %d)\n", kind, name, id)
		return nil
	}
	return fmt.Errorf("unknown format: %s", f.format)
}

// Warning outputs a warning message to stderr
func (f *Formatter) Warning(format string, args ...interface{}) {
	fmt.Fprintf(f.err, "Warning: "+format+"\n", args...)
}

// formatTime formats a time pointer for output
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// truncate truncates a string to maxLen characters
func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
