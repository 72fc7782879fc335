package feeds

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/matthewjhunter/gazette/internal/storage"
)

// DefaultCategory receives feeds that are not inside an OPML folder.
const DefaultCategory = "Uncategorized"

// OPML structures for parsing
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Body    OPMLBody `xml:"body"`
}

type OPMLBody struct {
	Outlines []OPMLOutline `xml:"outline"`
}

type OPMLOutline struct {
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	Type     string        `xml:"type,attr"`
	XMLURL   string        `xml:"xmlUrl,attr"`
	HTMLURL  string        `xml:"htmlUrl,attr"`
	Outlines []OPMLOutline `xml:"outline"`
}

// ImportResult counts what an OPML import did.
type ImportResult struct {
	Added    int
	Existing int
	Failed   int
}

// ImportOPML subscribes every feed in the OPML file at opmlPath. Top-level
// folders become categories; nested folders collapse into their top-level
// ancestor. Feeds already present are left where they are.
func ImportOPML(store storage.Store, opmlPath string) (*ImportResult, error) {
	data, err := os.ReadFile(opmlPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read OPML file: %w", err)
	}

	var opml OPML
	if err := xml.Unmarshal(data, &opml); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}

	res := &ImportResult{}
	categories := make(map[string]int64)

	categoryID := func(name string) (int64, error) {
		if id, ok := categories[name]; ok {
			return id, nil
		}
		id, err := store.GetOrCreateCategory(name)
		if err != nil {
			return 0, err
		}
		categories[name] = id
		return id, nil
	}

	var processOutlines func(outlines []OPMLOutline, category string)
	processOutlines = func(outlines []OPMLOutline, category string) {
		for _, outline := range outlines {
			if outline.XMLURL != "" {
				title := outline.Title
				if title == "" {
					title = outline.Text
				}
				if title == "" {
					title = outline.XMLURL
				}

				name := category
				if name == "" {
					name = DefaultCategory
				}
				catID, err := categoryID(name)
				if err != nil {
					slog.Warn("failed to create category", "category", name, "err", err)
					res.Failed++
					continue
				}
				_, created, err := store.GetOrCreateFeed(catID, strings.TrimSpace(outline.XMLURL), title)
				switch {
				case err != nil:
					slog.Warn("failed to add feed", "url", outline.XMLURL, "err", err)
					res.Failed++
				case created:
					res.Added++
				default:
					res.Existing++
				}
			}

			// Folders
			if len(outline.Outlines) > 0 {
				folder := category
				if folder == "" {
					folder = outlineName(outline)
				}
				processOutlines(outline.Outlines, folder)
			}
		}
	}

	processOutlines(opml.Body.Outlines, "")
	return res, nil
}

func outlineName(o OPMLOutline) string {
	if name := strings.TrimSpace(o.Title); name != "" {
		return name
	}
	return strings.TrimSpace(o.Text)
}
