package sitemap

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
)

// Filter selects the entries of interest from a flattened sitemap.
type Filter struct {
	// ContentPath is the path segment article URLs must contain.
	ContentPath string
	// OfficeIDs restricts matches to the path element following ContentPath.
	// Empty means any office.
	OfficeIDs []string
	Range     article.DateRange
}

// Apply returns the locations of entries that pass the filter, deduplicated
// and in input order. Entries without lastmod are kept.
func (f Filter) Apply(entries []article.SitemapEntry) []string {
	selected := f.Select(entries)
	out := make([]string, len(selected))
	for i, e := range selected {
		out[i] = e.Loc
	}
	return out
}

// Select is Apply keeping each entry's lastmod.
func (f Filter) Select(entries []article.SitemapEntry) []article.SitemapEntry {
	offices := make(map[string]struct{}, len(f.OfficeIDs))
	for _, id := range f.OfficeIDs {
		offices[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(entries))
	out := make([]article.SitemapEntry, 0, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Loc]; dup {
			continue
		}
		if !f.matchesPath(e.Loc, offices) {
			continue
		}
		if e.LastMod != nil && !f.Range.Contains(*e.LastMod) {
			continue
		}
		seen[e.Loc] = struct{}{}
		out = append(out, e)
	}
	return out
}

func (f Filter) matchesPath(loc string, offices map[string]struct{}) bool {
	path := loc
	if u, err := url.Parse(loc); err == nil {
		path = u.Path
	}
	if f.ContentPath == "" {
		return len(offices) == 0
	}
	idx := strings.Index(path, f.ContentPath)
	if idx < 0 {
		return false
	}
	if len(offices) == 0 {
		return true
	}
	rest := strings.TrimPrefix(path[idx+len(f.ContentPath):], "/")
	office, _, _ := strings.Cut(rest, "/")
	_, ok := offices[office]
	return ok
}
