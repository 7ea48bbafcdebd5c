package sitemap

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
)

// ErrParse marks a sitemap node that is neither a urlset nor a sitemap index.
var ErrParse = errors.New("sitemap parse error")

const maxDecompressedSize = 64 << 20

// document captures both sitemap shapes; XMLName tells them apart.
type document struct {
	XMLName  xml.Name
	URLs     []xmlURL     `xml:"url"`
	Sitemaps []xmlSitemap `xml:"sitemap"`
}

type xmlURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type xmlSitemap struct {
	Loc string `xml:"loc"`
}

// node is one parsed sitemap file.
type node struct {
	children []string
	entries  []article.SitemapEntry
}

func parse(body []byte) (node, error) {
	body, err := maybeGunzip(body)
	if err != nil {
		return node{}, err
	}

	var doc document
	if err := xml.Unmarshal(body, &doc); err != nil {
		return node{}, fmt.Errorf("%w: %w", ErrParse, err)
	}

	switch doc.XMLName.Local {
	case "sitemapindex":
		children := make([]string, 0, len(doc.Sitemaps))
		for _, s := range doc.Sitemaps {
			if loc := strings.TrimSpace(s.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return node{children: children}, nil
	case "urlset":
		entries := make([]article.SitemapEntry, 0, len(doc.URLs))
		for _, u := range doc.URLs {
			loc := strings.TrimSpace(u.Loc)
			if loc == "" {
				continue
			}
			entry := article.SitemapEntry{Loc: loc}
			if t, ok := parseLastMod(u.LastMod); ok {
				entry.LastMod = &t
			}
			entries = append(entries, entry)
		}
		return node{entries: entries}, nil
	default:
		return node{}, fmt.Errorf("%w: unexpected root element %q", ErrParse, doc.XMLName.Local)
	}
}

func maybeGunzip(body []byte) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %w", ErrParse, err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(io.LimitReader(zr, maxDecompressedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %w", ErrParse, err)
	}
	return out, nil
}

// parseLastMod accepts RFC 3339 timestamps and bare dates. Unparseable values
// are treated as absent.
func parseLastMod(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(article.DateLayout, trimmed); err == nil {
		return t, true
	}
	return time.Time{}, false
}
