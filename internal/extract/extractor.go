// Package extract turns press release HTML into article records using
// ordered, data-driven selector chains.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // press releases carry local times without offsets

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/hash/sha256"
)

// UntitledFallback is the title used when no title source exists.
const UntitledFallback = "Untitled"

// Field names reported in Extraction.Defaulted.
const (
	FieldTitle       = "title"
	FieldPublishedAt = "published_at"
	FieldBody        = "body_text"
)

// Clock supplies the last-resort publication time.
type Clock interface {
	Now() time.Time
}

// Extraction is an extracted article plus the fields that fell through to
// their final default.
type Extraction struct {
	Article   article.Article
	Defaulted []string
}

// Extractor builds articles from HTML.
type Extractor struct {
	rules  Rules
	clock  Clock
	hasher *sha256.Hasher
	tz     *time.Location
}

// New creates an Extractor with the given rules.
func New(rules Rules, clock Clock) *Extractor {
	tz, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		tz = time.UTC
	}
	return &Extractor{rules: rules, clock: clock, hasher: sha256.New(), tz: tz}
}

// Extract parses html fetched from sourceURL. Every field has a final default,
// so only an unreadable document is an error.
func (e *Extractor) Extract(html []byte, sourceURL string) (Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Extraction{}, fmt.Errorf("parse html %s: %w", sourceURL, err)
	}

	var ex Extraction
	a := article.Article{SourceURL: sourceURL}

	a.Title = first(doc, e.rules.Title)
	if a.Title == "" {
		a.Title = UntitledFallback
		ex.Defaulted = append(ex.Defaulted, FieldTitle)
	}

	a.Summary = first(doc, e.rules.Summary)

	published, ok := e.publishedAt(doc)
	if !ok {
		published = e.clock.Now().UTC()
		ex.Defaulted = append(ex.Defaulted, FieldPublishedAt)
	}
	a.PublishedAt = published

	a.SourceAgency = first(doc, e.rules.Agency)

	a.BodyText = first(doc, e.rules.Body)
	if a.BodyText == "" {
		ex.Defaulted = append(ex.Defaulted, FieldBody)
	}

	a.LocationText = cleanLocation(first(doc, e.rules.Location))
	if a.LocationText == "" {
		a.LocationText = ScanLocation(a.BodyText)
	}

	a.ID = e.hasher.ID(sourceURL, a.PublishedAt.Format(time.RFC3339))
	ex.Article = a
	return ex, nil
}

// publishedAt walks the chain, skipping candidates that do not parse.
func (e *Extractor) publishedAt(doc *goquery.Document) (time.Time, bool) {
	for _, fn := range e.rules.PublishedAt {
		if t, ok := parseDate(fn(doc), e.tz); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02.01.2006 – 15:04",
	"02.01.2006 - 15:04",
	"02.01.2006, 15:04",
	"02.01.2006 15:04",
	"02.01.2006",
}

func parseDate(raw string, tz *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, tz); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var (
	locationLine = regexp.MustCompile(`(?im)^[ \t]*(?:tat)?ort\b[ \t]*:?[ \t]*(.+)$`)
	trailingDash = regexp.MustCompile(`\s+[-–—]+(?:\s|$)`)
)

// ScanLocation finds the first line of body starting with "Ort" or "Tatort".
func ScanLocation(body string) string {
	m := locationLine.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return cleanLocation(m[1])
}

// cleanLocation cuts boilerplate that follows a dash.
func cleanLocation(s string) string {
	if loc := trailingDash.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.Trim(normalizeSpace(s), " ,;:.-–—")
}
