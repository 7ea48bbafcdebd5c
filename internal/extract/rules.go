package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FieldFunc returns a candidate value for one field, or "" when it has none.
type FieldFunc func(doc *goquery.Document) string

// Rules holds the ordered candidate chain for every field. The first
// non-empty candidate wins.
type Rules struct {
	Title       []FieldFunc
	Summary     []FieldFunc
	PublishedAt []FieldFunc
	Agency      []FieldFunc
	Body        []FieldFunc
	Location    []FieldFunc
}

// DefaultRules matches the press portal article layout plus generic
// OpenGraph and schema.org markup.
func DefaultRules() Rules {
	return Rules{
		Title: []FieldFunc{
			MetaProperty("og:title"),
			FirstText("h1"),
		},
		Summary: []FieldFunc{
			MetaName("description"),
			MetaProperty("og:description"),
		},
		PublishedAt: []FieldFunc{
			MetaProperty("article:published_time"),
			MetaName("date"),
			Attr("time[datetime]", "datetime"),
		},
		Agency: []FieldFunc{
			MetaProperty("article:author"),
			FirstText(".news-office", ".newsroom-name", ".story-office", "[itemprop=author] [itemprop=name]"),
		},
		Body: []FieldFunc{
			BlockText("[itemprop=articleBody]", ".news-text", ".article-text", "article .content", "article", "main"),
		},
		Location: []FieldFunc{
			FirstText("[itemprop=contentLocation]", ".news-location", ".location"),
		},
	}
}

// MetaProperty reads <meta property=name content=...>.
func MetaProperty(name string) FieldFunc {
	return Attr(`meta[property="`+name+`"]`, "content")
}

// MetaName reads <meta name=name content=...>.
func MetaName(name string) FieldFunc {
	return Attr(`meta[name="`+name+`"]`, "content")
}

// Attr returns the first non-empty attribute value among elements matching selector.
func Attr(selector, attr string) FieldFunc {
	return func(doc *goquery.Document) string {
		var out string
		doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v, ok := s.Attr(attr); ok {
				out = normalizeSpace(v)
			}
			return out == ""
		})
		return out
	}
}

// FirstText returns the text of the first element with non-empty text,
// trying selectors in order.
func FirstText(selectors ...string) FieldFunc {
	return func(doc *goquery.Document) string {
		for _, sel := range selectors {
			var out string
			doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
				out = normalizeSpace(s.Text())
				return out == ""
			})
			if out != "" {
				return out
			}
		}
		return ""
	}
}

// BlockText returns the line-preserving text of the first non-empty container.
func BlockText(selectors ...string) FieldFunc {
	return func(doc *goquery.Document) string {
		for _, sel := range selectors {
			var out string
			doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
				out = textLines(s)
				return out == ""
			})
			if out != "" {
				return out
			}
		}
		return ""
	}
}

func first(doc *goquery.Document, chain []FieldFunc) string {
	for _, fn := range chain {
		if v := fn(doc); v != "" {
			return v
		}
	}
	return ""
}

var spaceRun = regexp.MustCompile(`[\s\x{00a0}]+`)

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// textLines renders a container as one line per paragraph-level element.
func textLines(s *goquery.Selection) string {
	clone := s.Clone()
	clone.Find("script, style, nav, aside, figure").Remove()
	clone.Find("br").ReplaceWithHtml("\n")

	var lines []string
	blocks := clone.Find("p, li, h2, h3, h4, pre")
	if blocks.Length() > 0 {
		blocks.Each(func(_ int, b *goquery.Selection) {
			for _, l := range strings.Split(b.Text(), "\n") {
				if l = normalizeSpace(l); l != "" {
					lines = append(lines, l)
				}
			}
		})
	} else {
		for _, l := range strings.Split(clone.Text(), "\n") {
			if l = normalizeSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
	}
	return strings.Join(lines, "\n")
}
