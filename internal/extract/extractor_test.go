package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blaulicht-crawler/internal/clock/system"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newExtractor() *Extractor {
	return New(DefaultRules(), system.Fixed{At: fixedNow})
}

const fullPage = `<!doctype html>
<html><head>
<meta property="og:title" content="POL-F: 240115 - 0042 Frankfurt - Messerangriff im Bahnhofsviertel">
<meta name="description" content="Am Montagabend wurde ein Mann verletzt.">
<meta property="og:description" content="OG summary">
<meta property="article:published_time" content="2024-01-15T21:30:00+01:00">
<meta property="article:author" content="Polizeipräsidium Frankfurt am Main">
</head><body>
<h1>Other headline</h1>
<div class="news-office">Ignored office</div>
<article>
  <div itemprop="articleBody">
    <p>Frankfurt (ots) - Am Montagabend kam es zu einer Auseinandersetzung.</p>
    <p>Tatort: Frankfurt-Bahnhofsviertel, Kaiserstraße 12 - Zeugen gesucht</p>
    <p>Ein Mann wurde mit einem Messer angegriffen.</p>
  </div>
</article>
</body></html>`

func TestExtractPreferredSources(t *testing.T) {
	t.Parallel()

	ex, err := newExtractor().Extract([]byte(fullPage), "https://portal.example/blaulicht/pm/4970/1")
	require.NoError(t, err)
	a := ex.Article

	assert.Empty(t, ex.Defaulted)
	assert.Equal(t, "POL-F: 240115 - 0042 Frankfurt - Messerangriff im Bahnhofsviertel", a.Title)
	assert.Equal(t, "Am Montagabend wurde ein Mann verletzt.", a.Summary)
	assert.Equal(t, time.Date(2024, 1, 15, 20, 30, 0, 0, time.UTC), a.PublishedAt)
	assert.Equal(t, "Polizeipräsidium Frankfurt am Main", a.SourceAgency)
	assert.Equal(t, "Frankfurt-Bahnhofsviertel, Kaiserstraße 12", a.LocationText)
	assert.Contains(t, a.BodyText, "Ein Mann wurde mit einem Messer angegriffen.")
	assert.Len(t, a.ID, 32)
}

func TestExtractFallbackChain(t *testing.T) {
	t.Parallel()

	page := `<html><head><meta name="date" content="not a date"></head><body>
<h1>  Einbruch   in Kiosk </h1>
<div class="news-office">Polizeidirektion Hannover</div>
<time datetime="2024-03-02">2. März</time>
<div class="article-text">Unbekannte brachen ein.<br>Ort: Hannover-Linden -- weitere Infos folgen</div>
</body></html>`

	ex, err := newExtractor().Extract([]byte(page), "https://portal.example/blaulicht/pm/66841/2")
	require.NoError(t, err)
	a := ex.Article

	assert.Empty(t, ex.Defaulted)
	assert.Equal(t, "Einbruch in Kiosk", a.Title)
	assert.Empty(t, a.Summary)
	assert.Equal(t, "Polizeidirektion Hannover", a.SourceAgency)
	// Bare dates are local midnight.
	assert.Equal(t, time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC), a.PublishedAt)
	assert.Equal(t, "Unbekannte brachen ein.\nOrt: Hannover-Linden -- weitere Infos folgen", a.BodyText)
	assert.Equal(t, "Hannover-Linden", a.LocationText)
}

func TestExtractFinalDefaults(t *testing.T) {
	t.Parallel()

	ex, err := newExtractor().Extract([]byte(`<html><body><div>nothing useful</div></body></html>`), "https://portal.example/x")
	require.NoError(t, err)
	a := ex.Article

	assert.Equal(t, UntitledFallback, a.Title)
	assert.Equal(t, fixedNow, a.PublishedAt)
	assert.Empty(t, a.BodyText)
	assert.ElementsMatch(t, []string{FieldTitle, FieldPublishedAt, FieldBody}, ex.Defaulted)
}

func TestExtractIDIsStable(t *testing.T) {
	t.Parallel()

	e := newExtractor()
	a, err := e.Extract([]byte(fullPage), "https://portal.example/a")
	require.NoError(t, err)
	b, err := e.Extract([]byte(fullPage), "https://portal.example/a")
	require.NoError(t, err)
	c, err := e.Extract([]byte(fullPage), "https://portal.example/b")
	require.NoError(t, err)

	assert.Equal(t, a.Article.ID, b.Article.ID)
	assert.NotEqual(t, a.Article.ID, c.Article.ID)
}

func TestScanLocation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want string
	}{
		{"ort with colon", "Einleitung\nOrt: Köln, Neumarkt\nText", "Köln, Neumarkt"},
		{"tatort case insensitive", "TATORT: Essen – Innenstadt", "Essen"},
		{"no colon", "Tatort Bochum-Wattenscheid", "Bochum-Wattenscheid"},
		{"ortsteil is not a label", "Ortsteil Mitte war betroffen", ""},
		{"indented", "   ort:  Mainz  ", "Mainz"},
		{"absent", "Keine Angaben", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ScanLocation(tc.body))
		})
	}
}

func TestCustomRulesAreDataDriven(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()
	rules.Title = append([]FieldFunc{FirstText(".headline")}, rules.Title...)
	e := New(rules, system.Fixed{At: fixedNow})

	ex, err := e.Extract([]byte(`<html><body><div class="headline">Custom</div><h1>H1</h1></body></html>`), "https://x")
	require.NoError(t, err)
	assert.Equal(t, "Custom", ex.Article.Title)
}
