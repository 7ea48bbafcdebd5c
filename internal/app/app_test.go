package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/app"
	"github.com/JakeFAU/blaulicht-crawler/internal/archive"
	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/chunk"
	"github.com/JakeFAU/blaulicht-crawler/internal/config"
	"github.com/JakeFAU/blaulicht-crawler/internal/progress/sinks"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage/local"
	memstore "github.com/JakeFAU/blaulicht-crawler/internal/storage/memory"
)

// MockPublisher mocks the app.Publisher interface.
type MockPublisher struct {
	mock.Mock
}

// Publish satisfies the app.Publisher interface for the mock.
func (m *MockPublisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	args := m.Called(ctx, event, payload)
	return args.String(0), args.Error(1)
}

const articleHTML = `<html><head>
<meta property="og:title" content="%s">
<meta property="article:published_time" content="%sT09:30:00+01:00">
</head><body><article>
<div itemprop="articleBody"><p>%s</p></div>
</article></body></html>`

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nDisallow: /intern/\nSitemap: %s/sitemap.xml\n", base)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/blaulicht/pm/110972/1</loc><lastmod>2024-01-20</lastmod></url>
  <url><loc>%[1]s/blaulicht/pm/110972/2</loc><lastmod>2024-02-05</lastmod></url>
  <url><loc>%[1]s/blaulicht/pm/110972/3</loc><lastmod>2023-11-05</lastmod></url>
  <url><loc>%[1]s/presse/other</loc><lastmod>2024-01-21</lastmod></url>
</urlset>`, base)
	})
	mux.HandleFunc("/blaulicht/pm/110972/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, articleHTML, "POL-F: Messerangriff", "2024-01-20", "Ein Mann wurde mit einem Messer angegriffen.")
	})
	mux.HandleFunc("/blaulicht/pm/110972/2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, articleHTML, "POL-F: Einbruch", "2024-02-05", "Einbrecher stahlen Schmuck.")
	})
	srv := httptest.NewServer(mux)
	base = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetch.RequestsPerSecond = 0
	cfg.Fetch.Timeout = 5 * time.Second
	cfg.Fetch.MaxRetries = 0
	cfg.Regions = map[string]config.RegionConfig{
		"hessen": {Name: "Hessen", BaseURL: baseURL, OfficeIDs: []string{"110972"}},
	}
	return cfg
}

func TestAppRunEndToEnd(t *testing.T) {
	t.Parallel()

	srv := newOrigin(t)
	cfg := testConfig(t, srv.URL)
	blobs := memstore.NewBlobStore()
	pub := &MockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return("msg-1", nil)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, zap.NewNop(),
		app.WithBlobStore(blobs),
		app.WithPublisher(pub),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	region, err := cfg.Region("hessen")
	require.NoError(t, err)
	report, err := a.Runner.Run(ctx, chunk.Request{
		RunID:   "0190c3c4-0000-7000-8000-000000000001",
		Regions: []article.Region{region},
		Start:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	require.Len(t, report.Regions, 1)
	rr := report.Regions[0]
	assert.Empty(t, rr.Error)
	require.Len(t, rr.Chunks, 2)
	assert.Equal(t, article.StageCounts{Attempted: 2, Succeeded: 2}, report.Stages[article.StageFetch])

	jan, err := a.Archive.ReadRecords(ctx, "hessen/2024/01.json")
	require.NoError(t, err)
	require.Len(t, jan, 1)
	assert.Equal(t, "POL-F: Messerangriff", jan[0].Title)
	require.NotNil(t, jan[0].Classification)
	assert.True(t, jan[0].Classification.Has(article.CategoryKnife))

	feb, err := a.Archive.ReadRecords(ctx, "hessen/2024/02.json")
	require.NoError(t, err)
	require.Len(t, feb, 1)

	pub.AssertCalled(t, "Publish", mock.Anything, archive.PartitionUpdatedEvent, mock.Anything)
	pub.AssertCalled(t, "Publish", mock.Anything, sinks.RunFinishedEvent, mock.Anything)

	st, ok := a.Status.Run("0190c3c4-0000-7000-8000-000000000001")
	require.True(t, ok)
	assert.True(t, st.Finished)
	assert.Equal(t, int64(2), st.ArticlesOK)
}

func TestAppRejectsUnknownClassifier(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.org")
	cfg.Classifier.Provider = "magic"
	_, err := app.New(context.Background(), cfg, nil,
		app.WithBlobStore(memstore.NewBlobStore()),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.Error(t, err)
}

func TestAppPersistsGeocodeCache(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "https://example.org")
	cfg.Geocode.Enabled = true
	cfg.Geocode.CachePath = filepath.Join(t.TempDir(), "cache", "geocode.json")

	a, err := app.New(context.Background(), cfg, nil,
		app.WithBlobStore(memstore.NewBlobStore()),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	_, err = os.Stat(cfg.Geocode.CachePath)
	require.NoError(t, err, "cache snapshot written on close")

	again, err := app.New(context.Background(), cfg, nil,
		app.WithBlobStore(memstore.NewBlobStore()),
		app.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.NoError(t, again.Close(context.Background()))
}

func TestOpenBlobStoreLocal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blobs, closeFn, err := app.OpenBlobStore(context.Background(), dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, closeFn()) }()
	assert.IsType(t, &local.BlobStore{}, blobs)
}

func TestOpenBlobStoreRejectsBadURI(t *testing.T) {
	t.Parallel()

	_, _, err := app.OpenBlobStore(context.Background(), "gs://")
	require.Error(t, err)
}

func TestNewExternalClassifier(t *testing.T) {
	t.Parallel()

	ext, err := app.NewExternalClassifier(config.ClassifierConfig{Provider: config.ProviderNone})
	require.NoError(t, err)
	assert.Nil(t, ext)

	ext, err = app.NewExternalClassifier(config.ClassifierConfig{
		Provider: config.ProviderHTTP,
		Endpoint: "http://classifier.local",
		Timeout:  time.Second,
	})
	require.NoError(t, err)
	assert.NotNil(t, ext)

	_, err = app.NewExternalClassifier(config.ClassifierConfig{Provider: config.ProviderOpenAI, Model: "m"})
	require.Error(t, err)

	_, err = app.NewExternalClassifier(config.ClassifierConfig{Provider: "magic"})
	require.Error(t, err)
}
