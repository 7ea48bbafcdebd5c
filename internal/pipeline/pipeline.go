// Package pipeline runs the per-article stages (fetch, extract, classify,
// geocode) over a frontier of URLs with a fixed-size worker pool.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/extract"
	"github.com/JakeFAU/blaulicht-crawler/internal/metrics"
	"github.com/JakeFAU/blaulicht-crawler/internal/progress"
)

// DefaultConcurrency is the worker count used when Config leaves it unset.
const DefaultConcurrency = 30

// Fetcher downloads one page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Extractor turns a page into an Article.
type Extractor interface {
	Extract(html []byte, sourceURL string) (extract.Extraction, error)
}

// Classifier labels article text. It never fails.
type Classifier interface {
	Classify(ctx context.Context, text string) article.Classification
}

// Geocoder resolves location text; a nil result means no match.
type Geocoder interface {
	Geocode(ctx context.Context, locationText, seed string) (*article.GeoResult, error)
}

// Clock supplies ingestion timestamps.
type Clock interface {
	Now() time.Time
}

// Config controls the worker pool.
type Config struct {
	Concurrency int
}

// Batch is one unit of work: the frontier of a single chunk.
type Batch struct {
	RunID  string
	Region string
	Chunk  string
	URLs   []string
}

// Result carries the records that made it through and the per-stage counts.
type Result struct {
	Records []article.Record
	Report  article.Report
}

// Pipeline wires the article stages together.
type Pipeline struct {
	cfg      Config
	fetcher  Fetcher
	extract  Extractor
	classify Classifier
	geocode  Geocoder
	clock    Clock
	emitter  progress.Emitter
	logger   *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithGeocoder enables the geocode stage.
func WithGeocoder(g Geocoder) Option {
	return func(p *Pipeline) { p.geocode = g }
}

// WithEmitter routes article progress events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(p *Pipeline) {
		if e != nil {
			p.emitter = e
		}
	}
}

// WithClock overrides the ingestion clock.
func WithClock(c Clock) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New constructs a Pipeline. Geocoding is off unless WithGeocoder is given.
func New(cfg Config, f Fetcher, x Extractor, c Classifier, opts ...Option) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	p := &Pipeline{
		cfg:      cfg,
		fetcher:  f,
		extract:  x,
		classify: c,
		clock:    utcClock{},
		emitter:  progress.Discard,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type stageCounters struct {
	fetch, extract, classify, geocode article.Counter
}

func (s *stageCounters) report() article.Report {
	return article.Report{
		article.StageFetch:    s.fetch.Snapshot(),
		article.StageExtract:  s.extract.Snapshot(),
		article.StageClassify: s.classify.Snapshot(),
		article.StageGeocode:  s.geocode.Snapshot(),
	}
}

// Process runs every URL in b through the stages. Per-article failures are
// counted and logged but never abort the batch. Cancelling ctx stops feeding
// new URLs; articles already in flight finish or fail on their own.
func (p *Pipeline) Process(ctx context.Context, b Batch) Result {
	var (
		counters stageCounters
		mu       sync.Mutex
		records  = make([]article.Record, 0, len(b.URLs))
		wg       sync.WaitGroup
		jobs     = make(chan string)
	)

	workers := min(p.cfg.Concurrency, len(b.URLs))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range jobs {
				rec, ok := p.handleURL(ctx, b, url, &counters)
				if !ok {
					continue
				}
				mu.Lock()
				records = append(records, rec)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, url := range b.URLs {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- url:
		}
	}
	close(jobs)
	wg.Wait()

	return Result{Records: records, Report: counters.report()}
}

func (p *Pipeline) handleURL(ctx context.Context, b Batch, url string, c *stageCounters) (article.Record, bool) {
	logger := p.logger.With(zap.String("url", url), zap.String("region", b.Region), zap.String("chunk", b.Chunk))

	c.fetch.Attempt()
	body, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		c.fetch.Fail()
		p.fail(b, url, article.StageFetch, err)
		logger.Warn("fetch article failed", zap.Error(err))
		return article.Record{}, false
	}
	c.fetch.Succeed()
	metrics.ObserveStage(article.StageFetch, true)

	c.extract.Attempt()
	ex, err := p.extract.Extract(body, url)
	if err != nil {
		c.extract.Fail()
		p.fail(b, url, article.StageExtract, err)
		logger.Warn("extract article failed", zap.Error(err))
		return article.Record{}, false
	}
	c.extract.Succeed()
	metrics.ObserveStage(article.StageExtract, true)
	if len(ex.Defaulted) > 0 {
		logger.Debug("extraction used defaults", zap.Strings("fields", ex.Defaulted))
	}
	a := ex.Article

	c.classify.Attempt()
	cls := p.classify.Classify(ctx, classificationText(a))
	c.classify.Succeed()
	metrics.ObserveStage(article.StageClassify, true)

	rec := article.Record{
		Article:        a,
		Classification: &cls,
		IngestedAt:     p.clock.Now().UTC(),
		RunID:          b.RunID,
	}

	if p.geocode != nil && strings.TrimSpace(a.LocationText) != "" {
		c.geocode.Attempt()
		geo, err := p.geocode.Geocode(ctx, a.LocationText, a.ID)
		switch {
		case err != nil:
			c.geocode.Fail()
			metrics.ObserveStage(article.StageGeocode, false)
			logger.Warn("geocode failed, keeping article without coordinates", zap.Error(err))
		case geo == nil:
			c.geocode.Fail()
			metrics.ObserveStage(article.StageGeocode, false)
			logger.Debug("geocode found no match", zap.String("location", a.LocationText))
		default:
			c.geocode.Succeed()
			metrics.ObserveStage(article.StageGeocode, true)
			rec.Geo = geo
		}
	}

	p.emitter.Emit(progress.Event{
		RunID:  progress.ParseRunID(b.RunID),
		Stage:  progress.StageArticleDone,
		Region: b.Region,
		Chunk:  b.Chunk,
		URL:    url,
	})
	return rec, true
}

func (p *Pipeline) fail(b Batch, url, stage string, err error) {
	metrics.ObserveStage(stage, false)
	p.emitter.Emit(progress.Event{
		RunID:       progress.ParseRunID(b.RunID),
		Stage:       progress.StageArticleError,
		Region:      b.Region,
		Chunk:       b.Chunk,
		URL:         url,
		FailedStage: stage,
		Note:        err.Error(),
	})
}

// classificationText joins the fields the classifier looks at.
func classificationText(a article.Article) string {
	parts := make([]string, 0, 3)
	for _, s := range []string{a.Title, a.Summary, a.BodyText} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
