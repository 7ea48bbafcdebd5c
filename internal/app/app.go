// Package app initializes and holds long-lived crawl services, acting as a
// dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/archive"
	"github.com/JakeFAU/blaulicht-crawler/internal/chunk"
	"github.com/JakeFAU/blaulicht-crawler/internal/classify"
	"github.com/JakeFAU/blaulicht-crawler/internal/clock/system"
	"github.com/JakeFAU/blaulicht-crawler/internal/config"
	"github.com/JakeFAU/blaulicht-crawler/internal/extract"
	"github.com/JakeFAU/blaulicht-crawler/internal/fetcher"
	"github.com/JakeFAU/blaulicht-crawler/internal/geocode"
	"github.com/JakeFAU/blaulicht-crawler/internal/pipeline"
	"github.com/JakeFAU/blaulicht-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/blaulicht-crawler/internal/progress"
	"github.com/JakeFAU/blaulicht-crawler/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/blaulicht-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/blaulicht-crawler/internal/sitemap"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage/gcs"
	"github.com/JakeFAU/blaulicht-crawler/internal/storage/local"
)

// Publisher announces partition updates and run milestones.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// App holds the shared services for one command invocation.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Blobs   storage.BlobStore
	Archive *archive.Store
	Sitemap *sitemap.Crawler
	Runner  *chunk.Runner
	Hub     *progress.Hub
	Status  *sinks.StatusSink

	closers []func(context.Context) error
}

type options struct {
	blobs      storage.BlobStore
	publisher  Publisher
	transport  http.RoundTripper
	registerer prometheus.Registerer
}

// Option customizes New.
type Option func(*options)

// WithBlobStore skips backend construction and uses blobs as the archive.
func WithBlobStore(blobs storage.BlobStore) Option {
	return func(o *options) { o.blobs = blobs }
}

// WithPublisher overrides the configured publisher.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithTransport replaces the HTTP transport used for page fetches.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithRegisterer registers progress collectors against reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New builds every service from cfg. It fails fast when a backend cannot
// be initialized; that is the only class of error a run reports as fatal.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(o)
	}
	a := &App{Config: cfg, Logger: logger}

	blobs := o.blobs
	if blobs == nil {
		var (
			closeFn func() error
			err     error
		)
		blobs, closeFn, err = OpenBlobStore(ctx, cfg.Archive.Output)
		if err != nil {
			return nil, err
		}
		a.addCloser(func(context.Context) error { return closeFn() })
	}
	a.Blobs = blobs

	pub := o.publisher
	if pub == nil {
		p, err := a.openPublisher(ctx, cfg.Publisher)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		pub = p
	}

	hubSinks := []progress.Sink{sinks.NewLogSink(logger)}
	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	a.Status = sinks.NewStatusSink(0)
	hubSinks = append(hubSinks, promSink, a.Status)
	if pub != nil {
		hubSinks = append(hubSinks, sinks.NewPublisherSink(pub, logger))
	}
	a.Hub = progress.NewHub(progress.Config{Logger: logger, BaseContext: context.WithoutCancel(ctx)}, hubSinks...)

	archiveOpts := []archive.Option{archive.WithLogger(logger)}
	if pub != nil {
		archiveOpts = append(archiveOpts, archive.WithPublisher(pub))
	}
	a.Archive = archive.New(blobs, archiveOpts...)

	fetchOpts := []fetcher.Option{
		fetcher.WithLogger(logger),
		fetcher.WithLimiter(ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.RequestsPerSecond, DefaultBurst: 1})),
	}
	if o.transport != nil {
		fetchOpts = append(fetchOpts, fetcher.WithTransport(o.transport))
	}
	f := fetcher.New(fetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		From:         cfg.Fetch.From,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		Retry: fetcher.RetryPolicy{
			MaxRetries: cfg.Fetch.MaxRetries,
			BaseDelay:  cfg.Fetch.BackoffBase,
			MaxDelay:   cfg.Fetch.BackoffMax,
		},
	}, fetchOpts...)

	a.Sitemap = sitemap.New(f, sitemap.Config{
		Concurrency: cfg.Sitemap.Concurrency,
		UserAgent:   cfg.Fetch.UserAgent,
	}, logger)

	external, err := NewExternalClassifier(cfg.Classifier)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	classifier := classify.New(classify.DefaultRules(), external, logger)

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithEmitter(a.Hub),
		pipeline.WithClock(system.New()),
	}
	if cfg.Geocode.Enabled {
		g, err := a.openGeocoder(cfg.Geocode, cfg.Fetch.UserAgent)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		pipeOpts = append(pipeOpts, pipeline.WithGeocoder(g))
	}
	pipe := pipeline.New(
		pipeline.Config{Concurrency: cfg.Pipeline.Concurrency},
		f,
		extract.New(extract.DefaultRules(), system.New()),
		classifier,
		pipeOpts...,
	)

	a.Runner = chunk.NewRunner(a.Sitemap, pipe, a.Archive, chunk.Config{
		ContentPath:   cfg.Sitemap.ContentPath,
		ScratchPrefix: cfg.Archive.ScratchPrefix,
	}, chunk.WithEmitter(a.Hub), chunk.WithLogger(logger), chunk.WithClock(system.New()))

	logger.Info("application services initialized",
		zap.String("archive", cfg.Archive.Output),
		zap.String("classifier", cfg.Classifier.Provider),
		zap.String("publisher", cfg.Publisher.Provider),
		zap.Bool("geocode", cfg.Geocode.Enabled),
	)
	return a, nil
}

// OpenBlobStore selects the archive backend from output: gs://bucket/prefix
// opens Cloud Storage, anything else is a local directory.
func OpenBlobStore(ctx context.Context, output string) (storage.BlobStore, func() error, error) {
	if strings.HasPrefix(output, "gs://") {
		gcfg, err := gcs.ParseURI(output)
		if err != nil {
			return nil, nil, fmt.Errorf("parse archive output: %w", err)
		}
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := gcs.New(client, gcfg)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, client.Close, nil
	}
	store, err := local.New(local.Config{BaseDir: output})
	if err != nil {
		return nil, nil, fmt.Errorf("init local archive: %w", err)
	}
	return store, func() error { return nil }, nil
}

// NewExternalClassifier builds the optional classification stage. A nil
// result with nil error means rules only.
func NewExternalClassifier(cfg config.ClassifierConfig) (classify.External, error) {
	switch cfg.Provider {
	case "", config.ProviderNone:
		return nil, nil
	case config.ProviderHTTP:
		return classify.NewHTTPClassifier(cfg.Endpoint, cfg.APIKey, cfg.Timeout), nil
	case config.ProviderOpenAI:
		c, err := classify.NewOpenAIClassifier(classify.OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.Endpoint,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai classifier: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown classifier provider: %s", cfg.Provider)
	}
}

func (a *App) openPublisher(ctx context.Context, cfg config.PublisherConfig) (Publisher, error) {
	switch cfg.Provider {
	case "", config.ProviderNone:
		return nil, nil
	case config.ProviderPubSub:
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		pub := pubsubpublisher.New(client.Topic(cfg.Topic))
		a.addCloser(func(context.Context) error {
			pub.Stop()
			return client.Close()
		})
		a.Logger.Info("publishing partition updates", zap.String("topic", cfg.Topic))
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider: %s", cfg.Provider)
	}
}

func (a *App) openGeocoder(cfg config.GeocodeConfig, userAgent string) (*geocode.Geocoder, error) {
	cache := geocode.NewCache()
	if cfg.CachePath != "" {
		if err := loadCache(cache, cfg.CachePath); err != nil {
			return nil, err
		}
		a.Logger.Info("geocode cache loaded", zap.String("path", cfg.CachePath), zap.Int("entries", cache.Len()))
		a.addCloser(func(context.Context) error { return saveCache(cache, cfg.CachePath) })
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RequestsPerSecond, DefaultBurst: 1})
	client := geocode.NewClient(cfg.BaseURL, userAgent, limiter)
	return geocode.New(client, cache, cfg.CountrySuffix, a.Logger), nil
}

func loadCache(cache *geocode.Cache, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open geocode cache: %w", err)
	}
	defer f.Close()
	if err := cache.Load(f); err != nil {
		return fmt.Errorf("load geocode cache %s: %w", path, err)
	}
	return nil
}

// saveCache writes the snapshot next to path and renames it into place.
func saveCache(cache *geocode.Cache, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create geocode cache dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create geocode cache: %w", err)
	}
	if err := cache.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("save geocode cache: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close geocode cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace geocode cache: %w", err)
	}
	return nil
}

func (a *App) addCloser(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close drains the progress hub, persists the geocode cache and releases
// backend clients. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
