// Package fetcher implements the rate-limited, retrying HTTP GET used for
// robots.txt, sitemaps and article pages.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/metrics"
)

// DefaultUserAgent identifies the crawler to origin operators.
const DefaultUserAgent = "blaulicht-crawler/1.0 (+https://github.com/JakeFAU/blaulicht-crawler)"

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// DefaultMaxBodyBytes admits the largest uncompressed urlset the sitemap
// protocol allows.
const DefaultMaxBodyBytes = 50 << 20

// Config controls fetch behavior.
type Config struct {
	UserAgent string
	// From is sent as the From header so the origin can reach the operator.
	From    string
	Timeout time.Duration
	// MaxBodyBytes caps a response body; colly truncates anything longer.
	MaxBodyBytes int
	Retry        RetryPolicy
}

// Fetcher performs GET requests through a Colly collector.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	limiter       Limiter
	baseCollector *colly.Collector
	sleep         func(context.Context, time.Duration) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter installs a per-host rate limiter consulted before every attempt.
func WithLimiter(l Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTransport replaces the HTTP transport of the base collector.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.baseCollector.WithTransport(rt) }
}

// New builds a Fetcher. Zero config values fall back to safe defaults.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = true
	// Clones share the visited store; retries revisit the same URL.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.MaxBodySize = cfg.MaxBodyBytes

	f := &Fetcher{
		cfg:           cfg,
		logger:        zap.NewNop(),
		baseCollector: c,
		sleep:         sleepWithContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the body of rawURL, retrying failed attempts with backoff.
// The last attempt's error is returned once retries are exhausted.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, rawURL); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}

		body, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			metrics.ObserveFetch(rawURL, len(body))
			return body, nil
		}
		if ctx.Err() != nil || !f.cfg.Retry.ShouldRetry(err, attempt) {
			return nil, err
		}

		delay := f.cfg.Retry.Backoff(attempt)
		kind := KindNetwork
		var fe *Error
		if errors.As(err, &fe) {
			kind = fe.Kind
		}
		metrics.ObserveRetry(rawURL, kind.String())
		f.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if sleepErr := f.sleep(ctx, delay); sleepErr != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	// The request carries ctx so a stop aborts it in the transport.
	collector.Context = ctx
	collector.OnRequest(func(r *colly.Request) {
		if f.cfg.From != "" {
			r.Headers.Set("From", f.cfg.From)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	err := collector.Visit(rawURL)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("fetch %s canceled: %w", rawURL, ctxErr)
	}
	if err == nil {
		err = fetchErr
	}
	if err != nil {
		return nil, newError(rawURL, status, err)
	}
	return body, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
