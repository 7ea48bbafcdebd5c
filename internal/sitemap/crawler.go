// Package sitemap discovers article URLs from robots.txt Sitemap directives,
// walking sitemap indexes down to their urlsets.
package sitemap

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/fetcher"
	"github.com/JakeFAU/blaulicht-crawler/internal/metrics"
)

const (
	defaultConcurrency = 4
	// maxDepth bounds index nesting; real portals use one or two levels.
	maxDepth = 8
)

// Fetcher retrieves a URL body.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Config controls discovery.
type Config struct {
	// Concurrency bounds simultaneous sitemap fetches.
	Concurrency int
	// UserAgent is matched against robots.txt groups when pruning disallowed URLs.
	UserAgent string
}

// Result summarizes one discovery.
type Result struct {
	URLs []string
	// Matched holds the entries behind URLs, in the same order.
	Matched []article.SitemapEntry
	// Entries is the number of urlset entries seen before filtering.
	Entries     int
	Disallowed  int
	FailedNodes int
}

// Crawler resolves robots.txt to leaf sitemap entries.
type Crawler struct {
	fetcher Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Crawler.
func New(f Fetcher, cfg Config, logger *zap.Logger) *Crawler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = fetcher.DefaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{fetcher: f, cfg: cfg, logger: logger}
}

// Discover lists the URLs under baseURL accepted by filter. Failing sitemap
// nodes are logged and counted; only cancellation aborts discovery.
func (c *Crawler) Discover(ctx context.Context, baseURL string, filter Filter) (Result, error) {
	base := strings.TrimRight(baseURL, "/")
	robots, roots := c.resolveRoots(ctx, base)

	w := &walk{
		crawler: c,
		sem:     semaphore.NewWeighted(int64(c.cfg.Concurrency)),
		visited: make(map[string]struct{}),
	}
	for _, root := range roots {
		w.wg.Add(1)
		go w.visit(ctx, root, 0)
	}
	w.wg.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("discover sitemaps: %w", err)
	}

	matched := filter.Select(w.entries)
	res := Result{Entries: len(w.entries), FailedNodes: w.failed}
	if robots != nil {
		group := robots.FindGroup(c.cfg.UserAgent)
		allowed := matched[:0]
		for _, e := range matched {
			if group.Test(pathOf(e.Loc)) {
				allowed = append(allowed, e)
				continue
			}
			res.Disallowed++
		}
		matched = allowed
	}
	res.Matched = matched
	res.URLs = make([]string, len(matched))
	for i, e := range matched {
		res.URLs[i] = e.Loc
	}

	c.logger.Info("sitemap discovery finished",
		zap.String("base_url", base),
		zap.Int("sitemaps", len(w.visited)),
		zap.Int("entries", res.Entries),
		zap.Int("matched", len(res.URLs)),
		zap.Int("disallowed", res.Disallowed),
		zap.Int("failed_nodes", res.FailedNodes),
	)
	return res, nil
}

// resolveRoots reads Sitemap directives from robots.txt, falling back to the
// conventional /sitemap.xml when robots.txt is unavailable or lists none.
func (c *Crawler) resolveRoots(ctx context.Context, base string) (*robotstxt.RobotsData, []string) {
	robotsURL := base + "/robots.txt"
	body, err := c.fetcher.Fetch(ctx, robotsURL)
	status := 200
	if err != nil {
		status = fetcher.StatusCode(err)
		c.logger.Warn("robots.txt unavailable", zap.String("url", robotsURL), zap.Error(err))
	}

	// 5xx would mean disallow-all to robotstxt; treat it as unknown instead.
	var robots *robotstxt.RobotsData
	if status > 0 && status < 500 {
		robots, err = robotstxt.FromStatusAndBytes(status, body)
		if err != nil {
			c.logger.Warn("robots.txt unparseable", zap.String("url", robotsURL), zap.Error(err))
			robots = nil
		}
	}

	if robots != nil && len(robots.Sitemaps) > 0 {
		return robots, robots.Sitemaps
	}
	return robots, []string{base + "/sitemap.xml"}
}

type walk struct {
	crawler *Crawler
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu      sync.Mutex
	visited map[string]struct{}
	entries []article.SitemapEntry
	failed  int
}

func (w *walk) visit(ctx context.Context, loc string, depth int) {
	defer w.wg.Done()
	if !w.markVisited(loc) {
		return
	}
	logger := w.crawler.logger.With(zap.String("sitemap", loc), zap.Int("depth", depth))
	if depth > maxDepth {
		logger.Warn("sitemap index nested too deeply")
		w.fail()
		return
	}

	// The permit covers the fetch only; holding it while children wait would deadlock.
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	body, err := w.crawler.fetcher.Fetch(ctx, loc)
	w.sem.Release(1)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("sitemap fetch failed", zap.Error(err))
			w.fail()
		}
		return
	}

	n, err := parse(body)
	if err != nil {
		logger.Warn("sitemap parse failed", zap.Error(err))
		w.fail()
		return
	}
	metrics.ObserveStage("sitemap", true)

	if len(n.entries) > 0 {
		w.mu.Lock()
		w.entries = append(w.entries, n.entries...)
		w.mu.Unlock()
	}
	for _, child := range n.children {
		w.wg.Add(1)
		go w.visit(ctx, child, depth+1)
	}
}

func (w *walk) markVisited(loc string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.visited[loc]; ok {
		return false
	}
	w.visited[loc] = struct{}{}
	return true
}

func (w *walk) fail() {
	metrics.ObserveStage("sitemap", false)
	w.mu.Lock()
	w.failed++
	w.mu.Unlock()
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}
