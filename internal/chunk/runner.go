package chunk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/archive"
	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/pipeline"
	"github.com/JakeFAU/blaulicht-crawler/internal/progress"
	"github.com/JakeFAU/blaulicht-crawler/internal/sitemap"
)

// Discoverer lists candidate article URLs for a region and date range.
type Discoverer interface {
	Discover(ctx context.Context, baseURL string, filter sitemap.Filter) (sitemap.Result, error)
}

// Processor runs the per-article stages over a frontier.
type Processor interface {
	Process(ctx context.Context, b pipeline.Batch) pipeline.Result
}

// Archive is the ChunkStore surface the runner writes through.
type Archive interface {
	WriteRecords(ctx context.Context, key string, records []article.Record) error
	Reorganize(ctx context.Context, flatKey, region string) (archive.ReorganizeResult, error)
	WriteScratch(ctx context.Context, key string, records []article.Record) error
	MergeScratch(ctx context.Context, region string, keys []string) ([]archive.MergeResult, []string, error)
}

// Clock supplies run timestamps.
type Clock interface {
	Now() time.Time
}

// Config controls the runner.
type Config struct {
	// ContentPath is the URL path segment article pages live under.
	ContentPath string
	// ScratchPrefix is the key prefix for per-chunk outputs.
	ScratchPrefix string
}

// Request is one crawl invocation.
type Request struct {
	RunID   string
	Regions []article.Region
	Start   time.Time
	End     time.Time
}

// ChunkReport is the outcome of a single chunk.
type ChunkReport struct {
	Label      string         `json:"label"`
	Range      string         `json:"range"`
	Discovered int            `json:"discovered"`
	Records    int            `json:"records"`
	Stages     article.Report `json:"stages"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

// OK reports whether the chunk produced output.
func (c ChunkReport) OK() bool { return c.Error == "" }

// RegionReport is the outcome of a region.
type RegionReport struct {
	Region string `json:"region"`
	// Discover counts the region's single sitemap walk.
	Discover   article.StageCounts       `json:"discover"`
	Chunks     []ChunkReport             `json:"chunks"`
	Partitions []archive.MergeResult     `json:"partitions"`
	Reorganize *archive.ReorganizeResult `json:"reorganize,omitempty"`
	Skipped    []string                  `json:"skipped,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID    string         `json:"run_id"`
	Range    string         `json:"range"`
	Regions  []RegionReport `json:"regions"`
	Stages   article.Report `json:"stages"`
	Duration time.Duration  `json:"duration"`
}

// Runner plans chunks per region, crawls them concurrently and merges the
// results into monthly partitions.
type Runner struct {
	discover Discoverer
	process  Processor
	archive  Archive
	cfg      Config
	clock    Clock
	emitter  progress.Emitter
	logger   *zap.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithEmitter routes run and chunk events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(r *Runner) {
		if e != nil {
			r.emitter = e
		}
	}
}

// WithClock overrides the clock used for durations.
func WithClock(c Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner constructs a Runner.
func NewRunner(d Discoverer, p Processor, a Archive, cfg Config, opts ...Option) *Runner {
	if cfg.ScratchPrefix == "" {
		cfg.ScratchPrefix = "_scratch"
	}
	r := &Runner{
		discover: d,
		process:  p,
		archive:  a,
		cfg:      cfg,
		clock:    wallClock{},
		emitter:  progress.Discard,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run validates req and crawls every region. Only a bad request is an
// error; chunk and region failures are recorded in the report.
func (r *Runner) Run(ctx context.Context, req Request) (Report, error) {
	if len(req.Regions) == 0 {
		return Report{}, ErrNoRegions
	}
	plans := make([][]DateChunk, len(req.Regions))
	for i, region := range req.Regions {
		if region.Slug == "" || region.BaseURL == "" {
			return Report{}, fmt.Errorf("region %d: slug and base url are required", i)
		}
		chunks, err := Plan(region.Slug, req.Start, req.End)
		if err != nil {
			return Report{}, err
		}
		plans[i] = chunks
	}

	started := r.clock.Now()
	runID := progress.ParseRunID(req.RunID)
	r.emitter.Emit(progress.Event{RunID: runID, Stage: progress.StageRunStart})

	report := Report{
		RunID:  req.RunID,
		Range:  article.DateRange{Start: day(req.Start), End: day(req.End)}.String(),
		Stages: article.Report{},
	}
	var records int64
	for i, region := range req.Regions {
		rr := r.runRegion(ctx, req.RunID, region, plans[i])
		report.Stages.Merge(article.Report{article.StageDiscover: rr.Discover})
		for _, c := range rr.Chunks {
			report.Stages.Merge(c.Stages)
			records += int64(c.Records)
		}
		report.Stages.Merge(article.Report{article.StageMerge: mergeCounts(rr)})
		report.Regions = append(report.Regions, rr)
	}

	report.Duration = r.clock.Now().Sub(started)
	r.emitter.Emit(progress.Event{
		RunID: runID,
		Stage: progress.StageRunDone,
		Count: records,
		Dur:   nonNegative(report.Duration),
	})
	r.logger.Info("run finished",
		zap.String("run_id", req.RunID),
		zap.Int("regions", len(report.Regions)),
		zap.Int64("records", records),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (r *Runner) runRegion(ctx context.Context, runID string, region article.Region, chunks []DateChunk) RegionReport {
	logger := r.logger.With(zap.String("run_id", runID), zap.String("region", region.Slug))

	frontiers, discoverErr := r.discoverRegion(ctx, region, chunks, logger)
	counts := article.StageCounts{Attempted: 1, Succeeded: 1}
	if discoverErr != nil {
		counts = article.StageCounts{Attempted: 1, Failed: 1}
		frontiers = make([][]string, len(chunks))
	}

	var rr RegionReport
	if len(chunks) == 1 {
		rr = r.runSingle(ctx, runID, region, chunks[0], frontiers[0], discoverErr, logger)
	} else {
		rr = r.runChunked(ctx, runID, region, chunks, frontiers, discoverErr, logger)
	}
	rr.Discover = counts
	if discoverErr != nil {
		rr.Error = fmt.Sprintf("discover: %v", discoverErr)
	}
	return rr
}

// discoverRegion walks the region's sitemaps once for the whole plan and
// hands each chunk the URLs whose lastmod falls inside it.
func (r *Runner) discoverRegion(ctx context.Context, region article.Region, chunks []DateChunk, logger *zap.Logger) ([][]string, error) {
	res, err := r.discover.Discover(ctx, region.BaseURL, sitemap.Filter{
		ContentPath: r.cfg.ContentPath,
		OfficeIDs:   region.OfficeIDs,
		Range:       article.DateRange{Start: chunks[0].Start, End: chunks[len(chunks)-1].End},
	})
	if err != nil {
		logger.Warn("sitemap discovery failed", zap.Error(err))
		return nil, err
	}
	if res.FailedNodes > 0 {
		logger.Warn("some sitemap nodes failed", zap.Int("failed_nodes", res.FailedNodes))
	}
	return splitFrontier(res.Matched, chunks), nil
}

// splitFrontier assigns every entry to exactly one chunk. Entries without
// lastmod cannot be placed by date and go to the first chunk; the archive
// merge files records by their own publication month regardless.
func splitFrontier(entries []article.SitemapEntry, chunks []DateChunk) [][]string {
	out := make([][]string, len(chunks))
	for _, e := range entries {
		idx := 0
		if e.LastMod != nil {
			for i, c := range chunks {
				if c.Range().Contains(*e.LastMod) {
					idx = i
					break
				}
			}
		}
		out[idx] = append(out[idx], e.Loc)
	}
	return out
}

// runChunked crawls every chunk concurrently into scratch and merges them.
func (r *Runner) runChunked(
	ctx context.Context,
	runID string,
	region article.Region,
	chunks []DateChunk,
	frontiers [][]string,
	discoverErr error,
	logger *zap.Logger,
) RegionReport {
	rr := RegionReport{Region: region.Slug}
	type outcome struct {
		report ChunkReport
		key    string
	}
	outcomes := make([]outcome, len(chunks))
	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := archive.ScratchKey(r.cfg.ScratchPrefix, region.Slug, runID, c.Label)
			rep := r.runChunk(ctx, runID, region, c, frontiers[i], discoverErr, func(ctx context.Context, recs []article.Record) error {
				return r.archive.WriteScratch(ctx, key, recs)
			})
			outcomes[i] = outcome{report: rep, key: key}
		}()
	}
	wg.Wait()

	var keys []string
	for _, o := range outcomes {
		rr.Chunks = append(rr.Chunks, o.report)
		if o.report.OK() {
			keys = append(keys, o.key)
		}
	}
	if len(keys) == 0 {
		rr.Error = "no chunk produced output"
		logger.Warn("region has nothing to merge")
		return rr
	}

	// Merge runs even after cancellation so completed chunks are not lost.
	merges, skipped, err := r.archive.MergeScratch(context.WithoutCancel(ctx), region.Slug, keys)
	rr.Partitions = merges
	rr.Skipped = skipped
	if err != nil {
		rr.Error = fmt.Sprintf("merge scratch outputs: %v", err)
		logger.Error("region merge failed", zap.Error(err))
	}
	r.announcePartitions(runID, region.Slug, merges)
	return rr
}

// runSingle crawls a one-chunk plan into a flat file and redistributes it.
func (r *Runner) runSingle(
	ctx context.Context,
	runID string,
	region article.Region,
	c DateChunk,
	urls []string,
	discoverErr error,
	logger *zap.Logger,
) RegionReport {
	rr := RegionReport{Region: region.Slug}
	flatKey := archive.FlatKey(region.Slug, c.Range())

	rep := r.runChunk(ctx, runID, region, c, urls, discoverErr, func(ctx context.Context, recs []article.Record) error {
		return r.archive.WriteRecords(ctx, flatKey, recs)
	})
	rr.Chunks = []ChunkReport{rep}
	if !rep.OK() {
		rr.Error = rep.Error
		return rr
	}

	res, err := r.archive.Reorganize(context.WithoutCancel(ctx), flatKey, region.Slug)
	rr.Reorganize = &res
	rr.Partitions = res.Partitions
	if err != nil {
		rr.Error = fmt.Sprintf("reorganize %s: %v", flatKey, err)
		logger.Error("reorganize failed, flat output kept", zap.String("flat", flatKey), zap.Error(err))
	}
	if res.Dropped > 0 {
		logger.Warn("records dropped during reorganize", zap.Int("dropped", res.Dropped))
	}
	r.announcePartitions(runID, region.Slug, res.Partitions)
	return rr
}

// runChunk processes and persists one chunk's frontier. A panic inside the
// chunk is contained and reported like any other chunk failure.
func (r *Runner) runChunk(
	ctx context.Context,
	runID string,
	region article.Region,
	c DateChunk,
	urls []string,
	discoverErr error,
	persist func(context.Context, []article.Record) error,
) (rep ChunkReport) {
	started := r.clock.Now()
	rep = ChunkReport{Label: c.Label, Range: c.Range().String(), Discovered: len(urls), Stages: article.Report{}}
	evt := progress.Event{RunID: progress.ParseRunID(runID), Region: region.Slug, Chunk: c.Label}
	logger := r.logger.With(zap.String("region", region.Slug), zap.String("chunk", c.Label))

	start := evt
	start.Stage = progress.StageChunkStart
	r.emitter.Emit(start)

	defer func() {
		if p := recover(); p != nil {
			rep.Error = fmt.Sprintf("chunk panicked: %v", p)
		}
		rep.Duration = r.clock.Now().Sub(started)
		done := evt
		done.Dur = nonNegative(rep.Duration)
		done.Count = int64(rep.Records)
		if rep.OK() {
			done.Stage = progress.StageChunkDone
			logger.Info("chunk finished", zap.Int("discovered", rep.Discovered), zap.Int("records", rep.Records))
		} else {
			done.Stage = progress.StageChunkError
			done.Note = rep.Error
			logger.Warn("chunk failed", zap.String("error", rep.Error))
		}
		r.emitter.Emit(done)
	}()

	if discoverErr != nil {
		rep.Error = fmt.Sprintf("discover: %v", discoverErr)
		return rep
	}

	res := r.process.Process(ctx, pipeline.Batch{
		RunID:  runID,
		Region: region.Slug,
		Chunk:  c.Label,
		URLs:   urls,
	})
	rep.Stages.Merge(res.Report)
	rep.Records = len(res.Records)

	if ctx.Err() != nil && len(res.Records) == 0 {
		rep.Error = fmt.Sprintf("cancelled: %v", ctx.Err())
		return rep
	}
	// Persist what was gathered even when the run is being stopped.
	if err := persist(context.WithoutCancel(ctx), res.Records); err != nil {
		rep.Error = fmt.Sprintf("write chunk output: %v", err)
	}
	return rep
}

func (r *Runner) announcePartitions(runID, region string, merges []archive.MergeResult) {
	id := progress.ParseRunID(runID)
	for _, m := range merges {
		if !m.Written {
			continue
		}
		r.emitter.Emit(progress.Event{
			RunID:  id,
			Stage:  progress.StagePartitionWritten,
			Region: region,
			Chunk:  m.Partition.String(),
			Count:  int64(m.Total),
		})
	}
}

func mergeCounts(rr RegionReport) article.StageCounts {
	n := int64(len(rr.Partitions))
	c := article.StageCounts{Attempted: n, Succeeded: n}
	if rr.Error != "" && anyOK(rr.Chunks) {
		c.Attempted++
		c.Failed++
	}
	return c
}

func anyOK(chunks []ChunkReport) bool {
	for _, c := range chunks {
		if c.OK() {
			return true
		}
	}
	return false
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
