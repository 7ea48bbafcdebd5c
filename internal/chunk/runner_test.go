package chunk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blaulicht-crawler/internal/archive"
	"github.com/JakeFAU/blaulicht-crawler/internal/article"
	"github.com/JakeFAU/blaulicht-crawler/internal/pipeline"
	"github.com/JakeFAU/blaulicht-crawler/internal/progress"
	"github.com/JakeFAU/blaulicht-crawler/internal/sitemap"
	memstore "github.com/JakeFAU/blaulicht-crawler/internal/storage/memory"
)

// fakeDiscoverer returns two entries per month of the requested range, each
// dated on the later of the month's first day and the range start. The date
// is also carried in the URL path.
type fakeDiscoverer struct {
	fail    bool
	undated []string
	calls   atomic.Int64
}

func (d *fakeDiscoverer) Discover(_ context.Context, baseURL string, f sitemap.Filter) (sitemap.Result, error) {
	d.calls.Add(1)
	if d.fail {
		return sitemap.Result{}, errors.New("sitemap unreachable")
	}
	var res sitemap.Result
	add := func(loc string, lastmod *time.Time) {
		res.URLs = append(res.URLs, loc)
		res.Matched = append(res.Matched, article.SitemapEntry{Loc: loc, LastMod: lastmod})
	}
	month := time.Date(f.Range.Start.Year(), f.Range.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !month.After(f.Range.End) {
		at := month
		if at.Before(f.Range.Start) {
			at = f.Range.Start
		}
		for _, suffix := range []string{"a", "b"} {
			add(fmt.Sprintf("%s/blaulicht/pm/1/%s/%s", baseURL, at.Format(article.DateLayout), suffix), &at)
		}
		month = month.AddDate(0, 1, 0)
	}
	for _, u := range d.undated {
		add(u, nil)
	}
	return res, nil
}

type fakeProcessor struct {
	panicChunk string
	mu         sync.Mutex
	batches    []pipeline.Batch
}

func (p *fakeProcessor) urlsProcessed() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]int{}
	for _, b := range p.batches {
		for _, u := range b.URLs {
			out[u]++
		}
	}
	return out
}

func (p *fakeProcessor) Process(_ context.Context, b pipeline.Batch) pipeline.Result {
	if b.Chunk == p.panicChunk {
		panic("extractor exploded")
	}
	p.mu.Lock()
	p.batches = append(p.batches, b)
	p.mu.Unlock()

	res := pipeline.Result{Report: article.Report{
		article.StageFetch: {Attempted: int64(len(b.URLs)), Succeeded: int64(len(b.URLs))},
	}}
	for _, u := range b.URLs {
		parts := strings.Split(u, "/")
		published, err := time.Parse(article.DateLayout, parts[len(parts)-2])
		if err != nil {
			panic(err)
		}
		res.Records = append(res.Records, article.Record{
			Article: article.Article{ID: u, Title: "t", SourceURL: u, PublishedAt: published.Add(10 * time.Hour)},
			RunID:   b.RunID,
		})
	}
	return res
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() map[progress.Stage]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[progress.Stage]int{}
	for _, e := range r.events {
		out[e.Stage]++
	}
	return out
}

var hessen = article.Region{Slug: "hessen", Name: "Hessen", BaseURL: "https://portal.example"}

func newRunner(d Discoverer, p Processor, blobs *memstore.BlobStore, opts ...Option) *Runner {
	return NewRunner(d, p, archive.New(blobs), Config{ContentPath: "/blaulicht/pm/"}, opts...)
}

func TestRunMultiMonthMergesSuccessfulChunks(t *testing.T) {
	t.Parallel()

	blobs := memstore.NewBlobStore()
	emitter := &recordingEmitter{}
	d := &fakeDiscoverer{}
	r := newRunner(d, &fakeProcessor{panicChunk: "2024-02"}, blobs, WithEmitter(emitter))

	report, err := r.Run(context.Background(), Request{
		RunID:   "run-1",
		Regions: []article.Region{hessen},
		Start:   date("2024-01-15"),
		End:     date("2024-03-10"),
	})
	require.NoError(t, err)
	require.Len(t, report.Regions, 1)

	rr := report.Regions[0]
	assert.Empty(t, rr.Error)
	require.Len(t, rr.Chunks, 3)
	assert.True(t, rr.Chunks[0].OK())
	assert.False(t, rr.Chunks[1].OK(), "february processing failed")
	assert.True(t, rr.Chunks[2].OK())
	assert.Len(t, rr.Partitions, 2)
	assert.Nil(t, rr.Reorganize)

	store := archive.New(blobs)
	janRecs, err := store.ReadRecords(context.Background(), "hessen/2024/01.json")
	require.NoError(t, err)
	assert.Len(t, janRecs, 2)
	marRecs, err := store.ReadRecords(context.Background(), "hessen/2024/03.json")
	require.NoError(t, err)
	assert.Len(t, marRecs, 2)

	scratch, err := blobs.ListObjects(context.Background(), "_scratch")
	require.NoError(t, err)
	assert.Empty(t, scratch, "consumed scratch outputs are removed")

	assert.Equal(t, int64(1), d.calls.Load(), "sitemaps are walked once per region")
	assert.Equal(t, article.StageCounts{Attempted: 1, Succeeded: 1}, report.Stages[article.StageDiscover])
	assert.Equal(t, int64(4), report.Stages[article.StageFetch].Succeeded)
	assert.Equal(t, int64(2), report.Stages[article.StageMerge].Succeeded)

	stages := emitter.stages()
	assert.Equal(t, 1, stages[progress.StageRunStart])
	assert.Equal(t, 1, stages[progress.StageRunDone])
	assert.Equal(t, 3, stages[progress.StageChunkStart])
	assert.Equal(t, 2, stages[progress.StageChunkDone])
	assert.Equal(t, 1, stages[progress.StageChunkError])
	assert.Equal(t, 2, stages[progress.StagePartitionWritten])
}

func TestRunSingleChunkReorganizesFlatOutput(t *testing.T) {
	t.Parallel()

	blobs := memstore.NewBlobStore()
	r := newRunner(&fakeDiscoverer{}, &fakeProcessor{}, blobs)

	report, err := r.Run(context.Background(), Request{
		RunID:   "run-2",
		Regions: []article.Region{hessen},
		Start:   date("2024-05-02"),
		End:     date("2024-05-30"),
	})
	require.NoError(t, err)
	rr := report.Regions[0]
	require.NotNil(t, rr.Reorganize)
	assert.Equal(t, 2, rr.Reorganize.Moved)
	assert.Zero(t, rr.Reorganize.Dropped)

	_, err = blobs.GetObject(context.Background(), "hessen_2024-05-02_2024-05-30.json")
	require.Error(t, err, "flat file is removed after redistribution")
	recs, err := archive.New(blobs).ReadRecords(context.Background(), "hessen/2024/05.json")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	blobs := memstore.NewBlobStore()
	r := newRunner(&fakeDiscoverer{}, &fakeProcessor{}, blobs)
	req := Request{RunID: "run-3", Regions: []article.Region{hessen}, Start: date("2024-01-30"), End: date("2024-02-02")}

	_, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	first, err := blobs.GetObject(context.Background(), "hessen/2024/01.json")
	require.NoError(t, err)

	again, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	for _, p := range again.Regions[0].Partitions {
		assert.False(t, p.Written, "unchanged partition %s rewritten", p.Key)
	}
	second, err := blobs.GetObject(context.Background(), "hessen/2024/01.json")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRunContainsChunkPanic(t *testing.T) {
	t.Parallel()

	blobs := memstore.NewBlobStore()
	r := newRunner(&fakeDiscoverer{}, &fakeProcessor{panicChunk: "2024-01"}, blobs)

	report, err := r.Run(context.Background(), Request{
		RunID:   "run-4",
		Regions: []article.Region{hessen},
		Start:   date("2024-01-15"),
		End:     date("2024-02-10"),
	})
	require.NoError(t, err)
	rr := report.Regions[0]
	require.Len(t, rr.Chunks, 2)
	assert.Contains(t, rr.Chunks[0].Error, "panicked")
	assert.True(t, rr.Chunks[1].OK())
	require.Len(t, rr.Partitions, 1)
	assert.Equal(t, "hessen/2024/02.json", rr.Partitions[0].Key)
}

func TestRunRejectsBadRequestsBeforeWork(t *testing.T) {
	t.Parallel()

	d := &fakeDiscoverer{}
	r := newRunner(d, &fakeProcessor{}, memstore.NewBlobStore())

	_, err := r.Run(context.Background(), Request{RunID: "r", Start: date("2024-01-01"), End: date("2024-01-02")})
	require.ErrorIs(t, err, ErrNoRegions)

	_, err = r.Run(context.Background(), Request{
		RunID:   "r",
		Regions: []article.Region{hessen},
		Start:   date("2024-02-01"),
		End:     date("2024-01-01"),
	})
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = r.Run(context.Background(), Request{
		RunID:   "r",
		Regions: []article.Region{{Slug: "x"}},
		Start:   date("2024-01-01"),
		End:     date("2024-01-02"),
	})
	require.Error(t, err)
	assert.Zero(t, d.calls.Load())
}

func TestRunAllChunksFailing(t *testing.T) {
	t.Parallel()

	d := &fakeDiscoverer{fail: true}
	emitter := &recordingEmitter{}
	r := newRunner(d, &fakeProcessor{}, memstore.NewBlobStore(), WithEmitter(emitter))

	report, err := r.Run(context.Background(), Request{
		RunID:   "run-5",
		Regions: []article.Region{hessen},
		Start:   date("2024-01-15"),
		End:     date("2024-02-10"),
	})
	require.NoError(t, err)
	rr := report.Regions[0]
	assert.Contains(t, rr.Error, "discover")
	assert.Empty(t, rr.Partitions)
	require.Len(t, rr.Chunks, 2)
	for _, c := range rr.Chunks {
		assert.False(t, c.OK())
	}
	assert.Equal(t, article.StageCounts{Attempted: 1, Failed: 1}, report.Stages[article.StageDiscover])
	assert.Equal(t, 2, emitter.stages()[progress.StageChunkError])
}

func TestRunRunsRegionChunksConcurrently(t *testing.T) {
	t.Parallel()

	p := &barrierProcessor{want: 3, release: make(chan struct{})}
	r := newRunner(&fakeDiscoverer{}, p, memstore.NewBlobStore())

	report, err := r.Run(context.Background(), Request{
		RunID:   "run-6",
		Regions: []article.Region{hessen},
		Start:   date("2024-01-15"),
		End:     date("2024-03-10"),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.peak.Load(), "all three chunks should be in flight together")
	for _, c := range report.Regions[0].Chunks {
		assert.True(t, c.OK(), c.Error)
	}
}

func TestRunAssignsEachURLToOneChunk(t *testing.T) {
	t.Parallel()

	undated := hessen.BaseURL + "/blaulicht/pm/1/2024-01-20/undated"
	d := &fakeDiscoverer{undated: []string{undated}}
	p := &fakeProcessor{}
	r := newRunner(d, p, memstore.NewBlobStore())

	report, err := r.Run(context.Background(), Request{
		RunID:   "run-7",
		Regions: []article.Region{hessen},
		Start:   date("2024-01-15"),
		End:     date("2024-03-10"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.calls.Load())

	seen := p.urlsProcessed()
	assert.Len(t, seen, 7)
	for u, n := range seen {
		assert.Equal(t, 1, n, "%s processed %d times", u, n)
	}
	rr := report.Regions[0]
	require.Len(t, rr.Chunks, 3)
	assert.Equal(t, 3, rr.Chunks[0].Discovered, "undated entries go to the first chunk")
	assert.Equal(t, 2, rr.Chunks[1].Discovered)
	assert.Equal(t, 2, rr.Chunks[2].Discovered)
}

func TestRunCancelledKeepsPartialOutput(t *testing.T) {
	t.Parallel()

	blobs := memstore.NewBlobStore()
	store := &scratchRecorder{Store: archive.New(blobs)}
	p := &stallingProcessor{}
	p.stalled.Add(2)
	r := NewRunner(&fakeDiscoverer{}, p, store, Config{ContentPath: "/blaulicht/pm/"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		p.stalled.Wait()
		cancel()
	}()

	report, err := r.Run(ctx, Request{
		RunID:   "run-8",
		Regions: []article.Region{hessen},
		Start:   date("2024-01-15"),
		End:     date("2024-03-10"),
	})
	require.NoError(t, err)

	rr := report.Regions[0]
	require.Len(t, rr.Chunks, 3)
	assert.True(t, rr.Chunks[0].OK())
	assert.True(t, rr.Chunks[1].OK(), "partial february output is kept")
	assert.Equal(t, 1, rr.Chunks[1].Records)
	assert.Contains(t, rr.Chunks[2].Error, "cancelled")

	assert.ElementsMatch(t, []string{
		archive.ScratchKey("_scratch", "hessen", "run-8", "2024-01"),
		archive.ScratchKey("_scratch", "hessen", "run-8", "2024-02"),
	}, store.keys(), "march wrote no scratch output")

	bg := context.Background()
	jan, err := store.ReadRecords(bg, "hessen/2024/01.json")
	require.NoError(t, err)
	assert.Len(t, jan, 2)
	feb, err := store.ReadRecords(bg, "hessen/2024/02.json")
	require.NoError(t, err)
	assert.Len(t, feb, 1)
	_, err = blobs.GetObject(bg, "hessen/2024/03.json")
	assert.Error(t, err)

	scratch, err := blobs.ListObjects(bg, "_scratch")
	require.NoError(t, err)
	assert.Empty(t, scratch)
}

// barrierProcessor holds every batch until want batches are in flight at
// once, or a deadline passes, and records the peak.
type barrierProcessor struct {
	fakeProcessor
	want     int32
	release  chan struct{}
	once     sync.Once
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (p *barrierProcessor) Process(ctx context.Context, b pipeline.Batch) pipeline.Result {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	if n >= p.want {
		p.once.Do(func() { close(p.release) })
	}
	select {
	case <-p.release:
	case <-time.After(2 * time.Second):
	}
	return p.fakeProcessor.Process(ctx, b)
}

// stallingProcessor finishes January at once. February and March wait for
// cancellation; February then returns one record and March none.
type stallingProcessor struct {
	fakeProcessor
	stalled sync.WaitGroup
}

func (p *stallingProcessor) Process(ctx context.Context, b pipeline.Batch) pipeline.Result {
	if b.Chunk == "2024-01" {
		return p.fakeProcessor.Process(ctx, b)
	}
	p.stalled.Done()
	<-ctx.Done()
	if b.Chunk == "2024-02" {
		b.URLs = b.URLs[:1]
		return p.fakeProcessor.Process(ctx, b)
	}
	return pipeline.Result{Report: article.Report{
		article.StageFetch: {Attempted: int64(len(b.URLs)), Failed: int64(len(b.URLs))},
	}}
}

// scratchRecorder notes every scratch key written.
type scratchRecorder struct {
	*archive.Store
	mu      sync.Mutex
	written []string
}

func (s *scratchRecorder) WriteScratch(ctx context.Context, key string, records []article.Record) error {
	s.mu.Lock()
	s.written = append(s.written, key)
	s.mu.Unlock()
	return s.Store.WriteScratch(ctx, key, records)
}

func (s *scratchRecorder) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}
