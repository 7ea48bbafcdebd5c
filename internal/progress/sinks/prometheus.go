package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/blaulicht-crawler/internal/progress"
)

// PrometheusSink exports crawl progress via Prometheus. It owns the collectors
// for runs started/completed/running, chunk outcomes and per-region article
// outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsRunning   prometheus.Gauge
	runRuntime    prometheus.Histogram

	chunksCompleted *prometheus.CounterVec
	chunkDuration   *prometheus.HistogramVec
	articles        *prometheus.CounterVec
	partitions      *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blaulicht_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blaulicht_runs_completed_total",
			Help: "Total crawl runs that have finished.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blaulicht_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blaulicht_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600, 7200, 14400},
		}),
		chunksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blaulicht_chunks_completed_total",
			Help: "Date chunks completed partitioned by region and result.",
		}, []string{"region", "result"}),
		chunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blaulicht_chunk_duration_seconds",
			Help:    "Chunk wall time partitioned by region.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 600, 1800, 3600},
		}, []string{"region"}),
		articles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blaulicht_articles_total",
			Help: "Articles processed partitioned by region and outcome.",
		}, []string{"region", "outcome"}),
		partitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blaulicht_progress_partitions_total",
			Help: "Partition write events seen by the progress hub.",
		}, []string{"region"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.chunksCompleted,
		s.chunkDuration,
		s.articles,
		s.partitions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	region := evt.Region
	if region == "" {
		region = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.Inc()
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageChunkDone, progress.StageChunkError:
		result := "success"
		if evt.Stage == progress.StageChunkError {
			result = "error"
		}
		s.chunksCompleted.WithLabelValues(region, result).Inc()
		if evt.Dur > 0 {
			s.chunkDuration.WithLabelValues(region).Observe(evt.Dur.Seconds())
		}
	case progress.StageArticleDone:
		s.articles.WithLabelValues(region, "ok").Inc()
	case progress.StageArticleError:
		s.articles.WithLabelValues(region, "failed_"+evt.FailedStage).Inc()
	case progress.StagePartitionWritten:
		s.partitions.WithLabelValues(region).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
