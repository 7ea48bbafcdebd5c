package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/blaulicht-crawler/internal/progress"
)

// RunStatus is the live view of one run assembled from its events.
type RunStatus struct {
	RunID          string           `json:"run_id"`
	StartedAt      time.Time        `json:"started_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Finished       bool             `json:"finished"`
	ChunksRunning  int              `json:"chunks_running"`
	ChunksDone     int              `json:"chunks_done"`
	ChunksFailed   int              `json:"chunks_failed"`
	ArticlesOK     int64            `json:"articles_ok"`
	ArticlesFailed map[string]int64 `json:"articles_failed"`
	Partitions     int              `json:"partitions_written"`
}

// StatusSink keeps an in-memory status per run for the ops endpoints. Only
// the most recent runs are retained.
type StatusSink struct {
	mu    sync.RWMutex
	runs  map[[16]byte]*RunStatus
	limit int
}

// NewStatusSink retains at most limit runs (default 20).
func NewStatusSink(limit int) *StatusSink {
	if limit <= 0 {
		limit = 20
	}
	return &StatusSink{runs: make(map[[16]byte]*RunStatus), limit: limit}
}

// Consume folds the batch into the per-run status.
func (s *StatusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		st := s.runs[evt.RunID]
		if st == nil {
			st = &RunStatus{
				RunID:          evt.RunUUID().String(),
				StartedAt:      evt.TS,
				ArticlesFailed: map[string]int64{},
			}
			s.runs[evt.RunID] = st
		}
		if evt.TS.After(st.UpdatedAt) {
			st.UpdatedAt = evt.TS
		}
		switch evt.Stage {
		case progress.StageRunStart:
			st.StartedAt = evt.TS
		case progress.StageRunDone:
			st.Finished = true
		case progress.StageChunkStart:
			st.ChunksRunning++
		case progress.StageChunkDone:
			st.ChunksRunning = max(st.ChunksRunning-1, 0)
			st.ChunksDone++
		case progress.StageChunkError:
			st.ChunksRunning = max(st.ChunksRunning-1, 0)
			st.ChunksFailed++
		case progress.StageArticleDone:
			st.ArticlesOK++
		case progress.StageArticleError:
			st.ArticlesFailed[evt.FailedStage]++
		case progress.StagePartitionWritten:
			st.Partitions++
		}
	}
	s.evict()
	return nil
}

func (s *StatusSink) evict() {
	for len(s.runs) > s.limit {
		var (
			oldestID [16]byte
			oldest   time.Time
			found    bool
		)
		for id, st := range s.runs {
			if !found || st.UpdatedAt.Before(oldest) {
				oldestID, oldest, found = id, st.UpdatedAt, true
			}
		}
		delete(s.runs, oldestID)
	}
}

// Runs returns copies of the retained statuses, newest first.
func (s *StatusSink) Runs() []RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunStatus, 0, len(s.runs))
	for _, st := range s.runs {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Run returns the status of one run.
func (s *StatusSink) Run(runID string) (RunStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[progress.ParseRunID(runID)]
	if !ok {
		return RunStatus{}, false
	}
	return st.clone(), true
}

// Close implements the Sink interface; it performs no action.
func (s *StatusSink) Close(context.Context) error {
	return nil
}

func (st *RunStatus) clone() RunStatus {
	c := *st
	c.ArticlesFailed = make(map[string]int64, len(st.ArticlesFailed))
	for k, v := range st.ArticlesFailed {
		c.ArticlesFailed[k] = v
	}
	return c
}
