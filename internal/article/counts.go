package article

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Stage names reported in run summaries.
const (
	StageDiscover = "discover"
	StageFetch    = "fetch"
	StageExtract  = "extract"
	StageClassify = "classify"
	StageGeocode  = "geocode"
	StageMerge    = "merge"
)

// StageCounts is a snapshot of one stage's outcomes.
type StageCounts struct {
	Attempted int64 `json:"attempted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Add sums two snapshots.
func (c StageCounts) Add(o StageCounts) StageCounts {
	return StageCounts{
		Attempted: c.Attempted + o.Attempted,
		Succeeded: c.Succeeded + o.Succeeded,
		Failed:    c.Failed + o.Failed,
	}
}

// Counter tracks stage outcomes concurrently.
type Counter struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// Attempt records one attempt.
func (c *Counter) Attempt() { c.attempted.Add(1) }

// Succeed records one success.
func (c *Counter) Succeed() { c.succeeded.Add(1) }

// Fail records one failure.
func (c *Counter) Fail() { c.failed.Add(1) }

// Snapshot returns the current values.
func (c *Counter) Snapshot() StageCounts {
	return StageCounts{
		Attempted: c.attempted.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
	}
}

// Report maps stage name to counts.
type Report map[string]StageCounts

// Merge folds other into r.
func (r Report) Merge(other Report) {
	for stage, counts := range other {
		r[stage] = r[stage].Add(counts)
	}
}

// String renders the report in stage order.
func (r Report) String() string {
	stages := make([]string, 0, len(r))
	for stage := range r {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool {
		ri, rj := stageRank(stages[i]), stageRank(stages[j])
		if ri != rj {
			return ri < rj
		}
		return stages[i] < stages[j]
	})
	var b strings.Builder
	for _, stage := range stages {
		c := r[stage]
		fmt.Fprintf(&b, "%-9s attempted=%d succeeded=%d failed=%d\n", stage, c.Attempted, c.Succeeded, c.Failed)
	}
	return b.String()
}

func stageRank(stage string) int {
	for i, s := range []string{StageDiscover, StageFetch, StageExtract, StageClassify, StageGeocode, StageMerge} {
		if s == stage {
			return i
		}
	}
	return 100
}
