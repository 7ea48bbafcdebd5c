// Package progress defines the event structures emitted by the crawl pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart         Stage = "RUN_START"
	StageRunDone          Stage = "RUN_DONE"
	StageChunkStart       Stage = "CHUNK_START"
	StageChunkDone        Stage = "CHUNK_DONE"
	StageChunkError       Stage = "CHUNK_ERROR"
	StageArticleDone      Stage = "ARTICLE_DONE"
	StageArticleError     Stage = "ARTICLE_ERROR"
	StagePartitionWritten Stage = "PARTITION_WRITTEN"
)

// Settles reports whether the stage closes out a chunk, a partition or a
// run. The Hub hands these to sinks without waiting for the batch to fill.
func (s Stage) Settles() bool {
	switch s {
	case StageChunkDone, StageChunkError, StagePartitionWritten, StageRunDone:
		return true
	}
	return false
}

// Event captures a single component of crawl progress.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Region is the region slug the event belongs to.
	Region string
	// Chunk is the date-chunk label ("2024-01") for chunk and article events.
	Chunk string
	// URL is the article URL for article events.
	URL string
	// FailedStage names the pipeline stage an article was dropped at.
	FailedStage string
	// Count carries a record or article count (chunk totals, partition sizes).
	Count int64
	// Dur captures execution latency for chunks and runs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageChunkStart, StageChunkDone, StageChunkError:
		if e.Chunk == "" {
			return errors.New("chunk events require a chunk label")
		}
	case StageArticleDone:
		if e.URL == "" {
			return errors.New("article done requires url")
		}
	case StageArticleError:
		if e.URL == "" {
			return errors.New("article error requires url")
		}
		if e.FailedStage == "" {
			return errors.New("article error requires failed stage")
		}
	case StagePartitionWritten:
		if e.Region == "" {
			return errors.New("partition written requires region")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form. Non-UUID IDs
// hash to a stable name-based UUID so every run can still be tracked.
func ParseRunID(runID string) [16]byte {
	if id, err := uuid.Parse(runID); err == nil {
		return UUIDToBytes(id)
	}
	return UUIDToBytes(uuid.NewSHA1(uuid.NameSpaceURL, []byte(runID)))
}
