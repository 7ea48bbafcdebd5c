package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/progress"
)

// Event names used when relaying milestones to a message bus.
const (
	ChunkFinishedEvent = "chunk_finished"
	RunFinishedEvent   = "run_finished"
)

// Publisher is the subset of the publisher packages the relay needs.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// Milestone is the payload relayed for chunk and run completions.
type Milestone struct {
	RunID   string    `json:"run_id"`
	Region  string    `json:"region,omitempty"`
	Chunk   string    `json:"chunk,omitempty"`
	Success bool      `json:"success"`
	Records int64     `json:"records"`
	Seconds float64   `json:"seconds"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// PublisherSink relays chunk and run completions to a message bus so
// downstream consumers can react without polling the archive.
type PublisherSink struct {
	pub    Publisher
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink.
func NewPublisherSink(pub Publisher, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, logger: logger}
}

// Consume publishes one message per completion event. Other stages are ignored.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.pub == nil {
		return nil
	}
	var firstErr error
	for _, evt := range batch {
		name, ok := milestoneName(evt.Stage)
		if !ok {
			continue
		}
		payload := Milestone{
			RunID:   evt.RunUUID().String(),
			Region:  evt.Region,
			Chunk:   evt.Chunk,
			Success: evt.Stage != progress.StageChunkError,
			Records: evt.Count,
			Seconds: evt.Dur.Seconds(),
			Note:    evt.Note,
			At:      evt.TS.UTC(),
		}
		if _, err := s.pub.Publish(ctx, name, payload); err != nil {
			s.logger.Warn("relay progress milestone failed", zap.String("event", name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %s: %w", name, err)
			}
		}
	}
	return firstErr
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

func milestoneName(stage progress.Stage) (string, bool) {
	switch stage {
	case progress.StageChunkDone, progress.StageChunkError:
		return ChunkFinishedEvent, true
	case progress.StageRunDone:
		return RunFinishedEvent, true
	default:
		return "", false
	}
}
