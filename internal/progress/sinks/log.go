package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/blaulicht-crawler/internal/progress"
)

// LogSink emits structured logs for run and chunk milestones. Article events
// are logged at debug level since a run produces thousands of them.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("region", evt.Region),
		}
		if evt.Chunk != "" {
			fields = append(fields, zap.String("chunk", evt.Chunk))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.FailedStage != "" {
			fields = append(fields, zap.String("failed_stage", evt.FailedStage))
		}
		if evt.Count > 0 {
			fields = append(fields, zap.Int64("count", evt.Count))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageArticleDone, progress.StageArticleError:
			s.logger.Debug("progress event", fields...)
		case progress.StageChunkError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
