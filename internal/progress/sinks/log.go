package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/climate-archive-crawler/internal/progress"
)

// LogSink emits one structured log line per progress event.
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

// Consume logs each event in the batch. Run milestones log at info, per-page
// and per-archive events at debug unless they failed.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
			zap.String("result", evt.Result),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StageCrawlPage:
			fields = append(fields, zap.String("level", evt.Level), zap.Int64("links", evt.Links))
		case progress.StageRetrieveDone:
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
			if evt.FailStage != "" {
				fields = append(fields, zap.String("fail_stage", evt.FailStage))
			}
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}

		switch {
		case evt.Stage == progress.StageRunStart || evt.Stage == progress.StageRunDone:
			s.logger.Info("progress event", fields...)
		case evt.Result == progress.ResultFailed || evt.FailStage != "":
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Debug("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
