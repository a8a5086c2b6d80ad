package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/progress"
)

// LogSink writes each job event as a structured log line.
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

// Consume logs each event in the batch. Errors go out at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("account_id", evt.AccountID),
			zap.String("stage", string(evt.Stage)),
			zap.String("source", evt.Source),
		}
		if evt.Stage == progress.StageJobProgress {
			fields = append(fields, zap.Int("processed", evt.Processed), zap.Int("total", evt.Total))
		}
		if evt.Stage.Terminal() {
			fields = append(fields, zap.Int("results", evt.Results), zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageJobError || evt.Stage == progress.StageDeliveryQueued {
			s.logger.Warn("job event", fields...)
			continue
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
