package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/progress"
)

// LogSink emits structured logs for progress streams.
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

// Consume logs each event. Failures log at warn, everything else at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("phase", string(evt.Phase)),
			zap.String("company", evt.Company),
		}
		if evt.Total > 0 {
			fields = append(fields, zap.Int("total", evt.Total))
		}
		if evt.Description != "" {
			fields = append(fields, zap.String("description", evt.Description))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageItemFailed {
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close flushes buffered log entries.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
