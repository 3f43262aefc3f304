package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/progress"
)

// LogSink mirrors the progress stream into structured logs, so a run is
// observable server-side even when no streaming client is attached.
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

// Consume logs the event with structured fields. Error events log at warn
// level, everything else at info.
func (s *LogSink) Consume(_ context.Context, evt progress.Event) error {
	fields := []zap.Field{
		zap.String("type", string(evt.Type)),
		zap.String("message", evt.Message),
	}
	if evt.Data != nil {
		fields = append(fields, zap.Any("data", evt.Data))
	}
	if evt.Type == progress.TypeError {
		s.logger.Warn("progress event", fields...)
		return nil
	}
	s.logger.Info("progress event", fields...)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
