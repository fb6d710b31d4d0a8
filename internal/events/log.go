package events

import (
	"context"
	"log/slog"
)

// LogSink writes every event through a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink creates a LogSink, falling back to slog.Default when logger is nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(event Event) {
	attrs := []slog.Attr{slog.String("event", event.EventType())}
	if id := event.TaskID(); id != "" {
		attrs = append(attrs, slog.String("task_id", id))
	}

	level := slog.LevelInfo
	switch e := event.(type) {
	case StageStartedEvent:
		attrs = append(attrs, slog.String("stage", e.Stage), slog.String("agent", e.Agent))
		level = slog.LevelDebug
	case StageCompletedEvent:
		attrs = append(attrs, slog.String("stage", e.Stage), slog.Duration("duration", e.Duration))
	case StageFailedEvent:
		attrs = append(attrs, slog.String("stage", e.Stage), slog.Any("error", e.Err))
		level = slog.LevelWarn
	case StageParallelStartedEvent:
		attrs = append(attrs, slog.Any("stages", e.Stages), slog.Any("agents", e.Agents))
	case TaskPausedEvent:
		attrs = append(attrs, slog.String("reason", e.Reason))
	case TaskResumedEvent:
		attrs = append(attrs, slog.String("reason", e.Reason))
	case TaskFailedEvent:
		attrs = append(attrs, slog.Any("failed_stages", e.FailedStages), slog.Any("error", e.Err))
		level = slog.LevelError
	case CapacityExhaustedEvent:
		attrs = append(attrs,
			slog.String("window", e.Capacity.WindowID),
			slog.Float64("used", e.Capacity.Used),
			slog.Float64("limit", e.Capacity.Limit))
		level = slog.LevelWarn
	case CapacityRestoredEvent:
		attrs = append(attrs,
			slog.String("reason", e.Reason),
			slog.String("window", e.NewCapacity.WindowID),
			slog.Float64("used", e.NewCapacity.Used),
			slog.Float64("limit", e.NewCapacity.Limit))
	}

	s.Logger.LogAttrs(context.Background(), level, "event", attrs...)
}
