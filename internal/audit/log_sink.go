package audit

import (
	"context"

	"go.uber.org/zap"

	"access-service/internal/models"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, event *models.AuditEvent) error {
	s.logger.Info("Access audit event",
		zap.String("event_id", event.ID),
		zap.String("action", event.Action),
		zap.String("email", event.Email),
		zap.String("request_id", event.RequestID),
		zap.String("actor", event.Actor),
		zap.String("access_type", event.AccessType),
		zap.Time("timestamp", event.Timestamp),
	)
	return nil
}
