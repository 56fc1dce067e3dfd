package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"access-service/internal/models"
)

// producer is the part of client.KafkaProducer the sink needs.
type producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes events as JSON, keyed by email so one user's events
// stay ordered within a partition.
type KafkaSink struct {
	producer producer
	topic    string
}

func NewKafkaSink(p producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, event *models.AuditEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	headers := map[string]string{
		"event_id": event.ID,
		"action":   event.Action,
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(models.NormalizeEmail(event.Email)), value, headers)
}
