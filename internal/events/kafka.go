package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
)

// KafkaPublisher writes events to a Kafka topic asynchronously
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			for _, m := range messages {
				evtType := headerValue(m.Headers, "type")
				if err != nil {
					metrics.DomainEventsPublishedTotal.WithLabelValues(evtType, "error").Inc()
					logger.Warn("Failed to publish domain event",
						zap.String("type", evtType),
						zap.ByteString("key", m.Key),
						zap.Error(err))
					continue
				}
				metrics.DomainEventsPublishedTotal.WithLabelValues(evtType, "success").Inc()
			}
		},
	}
	return &KafkaPublisher{writer: w}
}

// Publish queues evt for delivery
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(evt)
	if err != nil {
		logger.Error("Failed to encode domain event", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:     []byte(evt.Key),
		Value:   value,
		Time:    evt.OccurredAt,
		Headers: []kafka.Header{{Key: "type", Value: []byte(evt.Type)}},
	}
	// With Async set, WriteMessages only fails when the writer is closed.
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.Warn("Failed to queue domain event", zap.String("type", evt.Type), zap.Error(err))
	}
}

// Close flushes pending events and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
