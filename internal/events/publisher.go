// Package events publishes one event per finished prediction for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PredictionEvent is the message value published for every prediction request.
type PredictionEvent struct {
	RequestID    string    `json:"request_id"`
	Stage        string    `json:"stage"`
	Success      bool      `json:"success"`
	ClassIndex   int       `json:"class_index"`
	Label        string    `json:"label,omitempty"`
	Confidence   float64   `json:"confidence"`
	Error        string    `json:"error,omitempty"`
	SHA1Hash     string    `json:"sha1_hash"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Publisher delivers prediction events.
type Publisher interface {
	Publish(ctx context.Context, event PredictionEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by request id.
// Write failures are returned, not logged; callers log them with request context.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher for topic on brokers. The writer connects lazily.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	logger.Info("kafka publisher configured", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event PredictionEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal prediction event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.RequestID),
		Value: value,
		Time:  event.CreatedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish prediction event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, PredictionEvent) error { return nil }
func (Nop) Close() error                                   { return nil }
