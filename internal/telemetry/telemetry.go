// Package telemetry emits fire-and-forget analytics events about settlement
// activity. Nothing in the settlement core reads them back.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	EventOrderCreated     = "order.created"
	EventOrderPaid        = "order.paid"
	EventOrderFailed      = "order.failed"
	EventOrderRefunded    = "order.refunded"
	EventAdoptionSubmit   = "adoption.submitted"
	EventAdoptionApproved = "adoption.approved"
	EventAdoptionRejected = "adoption.rejected"
	EventWebhookDuplicate = "webhook.duplicate"
)

type Event struct {
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Publisher never blocks the caller on the sink and never reports delivery
// failures to it.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

type noopPublisher struct{}

func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, Event) {}
func (noopPublisher) Close() error                   { return nil }

type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
	now    func() time.Time
}

// NewKafkaPublisher builds an async writer for the topic. Delivery errors are
// logged from the writer's completion callback.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	brokers = normalizeBrokers(brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("telemetry topic is required")
	}

	p := &KafkaPublisher{logger: logger, now: time.Now}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.logger.Warn("telemetry delivery failed", "topic", topic, "messages", len(messages), "error", err)
			}
		},
	}

	logger.Info("kafka telemetry publisher initialized", "brokers", brokers, "topic", topic)
	return p, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) {
	msg, err := encode(event, p.now)
	if err != nil {
		p.logger.Warn("failed to encode telemetry event", "type", event.Type, "error", err)
		return
	}
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		p.logger.Warn("failed to enqueue telemetry event", "type", event.Type, "error", err)
	}
}

func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}

func encode(event Event, now func() time.Time) (kafka.Message, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}, nil
}

func normalizeBrokers(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}
