package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/casbridge/relayer/internal/domain"
)

// Event types emitted by the settlement service.
const (
	TypeTransactionCompleted = "bridge.transaction.completed"
	TypePaymentFailed        = "bridge.payment.failed"
)

// Event is the payload published when a route reaches a terminal outcome.
type Event struct {
	Type       string        `json:"type"`
	RouteID    string        `json:"routeId"`
	Status     domain.Status `json:"status"`
	Amount     uint64        `json:"amount"`
	PaymentRef string        `json:"paymentRef,omitempty"`
	Error      string        `json:"error,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// Publisher emits terminal-outcome events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NopPublisher drops all events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// KafkaPublisher writes events to a Kafka topic, keyed by routeId so that
// per-route ordering is preserved across partitions.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a publisher against the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.RouteID),
		Value: data,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
