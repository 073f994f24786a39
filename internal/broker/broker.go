package broker

import (
	"context"

	"github.com/ridewave/payment-service/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"
)

// Publisher is a synchronous, acknowledged publish to the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

type kafkaPublisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a writer that partitions by message key, so all events
// for one trip land on the same partition in order.
func NewPublisher(lc fx.Lifecycle, cfg config.Config) Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return writer.Close()
		},
	})

	return &kafkaPublisher{writer: writer}
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
}

// NewReader builds a consumer-group reader for the trip topic.
func NewReader(cfg config.Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topic:   cfg.Kafka.TripTopic,
	})
}

var Module = fx.Module("broker",
	fx.Provide(NewPublisher),
)
