package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/care-matching/internal/models"
)

const publishTimeout = 5 * time.Second

// Publisher sends one keyed message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// KafkaProducer writes to any topic over one writer. Messages with the same
// key land on the same partition.
type KafkaProducer struct {
	writer        *kafka.Writer
	locationTopic string
}

func NewKafkaProducer(brokers []string, locationTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic}
}

func (k *KafkaProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: value})
}

// PublishLocation feeds the caregiver location topic read by cmd/consumer.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.Publish(ctx, k.locationTopic, u.CaregiverID, b)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// LogPublisher stands in for Kafka in local runs.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("event published", "topic", topic, "key", key, "bytes", len(value))
	return nil
}

func (LogPublisher) Close() error { return nil }
