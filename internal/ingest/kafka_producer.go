package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer publishes provider location pings for the downstream
// consumer pipeline.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ping models.LocationPing) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return k.publish(ctx, ping)
}

// Record makes the producer usable as a dispatch location recorder.
func (k *KafkaProducer) Record(ctx context.Context, ping models.LocationPing) error {
	return k.publish(ctx, ping)
}

func (k *KafkaProducer) publish(ctx context.Context, ping models.LocationPing) error {
	b, _ := json.Marshal(ping)
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ping.UserID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
