package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer that KafkaSender uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes envelopes to a topic, keyed by envelope id.
type KafkaSender struct {
	writer messageWriter
}

func NewKafkaSender(brokers []string, topic string) (*KafkaSender, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic required")
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaSender{writer: w}, nil
}

func (s *KafkaSender) Name() string { return "kafka" }

func (s *KafkaSender) Send(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.ID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "notificationType", Value: []byte(env.NotificationType)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	env.ProviderID = env.ID
	return nil
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
