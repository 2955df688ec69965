package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultMailTopic = "carpool-mail"

// MessageWriter is the subset of *kafka.Writer the queue needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes emails to the mail topic; cmd/consumer delivers them.
type KafkaQueue struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaQueue(brokers []string, topic string) *KafkaQueue {
	if topic == "" {
		topic = DefaultMailTopic
	}
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return &KafkaQueue{writer: w, timeout: 2 * time.Second}
}

// NewKafkaQueueWithWriter is used by tests.
func NewKafkaQueueWithWriter(w MessageWriter) *KafkaQueue {
	return &KafkaQueue{writer: w, timeout: 2 * time.Second}
}

func (k *KafkaQueue) Send(ctx context.Context, e Email) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dispatch.KafkaQueue.Send: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.To), Value: b}); err != nil {
		return fmt.Errorf("dispatch.KafkaQueue.Send: %w", err)
	}
	return nil
}

func (k *KafkaQueue) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeEmail parses a mail-topic message.
func DecodeEmail(m kafka.Message) (Email, error) {
	var e Email
	if err := json.Unmarshal(m.Value, &e); err != nil {
		return Email{}, fmt.Errorf("dispatch.DecodeEmail: %w", err)
	}
	if e.To == "" {
		return Email{}, fmt.Errorf("dispatch.DecodeEmail: missing recipient")
	}
	return e, nil
}
