// Package messaging publishes engine and script messages to Kafka.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

// ErrNotConfigured is returned when publishing without brokers.
var ErrNotConfigured = errors.New("messaging is not configured")

// Config configures the Kafka publisher.
type Config struct {
	Brokers []string
	// DefaultTopic is used when a message names no topic.
	DefaultTopic string
}

// Message is one record to publish.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher writes messages to Kafka.
type Publisher struct {
	writer       messageWriter
	defaultTopic string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewPublisher constructs a Publisher using the supplied configuration.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker must be provided")
	}

	// The topic is set per message so scripts can address any topic.
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}

	return newPublisher(writer, cfg.DefaultTopic), nil
}

func newPublisher(writer messageWriter, defaultTopic string) *Publisher {
	return &Publisher{writer: writer, defaultTopic: defaultTopic}
}

// Publish writes msg, using the default topic when msg.Topic is empty.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	if p == nil || p.writer == nil {
		return ErrNotConfigured
	}

	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return fmt.Errorf("topic must be provided")
	}

	km := kafkago.Message{
		Topic: topic,
		Value: msg.Value,
		Time:  time.Now(),
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close releases the underlying Kafka writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
