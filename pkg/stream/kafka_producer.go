package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts bounds retries of a single publish. Defaults to 3.
	MaxAttempts  int
	WriteTimeout time.Duration
	// Backoff is the initial pause between attempts, doubled up to one second.
	Backoff time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes keyed JSON events. Messages sharing a key land on the same
// partition, so events for one deal stay ordered.
type Producer struct {
	writer      messageWriter
	topic       string
	maxAttempts int
	timeout     time.Duration
	backoff     time.Duration
}

// NewProducer dials nothing up front; kafka-go connects lazily on first write.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return newProducer(w, cfg), nil
}

func newProducer(w messageWriter, cfg ProducerConfig) *Producer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &Producer{
		writer:      w,
		topic:       cfg.Topic,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.WriteTimeout,
		backoff:     cfg.Backoff,
	}
}

// Publish writes one message, retrying transient failures with exponential backoff.
func (p *Producer) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{Key: []byte(key), Value: value, Time: time.Now().UTC()}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", p.topic, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", p.topic, p.maxAttempts, lastErr)
}

// PublishJSON marshals v and publishes it under key.
func (p *Producer) PublishJSON(ctx context.Context, key string, v interface{}, headers map[string]string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.Publish(ctx, key, body, headers)
}

// Close flushes pending batches and releases the writer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
