package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writerStub struct {
	failures int
	calls    int
	written  []kafka.Message
	closed   bool
}

func (w *writerStub) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.calls <= w.failures {
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *writerStub) Close() error {
	w.closed = true
	return nil
}

func TestPublishJSONRetriesTransientFailures(t *testing.T) {
	w := &writerStub{failures: 2}
	p := newProducer(w, ProducerConfig{Topic: "prm.deal-audit", MaxAttempts: 3, Backoff: time.Millisecond})

	err := p.PublishJSON(context.Background(), "deal-1", map[string]string{"action": "DEAL_REGISTERED"}, map[string]string{"entity": "DEAL"})
	require.NoError(t, err)

	require.Len(t, w.written, 1)
	assert.Equal(t, "deal-1", string(w.written[0].Key))
	assert.JSONEq(t, `{"action":"DEAL_REGISTERED"}`, string(w.written[0].Value))
	require.Len(t, w.written[0].Headers, 1)
	assert.Equal(t, "entity", w.written[0].Headers[0].Key)
	assert.Equal(t, 3, w.calls)
}

func TestPublishGivesUp(t *testing.T) {
	w := &writerStub{failures: 10}
	p := newProducer(w, ProducerConfig{Topic: "prm.deal-audit", MaxAttempts: 2, Backoff: time.Millisecond})

	err := p.Publish(context.Background(), "deal-1", []byte("{}"), nil)
	assert.Error(t, err)
	assert.Equal(t, 2, w.calls)
}

func TestNewProducerRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewProducer(ProducerConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewProducer(ProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestCloseClosesWriter(t *testing.T) {
	w := &writerStub{}
	p := newProducer(w, ProducerConfig{Topic: "t"})
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
