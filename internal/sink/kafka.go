package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/tokenwatch/internal/transfer"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes transfers as JSON, keyed by tx hash so one
// transaction's logs land on the same partition.
type KafkaSender struct {
	writer messageWriter
}

// NewKafkaSender builds a producer for topic. Send writes one message and
// waits for it, so the writer flushes every message immediately instead of
// waiting for a batch to fill.
func NewKafkaSender(brokers []string, topic string) (*KafkaSender, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	return &KafkaSender{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}, nil
}

func (k *KafkaSender) Send(ctx context.Context, t transfer.Transfer) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transfer: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(t.TxHash),
		Value: payload,
		Time:  t.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish transfer %s: %w", t.Key(), err)
	}
	return nil
}

// Close flushes pending messages.
func (k *KafkaSender) Close() error {
	return k.writer.Close()
}
