package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"cryptodesk/internal/logger"
	"cryptodesk/internal/model"
)

// ReaderOption adjusts a kafka.ReaderConfig.
type ReaderOption func(*kafka.ReaderConfig)

func WithMinBytes(n int) ReaderOption {
	return func(c *kafka.ReaderConfig) { c.MinBytes = n }
}

func WithMaxWait(d time.Duration) ReaderOption {
	return func(c *kafka.ReaderConfig) { c.MaxWait = d }
}

// NewKafkaReader builds a consumer-group reader for the event topic.
func NewKafkaReader(brokers []string, groupID, topic string, opts ...ReaderOption) *kafka.Reader {
	cfg := kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return kafka.NewReader(cfg)
}

// messageReader is the part of *kafka.Reader KafkaEvents uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaEvents consumes notification and order-update events from a topic.
// Offsets are committed by the reader's consumer group after each read, so
// an event is delivered to connected clients at most once per group.
type KafkaEvents struct {
	reader messageReader
	sink   model.EventSink
	log    *slog.Logger
}

func NewKafkaEvents(r messageReader, sink model.EventSink, log *slog.Logger) *KafkaEvents {
	return &KafkaEvents{
		reader: r,
		sink:   sink,
		log:    logger.Or(log).With("component", "ingest", "events", "kafka"),
	}
}

// Run blocks until ctx is cancelled or the reader fails. The reader is
// closed on return.
func (k *KafkaEvents) Run(ctx context.Context) error {
	defer k.reader.Close()
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka read: %w", err)
		}
		e, err := ParseEvent(msg.Value)
		if err != nil {
			k.log.Debug("dropping event", "offset", msg.Offset, "err", err)
			continue
		}
		k.sink.PublishEvent(e)
	}
}
