package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Event is one record read from a topic.
type Event struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// MessageReader is the subset of kafka.Reader used for tailing.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReaderFactory opens a reader on one topic.
type ReaderFactory func(brokers []string, topic string, fromStart bool) MessageReader

// KafkaReader is the default ReaderFactory.
func KafkaReader(brokers []string, topic string, fromStart bool) MessageReader {
	offset := kafka.LastOffset
	if fromStart {
		offset = kafka.FirstOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		Partition:   0,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: offset,
	})
}

// TailOptions controls Tail.
type TailOptions struct {
	FromStart bool
	// Limit stops after that many events when positive.
	Limit  int
	Reader ReaderFactory
}

// ErrStopTail can be returned by a tail callback to end the tail without error.
var ErrStopTail = errors.New("stop tail")

// Tail reads events from topic and hands each to fn until ctx ends, the
// limit is reached or fn returns an error. Context cancellation is a normal
// stop and returns nil.
func (i *Inspector) Tail(ctx context.Context, topic string, opts TailOptions, fn func(Event) error) error {
	factory := opts.Reader
	if factory == nil {
		factory = KafkaReader
	}
	r := factory(i.brokers, topic, opts.FromStart)
	defer r.Close()

	i.logger.Info("Tailing topic", "topic", topic, "from_start", opts.FromStart)
	for n := 0; opts.Limit <= 0 || n < opts.Limit; n++ {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read from %s: %w", topic, err)
		}
		ev := Event{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
			Time:      msg.Time,
		}
		if err := fn(ev); err != nil {
			if errors.Is(err, ErrStopTail) {
				return nil
			}
			return err
		}
	}
	return nil
}
