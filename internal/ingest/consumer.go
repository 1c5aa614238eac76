// Package ingest consumes task history events from Kafka and applies them
// to the task store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nadmax/estimo/internal/logger"
	"github.com/nadmax/estimo/internal/metrics"
	"github.com/segmentio/kafka-go"
)

// ErrMalformed marks a message that can never be applied. It is dropped.
var ErrMalformed = errors.New("malformed message")

const (
	defaultRetryInterval = time.Second
	defaultMaxAttempts   = 3
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Handler func(ctx context.Context, msg kafka.Message) error

type subscription struct {
	topic   string
	reader  MessageReader
	handler Handler
}

// Consumer runs one fetch loop per registered topic. A message whose
// handler fails is retried up to maxAttempts times, then committed anyway so
// a poison message never stalls its partition. Malformed messages are
// committed without retry. A message is left uncommitted only when the
// consumer stops mid-retry, so it is redelivered on restart.
type Consumer struct {
	id            string
	subs          []subscription
	retryInterval time.Duration
	maxAttempts   int
	log           *logger.Logger
}

func NewConsumer(id string, log *logger.Logger) *Consumer {
	if log == nil {
		log = logger.NewNop()
	}

	return &Consumer{
		id:            id,
		retryInterval: defaultRetryInterval,
		maxAttempts:   defaultMaxAttempts,
		log:           log.With("consumer_id", id),
	}
}

func (c *Consumer) Register(topic string, reader MessageReader, handler Handler) {
	c.subs = append(c.subs, subscription{topic: topic, reader: reader, handler: handler})
}

func (c *Consumer) SetRetryInterval(d time.Duration) {
	c.retryInterval = d
}

func (c *Consumer) SetMaxAttempts(n int) {
	if n < 1 {
		n = 1
	}
	c.maxAttempts = n
}

// Start blocks until ctx is cancelled and every topic loop has returned.
func (c *Consumer) Start(ctx context.Context) {
	c.log.Info("consumer started", "topics", len(c.subs))

	var wg sync.WaitGroup
	for _, sub := range c.subs {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			c.consume(ctx, sub)
		}(sub)
	}
	wg.Wait()

	c.log.Info("consumer stopped")
}

func (c *Consumer) consume(ctx context.Context, sub subscription) {
	for {
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Error("failed to fetch message", "topic", sub.topic, "error", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryInterval):
			}
			continue
		}

		c.processMessage(ctx, sub, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, sub subscription, msg kafka.Message) {
	done, err := c.handle(ctx, sub, msg)
	if !done {
		c.log.Warn("consumer stopped before message was applied",
			"topic", sub.topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return
	}

	switch {
	case err == nil:
		metrics.RecordIngestionEvent(sub.topic, "applied")
	case errors.Is(err, ErrMalformed):
		metrics.RecordIngestionEvent(sub.topic, "dropped")
		c.log.Warn("dropping malformed message",
			"topic", sub.topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	default:
		metrics.RecordIngestionEvent(sub.topic, "failed")
		c.log.Error("failed to apply message",
			"topic", sub.topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempts", c.maxAttempts,
			"error", err,
		)
	}

	if err := sub.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
		c.log.Error("failed to commit message",
			"topic", sub.topic,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

// handle runs the handler until it succeeds, reports a malformed message or
// runs out of attempts. done is false when ctx ends between attempts.
func (c *Consumer) handle(ctx context.Context, sub subscription, msg kafka.Message) (done bool, err error) {
	for attempt := 1; ; attempt++ {
		err = sub.handler(ctx, msg)
		if err == nil || errors.Is(err, ErrMalformed) {
			return true, err
		}
		if ctx.Err() != nil {
			return false, err
		}
		if attempt >= c.maxAttempts {
			return true, err
		}

		c.log.Warn("retrying message",
			"topic", sub.topic,
			"offset", msg.Offset,
			"attempt", attempt,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false, err
		case <-time.After(c.retryInterval):
		}
	}
}

// Close closes every registered reader.
func (c *Consumer) Close() error {
	var errs []error
	for _, sub := range c.subs {
		if err := sub.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader for %s: %w", sub.topic, err))
		}
	}
	return errors.Join(errs...)
}

type ReaderConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// NewKafkaReader returns a consumer-group reader with manual commits that
// starts from the oldest offset when the group has none.
func NewKafkaReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        3 * time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
}
