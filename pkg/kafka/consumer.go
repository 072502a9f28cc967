package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Handler processes one decoded event.
type Handler func(ctx context.Context, event *Event) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
	// MaxRetries is the number of handler attempts before a message is
	// dead-lettered (or dropped when no DLQ is configured).
	MaxRetries   int
	RetryBackoff time.Duration
	EnableDLQ    bool
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10e6
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// Consumer reads one topic in a consumer group and commits each message once
// it has been handled, dead-lettered, or found malformed.
type Consumer struct {
	cfg       ConsumerConfig
	reader    messageReader
	dlq       DeadLetterPublisher
	handler   Handler
	logger    *slog.Logger
	closeOnce sync.Once
	closers   []func() error
}

func NewConsumer(cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	cfg = cfg.withDefaults()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
	c := &Consumer{cfg: cfg, reader: reader, handler: handler, logger: logger}
	c.closers = append(c.closers, reader.Close)
	if cfg.EnableDLQ {
		dlq := NewDLQProducer(cfg.Brokers, logger)
		c.dlq = dlq
		c.closers = append(c.closers, dlq.Close)
	}
	return c
}

func (c *Consumer) Topic() string { return c.cfg.Topic }

// Start consumes until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started",
		slog.String("topic", c.cfg.Topic),
		slog.String("group", c.cfg.GroupID),
	)
	defer c.logger.Info("consumer stopped", slog.String("topic", c.cfg.Topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch message failed", slog.String("topic", c.cfg.Topic), slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.RetryBackoff):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			// Only cancellation leaves a message uncommitted; it will be redelivered.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("commit message failed",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handle returns an error only when ctx was canceled mid-message.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	start := time.Now()
	defer func() {
		consumerDuration.WithLabelValues(msg.Topic, c.cfg.GroupID).Observe(time.Since(start).Seconds())
	}()

	event, err := UnmarshalEvent(msg.Value)
	if err != nil {
		c.logger.Error("malformed message",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		c.deadLetter(ctx, msg, err, outcomeMalformed)
		return nil
	}

	ctx = extractTrace(ctx, &msg)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if lastErr = c.handler(ctx, event); lastErr == nil {
			consumerMessages.WithLabelValues(msg.Topic, c.cfg.GroupID, outcomeProcessed).Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WarnContext(ctx, "handler failed",
			slog.String("event_type", event.EventType),
			slog.String("key", event.Key),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.MaxRetries),
			slog.String("error", lastErr.Error()),
		)
		if attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
		}
	}

	c.logger.ErrorContext(ctx, "handler exhausted retries",
		slog.String("event_type", event.EventType),
		slog.String("key", event.Key),
		slog.Int64("offset", msg.Offset),
		slog.String("error", lastErr.Error()),
	)
	c.deadLetter(ctx, msg, lastErr, outcomeDeadLettered)
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error, outcome string) {
	if c.dlq == nil {
		consumerMessages.WithLabelValues(msg.Topic, c.cfg.GroupID, outcomeDropped).Inc()
		return
	}
	if err := c.dlq.Publish(ctx, msg, cause, c.cfg.GroupID); err != nil {
		c.logger.ErrorContext(ctx, "dead-letter publish failed, dropping message",
			slog.String("topic", msg.Topic),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		consumerMessages.WithLabelValues(msg.Topic, c.cfg.GroupID, outcomeDropped).Inc()
		return
	}
	consumerMessages.WithLabelValues(msg.Topic, c.cfg.GroupID, outcome).Inc()
}

// Close releases the reader and DLQ writer. Safe to call more than once.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for _, closeFn := range c.closers {
			err = errors.Join(err, closeFn())
		}
	})
	return err
}
