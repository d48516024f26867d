package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Recorder counts consumed events.
type Recorder interface {
	EventConsumed(source, result string)
}

type nopRecorder struct{}

func (nopRecorder) EventConsumed(string, string) {}

const sourceKafka = "kafka"

type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader creates a consumer-group reader. Offsets are committed
// explicitly by the Consumer after each message is handled.
func NewKafkaReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
}

// Consumer reads envelopes from Kafka and hands them to a Sink.
type Consumer struct {
	reader        MessageReader
	sink          Sink
	scope         TenantScope
	defaultTenant string
	recorder      Recorder
	logger        zerolog.Logger
}

type ConsumerOption func(*Consumer)

// WithTenantScope scopes each envelope to its tenant, falling back to
// defaultTenant when the envelope carries none.
func WithTenantScope(scope TenantScope, defaultTenant string) ConsumerOption {
	return func(c *Consumer) {
		c.scope = scope
		c.defaultTenant = defaultTenant
	}
}

func WithRecorder(r Recorder) ConsumerOption {
	return func(c *Consumer) {
		if r != nil {
			c.recorder = r
		}
	}
}

func NewConsumer(reader MessageReader, sink Sink, logger zerolog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:   reader,
		sink:     sink,
		scope:    Unscoped,
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "event-consumer").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled. Malformed envelopes are logged and
// committed so they do not block the partition; sink failures are logged
// and committed as well since the dispatcher has no retry semantics.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("event consumer started")
	defer c.logger.Info().Msg("event consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn().Err(err).Msg("kafka fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.recorder.EventConsumed(sourceKafka, c.handle(ctx, msg))

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("kafka commit failed")
		}
	}
}

// handle processes one message and returns the result label.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) string {
	env, err := Decode(msg.Value)
	if err != nil {
		c.logger.Warn().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("discarding malformed event")
		return "invalid"
	}

	tenant := env.TenantID
	if tenant == "" {
		tenant = c.defaultTenant
	}
	err = c.scope(ctx, tenant, func(ctx context.Context) error {
		return c.sink.Consume(ctx, env)
	})
	if err != nil {
		c.logger.Error().Err(err).
			Str("event_type", env.Type).
			Str("tenant_id", tenant).
			Int64("offset", msg.Offset).
			Msg("event dispatch failed")
		return "failed"
	}
	return "ok"
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Publisher writes envelopes to a Kafka topic.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	return &Publisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

// Publish validates env and writes it keyed by tenant, so one tenant's
// events stay on one partition.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(env.TenantID), Value: payload}); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
