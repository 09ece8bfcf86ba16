// Package natsqueue implements the queue transport on NATS JetStream: a
// single work stream with a durable pull consumer, explicit acks, and
// delayed delivery through a not-before header honored at poll time.
package natsqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/queue"
)

// headerNotBefore carries the earliest delivery time for delayed pushes.
const headerNotBefore = "Conveyor-Not-Before"

// Config describes the stream and consumer this transport uses.
type Config struct {
	StreamName   string        `yaml:"stream_name"`
	Subject      string        `yaml:"subject"`
	ConsumerName string        `yaml:"consumer_name"`
	AckWait      time.Duration `yaml:"ack_wait"`
	FetchWait    time.Duration `yaml:"fetch_wait"`
}

// DefaultConfig returns the stream layout used by a stock deployment.
func DefaultConfig() Config {
	return Config{
		StreamName:   "CONVEYOR_WORK",
		Subject:      "conveyor.work",
		ConsumerName: "conveyor-scheduler",
		AckWait:      2 * time.Minute,
		FetchWait:    2 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	return nil
}

// Queue is the JetStream-backed transport.
type Queue struct {
	config   Config
	js       jetstream.JetStream
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// New provisions the stream and durable consumer and returns the transport.
func New(ctx context.Context, nc *nats.Conn, config Config, logger *slog.Logger) (*Queue, error) {
	defaults := DefaultConfig()
	if config.StreamName == "" {
		config.StreamName = defaults.StreamName
	}
	if config.Subject == "" {
		config.Subject = defaults.Subject
	}
	if config.ConsumerName == "" {
		config.ConsumerName = defaults.ConsumerName
	}
	if config.AckWait == 0 {
		config.AckWait = defaults.AckWait
	}
	if config.FetchWait == 0 {
		config.FetchWait = defaults.FetchWait
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.StreamName,
		Subjects:  []string{config.Subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", config.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       config.ConsumerName,
		FilterSubject: config.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       config.AckWait,
		// The dispatcher enforces its own attempt ceiling and converts
		// exhausted messages into invalid markers, so the broker cap
		// stays out of the way.
		MaxDeliver: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", config.ConsumerName, err)
	}

	return &Queue{
		config:   config,
		js:       js,
		consumer: consumer,
		logger:   logger,
	}, nil
}

// Push implements queue.Queue.
func (q *Queue) Push(ctx context.Context, msg message.Message, delay time.Duration) error {
	data, err := message.Marshal(msg)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	m := &nats.Msg{
		Subject: q.config.Subject,
		Data:    data,
		Header:  nats.Header{},
	}
	if delay > 0 {
		m.Header.Set(headerNotBefore, time.Now().Add(delay).Format(time.RFC3339Nano))
	}

	if _, err := q.js.PublishMsg(ctx, m); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind(), err)
	}
	return nil
}

// Poll implements queue.Queue. A message delivered ahead of its not-before
// time is returned to the broker with the remaining delay.
func (q *Queue) Poll(ctx context.Context) (*queue.Delivery, error) {
	batch, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(q.config.FetchWait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	for m := range batch.Messages() {
		if remaining, premature := q.notBefore(m); premature {
			if err := m.NakWithDelay(remaining); err != nil {
				q.logger.Warn("nak of premature delivery failed", "error", err)
			}
			continue
		}

		msg, err := message.Unmarshal(m.Data())
		if err != nil {
			// Undecodable payloads would redeliver forever; drop them.
			q.logger.Error("dropping undecodable message", "error", err)
			if ackErr := m.Ack(); ackErr != nil {
				q.logger.Warn("ack of undecodable message failed", "error", ackErr)
			}
			continue
		}

		attempts := 1
		if meta, err := m.Metadata(); err == nil {
			attempts = int(meta.NumDelivered)
		}
		return &queue.Delivery{Message: msg, Attempts: attempts, Handle: m}, nil
	}

	if err := batch.Error(); err != nil && err != context.DeadlineExceeded {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return nil, queue.ErrNoMessages
}

func (q *Queue) notBefore(m jetstream.Msg) (time.Duration, bool) {
	v := m.Headers().Get(headerNotBefore)
	if v == "" {
		return 0, false
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return 0, false
	}
	remaining := time.Until(at)
	return remaining, remaining > 0
}

// Ack implements queue.Queue.
func (q *Queue) Ack(_ context.Context, h queue.Handle) error {
	m, ok := h.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("ack: foreign handle %T", h)
	}
	if err := m.Ack(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Nack implements queue.Queue.
func (q *Queue) Nack(_ context.Context, h queue.Handle, delay time.Duration) error {
	m, ok := h.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("nack: foreign handle %T", h)
	}
	if err := m.NakWithDelay(delay); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	return nil
}
