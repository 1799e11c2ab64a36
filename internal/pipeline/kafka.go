package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/loghive-io/loghive/internal/config"
	"github.com/loghive-io/loghive/internal/event"
)

const (
	defaultKafkaTopic   = "loghive.events"
	defaultKafkaGroupID = "loghive-aggregator"

	// Fetch retry policy: brokers can be briefly unreachable (rebalance,
	// rolling restart) without the source being dead. Consecutive failures
	// beyond the budget stop the source.
	defaultFetchMaxAttempts = 10
	defaultFetchRetryDelay  = 2 * time.Second
)

// ErrNoBrokers is returned when a Kafka source is constructed without brokers.
var ErrNoBrokers = errors.New("no kafka brokers configured")

type (
	// KafkaConfig holds the optional Kafka ingest source configuration.
	// The source is enabled when KAFKA_BROKERS is set.
	KafkaConfig struct {
		Brokers []string
		Topic   string
		GroupID string
	}

	// Fetcher is the narrow slice of kafka.Reader the source depends on.
	// Tests substitute a fake; production wiring passes a *kafka.Reader.
	Fetcher interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// KafkaSource consumes JSON event records from a Kafka topic and feeds
	// them into the same admission pipeline as HTTP publishing: validate,
	// credit received, enqueue. Delivery from Kafka is at-least-once; the
	// dedup store downstream converts that into exactly-once effect, so
	// offsets are committed as soon as an event is enqueued.
	KafkaSource struct {
		fetcher   Fetcher
		validator *event.Validator
		store     event.Store
		queue     *Queue
		logger    *slog.Logger
		done      chan struct{}

		fetchMaxAttempts int
		fetchRetryDelay  time.Duration
	}

	// kafkaEventRecord is the wire shape of a published event on the topic.
	// Identical to the HTTP event wire shape.
	kafkaEventRecord struct {
		Topic     string         `json:"topic"`
		EventID   string         `json:"event_id"`
		Timestamp string         `json:"timestamp"`
		Source    string         `json:"source"`
		Payload   map[string]any `json:"payload"`
	}
)

// LoadKafkaConfig loads the Kafka source configuration from environment variables.
func LoadKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers: config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "")),
		Topic:   config.GetEnvStr("KAFKA_TOPIC", defaultKafkaTopic),
		GroupID: config.GetEnvStr("KAFKA_GROUP_ID", defaultKafkaGroupID),
	}
}

// Enabled reports whether the Kafka ingest source should run.
func (c *KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// NewKafkaReader constructs a kafka.Reader for the configured consumer group.
func NewKafkaReader(cfg *KafkaConfig) (*kafka.Reader, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBrokers
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	}), nil
}

// NewKafkaSource creates a Kafka ingest source over an established fetcher.
func NewKafkaSource(
	fetcher Fetcher,
	validator *event.Validator,
	store event.Store,
	queue *Queue,
	logger *slog.Logger,
) *KafkaSource {
	return &KafkaSource{
		fetcher:          fetcher,
		validator:        validator,
		store:            store,
		queue:            queue,
		logger:           logger,
		done:             make(chan struct{}),
		fetchMaxAttempts: defaultFetchMaxAttempts,
		fetchRetryDelay:  defaultFetchRetryDelay,
	}
}

// Start launches the source goroutine. It exits when the context is
// cancelled or the fetch retry budget is exhausted.
func (s *KafkaSource) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *KafkaSource) run(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("kafka source started")

	failures := 0

	for {
		msg, err := s.fetcher.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("kafka source stopped")

				return
			}

			failures++
			if failures >= s.fetchMaxAttempts {
				s.logger.Error("kafka source stopping after repeated fetch failures",
					slog.Int("consecutive_failures", failures),
					slog.String("error", err.Error()),
				)

				return
			}

			s.logger.Warn("kafka fetch failed, retrying",
				slog.Int("attempt", failures),
				slog.Int("max_attempts", s.fetchMaxAttempts),
				slog.String("error", err.Error()),
			)

			select {
			case <-ctx.Done():
				s.logger.Info("kafka source stopped")

				return
			case <-time.After(s.fetchRetryDelay):
			}

			continue
		}

		failures = 0

		if err := s.admit(ctx, msg); err != nil {
			s.logger.Warn("kafka record rejected",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}

		// Commit regardless of admission outcome: malformed records would
		// otherwise be redelivered forever, and accepted records are now
		// owned by the durable dedup pipeline.
		if err := s.fetcher.CommitMessages(ctx, msg); err != nil {
			s.logger.Error("kafka commit failed", slog.String("error", err.Error()))
		}
	}
}

// admit validates and enqueues one record, mirroring the HTTP admission path.
func (s *KafkaSource) admit(ctx context.Context, msg kafka.Message) error {
	var record kafkaEventRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		return fmt.Errorf("malformed event record: %w", err)
	}

	e := &event.Event{
		Topic:     record.Topic,
		EventID:   record.EventID,
		Timestamp: record.Timestamp,
		Source:    record.Source,
		Payload:   record.Payload,
	}

	if err := s.validator.Validate(e); err != nil {
		return fmt.Errorf("invalid event record: %w", err)
	}

	if err := s.store.IncrementStats(ctx, 1, 0, 0); err != nil {
		return fmt.Errorf("failed to credit received event: %w", err)
	}

	if err := s.queue.Enqueue(ctx, e); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	return nil
}

// Wait blocks until the source goroutine has exited.
func (s *KafkaSource) Wait() {
	<-s.done
}

// Close releases the underlying fetcher. Call after Wait.
func (s *KafkaSource) Close() error {
	return s.fetcher.Close()
}
