package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/loghive-io/loghive/internal/event"
)

// PostgreSQL error codes relevant to the dedup and counter paths.
const (
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
	pgConnectionClass      = "08"
)

// maxSerializableRetries bounds internal retries of serializable transactions
// that abort due to concurrent conflicts.
const maxSerializableRetries = 3

var (
	// ErrStatsRowMissing is returned when the singleton counter row does not exist.
	ErrStatsRowMissing = errors.New("event_stats singleton row missing")

	// ErrNilEvent is returned when a nil event is passed to MarkProcessed.
	ErrNilEvent = errors.New("event cannot be nil")
)

// EventStore implements event.Store with a PostgreSQL backend.
//
// The dedup_store uniqueness constraint on (topic, event_id) is the
// serialization point for "have we seen this event?". Duplicate detection is
// a value (rows affected), never an exception: inserts use ON CONFLICT DO
// NOTHING so racing writers observe persisted=false instead of an error.
type EventStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEventStore creates a PostgreSQL event store on an established connection.
func NewEventStore(conn *Connection, logger *slog.Logger) *EventStore {
	return &EventStore{
		conn:   conn,
		logger: logger,
	}
}

// Ensure interface compliance at compile time.
var _ event.Store = (*EventStore)(nil)

// EnsureSchema verifies the event tables exist and creates them if the
// migrator has not run. The statements mirror the embedded migrations and
// are safe to re-run.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS processed_events (
			id BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			event_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			source TEXT NOT NULL,
			payload JSONB NOT NULL,
			received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (topic, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_events_topic ON processed_events (topic)`,
		`CREATE TABLE IF NOT EXISTS dedup_store (
			id BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			event_id TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (topic, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS event_stats (
			id INT PRIMARY KEY DEFAULT 1,
			received INT DEFAULT 0,
			unique_processed INT DEFAULT 0,
			duplicate_dropped INT DEFAULT 0,
			CONSTRAINT single_row CHECK (id = 1)
		)`,
		`INSERT INTO event_stats (id, received, unique_processed, duplicate_dropped)
			VALUES (1, 0, 0, 0)
			ON CONFLICT (id) DO NOTHING`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	return nil
}

// IsProcessed reports whether the fingerprint has been recorded in the dedup store.
func (s *EventStore) IsProcessed(ctx context.Context, topic, eventID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM dedup_store WHERE topic = $1 AND event_id = $2
		)
	`

	var exists bool
	if err := s.conn.QueryRowContext(ctx, query, topic, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check dedup store: %w", err)
	}

	return exists, nil
}

// MarkProcessed durably records the event exactly once.
//
// Both inserts run inside one serializable transaction with conflict-skip.
// persisted=true iff the dedup insert created a new row; a concurrent writer
// that lost the race observes persisted=false with a nil error. Serialization
// aborts are retried up to maxSerializableRetries before surfacing.
func (s *EventStore) MarkProcessed(ctx context.Context, e *event.Event) (bool, error) {
	if e == nil {
		return false, ErrNilEvent
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var persisted bool

	err = s.runSerializable(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO dedup_store (topic, event_id)
				VALUES ($1, $2)
				ON CONFLICT (topic, event_id) DO NOTHING`,
			e.Topic, e.EventID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert dedup key: %w", err)
		}

		inserted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}

		persisted = inserted > 0
		if !persisted {
			// Fingerprint already recorded; nothing more to write.
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO processed_events (topic, event_id, timestamp, source, payload)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (topic, event_id) DO NOTHING`,
			e.Topic, e.EventID, e.Timestamp, e.Source, payload,
		); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}

		return nil
	})
	if err != nil {
		// A uniqueness violation here means another writer committed the same
		// fingerprint mid-transaction. Duplicate is a value, not an error.
		if isUniqueViolation(err) {
			return false, nil
		}

		return false, err
	}

	return persisted, nil
}

// IncrementStats atomically adds the deltas to the singleton counter row.
// The SQL is increment-by-delta, so concurrent updates commute; serializable
// isolation defends against read-modify-write patterns on top.
func (s *EventStore) IncrementStats(ctx context.Context, received, unique, duplicate int) error {
	return s.runSerializable(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE event_stats
				SET received = received + $1,
					unique_processed = unique_processed + $2,
					duplicate_dropped = duplicate_dropped + $3
				WHERE id = 1`,
			received, unique, duplicate,
		)
		if err != nil {
			return fmt.Errorf("failed to update stats: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}

		if affected == 0 {
			return ErrStatsRowMissing
		}

		return nil
	})
}

// GetStats returns the current counter values.
func (s *EventStore) GetStats(ctx context.Context) (*event.Stats, error) {
	query := `
		SELECT received, unique_processed, duplicate_dropped
		FROM event_stats
		WHERE id = 1
	`

	var stats event.Stats

	err := s.conn.QueryRowContext(ctx, query).Scan(
		&stats.Received,
		&stats.UniqueProcessed,
		&stats.DuplicateDropped,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStatsRowMissing
		}

		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	return &stats, nil
}

// GetTopics returns the sorted distinct topics of all persisted events.
func (s *EventStore) GetTopics(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT topic FROM processed_events ORDER BY topic`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	topics := []string{}

	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}

		topics = append(topics, topic)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating topics: %w", err)
	}

	return topics, nil
}

// GetEventsByTopic returns persisted events ordered by processed_at ascending.
// An empty topic returns all events.
func (s *EventStore) GetEventsByTopic(ctx context.Context, topic string) ([]event.StoredEvent, error) {
	query := `
		SELECT id, topic, event_id, timestamp, source, payload, received_at, processed_at
		FROM processed_events
	`
	args := []any{}

	if topic != "" {
		query += ` WHERE topic = $1`

		args = append(args, topic)
	}

	query += ` ORDER BY processed_at ASC, id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	events := []event.StoredEvent{}

	for rows.Next() {
		var (
			stored  event.StoredEvent
			payload []byte
		)

		err := rows.Scan(
			&stored.ID,
			&stored.Topic,
			&stored.EventID,
			&stored.Timestamp,
			&stored.Source,
			&payload,
			&stored.ReceivedAt,
			&stored.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if err := json.Unmarshal(payload, &stored.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for event %s: %w", stored.EventID, err)
		}

		events = append(events, stored)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventCount returns the number of persisted events.
func (s *EventStore) EventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}

	return count, nil
}

// Clear truncates both event tables and resets counters to zero.
func (s *EventStore) Clear(ctx context.Context) error {
	return s.runSerializable(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `TRUNCATE processed_events, dedup_store`); err != nil {
			return fmt.Errorf("failed to truncate event tables: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE event_stats
				SET received = 0, unique_processed = 0, duplicate_dropped = 0
				WHERE id = 1`,
		); err != nil {
			return fmt.Errorf("failed to reset stats: %w", err)
		}

		return nil
	})
}

// HealthCheck verifies the database is reachable.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close closes the underlying connection pool.
func (s *EventStore) Close() error {
	return s.conn.Close()
}

// runSerializable executes fn inside a serializable transaction, retrying
// serialization aborts up to maxSerializableRetries. The transaction is
// rolled back on every error path; commit errors are classified the same way
// as statement errors because PostgreSQL may abort at commit time.
func (s *EventStore) runSerializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error

	for attempt := 1; attempt <= maxSerializableRetries; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isSerializationFailure(err) {
			return err
		}

		s.logger.Debug("serializable transaction aborted, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", maxSerializableRetries),
		)
	}

	return fmt.Errorf("serializable transaction failed after %d attempts: %w", maxSerializableRetries, lastErr)
}

func (s *EventStore) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// isSerializationFailure reports whether the error is a PostgreSQL
// serialization abort (SQLSTATE 40001).
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgSerializationFailure
	}

	return false
}

// isUniqueViolation reports whether the error is a PostgreSQL uniqueness
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}

	return false
}

// IsConnectionError reports whether the error belongs to the PostgreSQL
// connection-exception class (SQLSTATE class 08). Used by callers to
// distinguish fatal pool failures from per-event errors.
func IsConnectionError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), pgConnectionClass)
	}

	return false
}
