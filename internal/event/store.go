// Package event provides the log event domain model and persistence interfaces.
//
// This package defines the Store interface which represents what the pipeline
// needs for event persistence, following the Dependency Inversion Principle.
// Concrete implementations (PostgreSQL, in-memory) live in internal/storage.
package event

import "context"

// Store defines the interface for event persistence and counter bookkeeping.
//
// The domain package defines this interface to specify what the pipeline needs
// for storage, without depending on concrete implementations. The dedup store's
// uniqueness constraint on (topic, event_id) is the authoritative serialization
// point: even when two callers race on the same fingerprint, at most one
// MarkProcessed returns persisted=true.
type Store interface {
	// IsProcessed reports whether the fingerprint (topic, eventID) has already
	// been recorded in the dedup store. Pure point lookup with no side effects;
	// its answer is a function of prior successful MarkProcessed calls and
	// survives process restarts.
	IsProcessed(ctx context.Context, topic, eventID string) (bool, error)

	// MarkProcessed durably records the event exactly once.
	//
	// Runs inside a serializable transaction: inserts the fingerprint into the
	// dedup store with conflict-skip, then inserts the event row with
	// conflict-skip. Returns persisted=true iff the dedup insert created a new
	// row. Duplicate detection is a value, not an error: racing callers get
	// (false, nil), never a uniqueness-violation error.
	//
	// Serialization aborts are retried internally a bounded number of times
	// before the error surfaces.
	MarkProcessed(ctx context.Context, e *Event) (persisted bool, err error)

	// IncrementStats atomically adds the deltas to the singleton counter row.
	// The update uses col = col + delta SQL, so concurrent increments are
	// commutative and no update is lost.
	IncrementStats(ctx context.Context, received, unique, duplicate int) error

	// GetStats returns the current counter values.
	GetStats(ctx context.Context) (*Stats, error)

	// GetTopics returns the sorted distinct topics of all persisted events.
	GetTopics(ctx context.Context) ([]string, error)

	// GetEventsByTopic returns persisted events ordered by processed_at
	// ascending. An empty topic returns all events.
	GetEventsByTopic(ctx context.Context, topic string) ([]StoredEvent, error)

	// EventCount returns the number of persisted events.
	EventCount(ctx context.Context) (int64, error)

	// Clear truncates both event tables and resets counters to zero.
	// Used only by tests and the admin endpoint.
	Clear(ctx context.Context) error

	// HealthCheck verifies the storage backend is healthy and ready to serve
	// requests. Used by readiness probes and health endpoints.
	HealthCheck(ctx context.Context) error
}
