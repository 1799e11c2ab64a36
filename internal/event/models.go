// Package event provides the domain model for published log events.
package event

import "time"

type (
	// Event represents a single published log event - Domain Model.
	//
	// The pair (Topic, EventID) is the event fingerprint: the system-wide
	// uniqueness key. Publishers may deliver the same fingerprint many times;
	// the aggregator records it exactly once.
	//
	// This is a pure domain model without JSON tags. The API layer uses
	// PublishRequest for JSON marshaling and maps to this domain type.
	Event struct {
		// Topic is the logical channel the event was published on.
		// Required, at most 255 characters.
		Topic string

		// EventID uniquely identifies the event within its topic.
		// Caller-supplied or generated at validation time (UUID).
		EventID string

		// Timestamp is the publisher-supplied ISO-8601 timestamp.
		// Stored verbatim; never parsed for ordering.
		Timestamp string

		// Source identifies the producing service or host.
		// Required, at most 255 characters.
		Source string

		// Payload is an arbitrary structured blob. Nested maps, arrays,
		// numbers, strings, and booleans are preserved verbatim.
		Payload map[string]any
	}

	// StoredEvent is an Event as persisted by the aggregator, including the
	// wall-clock times recorded on persistence.
	StoredEvent struct {
		ID          int64
		Topic       string
		EventID     string
		Timestamp   string
		Source      string
		Payload     map[string]any
		ReceivedAt  time.Time
		ProcessedAt time.Time
	}

	// Stats holds the three monotonically non-decreasing pipeline counters.
	Stats struct {
		// Received counts events admitted after validation.
		Received int64

		// UniqueProcessed counts events persisted exactly once.
		UniqueProcessed int64

		// DuplicateDropped counts events discarded as duplicates.
		DuplicateDropped int64
	}
)
