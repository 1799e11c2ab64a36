package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loghive-io/loghive/internal/event"
)

// InMemoryEventStore provides a thread-safe in-memory event.Store.
// Used by unit tests that exercise the pipeline without a database.
type InMemoryEventStore struct {
	// dedup maps fingerprints to their first-seen time
	dedup map[fingerprint]time.Time
	// events holds persisted events in insertion order
	events []event.StoredEvent
	// stats is the singleton counter row
	stats event.Stats
	// nextID mimics the BIGSERIAL primary key
	nextID int64
	// mutex protects all fields
	mutex sync.RWMutex
}

type fingerprint struct {
	topic   string
	eventID string
}

// NewInMemoryEventStore creates a new thread-safe in-memory event store.
func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		dedup:  make(map[fingerprint]time.Time),
		nextID: 1,
	}
}

var _ event.Store = (*InMemoryEventStore)(nil)

// IsProcessed reports whether the fingerprint has been recorded.
func (s *InMemoryEventStore) IsProcessed(_ context.Context, topic, eventID string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.dedup[fingerprint{topic, eventID}]

	return exists, nil
}

// MarkProcessed records the event exactly once. The map write under the lock
// plays the role of the database uniqueness constraint.
func (s *InMemoryEventStore) MarkProcessed(_ context.Context, e *event.Event) (bool, error) {
	if e == nil {
		return false, ErrNilEvent
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	fp := fingerprint{e.Topic, e.EventID}
	if _, exists := s.dedup[fp]; exists {
		return false, nil
	}

	now := time.Now().UTC()
	s.dedup[fp] = now

	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	s.events = append(s.events, event.StoredEvent{
		ID:          s.nextID,
		Topic:       e.Topic,
		EventID:     e.EventID,
		Timestamp:   e.Timestamp,
		Source:      e.Source,
		Payload:     payload,
		ReceivedAt:  now,
		ProcessedAt: now,
	})
	s.nextID++

	return true, nil
}

// IncrementStats adds the deltas to the counters.
func (s *InMemoryEventStore) IncrementStats(_ context.Context, received, unique, duplicate int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.stats.Received += int64(received)
	s.stats.UniqueProcessed += int64(unique)
	s.stats.DuplicateDropped += int64(duplicate)

	return nil
}

// GetStats returns a copy of the current counter values.
func (s *InMemoryEventStore) GetStats(_ context.Context) (*event.Stats, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stats := s.stats

	return &stats, nil
}

// GetTopics returns the sorted distinct topics of all persisted events.
func (s *InMemoryEventStore) GetTopics(_ context.Context) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	seen := make(map[string]struct{})
	topics := []string{}

	for _, e := range s.events {
		if _, ok := seen[e.Topic]; ok {
			continue
		}

		seen[e.Topic] = struct{}{}

		topics = append(topics, e.Topic)
	}

	sort.Strings(topics)

	return topics, nil
}

// GetEventsByTopic returns persisted events in processing order.
// An empty topic returns all events.
func (s *InMemoryEventStore) GetEventsByTopic(_ context.Context, topic string) ([]event.StoredEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	events := []event.StoredEvent{}

	for _, e := range s.events {
		if topic != "" && e.Topic != topic {
			continue
		}

		events = append(events, e)
	}

	return events, nil
}

// EventCount returns the number of persisted events.
func (s *InMemoryEventStore) EventCount(_ context.Context) (int64, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return int64(len(s.events)), nil
}

// Clear drops all events and resets counters to zero.
func (s *InMemoryEventStore) Clear(_ context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.dedup = make(map[fingerprint]time.Time)
	s.events = nil
	s.stats = event.Stats{}
	s.nextID = 1

	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryEventStore) HealthCheck(_ context.Context) error {
	return nil
}
