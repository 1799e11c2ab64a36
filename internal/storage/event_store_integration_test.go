package storage

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/loghive-io/loghive/internal/config"
	"github.com/loghive-io/loghive/internal/event"
)

// newTestEventStore wraps a test database connection in an EventStore.
func newTestEventStore(db *sql.DB) *EventStore {
	conn := &Connection{DB: db, commandTimeout: 60 * time.Second}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	return NewEventStore(conn, logger)
}

func setupEventStore(t *testing.T) (*EventStore, *config.TestDatabase) {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return newTestEventStore(testDB.Connection), testDB
}

func TestEventStoreFirstWriteWins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupEventStore(t)

	e := &event.Event{
		Topic:     "t",
		EventID:   "e1",
		Timestamp: "2026-08-25T10:00:00Z",
		Source:    "s",
		Payload:   map[string]any{},
	}

	persisted, err := store.MarkProcessed(ctx, e)
	require.NoError(t, err)
	assert.True(t, persisted)

	require.NoError(t, store.IncrementStats(ctx, 0, 1, 0))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.UniqueProcessed)
	assert.Equal(t, int64(0), stats.DuplicateDropped)

	events, err := store.GetEventsByTopic(ctx, "t")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].EventID)
}

func TestEventStoreDuplicateRejection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupEventStore(t)

	e := &event.Event{Topic: "t", EventID: "e1", Timestamp: "2026-08-25T10:00:00Z", Source: "s", Payload: map[string]any{}}

	persisted, err := store.MarkProcessed(ctx, e)
	require.NoError(t, err)
	require.True(t, persisted)

	persisted, err = store.MarkProcessed(ctx, e)
	require.NoError(t, err)
	assert.False(t, persisted, "second mark must not persist")

	count, err := store.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEventStoreConcurrentDuplicates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, testDB := setupEventStore(t)

	const writers = 5

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		persisted int
	)

	for range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			e := &event.Event{Topic: "c", EventID: "e", Timestamp: "2026-08-25T10:00:00Z", Source: "s", Payload: map[string]any{}}

			ok, err := store.MarkProcessed(ctx, e)
			if err != nil {
				t.Errorf("unexpected error: %v", err)

				return
			}

			if ok {
				mu.Lock()
				persisted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, persisted, "exactly one MarkProcessed should win")

	var dedupRows int
	err := testDB.Connection.QueryRow(
		`SELECT COUNT(*) FROM dedup_store WHERE topic = 'c' AND event_id = 'e'`,
	).Scan(&dedupRows)
	require.NoError(t, err)
	assert.Equal(t, 1, dedupRows)
}

func TestEventStoreCounterUpdateRace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupEventStore(t)

	const updates = 10

	var wg sync.WaitGroup

	for range updates {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := store.IncrementStats(ctx, 1, 1, 0); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(updates), stats.Received, "no received updates may be lost")
	assert.Equal(t, int64(updates), stats.UniqueProcessed, "no unique updates may be lost")
}

func TestEventStoreRestartPersistence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, testDB := setupEventStore(t)

	e := &event.Event{Topic: "t", EventID: "e1", Timestamp: "2026-08-25T10:00:00Z", Source: "s", Payload: map[string]any{}}

	persisted, err := store.MarkProcessed(ctx, e)
	require.NoError(t, err)
	require.True(t, persisted)

	// Simulate a restart: open a fresh pool against the same database.
	reopened, err := sql.Open("postgres", testDB.URL)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = reopened.Close()
	})

	restarted := newTestEventStore(reopened)

	processed, err := restarted.IsProcessed(ctx, "t", "e1")
	require.NoError(t, err)
	assert.True(t, processed, "dedup store must survive restarts")

	persisted, err = restarted.MarkProcessed(ctx, e)
	require.NoError(t, err)
	assert.False(t, persisted, "replay after restart must be a duplicate")
}

func TestEventStorePayloadRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupEventStore(t)

	payload := map[string]any{
		"string": "value with unicode ✓ and \"quotes\"",
		"number": 42.5,
		"bool":   true,
		"nested": map[string]any{
			"list": []any{"a", 1.0, false},
			"deep": map[string]any{"k": "v"},
		},
	}

	e := &event.Event{Topic: "t", EventID: "e-payload", Timestamp: "2026-08-25T10:00:00Z", Source: "s", Payload: payload}

	persisted, err := store.MarkProcessed(ctx, e)
	require.NoError(t, err)
	require.True(t, persisted)

	events, err := store.GetEventsByTopic(ctx, "t")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, payload, events[0].Payload, "payload must round-trip verbatim")
}

func TestEventStoreQueryOrdering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupEventStore(t)

	for _, id := range []string{"e1", "e2", "e3"} {
		e := &event.Event{Topic: "ordered", EventID: id, Timestamp: "2026-08-25T10:00:00Z", Source: "s", Payload: map[string]any{}}

		persisted, err := store.MarkProcessed(ctx, e)
		require.NoError(t, err)
		require.True(t, persisted)
	}

	_, err := store.MarkProcessed(ctx, &event.Event{
		Topic: "other", EventID: "x", Timestamp: "2026-08-25T10:00:00Z", Source: "s", Payload: map[string]any{},
	})
	require.NoError(t, err)

	events, err := store.GetEventsByTopic(ctx, "ordered")
	require.NoError(t, err)
	require.Len(t, events, 3)

	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].ProcessedAt.Before(events[i-1].ProcessedAt),
			"events must be ordered by processed_at ascending")
		assert.Equal(t, "ordered", events[i].Topic)
	}

	topics, err := store.GetTopics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ordered", "other"}, topics)
}

func TestEventStoreClear(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupEventStore(t)

	e := &event.Event{Topic: "t", EventID: "e1", Timestamp: "2026-08-25T10:00:00Z", Source: "s", Payload: map[string]any{}}

	persisted, err := store.MarkProcessed(ctx, e)
	require.NoError(t, err)
	require.True(t, persisted)
	require.NoError(t, store.IncrementStats(ctx, 1, 1, 0))

	require.NoError(t, store.Clear(ctx))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.Stats{}, *stats)

	processed, err := store.IsProcessed(ctx, "t", "e1")
	require.NoError(t, err)
	assert.False(t, processed)

	count, err := store.EventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestEventStoreEnsureSchemaIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupEventStore(t)

	// Schema already exists via migrations; EnsureSchema must be a no-op.
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.Stats{}, *stats, "re-running schema bootstrap must not reset or duplicate the stats row")
}
