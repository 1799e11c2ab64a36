package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive-io/loghive/internal/event"
	"github.com/loghive-io/loghive/internal/storage"
)

// fakeFetcher replays a fixed set of messages, then blocks until cancelled.
type fakeFetcher struct {
	messages  []kafka.Message
	committed []kafka.Message
	next      int
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.next < len(f.messages) {
		msg := f.messages[f.next]
		f.next++

		return msg, nil
	}

	<-ctx.Done()

	return kafka.Message{}, ctx.Err()
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.committed = append(f.committed, msgs...)

	return nil
}

func (f *fakeFetcher) Close() error { return nil }

// flakyFetcher fails a fixed number of fetches before delegating to the
// embedded fakeFetcher.
type flakyFetcher struct {
	fakeFetcher
	failures int
	failed   int
}

func (f *flakyFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.failed < f.failures {
		f.failed++

		return kafka.Message{}, errors.New("broker unavailable")
	}

	return f.fakeFetcher.FetchMessage(ctx)
}

func record(t *testing.T, e map[string]any) kafka.Message {
	t.Helper()

	value, err := json.Marshal(e)
	require.NoError(t, err)

	return kafka.Message{Topic: "loghive.events", Value: value}
}

func TestKafkaConfigEnabled(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &KafkaConfig{}
	assert.False(t, cfg.Enabled())

	cfg.Brokers = []string{"localhost:9092"}
	assert.True(t, cfg.Enabled())

	_, err := NewKafkaReader(&KafkaConfig{})
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestKafkaSourceAdmitsRecords(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewInMemoryEventStore()
	q := NewQueue(DefaultQueueCapacity)
	fetcher := &fakeFetcher{
		messages: []kafka.Message{
			record(t, map[string]any{"topic": "orders", "event_id": "k1", "source": "kafka"}),
			record(t, map[string]any{"topic": "orders", "event_id": "k2", "source": "kafka"}),
		},
	}

	source := NewKafkaSource(fetcher, event.NewValidator(), store, q, testLogger())
	source.Start(ctx)

	// Wait until both records flow through admission.
	deadline := time.After(2 * time.Second)
	for q.Len() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for records to be enqueued")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	source.Wait()

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Received, "each admitted record credits received")

	assert.Len(t, fetcher.committed, 2, "offsets must be committed after admission")

	q.Close()

	var ids []string
	for e := range q.Events() {
		ids = append(ids, e.EventID)
	}

	assert.Equal(t, []string{"k1", "k2"}, ids, "records must preserve fetch order")
}

func TestKafkaSourceSkipsBadRecords(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewInMemoryEventStore()
	q := NewQueue(DefaultQueueCapacity)
	fetcher := &fakeFetcher{
		messages: []kafka.Message{
			{Topic: "loghive.events", Value: []byte("not json")},
			record(t, map[string]any{"source": "kafka"}), // missing topic
			record(t, map[string]any{"topic": "orders", "event_id": "k1", "source": "kafka"}),
		},
	}

	source := NewKafkaSource(fetcher, event.NewValidator(), store, q, testLogger())
	source.Start(ctx)

	deadline := time.After(2 * time.Second)
	for q.Len() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the valid record")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	source.Wait()

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Received, "only the valid record is credited")

	assert.Len(t, fetcher.committed, 3, "bad records are committed so they are not redelivered")
}

func TestKafkaSourceRetriesTransientFetchFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewInMemoryEventStore()
	q := NewQueue(DefaultQueueCapacity)
	fetcher := &flakyFetcher{failures: 3}
	fetcher.messages = []kafka.Message{
		record(t, map[string]any{"topic": "orders", "event_id": "k1", "source": "kafka"}),
	}

	source := NewKafkaSource(fetcher, event.NewValidator(), store, q, testLogger())
	source.fetchRetryDelay = time.Millisecond
	source.Start(ctx)

	// A few broker hiccups must not kill the source; the record behind
	// them still flows through admission.
	deadline := time.After(2 * time.Second)
	for q.Len() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the record behind transient failures")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	source.Wait()

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Received)
}

func TestKafkaSourceStopsAfterRetryBudgetExhausted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewInMemoryEventStore()
	q := NewQueue(DefaultQueueCapacity)
	fetcher := &flakyFetcher{failures: defaultFetchMaxAttempts}

	source := NewKafkaSource(fetcher, event.NewValidator(), store, q, testLogger())
	source.fetchRetryDelay = time.Millisecond
	source.Start(ctx)

	done := make(chan struct{})

	go func() {
		source.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop after exhausting its retry budget")
	}

	assert.Equal(t, defaultFetchMaxAttempts, fetcher.failed)
}
