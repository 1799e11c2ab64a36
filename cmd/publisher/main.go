// Package main provides the LogHive load-generating publisher.
//
// The publisher simulates multiple sources emitting log events to the
// aggregator with a controlled duplicate rate, exercising the idempotency
// guarantees end to end. It is a test harness, not part of the service.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/loghive-io/loghive/internal/config"
)

const (
	defaultAggregatorURL = "http://aggregator:8080"
	defaultWorkers       = 3
	defaultEventCount    = 50000
	defaultDuplicateRate = 0.35

	minBatchSize = 5
	maxBatchSize = 50

	healthMaxRetries = 30
	healthRetryDelay = time.Second
	requestTimeout   = 30 * time.Second

	// settleDelay gives the aggregator time to drain its queue before the
	// final stats read.
	settleDelay = 2 * time.Second
)

type (
	// publisherConfig holds the load shape, read from environment variables.
	publisherConfig struct {
		AggregatorURL string
		Workers       int
		EventCount    int
		DuplicateRate float64
		WorkloadFile  string
	}

	// workload describes the simulated event population. It can be replaced
	// wholesale with a YAML file via PUBLISHER_WORKLOAD_FILE.
	workload struct {
		Topics  []string `yaml:"topics"`
		Sources []string `yaml:"sources"`
		Levels  []string `yaml:"levels"`
	}

	// eventRecord mirrors the aggregator's event wire shape.
	eventRecord struct {
		Topic     string         `json:"topic"`
		EventID   string         `json:"event_id"`
		Timestamp string         `json:"timestamp"`
		Source    string         `json:"source"`
		Payload   map[string]any `json:"payload"`
	}

	publishResponse struct {
		Status   string `json:"status"`
		Count    int    `json:"count"`
		Accepted int    `json:"accepted"`
		Rejected int    `json:"rejected"`
	}

	statsResponse struct {
		Received         int64    `json:"received"`
		UniqueProcessed  int64    `json:"unique_processed"`
		DuplicateDropped int64    `json:"duplicate_dropped"`
		Topics           []string `json:"topics"`
		UniqueRate       float64  `json:"unique_rate"`
		DuplicateRate    float64  `json:"duplicate_rate"`
	}
)

// defaultWorkload mirrors a realistic service mesh emitting logs.
func defaultWorkload() *workload {
	return &workload{
		Topics: []string{
			"logs.authentication",
			"logs.payment",
			"logs.inventory",
			"logs.user_service",
			"logs.notification",
			"logs.database",
			"logs.cache",
			"logs.api_gateway",
		},
		Sources: []string{
			"service-a",
			"service-b",
			"service-c",
			"worker-1",
			"worker-2",
			"scheduler",
			"batch-job",
		},
		Levels: []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"},
	}
}

func loadPublisherConfig() *publisherConfig {
	return &publisherConfig{
		AggregatorURL: config.GetEnvStr("AGGREGATOR_URL", defaultAggregatorURL),
		Workers:       config.GetEnvInt("PUBLISHER_WORKERS", defaultWorkers),
		EventCount:    config.GetEnvInt("EVENT_COUNT", defaultEventCount),
		DuplicateRate: config.GetEnvFloat("DUPLICATE_RATE", defaultDuplicateRate),
		WorkloadFile:  config.GetEnvStr("PUBLISHER_WORKLOAD_FILE", ""),
	}
}

// loadWorkload reads the YAML workload file, falling back to the built-in
// population when the file is not configured. Missing sections fall back
// individually, so a file may override only topics.
func loadWorkload(path string, logger *slog.Logger) (*workload, error) {
	w := defaultWorkload()

	if path == "" {
		return w, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workload file: %w", err)
	}

	var override workload
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse workload file: %w", err)
	}

	if len(override.Topics) > 0 {
		w.Topics = override.Topics
	}

	if len(override.Sources) > 0 {
		w.Sources = override.Sources
	}

	if len(override.Levels) > 0 {
		w.Levels = override.Levels
	}

	logger.Info("Loaded workload file",
		slog.String("path", path),
		slog.Int("topics", len(w.Topics)),
		slog.Int("sources", len(w.Sources)),
	)

	return w, nil
}

// generateEvent produces one random event from the workload population.
func (w *workload) generateEvent(rng *rand.Rand) eventRecord {
	return eventRecord{
		Topic:     w.Topics[rng.Intn(len(w.Topics))],
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    w.Sources[rng.Intn(len(w.Sources))],
		Payload: map[string]any{
			"level":          w.Levels[rng.Intn(len(w.Levels))],
			"message":        fmt.Sprintf("Log message %d", rng.Intn(10000)+1),
			"duration_ms":    rng.Intn(5000) + 1,
			"status":         []string{"success", "partial", "failed"}[rng.Intn(3)],
			"user_id":        fmt.Sprintf("user-%d", rng.Intn(10000)+1),
			"transaction_id": uuid.NewString(),
		},
	}
}

// worker publishes batches of events, replaying a fraction of already-sent
// events to generate duplicates.
type worker struct {
	id     int
	cfg    *publisherConfig
	load   *workload
	client *http.Client
	logger *slog.Logger
	rng    *rand.Rand

	sent        []eventRecord // events already published, the duplicate pool
	totalSent   int
	totalFailed int
}

func (w *worker) run(target int) {
	w.logger.Info("Worker started", slog.Int("worker_id", w.id))

	generated := 0

	for generated < target {
		batchSize := w.rng.Intn(maxBatchSize-minBatchSize+1) + minBatchSize
		if remaining := target - generated; batchSize > remaining {
			batchSize = remaining
		}

		batch := make([]eventRecord, 0, batchSize)

		for j := 0; j < batchSize; j++ {
			if len(w.sent) > 0 && w.rng.Float64() < w.cfg.DuplicateRate {
				// Replay a previously sent event
				batch = append(batch, w.sent[w.rng.Intn(len(w.sent))])
			} else {
				e := w.load.generateEvent(w.rng)
				w.sent = append(w.sent, e)
				batch = append(batch, e)
			}
		}

		generated += batchSize

		accepted, failed := w.publishBatch(batch)
		w.totalSent += accepted
		w.totalFailed += failed

		// Jitter to simulate realistic load
		time.Sleep(time.Duration(w.rng.Intn(90)+10) * time.Millisecond)
	}

	w.logger.Info("Worker finished",
		slog.Int("worker_id", w.id),
		slog.Int("sent", w.totalSent),
		slog.Int("failed", w.totalFailed),
		slog.Int("unique_events_tracked", len(w.sent)),
	)
}

// publishBatch posts one batch and returns (accepted, failed).
func (w *worker) publishBatch(batch []eventRecord) (int, int) {
	body, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		w.logger.Error("Failed to encode batch", slog.Int("worker_id", w.id), slog.String("error", err.Error()))

		return 0, len(batch)
	}

	req, err := http.NewRequest(http.MethodPost, w.cfg.AggregatorURL+"/publish", bytes.NewReader(body))
	if err != nil {
		return 0, len(batch)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Publisher-ID", fmt.Sprintf("publisher-%d", w.id))

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error("Error publishing batch", slog.Int("worker_id", w.id), slog.String("error", err.Error()))

		return 0, len(batch)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		w.logger.Error("Publish failed",
			slog.Int("worker_id", w.id),
			slog.Int("status", resp.StatusCode),
		)

		return 0, len(batch)
	}

	var result publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		w.logger.Error("Failed to decode publish response", slog.Int("worker_id", w.id), slog.String("error", err.Error()))

		return 0, len(batch)
	}

	w.logger.Debug("Published batch",
		slog.Int("worker_id", w.id),
		slog.Int("accepted", result.Accepted),
	)

	return result.Accepted, len(batch) - result.Accepted
}

// waitForAggregator polls /health until the aggregator responds or the retry
// budget is exhausted.
func waitForAggregator(cfg *publisherConfig, client *http.Client, logger *slog.Logger) bool {
	logger.Info("Waiting for aggregator to be ready...")

	for attempt := 1; attempt <= healthMaxRetries; attempt++ {
		resp, err := client.Get(cfg.AggregatorURL + "/health")
		if err == nil {
			_ = resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				logger.Info("Aggregator is ready")

				return true
			}
		}

		logger.Debug("Aggregator not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Int("max_retries", healthMaxRetries),
		)
		time.Sleep(healthRetryDelay)
	}

	return false
}

// reportFinalStats reads /stats after the run and logs the aggregate outcome.
func reportFinalStats(cfg *publisherConfig, client *http.Client, logger *slog.Logger) {
	time.Sleep(settleDelay)

	resp, err := client.Get(cfg.AggregatorURL + "/stats")
	if err != nil {
		logger.Error("Error fetching stats", slog.String("error", err.Error()))

		return
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		logger.Error("Failed to decode stats", slog.String("error", err.Error()))

		return
	}

	logger.Info("Final aggregator stats",
		slog.Int64("received", stats.Received),
		slog.Int64("unique_processed", stats.UniqueProcessed),
		slog.Int64("duplicate_dropped", stats.DuplicateDropped),
		slog.Float64("unique_rate", stats.UniqueRate),
		slog.Float64("duplicate_rate", stats.DuplicateRate),
		slog.Int("topics", len(stats.Topics)),
	)
}

func main() {
	cfg := loadPublisherConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("PUBLISHER_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting publisher",
		slog.Int("workers", cfg.Workers),
		slog.Int("event_count", cfg.EventCount),
		slog.Float64("duplicate_rate", cfg.DuplicateRate),
		slog.String("target", cfg.AggregatorURL),
	)

	load, err := loadWorkload(cfg.WorkloadFile, logger)
	if err != nil {
		logger.Error("Failed to load workload", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client := &http.Client{Timeout: requestTimeout}

	if !waitForAggregator(cfg, client, logger) {
		logger.Error("Aggregator failed to start in time")
		os.Exit(1)
	}

	start := time.Now()
	eventsPerWorker := cfg.EventCount / cfg.Workers

	var wg sync.WaitGroup

	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			w := &worker{
				id:     id,
				cfg:    cfg,
				load:   load,
				client: client,
				logger: logger,
				rng:    rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))), //nolint:gosec // load generation, not crypto
			}
			w.run(eventsPerWorker)
		}(i)
	}

	wg.Wait()

	elapsed := time.Since(start)
	logger.Info("Publisher completed",
		slog.Duration("elapsed", elapsed.Round(10*time.Millisecond)),
		slog.Float64("events_per_second", float64(cfg.EventCount)/elapsed.Seconds()),
	)

	reportFinalStats(cfg, client, logger)
}
