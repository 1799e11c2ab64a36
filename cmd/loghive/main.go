// Package main provides the LogHive pub-sub log aggregator service.
//
// The service ingests published events over HTTP (and optionally Kafka),
// deduplicates them against a durable store, and persists each unique event
// exactly once even under at-least-once delivery.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/loghive-io/loghive/internal/api"
	"github.com/loghive-io/loghive/internal/api/middleware"
	"github.com/loghive-io/loghive/internal/event"
	"github.com/loghive-io/loghive/internal/pipeline"
	"github.com/loghive-io/loghive/internal/storage"
)

// Version information.
const (
	version = "1.0.0"
	name    = "loghive"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting LogHive service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("publisher_rps", middlewareConfig.PublisherRPS),
		slog.Int("anonymous_rps", middlewareConfig.AnonymousRPS),
	)

	// Connect to the database. NewConnection retries while the database
	// finishes coming up, then fails the process if it never does.
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig, logger)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	eventStore := storage.NewEventStore(dbConn, logger)

	// Bootstrap the schema when the migrator has not run; the statements
	// are idempotent.
	if err := eventStore.EnsureSchema(context.Background()); err != nil {
		logger.Error("Failed to verify event schema", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Event store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_command_timeout", storageConfig.CommandTimeout),
	)

	queue := pipeline.NewQueue(pipeline.DefaultQueueCapacity)
	consumer := pipeline.NewConsumer(queue, eventStore, logger)

	// Optional Kafka ingest source, enabled when KAFKA_BROKERS is set.
	var kafkaSource *pipeline.KafkaSource

	kafkaConfig := pipeline.LoadKafkaConfig()
	if kafkaConfig.Enabled() {
		reader, err := pipeline.NewKafkaReader(kafkaConfig)
		if err != nil {
			logger.Error("Failed to create Kafka reader", slog.String("error", err.Error()))

			_ = dbConn.Close()
			os.Exit(1)
		}

		kafkaSource = pipeline.NewKafkaSource(reader, event.NewValidator(), eventStore, queue, logger)

		logger.Info("Kafka ingest configured",
			slog.Any("brokers", kafkaConfig.Brokers),
			slog.String("topic", kafkaConfig.Topic),
			slog.String("group_id", kafkaConfig.GroupID),
		)
	}

	server := api.NewServer(serverConfig, eventStore, queue, consumer, kafkaSource, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("LogHive service stopped")
}
