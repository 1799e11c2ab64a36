// Package api provides HTTP API server implementation for the LogHive service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loghive-io/loghive/internal/api/middleware"
	"github.com/loghive-io/loghive/internal/event"
	"github.com/loghive-io/loghive/internal/pipeline"
)

const (
	serviceName    = "loghive"
	serviceVersion = "1.0.0"
)

// Server represents the HTTP API server and owns the ingest pipeline lifecycle:
// it starts the consumer worker (and optional Kafka source) before accepting
// traffic and drains the queue on shutdown so accepted events are never lost.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	store       event.Store
	validator   *event.Validator
	queue       *pipeline.Queue
	consumer    *pipeline.Consumer
	kafkaSource *pipeline.KafkaSource
	rateLimiter middleware.RateLimiter
	cancelKafka context.CancelFunc
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig.
// This follows the dependency injection pattern where configuration (what) is
// separated from dependencies (how).
//
// Parameters:
//   - cfg: Pure server configuration (ports, timeouts, CORS settings)
//   - store: Event storage implementation backing dedup, persistence, and counters
//   - queue: Bounded admission queue between handlers and the consumer
//   - consumer: Single-writer worker draining the queue
//   - kafkaSource: Optional Kafka ingest source (nil disables Kafka ingest)
//   - rateLimiter: Rate limiter implementation (nil disables rate limiting)
func NewServer(
	cfg *ServerConfig,
	store event.Store,
	queue *pipeline.Queue,
	consumer *pipeline.Consumer,
	kafkaSource *pipeline.KafkaSource,
	rateLimiter middleware.RateLimiter,
) *Server {
	// Create structured logger with configured log level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// Create base HTTP mux
	mux := http.NewServeMux()

	// Create server instance for route setup
	server := &Server{
		logger:      logger,
		config:      cfg,
		store:       store,
		validator:   event.NewValidator(),
		queue:       queue,
		consumer:    consumer,
		kafkaSource: kafkaSource,
		rateLimiter: rateLimiter,
	}

	// Set up all API routes
	server.setupRoutes(mux)

	if kafkaSource != nil {
		logger.Info("Kafka ingest source enabled")
	}

	if rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RateLimit - block requests before expensive operations (optional)
	//   4. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   5. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Set the httpServer field for the existing server instance
	server.httpServer = httpServer

	return server
}

// Start starts the ingest pipeline and HTTP server, blocking until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	// The consumer outlives HTTP shutdown: it must finish draining the queue
	// with a live context for its storage calls.
	s.consumer.Start(context.Background())

	if s.kafkaSource != nil {
		kafkaCtx, cancel := context.WithCancel(context.Background())
		s.cancelKafka = cancel
		s.kafkaSource.Start(kafkaCtx)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		s.logger.Info("Starting LogHive API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully stops the server. Order matters: stop admitting HTTP
// traffic, stop the Kafka source, close the queue intake, then wait for the
// consumer to drain everything that was already accepted.
func (s *Server) shutdown() error {
	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	// Attempt graceful shutdown of HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop the Kafka source before closing the queue: it is a producer and
	// must not race a closed channel.
	if s.kafkaSource != nil {
		s.logger.Info("Stopping Kafka ingest source")
		s.cancelKafka()
		s.kafkaSource.Wait()

		if err := s.kafkaSource.Close(); err != nil {
			s.logger.Error("Failed to close Kafka source", slog.String("error", err.Error()))
		}
	}

	// Close the intake and wait for the consumer to drain accepted events.
	s.queue.Close()

	if err := s.consumer.Wait(s.config.ShutdownTimeout); err != nil {
		s.logger.Error("Consumer failed to drain queue",
			slog.String("error", err.Error()),
			slog.Int("remaining", s.queue.Len()),
		)
	} else {
		s.logger.Info("Queue drained")
	}

	// Close the event store to release database connections
	if closer, ok := s.store.(io.Closer); ok {
		s.logger.Info("Closing event store")

		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close event store", slog.String("error", err.Error()))
		} else {
			s.logger.Info("Event store closed successfully")
		}
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.rateLimiter != nil {
		s.logger.Info("Closing rate limiter")

		if limiter, ok := s.rateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			} else {
				s.logger.Info("Rate limiter closed successfully")
			}
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
