// Package api provides HTTP API server implementation for the LogHive service.
package api

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/loghive-io/loghive/internal/api/middleware"
)

const percent = 100

// serviceFeatures is the static feature list reported by GET /info.
var serviceFeatures = []string{ //nolint: gochecknoglobals
	"Idempotent consumer",
	"At-least-once delivery",
	"SERIALIZABLE transaction isolation",
	"Unique constraint deduplication",
	"Concurrent processing",
	"Event batching",
	"Persistent dedup store",
}

// handleListEvents returns processed unique events, optionally filtered by
// topic, ordered by processed_at ascending.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")

	stored, err := s.store.GetEventsByTopic(r.Context(), topic)
	if err != nil {
		s.logger.Error("Failed to query events",
			slog.String("topic", topic),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	response := make([]EventResponse, 0, len(stored))
	for _, e := range stored {
		response = append(response, EventResponse{
			Topic:     e.Topic,
			EventID:   e.EventID,
			Timestamp: e.Timestamp,
			Source:    e.Source,
			Payload:   e.Payload,
		})
	}

	s.writeJSON(w, r, response)
}

// handleStats returns the counters, topic list, uptime, and derived rates.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read stats",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	topics, err := s.store.GetTopics(r.Context())
	if err != nil {
		s.logger.Error("Failed to read topics",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, StatsResponse{
		Received:         stats.Received,
		UniqueProcessed:  stats.UniqueProcessed,
		DuplicateDropped: stats.DuplicateDropped,
		Topics:           topics,
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		UniqueRate:       ratePercent(stats.UniqueProcessed, stats.Received),
		DuplicateRate:    ratePercent(stats.DuplicateDropped, stats.Received),
	})
}

// handleInfo returns static service identity plus uptime and unique count.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.EventCount(r.Context())
	if err != nil {
		s.logger.Error("Failed to count events",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.writeJSON(w, r, InfoResponse{
		Service:           "Pub-Sub Log Aggregator",
		Version:           serviceVersion,
		UptimeSeconds:     time.Since(s.startTime).Seconds(),
		TotalUniqueEvents: count,
		Database:          "PostgreSQL 16",
		Features:          serviceFeatures,
	})
}

// handleAdminClear truncates all event data and resets the counters.
// Destructive; intended for tests and development only.
func (s *Server) handleAdminClear(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if err := s.store.Clear(r.Context()); err != nil {
		s.logger.Error("Failed to clear data",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	s.logger.Warn("All event data cleared", slog.String("correlation_id", correlationID))

	s.writeJSON(w, r, AdminResponse{
		Status:  "success",
		Message: "All data cleared",
	})
}

// ratePercent computes 100 * part / total rounded to two decimals,
// returning 0 when total is zero.
func ratePercent(part, total int64) float64 {
	if total == 0 {
		return 0
	}

	return math.Round(float64(part)/float64(total)*percent*percent) / percent
}
