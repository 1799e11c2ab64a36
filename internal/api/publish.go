// Package api provides HTTP API server implementation for the LogHive service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/loghive-io/loghive/internal/api/middleware"
	"github.com/loghive-io/loghive/internal/event"
)

// handlePublish admits a batch of events into the pipeline. It serves both
// POST /publish and POST /events.
//
// Each event is validated in input order. Valid events are credited to the
// received counter and enqueued; invalid events are reported per index in the
// response without failing the batch. The handler returns once everything is
// enqueued or rejected; persistence is asynchronous, so for a short window
// received may exceed unique + duplicate.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	var request PublishRequest

	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		s.logger.Warn("Malformed publish request",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	response := PublishResponse{
		Status: "accepted",
		Count:  len(request.Events),
		Errors: []PublishError{},
	}

	for idx, record := range request.Events {
		e := &event.Event{
			Topic:     record.Topic,
			EventID:   record.EventID,
			Timestamp: record.Timestamp,
			Source:    record.Source,
			Payload:   record.Payload,
		}

		if err := s.validator.Validate(e); err != nil {
			response.Rejected++
			response.Errors = append(response.Errors, PublishError{
				Index:   idx,
				EventID: record.EventID,
				Error:   err.Error(),
			})

			s.logger.Warn("Event validation failed",
				slog.Int("index", idx),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			continue
		}

		// Credit received before enqueuing. Admission and persistence are
		// decoupled, so the counter leads the queue rather than trailing it.
		if err := s.store.IncrementStats(r.Context(), 1, 0, 0); err != nil {
			response.Rejected++
			response.Errors = append(response.Errors, PublishError{
				Index: idx,
				Error: err.Error(),
			})

			s.logger.Error("Failed to credit received event",
				slog.Int("index", idx),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			continue
		}

		// Blocking enqueue: backpressure propagates to the publisher via the
		// request, bounded by the client's patience and the write timeout.
		if err := s.queue.Enqueue(r.Context(), e); err != nil {
			response.Rejected++
			response.Errors = append(response.Errors, PublishError{
				Index:   idx,
				EventID: e.EventID,
				Error:   err.Error(),
			})

			s.logger.Error("Failed to enqueue event",
				slog.Int("index", idx),
				slog.String("topic", e.Topic),
				slog.String("event_id", e.EventID),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			continue
		}

		response.Accepted++

		s.logger.Debug("Event accepted for processing",
			slog.String("topic", e.Topic),
			slog.String("event_id", e.EventID),
			slog.String("correlation_id", correlationID),
		)
	}

	s.writeJSON(w, r, response)
}
