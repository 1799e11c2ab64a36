// Package api provides HTTP API server implementation for the LogHive service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingEvents is returned when a publish request has no events key.
var ErrMissingEvents = errors.New("request body must contain an events field")

type (
	// EventRecord is the wire shape of a published event. This is separate
	// from the domain model (event.Event) to decouple the API contract from
	// internal domain types.
	EventRecord struct {
		Topic     string         `json:"topic"`
		EventID   string         `json:"event_id"` //nolint: tagliatelle
		Timestamp string         `json:"timestamp"`
		Source    string         `json:"source"`
		Payload   map[string]any `json:"payload"`
	}

	// PublishRequest is the body of POST /publish and POST /events.
	// The events field accepts either a single event object or an ordered
	// array of events; both shapes normalize to a list.
	PublishRequest struct {
		Events []EventRecord
	}

	// PublishResponse summarizes batch admission. Validation failures are
	// reported per event in Errors; they never fail the whole batch.
	PublishResponse struct {
		Status   string         `json:"status"`
		Count    int            `json:"count"`
		Accepted int            `json:"accepted"`
		Rejected int            `json:"rejected"`
		Errors   []PublishError `json:"errors"`
	}

	// PublishError describes a single rejected event in the batch.
	PublishError struct {
		Index   int    `json:"index"`
		EventID string `json:"event_id,omitempty"` //nolint: tagliatelle
		Error   string `json:"error"`
	}

	// EventResponse is a stored event as returned by GET /events.
	EventResponse struct {
		Topic     string         `json:"topic"`
		EventID   string         `json:"event_id"` //nolint: tagliatelle
		Timestamp string         `json:"timestamp"`
		Source    string         `json:"source"`
		Payload   map[string]any `json:"payload"`
	}

	// StatsResponse is the body of GET /stats.
	StatsResponse struct {
		Received         int64    `json:"received"`
		UniqueProcessed  int64    `json:"unique_processed"`  //nolint: tagliatelle
		DuplicateDropped int64    `json:"duplicate_dropped"` //nolint: tagliatelle
		Topics           []string `json:"topics"`
		UptimeSeconds    float64  `json:"uptime_seconds"` //nolint: tagliatelle
		UniqueRate       float64  `json:"unique_rate"`    //nolint: tagliatelle
		DuplicateRate    float64  `json:"duplicate_rate"` //nolint: tagliatelle
	}

	// InfoResponse is the body of GET /info.
	InfoResponse struct {
		Service           string   `json:"service"`
		Version           string   `json:"version"`
		UptimeSeconds     float64  `json:"uptime_seconds"`      //nolint: tagliatelle
		TotalUniqueEvents int64    `json:"total_unique_events"` //nolint: tagliatelle
		Database          string   `json:"database"`
		Features          []string `json:"features"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Version   string `json:"version"`
	}

	// AdminResponse is the body of POST /admin/clear.
	AdminResponse struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
)

// UnmarshalJSON accepts both `{"events": {...}}` and `{"events": [...]}`,
// normalizing to a list while preserving input order.
func (r *PublishRequest) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Events json.RawMessage `json:"events"`
	}

	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("malformed publish request: %w", err)
	}

	if len(envelope.Events) == 0 {
		return ErrMissingEvents
	}

	// Try the batch shape first; fall back to a single event object.
	var batch []EventRecord
	if err := json.Unmarshal(envelope.Events, &batch); err == nil {
		r.Events = batch

		return nil
	}

	var single EventRecord
	if err := json.Unmarshal(envelope.Events, &single); err != nil {
		return fmt.Errorf("events must be an event object or an array of events: %w", err)
	}

	r.Events = []EventRecord{single}

	return nil
}
