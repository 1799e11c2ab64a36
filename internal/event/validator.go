package event

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for validation failures.
var (
	ErrNilEvent       = errors.New("event cannot be nil")
	ErrMissingTopic   = errors.New("topic is required")
	ErrTopicTooLong   = errors.New("topic exceeds maximum length")
	ErrMissingSource  = errors.New("source is required")
	ErrSourceTooLong  = errors.New("source exceeds maximum length")
	ErrEventIDTooLong = errors.New("event_id exceeds maximum length")
)

// maxIdentifierLength bounds topic, source, and event_id, counted in
// characters rather than bytes so multibyte identifiers are not penalized.
const maxIdentifierLength = 255

// Validator performs semantic validation of published events and fills in
// defaults for optional fields.
//
// Validation strategy is semantic (unmarshal + business rules) rather than
// formal JSON schema validation: the payload is an open blob by design, so
// only the identifying fields carry rules.
type Validator struct{}

// NewValidator creates a new Validator instance.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks required fields and normalizes the event in place.
//
// Rules:
//   - topic: required, non-empty, at most 255 characters
//   - source: required, non-empty, at most 255 characters
//   - event_id: defaults to a freshly generated UUID when absent
//   - timestamp: defaults to current UTC in RFC 3339 format when absent
//   - payload: defaults to an empty map when absent
//
// Returns nil if valid, an error naming the failing field otherwise.
// The event is only mutated on success.
func (v *Validator) Validate(e *Event) error {
	if e == nil {
		return ErrNilEvent
	}

	if e.Topic == "" {
		return ErrMissingTopic
	}

	if n := utf8.RuneCountInString(e.Topic); n > maxIdentifierLength {
		return fmt.Errorf("%w: %d characters (max %d)", ErrTopicTooLong, n, maxIdentifierLength)
	}

	if e.Source == "" {
		return ErrMissingSource
	}

	if n := utf8.RuneCountInString(e.Source); n > maxIdentifierLength {
		return fmt.Errorf("%w: %d characters (max %d)", ErrSourceTooLong, n, maxIdentifierLength)
	}

	if n := utf8.RuneCountInString(e.EventID); n > maxIdentifierLength {
		return fmt.Errorf("%w: %d characters (max %d)", ErrEventIDTooLong, n, maxIdentifierLength)
	}

	// Defaults. Applied only after all checks pass so that a rejected event
	// is returned to the caller unmodified.
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}

	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	return nil
}
