package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type strings carried on the wire. The trailing version segment is the
// backward-compatibility contract: new optional fields may be added to a
// payload at any time, but removing a required field or changing a field type
// requires minting a new major version string instead of mutating the shape.
const (
	EventTypeTaskDelegated = "task.delegated.v1"
	EventTypeTaskCompleted = "task.completed.v1"
	EventTypeTaskFailed    = "task.failed.v1"

	EventTypeStreamBegin = "stream.begin.v1"
	EventTypeStreamChunk = "stream.chunk.v1"
	EventTypeStreamEnd   = "stream.end.v1"

	EventTypeDeadLetter = "task.deadletter.v1"
)

// Envelope is the uniform wire shape exposed and consumed at every publish /
// subscribe boundary. After publication it must be treated as immutable.
type Envelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	Timestamp     time.Time         `json:"timestamp"`
	TraceID       string            `json:"trace_id,omitempty"`
	SpanID        string            `json:"span_id,omitempty"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEnvelope constructs an envelope of the given event type, marshaling the
// payload to JSON. The event id and timestamp are assigned here; tracing and
// correlation fields are stamped by the caller (see telemetry.Stamp).
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:   NewID(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// WithMetadata returns a copy of the envelope with the key/value pair added.
// The original envelope is not mutated.
func (e Envelope) WithMetadata(key, value string) Envelope {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// NewID generates a new unique identifier used for events, tasks and streams.
func NewID() string { return uuid.NewString() }
