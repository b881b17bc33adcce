package eventing

import (
	"encoding/json"
	"errors"
	"time"
)

const currentSchemaVersion = 1

// Event is implemented by everything written to the outbox.
type Event interface {
	// EventType is the stable, dotted name consumers route on.
	EventType() string
	// SessionKey is the billing session the event belongs to.
	SessionKey() string
	// EventTime is when the change committed from the writer's point of view.
	EventTime() time.Time
}

// Envelope is the outbox wire format.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	TenantID      string          `json:"tenant_id"`
	SessionID     string          `json:"session_id"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("eventing: empty payload")
	}
	return json.Unmarshal(e.Payload, dst)
}

// Meta carries envelope values that do not come from the event itself.
type Meta struct {
	EventID       string
	CorrelationID string
	TenantID      string
}

// BuildEnvelope serializes event and stamps it with meta. A missing event id
// is generated; a missing correlation id reuses the event id.
func BuildEnvelope(event Event, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	eventType := event.EventType()
	if eventType == "" {
		return Envelope{}, errors.New("eventing: event type is required")
	}
	sessionID := event.SessionKey()
	if sessionID == "" {
		return Envelope{}, errors.New("eventing: session key is required")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		EventID:       meta.EventID,
		EventType:     eventType,
		OccurredAt:    event.EventTime().UTC(),
		CorrelationID: meta.CorrelationID,
		TenantID:      meta.TenantID,
		SessionID:     sessionID,
		SchemaVersion: currentSchemaVersion,
		Payload:       payload,
	}
	if env.EventID == "" {
		env.EventID = NewEventID()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	return env, nil
}
