package events

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersionV1 is the current envelope schema version.
const SchemaVersionV1 = "v1"

// Envelope carries the fields shared by every event. TraceID propagates
// across stages so one post's journey can be followed end to end;
// IdempotencyKey identifies the logical event independently of how many
// times the log delivers it.
type Envelope struct {
	SchemaVersion  string    `json:"schema_version" validate:"required"`
	TraceID        string    `json:"trace_id" validate:"required,uuid"`
	OccurredAt     time.Time `json:"occurred_at" validate:"required"`
	IdempotencyKey string    `json:"idempotency_key" validate:"required"`
}

// NewEnvelope returns an envelope with a fresh trace ID and the given
// idempotency key.
func NewEnvelope(idempotencyKey string) Envelope {
	return Envelope{
		SchemaVersion:  SchemaVersionV1,
		TraceID:        uuid.NewString(),
		OccurredAt:     time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
}

// ChildEnvelope returns an envelope for a downstream event that continues
// the given trace. A zero parent yields a fresh trace ID.
func ChildEnvelope(parent Envelope, idempotencyKey string) Envelope {
	e := NewEnvelope(idempotencyKey)
	if parent.TraceID != "" {
		e.TraceID = parent.TraceID
	}
	return e
}

// Key implements Event.
func (e Envelope) Key() string { return e.IdempotencyKey }

// normalize fills defaults the producer may have omitted. Trace IDs are
// generated when absent so every consumed event is traceable.
func (e *Envelope) normalize() {
	if e.SchemaVersion == "" {
		e.SchemaVersion = SchemaVersionV1
	}
	if e.TraceID == "" {
		e.TraceID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}
