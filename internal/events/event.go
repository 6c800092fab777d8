package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrUnknownStreamType = errors.New("unknown stream type")
	ErrInvalidPayload    = errors.New("invalid event payload")
)

// Metadata is the causal context recorded with every event.
type Metadata struct {
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// IsZero reports whether no metadata field is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// Merge fills the empty fields of m from fallback.
func (m Metadata) Merge(fallback Metadata) Metadata {
	if m.ActorID == "" {
		m.ActorID = fallback.ActorID
	}
	if m.CorrelationID == "" {
		m.CorrelationID = fallback.CorrelationID
	}
	if m.CausationID == "" {
		m.CausationID = fallback.CausationID
	}
	if m.TraceID == "" {
		m.TraceID = fallback.TraceID
	}
	if m.SpanID == "" {
		m.SpanID = fallback.SpanID
	}
	if m.Reason == "" {
		m.Reason = fallback.Reason
	}
	return m
}

type metadataKey struct{}

// WithMetadata returns a context carrying md. Values already present in ctx
// are kept for fields md leaves empty.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md.Merge(MetadataFrom(ctx)))
}

// MetadataFrom returns the metadata carried by ctx, if any.
func MetadataFrom(ctx context.Context) Metadata {
	md, _ := ctx.Value(metadataKey{}).(Metadata)
	return md
}

// Event is one immutable fact in a stream.
type Event struct {
	ID              uuid.UUID       `json:"id"`
	StreamID        string          `json:"stream_id"`
	StreamType      StreamType      `json:"stream_type"`
	StreamVersion   int             `json:"stream_version"`
	EventType       Type            `json:"event_type"`
	EventData       json.RawMessage `json:"event_data"`
	Metadata        Metadata        `json:"event_metadata"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessingError string          `json:"processing_error,omitempty"`
}

// NewEvent builds an event for streamID at version. The stream type is
// derived from t so a producer cannot pair a type with the wrong stream.
func NewEvent(streamID string, t Type, version int, payload any) (Event, error) {
	st := t.StreamType()
	if st == "" {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{
		StreamID:      streamID,
		StreamType:    st,
		StreamVersion: version,
		EventType:     t,
		EventData:     data,
	}, nil
}

// SameFact reports whether a and b record the same fact: same type and
// semantically equal payloads. Key order and whitespace are ignored.
func SameFact(a, b Event) bool {
	if a.EventType != b.EventType {
		return false
	}
	ca, errA := canonical(a.EventData)
	cb, errB := canonical(b.EventData)
	if errA != nil || errB != nil {
		return bytes.Equal(a.EventData, b.EventData)
	}
	return bytes.Equal(ca, cb)
}

// canonical re-encodes raw JSON; encoding/json sorts map keys.
func canonical(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
