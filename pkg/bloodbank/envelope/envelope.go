// Package envelope defines the versioned wrapper placed around every event
// published on the bus.
//
// An Envelope carries identity (EventID), routing (EventType), provenance
// (Source, AgentContext), causal links (CorrelationIDs), and an opaque JSON
// payload. The payload is never interpreted here; typed access happens at the
// caller edge via DecodePayload or PayloadAs.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// CurrentVersion is the envelope schema version stamped on new envelopes.
const CurrentVersion = "1.0.0"

// TriggerType describes how an event came to exist.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerAgent     TriggerType = "agent"
	TriggerScheduled TriggerType = "scheduled"
	TriggerFileWatch TriggerType = "file_watch"
	TriggerHook      TriggerType = "hook"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerAgent, TriggerScheduled, TriggerFileWatch, TriggerHook:
		return true
	}
	return false
}

// Source identifies who or what produced the event.
type Source struct {
	Host string         `json:"host"`
	Type TriggerType    `json:"type"`
	App  string         `json:"app,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// DefaultSource returns a manual-trigger source for the local host.
func DefaultSource(app string) Source {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return Source{Host: host, Type: TriggerManual, App: app}
}

// Envelope wraps a domain payload with identity, routing, and causal metadata.
// Envelopes are not mutated after construction; build a new one instead.
type Envelope struct {
	EventID        uuid.UUID       `json:"event_id"`
	EventType      string          `json:"event_type"`
	Timestamp      time.Time       `json:"timestamp"`
	Version        string          `json:"version"`
	Source         Source          `json:"source"`
	CorrelationIDs []uuid.UUID     `json:"correlation_ids"`
	AgentContext   *AgentContext   `json:"agent_context"`
	Payload        json.RawMessage `json:"payload"`
}

// Sentinel validation errors.
var (
	ErrEmptyEventType     = errors.New("envelope: event type is empty")
	ErrNilEventID         = errors.New("envelope: event id is nil")
	ErrSelfReference      = errors.New("envelope: correlation ids contain the event's own id")
	ErrInvalidVersion     = errors.New("envelope: version is not a semantic version")
	ErrInvalidTriggerType = errors.New("envelope: unknown source trigger type")
)

// Option configures envelope creation.
type Option func(*Envelope)

// WithEventID sets a specific event id (default: random UUID v4).
func WithEventID(id uuid.UUID) Option {
	return func(e *Envelope) {
		e.EventID = id
	}
}

// WithCorrelationIDs sets the parent event ids. The slice is copied.
func WithCorrelationIDs(ids ...uuid.UUID) Option {
	return func(e *Envelope) {
		e.CorrelationIDs = append(make([]uuid.UUID, 0, len(ids)), ids...)
	}
}

// WithAgentContext attaches agent metadata.
func WithAgentContext(ac *AgentContext) Option {
	return func(e *Envelope) {
		e.AgentContext = ac
	}
}

// WithVersion overrides the envelope schema version.
func WithVersion(v string) Option {
	return func(e *Envelope) {
		e.Version = v
	}
}

// WithTimestamp overrides the creation time. The value is normalised to UTC.
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) {
		e.Timestamp = t.UTC()
	}
}

// New builds an envelope around payload. The payload is marshalled to JSON
// once; json.RawMessage and []byte values holding valid JSON are used as-is.
func New(eventType string, source Source, payload any, opts ...Option) (*Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		EventID:        uuid.New(),
		EventType:      eventType,
		Timestamp:      time.Now().UTC(),
		Version:        CurrentVersion,
		Source:         source,
		CorrelationIDs: []uuid.UUID{},
		Payload:        raw,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationIDs == nil {
		e.CorrelationIDs = []uuid.UUID{}
	}
	return e, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("envelope: payload is not valid JSON")
		}
		return slices.Clone(p), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("envelope: payload is not valid JSON")
		}
		return json.RawMessage(slices.Clone(p)), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return raw, nil
}

// Validate checks the envelope invariants. It performs no I/O.
func (e *Envelope) Validate() error {
	if e.EventID == uuid.Nil {
		return ErrNilEventID
	}
	if e.EventType == "" {
		return ErrEmptyEventType
	}
	if _, err := semver.NewVersion(e.Version); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, e.Version)
	}
	if !e.Source.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTriggerType, e.Source.Type)
	}
	if slices.Contains(e.CorrelationIDs, e.EventID) {
		return ErrSelfReference
	}
	return nil
}

// IsRoot reports whether the envelope has no parents.
func (e *Envelope) IsRoot() bool {
	return len(e.CorrelationIDs) == 0
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("envelope %s: decode payload: %w", e.EventID, err)
	}
	return nil
}

// PayloadAs decodes the payload into a value of type T.
func PayloadAs[T any](e *Envelope) (T, error) {
	var v T
	err := e.DecodePayload(&v)
	return v, err
}
