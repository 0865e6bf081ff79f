package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Well-known metadata fields carried inside Envelope.Metadata.
const (
	MetadataCorrelationID = "correlationId"
	MetadataRequestID     = "requestId"
	MetadataCallerID      = "callerId"
	MetadataReplyMethod   = "replyMethod"
)

// Envelope is the unit of work sent over the broker
type Envelope struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EnvelopeOption configures a new envelope
type EnvelopeOption func(*envelopeConfig)

type envelopeConfig struct {
	id       string
	metadata map[string]any
}

// WithEnvelopeID overrides the generated message id
func WithEnvelopeID(id string) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.id = id
	}
}

// WithMetadata merges the given fields into the envelope metadata
func WithMetadata(fields map[string]any) EnvelopeOption {
	return func(c *envelopeConfig) {
		for k, v := range fields {
			c.metadata[k] = v
		}
	}
}

// WithMetadataField sets a single metadata field
func WithMetadataField(key string, value any) EnvelopeOption {
	return func(c *envelopeConfig) {
		c.metadata[key] = value
	}
}

// NewEnvelope builds an envelope for action with payload marshaled to JSON.
// A payload that is already json.RawMessage is used as is.
func NewEnvelope(action Action, payload any, options ...EnvelopeOption) (*Envelope, error) {
	if action == "" {
		return nil, fmt.Errorf("action cannot be empty")
	}

	cfg := &envelopeConfig{
		id:       uuid.New().String(),
		metadata: make(map[string]any),
	}
	for _, opt := range options {
		opt(cfg)
	}

	var body json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		body = p
	case []byte:
		body = json.RawMessage(p)
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = b
	}

	env := &Envelope{
		ID:        cfg.id,
		Action:    action,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}

	if len(cfg.metadata) > 0 {
		meta, err := json.Marshal(cfg.metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		env.Metadata = meta
	}

	return env, nil
}

// Encode serializes the envelope for the wire
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a wire body. Structural problems are fatal.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, Fatal(fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
	}
	if env.Action == "" {
		return nil, Fatal(fmt.Errorf("%w: missing action", ErrMalformedEnvelope))
	}
	if len(env.Metadata) > 0 && !gjson.ValidBytes(env.Metadata) {
		return nil, Fatal(fmt.Errorf("%w: metadata is not valid JSON", ErrMalformedEnvelope))
	}
	return &env, nil
}

// HasPayload reports whether the payload is present and not JSON null
func (e *Envelope) HasPayload() bool {
	trimmed := bytes.TrimSpace(e.Payload)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// MetadataString looks up a metadata field using a gjson path.
// Missing metadata or a missing field yields "".
func (e *Envelope) MetadataString(path string) string {
	if len(e.Metadata) == 0 || path == "" {
		return ""
	}
	return gjson.GetBytes(e.Metadata, path).String()
}

// CorrelationID returns the correlation id from metadata, if any
func (e *Envelope) CorrelationID() string {
	return e.MetadataString(MetadataCorrelationID)
}

// WithMetadataValue returns a copy of the envelope with one metadata field set.
// The receiver is left untouched.
func (e *Envelope) WithMetadataValue(key string, value any) (*Envelope, error) {
	fields := make(map[string]any)
	if len(e.Metadata) > 0 {
		if err := json.Unmarshal(e.Metadata, &fields); err != nil {
			return nil, fmt.Errorf("failed to read metadata: %w", err)
		}
	}
	fields[key] = value

	meta, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	clone := *e
	clone.Metadata = meta
	return &clone, nil
}

// As returns a typed view of the payload.
//
// An absent or null payload yields ErrEmptyPayload; a payload that does not
// fit T yields ErrMalformedPayload. Both are fatal: redelivery cannot fix them.
// Whether an absent payload is acceptable is the caller's decision.
func As[T any](e *Envelope) (T, error) {
	var v T
	if !e.HasPayload() {
		return v, Fatal(fmt.Errorf("%w: action %s", ErrEmptyPayload, e.Action))
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, Fatal(fmt.Errorf("%w: action %s: %v", ErrMalformedPayload, e.Action, err))
	}
	return v, nil
}
