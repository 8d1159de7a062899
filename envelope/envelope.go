// Package envelope defines the shared message vocabulary for the AgriMesh
// agent platform: message kinds, priorities, addressing, context attachment,
// and the JSON wire format. The package is a schema with validation and
// routing resolution only; it performs no I/O.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/pkg/timestamp"
)

// Context carries conversation and entity state alongside a message so a
// receiving agent can answer without re-querying upstream agents.
type Context struct {
	FarmerID        string         `json:"farmer_id,omitempty"`
	FPOID           string         `json:"fpo_id,omitempty"`
	Location        string         `json:"location,omitempty"`
	CropType        string         `json:"crop_type,omitempty"`
	Season          string         `json:"season,omitempty"`
	PriorMessageIDs []string       `json:"prior_message_ids,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Merge folds other into a copy of c, with other's fields winning on
// collision. PriorMessageIDs are concatenated, metadata keys overwritten.
// Either side may be nil.
func (c *Context) Merge(other *Context) *Context {
	if c == nil && other == nil {
		return nil
	}

	merged := &Context{}
	if c != nil {
		*merged = *c
		merged.PriorMessageIDs = append([]string(nil), c.PriorMessageIDs...)
		if c.Metadata != nil {
			merged.Metadata = make(map[string]any, len(c.Metadata))
			for k, v := range c.Metadata {
				merged.Metadata[k] = v
			}
		}
	}
	if other == nil {
		return merged
	}

	if other.FarmerID != "" {
		merged.FarmerID = other.FarmerID
	}
	if other.FPOID != "" {
		merged.FPOID = other.FPOID
	}
	if other.Location != "" {
		merged.Location = other.Location
	}
	if other.CropType != "" {
		merged.CropType = other.CropType
	}
	if other.Season != "" {
		merged.Season = other.Season
	}
	merged.PriorMessageIDs = append(merged.PriorMessageIDs, other.PriorMessageIDs...)
	if len(other.Metadata) > 0 {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]any, len(other.Metadata))
		}
		for k, v := range other.Metadata {
			merged.Metadata[k] = v
		}
	}

	return merged
}

// Envelope is the unit of communication between agents. ID and Timestamp are
// assigned by the bus at publish time, exactly once; senders must leave them
// empty. Payload structure is owned by sender and receiver, not by the
// protocol.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Source    AgentType       `json:"source"`
	Targets   []AgentType     `json:"targets,omitempty"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds, bus-assigned
	Payload   json.RawMessage `json:"payload,omitempty"`
	Context   *Context        `json:"context,omitempty"`
	Priority  Priority        `json:"priority"`
	TTL       int             `json:"ttl,omitempty"` // seconds; 0 means no expiry

	// CorrelationID links a RESPONSE to the REQUEST that caused it.
	CorrelationID string `json:"correlation_id,omitempty"`
	// ReplyTo names the private reply destination for a REQUEST; replies
	// with this field set bypass the target's durable queue.
	ReplyTo string `json:"reply_to,omitempty"`
}

// New creates an unvalidated envelope with a marshaled payload. ID and
// Timestamp are left empty for the bus to assign.
func New(msgType MessageType, source AgentType, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "New", "marshal payload")
	}
	return &Envelope{
		Type:     msgType,
		Source:   source,
		Payload:  data,
		Priority: PriorityNormal,
	}, nil
}

// Validate checks protocol-level invariants. It does not inspect the payload.
func (e *Envelope) Validate() error {
	if !e.Type.IsValid() {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate",
			fmt.Sprintf("unknown message type %q", e.Type))
	}
	if !e.Source.IsValid() {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate",
			fmt.Sprintf("unknown source agent %q", e.Source))
	}
	if !e.Priority.IsValid() {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate",
			fmt.Sprintf("priority %d out of range", e.Priority))
	}
	if e.TTL < 0 {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate",
			"ttl cannot be negative")
	}

	if e.Type.RequiresTarget() && len(e.Targets) == 0 {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate",
			fmt.Sprintf("%s requires at least one target", e.Type))
	}
	if e.Type == TypeBroadcast && len(e.Targets) > 0 {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate",
			"BROADCAST must not carry targets")
	}

	for _, target := range e.Targets {
		if !target.IsValid() {
			return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "Validate",
				fmt.Sprintf("unknown target agent %q", target))
		}
	}

	return nil
}

// Expired reports whether the envelope's TTL has elapsed at the given time.
// Envelopes without a TTL or without a bus timestamp never expire.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTL <= 0 || e.Timestamp == 0 {
		return false
	}
	deadline := timestamp.FromUnixMs(e.Timestamp).Add(time.Duration(e.TTL) * time.Second)
	return now.After(deadline)
}

// UnmarshalPayload decodes the payload into v.
func (e *Envelope) UnmarshalPayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.WrapInvalid(errors.ErrMalformedEnvelope, "Envelope", "UnmarshalPayload",
			"empty payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalPayload", "decode payload")
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "marshal envelope")
	}
	return data, nil
}

// Decode deserializes an envelope from the wire.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Decode", "unmarshal envelope")
	}
	return &e, nil
}
