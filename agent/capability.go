// Package agent provides the base contract every AgriMesh agent builds on:
// lifecycle management, capability registration, request dispatch with panic
// containment, and helpers for talking to the bus and the context store.
package agent

import (
	"context"
	"encoding/json"

	"github.com/krishio/agrimesh/envelope"
)

// OperationFunc executes one named operation. The returned value is
// marshaled into the RESPONSE payload.
type OperationFunc func(ctx context.Context, req *Request) (any, error)

// Capability declares one operation an agent can perform. The schema hints
// are informational for callers; the protocol layer does not enforce them.
type Capability struct {
	Operation    string
	Description  string
	InputSchema  string
	OutputSchema string
	Handler      OperationFunc
}

// OpDescribe is the built-in introspection operation every agent answers
// with its Declaration, so peers can discover operations and dependencies.
const OpDescribe = "describe"

// OperationInfo is the introspectable description of one operation.
type OperationInfo struct {
	Operation    string `json:"operation"`
	Description  string `json:"description,omitempty"`
	InputSchema  string `json:"input_schema,omitempty"`
	OutputSchema string `json:"output_schema,omitempty"`
}

// Declaration is an agent's static capability declaration: identity,
// version, tags, operations, and the agents it depends on. Built once at
// startup and immutable afterward.
type Declaration struct {
	Agent      envelope.AgentType   `json:"agent"`
	Version    string               `json:"version"`
	Tags       []string             `json:"tags,omitempty"`
	Operations []OperationInfo      `json:"operations"`
	DependsOn  []envelope.AgentType `json:"depends_on,omitempty"`
}

// Request is the decoded body of a REQUEST envelope.
type Request struct {
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params,omitempty"`

	// MessageID is the bus-assigned id of the originating envelope.
	MessageID string `json:"-"`
	// Context is the conversation context attached to the envelope, nil
	// when the requester sent none.
	Context *ContextInfo `json:"-"`
}

// ContextInfo mirrors the envelope context for handler consumption.
type ContextInfo struct {
	FarmerID string
	FPOID    string
	Location string
	CropType string
	Season   string
	Metadata map[string]any
}

// UnmarshalParams decodes the request parameters into v.
func (r *Request) UnmarshalParams(v any) error {
	if len(r.Params) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(r.Params, v)
}

// Result is the uniform RESPONSE body. Success and Error are mutually
// exclusive; RequestID echoes the REQUEST's message id so callers can
// correlate beyond the transport's correlation id.
type Result struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// OkResult builds a success result, marshaling data.
func OkResult(requestID string, data any) Result {
	raw, err := json.Marshal(data)
	if err != nil {
		return FailResult(requestID, "encode result: "+err.Error())
	}
	return Result{Success: true, Data: raw, RequestID: requestID}
}

// FailResult builds a failure result.
func FailResult(requestID, message string) Result {
	return Result{Success: false, Error: message, RequestID: requestID}
}

// Decode unmarshals the result data into v. A result without data leaves v
// untouched.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// DecodeResult parses a RESPONSE payload.
func DecodeResult(payload []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
