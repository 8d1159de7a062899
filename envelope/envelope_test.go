package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishio/agrimesh/errors"
)

func validEnvelope() *Envelope {
	return &Envelope{
		ID:        "msg-1",
		Type:      TypeRequest,
		Source:    AgentMaster,
		Targets:   []AgentType{AgentMarketIntelligence},
		Timestamp: 1700000000000,
		Payload:   json.RawMessage(`{"commodity":"wheat"}`),
		Priority:  PriorityNormal,
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(e *Envelope)
		wantErr bool
	}{
		{
			name:   "valid request",
			mutate: func(e *Envelope) {},
		},
		{
			name: "unknown type",
			mutate: func(e *Envelope) {
				e.Type = MessageType("GOSSIP")
			},
			wantErr: true,
		},
		{
			name: "unknown source",
			mutate: func(e *Envelope) {
				e.Source = AgentType("weather-wizard")
			},
			wantErr: true,
		},
		{
			name: "request without target",
			mutate: func(e *Envelope) {
				e.Targets = nil
			},
			wantErr: true,
		},
		{
			name: "response without target",
			mutate: func(e *Envelope) {
				e.Type = TypeResponse
				e.Targets = nil
			},
			wantErr: true,
		},
		{
			name: "context update without target",
			mutate: func(e *Envelope) {
				e.Type = TypeContextUpdate
				e.Targets = nil
			},
			wantErr: true,
		},
		{
			name: "event without target is fine",
			mutate: func(e *Envelope) {
				e.Type = TypeEvent
				e.Targets = nil
			},
		},
		{
			name: "broadcast with target",
			mutate: func(e *Envelope) {
				e.Type = TypeBroadcast
			},
			wantErr: true,
		},
		{
			name: "broadcast without target is fine",
			mutate: func(e *Envelope) {
				e.Type = TypeBroadcast
				e.Targets = nil
			},
		},
		{
			name: "unknown target",
			mutate: func(e *Envelope) {
				e.Targets = []AgentType{AgentType("astrology")}
			},
			wantErr: true,
		},
		{
			name: "priority out of range",
			mutate: func(e *Envelope) {
				e.Priority = Priority(42)
			},
			wantErr: true,
		},
		{
			name: "negative ttl",
			mutate: func(e *Envelope) {
				e.TTL = -5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope()
			tt.mutate(env)
			err := env.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrMalformedEnvelope)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvelopeExpired(t *testing.T) {
	base := time.UnixMilli(1700000000000)

	env := validEnvelope()
	env.TTL = 30

	assert.False(t, env.Expired(base.Add(29*time.Second)))
	assert.False(t, env.Expired(base.Add(30*time.Second)))
	assert.True(t, env.Expired(base.Add(31*time.Second)))

	env.TTL = 0
	assert.False(t, env.Expired(base.Add(24*time.Hour)), "no TTL means no expiry")

	env.TTL = 30
	env.Timestamp = 0
	assert.False(t, env.Expired(base), "unpublished envelope never expires")
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	env := validEnvelope()
	env.Type = TypeResponse
	env.TTL = 60
	env.CorrelationID = "corr-9"
	env.ReplyTo = "_INBOX.abc"
	env.Context = &Context{
		FarmerID:        "farmer-12",
		FPOID:           "fpo-3",
		Location:        "Nashik",
		CropType:        "onion",
		Season:          "rabi",
		PriorMessageIDs: []string{"msg-0"},
		Metadata:        map[string]any{"channel": "whatsapp"},
	}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnmarshalPayload(t *testing.T) {
	env := validEnvelope()

	var payload struct {
		Commodity string `json:"commodity"`
	}
	require.NoError(t, env.UnmarshalPayload(&payload))
	assert.Equal(t, "wheat", payload.Commodity)

	env.Payload = nil
	assert.Error(t, env.UnmarshalPayload(&payload))
}

func TestNewAssignsNothingBusOwned(t *testing.T) {
	env, err := New(TypeEvent, AgentClimateResource, map[string]string{"alert": "frost"})
	require.NoError(t, err)

	assert.Empty(t, env.ID)
	assert.Zero(t, env.Timestamp)
	assert.Equal(t, PriorityNormal, env.Priority)
	assert.JSONEq(t, `{"alert":"frost"}`, string(env.Payload))
}

func TestContextMerge(t *testing.T) {
	t.Run("nil receivers", func(t *testing.T) {
		var base *Context
		assert.Nil(t, base.Merge(nil))

		merged := base.Merge(&Context{FarmerID: "f1"})
		require.NotNil(t, merged)
		assert.Equal(t, "f1", merged.FarmerID)
	})

	t.Run("later values win", func(t *testing.T) {
		base := &Context{
			FarmerID:        "f1",
			Location:        "Pune",
			PriorMessageIDs: []string{"a"},
			Metadata:        map[string]any{"lang": "mr", "channel": "ivr"},
		}
		merged := base.Merge(&Context{
			Location:        "Nashik",
			PriorMessageIDs: []string{"b"},
			Metadata:        map[string]any{"channel": "whatsapp"},
		})

		assert.Equal(t, "f1", merged.FarmerID)
		assert.Equal(t, "Nashik", merged.Location)
		assert.Equal(t, []string{"a", "b"}, merged.PriorMessageIDs)
		assert.Equal(t, "whatsapp", merged.Metadata["channel"])
		assert.Equal(t, "mr", merged.Metadata["lang"])

		// Merge must not mutate the receiver.
		assert.Equal(t, "Pune", base.Location)
		assert.Equal(t, "ivr", base.Metadata["channel"])
	})
}
