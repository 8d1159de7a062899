// Package contextstore persists shared conversation state in NATS KV
// buckets. Each farmer or FPO entity owns a State made of per-agent slices;
// every write re-arms the bucket's per-key TTL so active conversations stay
// warm and idle ones expire on their own.
package contextstore

import (
	"fmt"

	"github.com/krishio/agrimesh/pkg/timestamp"
)

// EntityKind names the class of entity a state belongs to. Kinds map to
// separate KV buckets with different TTLs: farmer sessions are short-lived,
// FPO state persists across a business day.
type EntityKind string

// Supported entity kinds.
const (
	KindFarmer EntityKind = "farmer"
	KindFPO    EntityKind = "fpo"
)

// IsValid reports whether the kind is known.
func (k EntityKind) IsValid() bool {
	return k == KindFarmer || k == KindFPO
}

// EntityRef identifies one entity in the store.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

// Validate checks the reference is usable as a KV key.
func (r EntityRef) Validate() error {
	if !r.Kind.IsValid() {
		return fmt.Errorf("unknown entity kind %q", r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	return nil
}

func (r EntityRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Slice is one agent's contribution to an entity's state. UpdatedAt is
// stamped by the store in unix milliseconds on every write.
type Slice struct {
	Data      map[string]any `json:"data"`
	UpdatedAt int64          `json:"updated_at"`
}

// State is the full stored state of one entity: slices keyed by the name
// the writing agent chose (conventionally its agent type), plus the ids of
// the most recent messages touching this entity.
type State struct {
	Slices           map[string]Slice `json:"slices,omitempty"`
	RecentMessageIDs []string         `json:"recent_message_ids,omitempty"`
}

// Slice returns a named slice and whether it exists.
func (s *State) Slice(name string) (Slice, bool) {
	if s == nil || s.Slices == nil {
		return Slice{}, false
	}
	slice, ok := s.Slices[name]
	return slice, ok
}

// mergeSlice folds data into the named slice, overwriting colliding keys
// and stamping the update time. The state is modified in place.
func (s *State) mergeSlice(name string, data map[string]any) {
	if s.Slices == nil {
		s.Slices = make(map[string]Slice)
	}

	slice := s.Slices[name]
	if slice.Data == nil {
		slice.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		slice.Data[k] = v
	}
	slice.UpdatedAt = timestamp.Now()
	s.Slices[name] = slice
}

// appendRecent adds a message id to the recency window, dropping the oldest
// entries past max. Duplicate ids are skipped so redeliveries don't pollute
// the window.
func (s *State) appendRecent(messageID string, max int) {
	if messageID == "" || max <= 0 {
		return
	}
	for _, id := range s.RecentMessageIDs {
		if id == messageID {
			return
		}
	}
	s.RecentMessageIDs = append(s.RecentMessageIDs, messageID)
	if excess := len(s.RecentMessageIDs) - max; excess > 0 {
		s.RecentMessageIDs = s.RecentMessageIDs[excess:]
	}
}
