package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/krishio/agrimesh/config"
	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/natsclient"
)

// Bucket names. One bucket per entity kind so each gets its own TTL.
const (
	FarmerBucket   = "agrimesh-farmer-context"
	FPOBucket      = "agrimesh-fpo-context"
	SnapshotBucket = "agrimesh-msg-snapshots"
)

// kvBucket is the slice of natsclient.KVStore the store depends on, kept
// narrow so tests can substitute in-memory fakes.
type kvBucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
}

// Store reads and writes entity state. All writes go through CAS retry so
// concurrent agents updating the same entity never lose each other's
// slices.
type Store struct {
	client    *natsclient.Client
	cfg       config.ContextStoreConfig
	logger    *slog.Logger
	buckets   map[EntityKind]kvBucket
	snapshots kvBucket
}

// NewStore creates an uninitialized store. Initialize must run after the
// client is connected.
func NewStore(client *natsclient.Client, cfg config.ContextStoreConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "contextstore"),
	}
}

// Initialize creates the KV buckets with their configured TTLs.
func (s *Store) Initialize(ctx context.Context) error {
	specs := []struct {
		kind   EntityKind
		bucket string
		cfg    jetstream.KeyValueConfig
	}{
		{KindFarmer, FarmerBucket, jetstream.KeyValueConfig{
			Bucket:      FarmerBucket,
			Description: "per-farmer conversation state",
			TTL:         s.cfg.FarmerTTL.Std(),
		}},
		{KindFPO, FPOBucket, jetstream.KeyValueConfig{
			Bucket:      FPOBucket,
			Description: "per-FPO shared state",
			TTL:         s.cfg.FPOTTL.Std(),
		}},
	}

	s.buckets = make(map[EntityKind]kvBucket, len(specs))
	for _, spec := range specs {
		bucket, err := s.client.CreateKeyValueBucket(ctx, spec.cfg)
		if err != nil {
			return errors.Wrap(err, "Store", "Initialize",
				fmt.Sprintf("create bucket %s", spec.bucket))
		}
		s.buckets[spec.kind] = s.client.NewKVStore(bucket)
	}

	snapBucket, err := s.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      SnapshotBucket,
		Description: "recent message snapshots for replay and audit",
		TTL:         s.cfg.SnapshotTTL.Std(),
	})
	if err != nil {
		return errors.Wrap(err, "Store", "Initialize",
			fmt.Sprintf("create bucket %s", SnapshotBucket))
	}
	s.snapshots = s.client.NewKVStore(snapBucket)

	s.logger.Info("context store initialized",
		"farmer_ttl", s.cfg.FarmerTTL.Std(),
		"fpo_ttl", s.cfg.FPOTTL.Std(),
		"snapshot_ttl", s.cfg.SnapshotTTL.Std())
	return nil
}

func (s *Store) bucketFor(ref EntityRef) (kvBucket, error) {
	if err := ref.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Store", "bucketFor", "validate entity ref")
	}
	bucket, ok := s.buckets[ref.Kind]
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("store not initialized for kind %s", ref.Kind),
			"Store", "bucketFor", "resolve bucket")
	}
	return bucket, nil
}

// Get returns the entity's state. A missing entity yields an empty state
// and no error; infrastructure failures return the empty state alongside
// the error so callers can degrade instead of failing the request.
func (s *Store) Get(ctx context.Context, ref EntityRef) (*State, error) {
	bucket, err := s.bucketFor(ref)
	if err != nil {
		return &State{}, err
	}

	entry, err := bucket.Get(ctx, ref.ID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return &State{}, nil
		}
		s.logger.Warn("context read failed, serving empty state",
			"entity", ref.String(), "error", err)
		return &State{}, errors.WrapTransient(err, "Store", "Get", "read entity state")
	}

	var state State
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		s.logger.Warn("corrupt context entry, serving empty state",
			"entity", ref.String(), "error", err)
		return &State{}, errors.WrapInvalid(err, "Store", "Get", "decode entity state")
	}
	return &state, nil
}

// Update merges data into the named slice of the entity's state and records
// the triggering message id in the recency window. The write re-arms the
// entity's TTL.
func (s *Store) Update(ctx context.Context, ref EntityRef, sliceName string, data map[string]any, messageID string) error {
	if sliceName == "" {
		return errors.WrapInvalid(fmt.Errorf("slice name is required"),
			"Store", "Update", "validate slice name")
	}

	bucket, err := s.bucketFor(ref)
	if err != nil {
		return err
	}

	maxRecent := s.cfg.MaxRecent
	if maxRecent == 0 {
		maxRecent = 100
	}

	err = bucket.UpdateWithRetry(ctx, ref.ID, func(current []byte) ([]byte, error) {
		var state State
		if len(current) > 0 {
			if err := json.Unmarshal(current, &state); err != nil {
				// Corrupt entries are replaced rather than blocking writes.
				s.logger.Warn("replacing corrupt context entry",
					"entity", ref.String(), "error", err)
				state = State{}
			}
		}

		state.mergeSlice(sliceName, data)
		state.appendRecent(messageID, maxRecent)
		return json.Marshal(&state)
	})
	if err != nil {
		return errors.WrapTransient(err, "Store", "Update", "write entity state")
	}
	return nil
}

// Delete removes an entity's state entirely.
func (s *Store) Delete(ctx context.Context, ref EntityRef) error {
	bucket, err := s.bucketFor(ref)
	if err != nil {
		return err
	}
	if err := bucket.Delete(ctx, ref.ID); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "Store", "Delete", "delete entity state")
	}
	return nil
}

// SaveSnapshot stores a published envelope for later replay or audit.
// Snapshot failures are reported but non-fatal to the publish path.
func (s *Store) SaveSnapshot(ctx context.Context, env *envelope.Envelope) error {
	if s.snapshots == nil {
		return errors.WrapFatal(fmt.Errorf("store not initialized"),
			"Store", "SaveSnapshot", "resolve snapshot bucket")
	}
	if env == nil || env.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("envelope missing id"),
			"Store", "SaveSnapshot", "validate envelope")
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	if _, err := s.snapshots.Put(ctx, env.ID, data); err != nil {
		return errors.WrapTransient(err, "Store", "SaveSnapshot", "write snapshot")
	}
	return nil
}

// GetSnapshot loads a previously saved envelope by message id.
func (s *Store) GetSnapshot(ctx context.Context, messageID string) (*envelope.Envelope, error) {
	if s.snapshots == nil {
		return nil, errors.WrapFatal(fmt.Errorf("store not initialized"),
			"Store", "GetSnapshot", "resolve snapshot bucket")
	}

	entry, err := s.snapshots.Get(ctx, messageID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(err, "Store", "GetSnapshot", "snapshot not found")
		}
		return nil, errors.WrapTransient(err, "Store", "GetSnapshot", "read snapshot")
	}
	return envelope.Decode(entry.Value)
}

// ResolveChain folds the contexts attached to an ordered list of prior
// messages into one effective context, later entries winning on collision.
// Missing or unreadable snapshots are skipped: a conversation whose early
// turns have expired still resolves from what remains. A chain with no
// resolvable context yields nil.
func (s *Store) ResolveChain(ctx context.Context, messageIDs []string) (*envelope.Context, error) {
	if s.snapshots == nil {
		return nil, errors.WrapFatal(fmt.Errorf("store not initialized"),
			"Store", "ResolveChain", "resolve snapshot bucket")
	}

	var merged *envelope.Context
	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		env, err := s.GetSnapshot(ctx, id)
		if err != nil {
			if errors.IsTransient(err) {
				s.logger.Warn("snapshot unreadable during chain resolution",
					"message_id", id, "error", err)
			}
			continue
		}
		if env.Context == nil {
			continue
		}
		merged = merged.Merge(env.Context)
	}
	return merged, nil
}
