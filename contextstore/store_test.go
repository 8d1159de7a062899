package contextstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishio/agrimesh/config"
	"github.com/krishio/agrimesh/envelope"
	"github.com/krishio/agrimesh/errors"
	"github.com/krishio/agrimesh/natsclient"
)

// fakeBucket is an in-memory kvBucket.
type fakeBucket struct {
	mu   sync.Mutex
	data map[string][]byte
	fail error // when set, every operation returns this error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{data: make(map[string][]byte)}
}

func (f *fakeBucket) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	value, ok := f.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: value, Revision: 1}, nil
}

func (f *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return 0, f.fail
	}
	f.data[key] = value
	return 1, nil
}

func (f *fakeBucket) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	delete(f.data, key)
	return nil
}

func (f *fakeBucket) UpdateWithRetry(_ context.Context, key string, updateFn func([]byte) ([]byte, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	newValue, err := updateFn(f.data[key])
	if err != nil {
		return err
	}
	f.data[key] = newValue
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeBucket, *fakeBucket) {
	t.Helper()
	farmer := newFakeBucket()
	snapshots := newFakeBucket()
	store := &Store{
		cfg:       config.ContextStoreConfig{MaxRecent: 3},
		logger:    slog.Default(),
		buckets:   map[EntityKind]kvBucket{KindFarmer: farmer, KindFPO: newFakeBucket()},
		snapshots: snapshots,
	}
	return store, farmer, snapshots
}

func TestEntityRefValidate(t *testing.T) {
	assert.NoError(t, EntityRef{Kind: KindFarmer, ID: "f1"}.Validate())
	assert.Error(t, EntityRef{Kind: KindFarmer}.Validate())
	assert.Error(t, EntityRef{Kind: "tractor", ID: "t1"}.Validate())
	assert.Equal(t, "fpo/p1", EntityRef{Kind: KindFPO, ID: "p1"}.String())
}

func TestGetMissingEntityYieldsEmptyState(t *testing.T) {
	store, _, _ := newTestStore(t)

	state, err := store.Get(context.Background(), EntityRef{Kind: KindFarmer, ID: "nobody"})
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Empty(t, state.Slices)
	assert.Empty(t, state.RecentMessageIDs)
}

func TestUpdateThenGet(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	ref := EntityRef{Kind: KindFarmer, ID: "farmer-7"}

	err := store.Update(ctx, ref, "market-intelligence",
		map[string]any{"commodity": "onion", "price": 2450.0}, "msg-1")
	require.NoError(t, err)

	err = store.Update(ctx, ref, "climate-resource",
		map[string]any{"rainfall_mm": 12.5}, "msg-2")
	require.NoError(t, err)

	state, err := store.Get(ctx, ref)
	require.NoError(t, err)

	market, ok := state.Slice("market-intelligence")
	require.True(t, ok)
	assert.Equal(t, "onion", market.Data["commodity"])
	assert.Positive(t, market.UpdatedAt)

	climate, ok := state.Slice("climate-resource")
	require.True(t, ok)
	assert.Equal(t, 12.5, climate.Data["rainfall_mm"])

	assert.Equal(t, []string{"msg-1", "msg-2"}, state.RecentMessageIDs)
}

func TestUpdateMergesWithinSlice(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	ref := EntityRef{Kind: KindFarmer, ID: "farmer-7"}

	require.NoError(t, store.Update(ctx, ref, "geo-agronomy",
		map[string]any{"soil": "black", "ph": 6.8}, "msg-1"))
	require.NoError(t, store.Update(ctx, ref, "geo-agronomy",
		map[string]any{"ph": 7.1}, "msg-2"))

	state, err := store.Get(ctx, ref)
	require.NoError(t, err)

	slice, ok := state.Slice("geo-agronomy")
	require.True(t, ok)
	assert.Equal(t, "black", slice.Data["soil"], "untouched keys survive")
	assert.Equal(t, 7.1, slice.Data["ph"], "later write wins")
}

func TestRecencyWindowIsCappedAndDeduped(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	ref := EntityRef{Kind: KindFarmer, ID: "farmer-7"}

	for _, id := range []string{"a", "b", "b", "c", "d"} {
		require.NoError(t, store.Update(ctx, ref, "s", map[string]any{"k": id}, id))
	}

	state, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, state.RecentMessageIDs, "cap 3, oldest dropped, dup skipped")
}

func TestUpdateValidation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, EntityRef{Kind: KindFarmer, ID: "f"}, "", nil, "m")
	assert.True(t, errors.IsInvalid(err))

	err = store.Update(ctx, EntityRef{Kind: "tractor", ID: "t"}, "s", nil, "m")
	assert.True(t, errors.IsInvalid(err))
}

func TestGetDegradesOnInfrastructureError(t *testing.T) {
	store, farmer, _ := newTestStore(t)
	farmer.fail = assert.AnError

	state, err := store.Get(context.Background(), EntityRef{Kind: KindFarmer, ID: "f"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	require.NotNil(t, state, "caller always gets a usable state")
	assert.Empty(t, state.Slices)
}

func TestGetReplacesCorruptEntry(t *testing.T) {
	store, farmer, _ := newTestStore(t)
	ctx := context.Background()
	ref := EntityRef{Kind: KindFarmer, ID: "f"}

	farmer.data["f"] = []byte("not json")

	state, err := store.Get(ctx, ref)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Empty(t, state.Slices)

	// A write through the corrupt entry succeeds and replaces it.
	require.NoError(t, store.Update(ctx, ref, "s", map[string]any{"k": 1}, "m"))
	state, err = store.Get(ctx, ref)
	require.NoError(t, err)
	_, ok := state.Slice("s")
	assert.True(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	ref := EntityRef{Kind: KindFarmer, ID: "f"}

	require.NoError(t, store.Update(ctx, ref, "s", map[string]any{"k": 1}, "m"))
	require.NoError(t, store.Delete(ctx, ref))
	require.NoError(t, store.Delete(ctx, ref), "deleting a missing entity is not an error")

	state, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, state.Slices)
}

func TestSnapshots(t *testing.T) {
	store, _, snapshots := newTestStore(t)
	ctx := context.Background()

	env := &envelope.Envelope{
		ID:        "msg-42",
		Type:      envelope.TypeEvent,
		Source:    envelope.AgentClimateResource,
		Timestamp: 1700000000000,
		Payload:   json.RawMessage(`{"alert":"hailstorm"}`),
		Priority:  envelope.PriorityCritical,
	}
	require.NoError(t, store.SaveSnapshot(ctx, env))
	assert.Contains(t, snapshots.data, "msg-42")

	got, err := store.GetSnapshot(ctx, "msg-42")
	require.NoError(t, err)
	assert.Equal(t, env, got)

	_, err = store.GetSnapshot(ctx, "missing")
	assert.True(t, errors.IsInvalid(err))

	assert.Error(t, store.SaveSnapshot(ctx, &envelope.Envelope{}), "snapshot requires an id")
}

func saveSnapshotWithContext(t *testing.T, store *Store, id string, msgCtx *envelope.Context) {
	t.Helper()
	require.NoError(t, store.SaveSnapshot(context.Background(), &envelope.Envelope{
		ID:        id,
		Type:      envelope.TypeRequest,
		Source:    envelope.AgentHumanInterface,
		Targets:   []envelope.AgentType{envelope.AgentCollectiveGovernance},
		Timestamp: 1700000000000,
		Priority:  envelope.PriorityNormal,
		Context:   msgCtx,
	}))
}

func TestResolveChainLaterEntriesWin(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	saveSnapshotWithContext(t, store, "msg-1", &envelope.Context{
		FarmerID: "farmer-7",
		Location: "nashik",
		Season:   "kharif",
		Metadata: map[string]any{"commodity": "onion", "lang": "mr"},
	})
	saveSnapshotWithContext(t, store, "msg-2", &envelope.Context{
		Season:   "rabi",
		Metadata: map[string]any{"commodity": "chickpea"},
	})

	merged, err := store.ResolveChain(ctx, []string{"msg-1", "msg-2"})
	require.NoError(t, err)
	require.NotNil(t, merged)

	assert.Equal(t, "farmer-7", merged.FarmerID, "earlier fields survive")
	assert.Equal(t, "nashik", merged.Location)
	assert.Equal(t, "rabi", merged.Season, "later entry wins on collision")
	assert.Equal(t, "chickpea", merged.Metadata["commodity"])
	assert.Equal(t, "mr", merged.Metadata["lang"], "untouched metadata keys survive")
}

func TestResolveChainSkipsMissingSnapshots(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	saveSnapshotWithContext(t, store, "msg-2", &envelope.Context{FPOID: "fpo-42"})

	merged, err := store.ResolveChain(ctx, []string{"expired-msg", "msg-2", ""})
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, "fpo-42", merged.FPOID)
}

func TestResolveChainWithNothingResolvableYieldsNil(t *testing.T) {
	store, _, _ := newTestStore(t)

	merged, err := store.ResolveChain(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, merged)

	merged, err = store.ResolveChain(context.Background(), []string{"never-saved"})
	require.NoError(t, err)
	assert.Nil(t, merged)
}
