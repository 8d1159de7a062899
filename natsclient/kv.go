package natsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/krishio/agrimesh/pkg/retry"
)

// Well-known KV errors.
var (
	ErrKVKeyNotFound        = errors.New("kv: key not found")
	ErrKVKeyExists          = errors.New("kv: key already exists")
	ErrKVRevisionMismatch   = errors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = errors.New("kv: max retries exceeded")
)

// KVEntry wraps a KV entry with its revision for CAS operations.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operation behavior.
type KVOptions struct {
	MaxRetries   int           // CAS retry attempts
	RetryDelay   time.Duration // initial delay between retries
	Timeout      time.Duration // per-operation timeout
	MaxValueSize int           // maximum value size in bytes
}

// DefaultKVOptions returns defaults tuned for context-store contention:
// many agents updating the same farmer slice within one conversation.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:   10,
		RetryDelay:   10 * time.Millisecond,
		Timeout:      5 * time.Second,
		MaxValueSize: 1 << 20,
	}
}

// KVStore provides KV operations with built-in CAS retry over a bucket.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

// NewKVStore wraps a bucket in a KVStore using the client's logger.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or updates a key without a revision check. Each put restarts
// the bucket's per-key TTL, which is what gives context slices their
// sliding expiry.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Update performs a CAS update with an explicit revision.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes a key.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (kv *KVStore) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// UpdateWithRetry performs a read-modify-write with automatic retry on CAS
// conflicts. A missing key is presented to updateFn as nil and created.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	err := retry.Do(ctx, kv.retryConfig(), func() error {
		var currentValue []byte
		var revision uint64

		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			currentValue = entry.Value
			revision = entry.Revision
		case IsKVNotFoundError(err):
			// Missing key becomes a create below.
		default:
			return fmt.Errorf("kv get failed during update: %w", err)
		}

		newValue, err := updateFn(currentValue)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("update function error: %w", err))
		}

		if kv.options.MaxValueSize > 0 && len(newValue) > kv.options.MaxValueSize {
			return retry.NonRetryable(fmt.Errorf("value size %d exceeds maximum %d",
				len(newValue), kv.options.MaxValueSize))
		}

		if revision == 0 {
			if _, err := kv.bucket.Create(ctx, key, newValue); err != nil {
				if IsKVConflictError(err) {
					return err
				}
				return fmt.Errorf("kv create failed: %w", err)
			}
			return nil
		}

		if _, err := kv.Update(ctx, key, newValue, revision); err != nil {
			if IsKVConflictError(err) {
				return err
			}
			return fmt.Errorf("kv update failed: %w", err)
		}
		return nil
	})

	if err != nil && IsKVConflictError(err) {
		return ErrKVMaxRetriesExceeded
	}
	return err
}

// IsKVNotFoundError checks if an error indicates a missing key.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "key not found") ||
		strings.Contains(errMsg, "no keys found") ||
		strings.Contains(errMsg, "10037")
}

// IsKVConflictError checks if an error indicates a conflict (key exists or
// wrong revision).
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) {
		return true
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "wrong last sequence") ||
		strings.Contains(errMsg, "10071") ||
		strings.Contains(errMsg, "key exists") ||
		strings.Contains(errMsg, "10058")
}
