// Package kv provides the ephemeral key-value store used for the context cache,
// batch bookkeeping and distributed concurrency limits. Values are never a
// correctness dependency for run results: every reader tolerates a miss.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("key not found")

// Resolution is the outcome of ResolveMember.
type Resolution struct {
	// Removed is false when the member was already absent from the set.
	Removed bool

	// Remaining is the set size after the removal.
	Remaining int64

	// Hash is the full hash after the counter update.
	Hash map[string]string
}

// Store is the subset of key-value operations the engine relies on.
type Store interface {
	// Get returns the value of a key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes a value. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes a value only if the key does not exist and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Expire sets the ttl of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from a set and returns how many were present.
	SRem(ctx context.Context, key string, members ...string) (int64, error)

	// SMembers returns the members of a set in unspecified order.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SCard returns the size of a set.
	SCard(ctx context.Context, key string) (int64, error)

	// HSet writes hash fields.
	HSet(ctx context.Context, key string, values map[string]string) error

	// HGetAll returns every field of a hash. A missing hash is an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ResolveMember atomically removes member from the set at setKey and, only
	// if it was present, increments field of the hash at hashKey.
	ResolveMember(ctx context.Context, setKey, member, hashKey, field string) (Resolution, error)
}

// Limiter hands out named concurrency tokens.
type Limiter interface {
	// Acquire blocks until fewer than limit holders own key, or the context ends.
	// The token expires after ttl if it is never released.
	Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (release func(), err error)
}
