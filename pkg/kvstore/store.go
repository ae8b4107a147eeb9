// Package kvstore provides the lock-capable key-value store consumed by the
// job manager, the bloom filter, and the candidate lifecycle. The production
// implementation is Redis; an in-memory implementation backs tests.
package kvstore

import (
	"context"
	"time"
)

// Unlocker releases a held distributed lock.
type Unlocker interface {
	// Unlock releases the lock. Releasing a lock whose TTL already expired
	// is a no-op.
	Unlock(ctx context.Context) error
}

// Store is the key-value capability surface the core depends on. All
// methods take a context and carry per-call timeouts at the call site;
// none block indefinitely.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SAdd adds members to the set stored at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set stored at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes members from the set stored at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SetBits sets the given bit positions to 1 under key. All writes for
	// one call are pipelined into a single round trip.
	SetBits(ctx context.Context, key string, positions []int64) error

	// GetBits reads the given bit positions under key, pipelined into a
	// single round trip. The result is position-aligned with the input.
	GetBits(ctx context.Context, key string, positions []int64) ([]bool, error)

	// BitCount returns the number of set bits under key.
	BitCount(ctx context.Context, key string) (int64, error)

	// Lock acquires a named TTL-bound lock, waiting up to waitTimeout for
	// it to become available. Returns apperrors.ErrLockNotAcquired when the
	// wait expires.
	Lock(ctx context.Context, key string, ttl, waitTimeout time.Duration) (Unlocker, error)

	// Close releases the underlying connection resources.
	Close() error
}
