// Package store defines the shared cross-process byte store consumed as the
// cache's L2 tier.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the []byte previously passed to Set for the same key (no prepended or
// appended metadata, no re-encoding). Logical entry expiry is carried inside
// the stored bytes by the caller; the ttl passed to Set only bounds physical
// retention, and backends without per-entry TTL support may ignore it.
//
// Mutations must be atomic per key. No multi-key transactions are required.
package store

import (
	"context"
	"time"
)

// Store is a bounded key -> bytes store shared by all processes on a host.
// Must be safe for concurrent use.
type Store interface {
	// Get returns (value, true, nil) on a physically resident key and
	// (nil, false, nil) on a miss. IO/remote failures return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value, retaining it for at most ttl (ttl <= 0 => no physical
	// expiry). Returns ok=false when the store could not fit the value under
	// capacity pressure; callers may retry, each attempt giving the store
	// another chance to evict.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// FlushAll removes every entry owned by this store.
	FlushAll(ctx context.Context) error

	// FlushExpired eagerly removes physically expired entries. Backends that
	// expire actively may treat this as a no-op.
	FlushExpired(ctx context.Context) error

	// Close releases resources.
	Close(ctx context.Context) error
}
