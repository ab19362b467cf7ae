package tiercache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/tiercache/bus"
	cd "github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/local"
	"github.com/unkn0wn-root/tiercache/lock"
	"github.com/unkn0wn-root/tiercache/store"
)

// NeverExpires disables expiry wherever a TTL is accepted. A zero TTL in
// Options or per-call options means "use the default", so "no expiry" needs
// its own marker.
const NeverExpires time.Duration = -1

// HitLevel reports which tier satisfied a Get.
type HitLevel int

const (
	HitNone  HitLevel = 0 // error or absent
	HitL1    HitLevel = 1 // process-local cache
	HitL2    HitLevel = 2 // shared store
	HitFetch HitLevel = 3 // origin fetch ran
	HitStale HitLevel = 4 // expired value served under the resurrection policy
)

// Result is what a Loader produces. Found=false caches the absence of a
// value (a negative entry): subsequent Gets return no value and no error
// without re-invoking the loader until the negative TTL lapses. TTL, when
// non-zero, overrides the configured TTL for this entry (NeverExpires for no
// expiry).
type Result[V any] struct {
	Value V
	Found bool
	TTL   time.Duration
}

// Loader retrieves a value from the origin on a full cache miss. It may
// block on arbitrary I/O; impose timeouts through ctx. At most one loader
// runs per key at a time across every process sharing the lock provider.
type Loader[V any] func(ctx context.Context) (Result[V], error)

// GetOptions override instance defaults for a single call. Zero fields keep
// the defaults; instance configuration is never mutated.
type GetOptions struct {
	TTL          time.Duration
	NegTTL       time.Duration
	ResurrectTTL time.Duration // must be > 0 when set
	LockWait     time.Duration
	LockTTL      time.Duration
}

// SetOptions override instance defaults for a single Set.
type SetOptions struct {
	TTL time.Duration
	// Negative stores a "no value" marker instead of the passed value.
	Negative bool
}

// PeekResult describes an entry resident in the shared store.
type PeekResult[V any] struct {
	Value     V
	Negative  bool
	Stale     bool
	Remaining time.Duration // 0 when the entry never expires
}

// Instance is a named, namespaced view over one shared store: the L1/L2/
// fetch read path plus the cross-process invalidation protocol. Multiple
// instances may share a store, a locker and a bus; keys never collide across
// instance names.
type Instance[V any] interface {
	Name() string

	// Get looks key up through L1, then the shared store, then a
	// single-flighted load. The HitLevel reports which tier answered.
	// found=false with a nil error is a negative hit.
	Get(ctx context.Context, key string, load Loader[V], opts *GetOptions) (value V, found bool, hit HitLevel, err error)

	// Peek reads the shared store only: no L1 promotion, no locking, no
	// loading. present=false means no live entry. For warm checks and
	// diagnostics.
	Peek(ctx context.Context, key string) (res PeekResult[V], present bool, err error)

	// Set writes the shared store unconditionally and publishes an
	// invalidation event. It does not touch this process's own L1; every
	// process (this one included) applies the event on its next Update.
	Set(ctx context.Context, key string, value V, opts *SetOptions) error

	// Delete removes key from the shared store and publishes an
	// invalidation event.
	Delete(ctx context.Context, key string) error

	// Purge drops L1 and the shared store entirely and broadcasts the purge.
	// flushExpired additionally forces eager reclamation of already-expired
	// store entries.
	Purge(ctx context.Context, flushExpired bool) error

	// FlushExpired eagerly reclaims expired shared-store entries and
	// publishes a maintenance event. Optional housekeeping; expiry is
	// otherwise evaluated lazily on read.
	FlushExpired(ctx context.Context) error

	// Update polls the invalidation bus and evicts L1 entries invalidated by
	// sibling processes since the last call. Returns the number of events
	// applied. L1 freshness is bounded by how often Update runs; that lag is
	// the documented relaxation of this design, not a bug.
	Update(ctx context.Context) (applied int, err error)

	Close(ctx context.Context) error
}

// Options tune one cache instance. Name, Store and Codec are required;
// everything else has defaults.
type Options[V any] struct {
	// Required
	Name  string      // logical namespace, e.g. "user", "catalog"
	Store store.Store // shared L2
	Codec cd.Codec[V] // value <-> bytes at the store boundary

	// NegativeStore isolates negative entries in their own capacity region
	// so a flood of misses cannot evict valuable positive entries. nil =>
	// negatives share Store.
	NegativeStore store.Store

	Local  local.Cache // nil => local/lru sized by LRUSize
	Locker lock.Locker // nil => in-process locker private to this instance
	Bus    bus.Bus     // nil => in-process bus private to this instance

	LRUSize      int           // L1 slots; 0 => 100
	TTL          time.Duration // 0 => 30s; NeverExpires => no expiry
	NegTTL       time.Duration // negative entries; 0 => 5s
	ResurrectTTL time.Duration // 0 => resurrection disabled; must be > 0 when set
	SetTries     int           // store Set retry budget; 0 => 3
	LockWait     time.Duration // bound on waiting for a sibling's fetch; 0 => 5s
	LockTTL      time.Duration // lock auto-expiry; 0 => 30s

	// L1Transform is applied to values on L1 promotion (e.g. decode into a
	// richer in-process shape). The transformed value is what Get returns.
	L1Transform func(V) (V, error)

	Logger Logger // nil => NopLogger
	Hooks  Hooks  // nil => NopHooks
}

// New validates opts and builds an instance. Configuration errors are fatal:
// they wrap ErrConfig and no instance is created.
func New[V any](opts Options[V]) (Instance[V], error) {
	return newInstance(opts)
}
