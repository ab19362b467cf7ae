package tiercache

import "time"

// Hooks are lightweight callbacks for high-signal events. Implementations
// MUST be cheap and non-blocking; the cache calls them on hot paths. See
// hooks/async for a bounded-queue dispatcher.
type Hooks interface {
	// An unusable entry was deleted by the cache on read.
	// reason is one of "corrupt", "value_decode", "l1_shape".
	SelfHeal(storageKey, reason string)

	// The shared store rejected a Set under capacity pressure. attempt counts
	// from 1; the write fails with CapacityError once attempts are exhausted.
	StoreSetRejected(storageKey string, attempt int)

	// A fetch failed and an expired value was served instead, its residency
	// extended by ttl.
	Resurrected(key string, ttl time.Duration, cause error)

	// A lock wait timed out. servedStale reports whether a resident stale
	// value masked the timeout.
	LockTimeout(key string, servedStale bool)

	// The user loader panicked; the panic was converted to a FetchError.
	FetchPanic(key string, recovered any)

	// The event ring overwrote this instance's cursor; L1 was flushed.
	BusOverflow(since, latest uint64)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)                  {}
func (NopHooks) StoreSetRejected(string, int)             {}
func (NopHooks) Resurrected(string, time.Duration, error) {}
func (NopHooks) LockTimeout(string, bool)                 {}
func (NopHooks) FetchPanic(string, any)                   {}
func (NopHooks) BusOverflow(uint64, uint64)               {}
