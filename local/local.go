// Package local defines the process-private L1 cache consumed by the cache
// controller.
//
// L1 is a slot-bounded key -> value cache with no TTL awareness of its own:
// entries leave under eviction pressure or through explicit invalidation,
// and the controller is responsible for not serving expired data out of it.
// L1 never observes another process's writes.
package local

// Cache is a bounded in-process cache. Must be safe for concurrent use;
// operations are assumed non-blocking. Values are opaque to the cache.
type Cache interface {
	Get(key string) (any, bool)
	// Set stores value, evicting another entry if at capacity.
	Set(key string, value any)
	Delete(key string)
	// Flush drops every entry.
	Flush()
}
