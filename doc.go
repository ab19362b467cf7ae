// Package tiercache is a layered read-through cache coordinator for
// multi-process deployments. Reads walk a process-local L1, a shared L2
// byte store, and finally a single-flighted origin fetch, so many workers
// missing the same key cost the origin exactly one fetch.
//
// Components:
//   - local.Cache: slot-bounded process-private L1 (LRU by default).
//   - store.Store: shared byte store with TTL framing (memory, Redis,
//     BigCache). Entry expiry is embedded in the stored bytes and evaluated
//     lazily on read.
//   - lock.Locker: distributed fetch mutex with hard expiry (in-process or
//     Redis SET NX).
//   - bus.Bus: bounded, ordered invalidation event ring each process polls
//     via Update to evict L1 copies written out-of-band by siblings.
//   - codec.Codec[V]: value (de)serialization at the store boundary.
//
// Keys:
//
//	entry:<name>:<key> - cached entries (one logical entry per key)
//
// Consistency is deliberately relaxed: local caches converge on the shared
// store at Update() frequency. Negative results are cached, TTL 0 means
// never expire (NeverExpires at the options level), and an optional
// resurrection policy keeps serving an expired value while the origin is
// failing rather than surfacing the outage to every caller.
package tiercache
