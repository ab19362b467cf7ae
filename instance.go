package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/tiercache/bus"
	busmem "github.com/unkn0wn-root/tiercache/bus/memory"
	cd "github.com/unkn0wn-root/tiercache/codec"
	"github.com/unkn0wn-root/tiercache/internal/util"
	"github.com/unkn0wn-root/tiercache/internal/wire"
	"github.com/unkn0wn-root/tiercache/local"
	locallru "github.com/unkn0wn-root/tiercache/local/lru"
	"github.com/unkn0wn-root/tiercache/lock"
	lockmem "github.com/unkn0wn-root/tiercache/lock/memory"
	"github.com/unkn0wn-root/tiercache/store"
)

const (
	defaultLRUSize  = 100
	defaultTTL      = 30 * time.Second
	defaultNegTTL   = 5 * time.Second
	defaultTries    = 3
	defaultLockWait = 5 * time.Second
	defaultLockTTL  = 30 * time.Second
)

type instance[V any] struct {
	name     string
	store    store.Store
	negStore store.Store // nil unless negatives are isolated
	codec    cd.Codec[V]
	l1       local.Cache
	locker   lock.Locker
	bus      bus.Bus

	ttl          time.Duration
	negTTL       time.Duration
	resurrectTTL time.Duration
	setTries     int
	lockWait     time.Duration
	lockTTL      time.Duration
	transform    func(V) (V, error)

	log   Logger
	hooks Hooks

	// flight collapses concurrent in-process Gets per key; the distributed
	// lock does the same across processes.
	flight singleflight.Group

	// seqMu serializes Update so applying events is a read barrier within
	// the process.
	seqMu   sync.Mutex
	lastSeq uint64

	now func() time.Time
}

func newInstance[V any](opts Options[V]) (*instance[V], error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrConfig)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfig)
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrConfig)
	}
	if opts.ResurrectTTL < 0 {
		return nil, fmt.Errorf("%w: resurrect ttl must be > 0", ErrConfig)
	}
	if opts.LRUSize < 0 {
		return nil, fmt.Errorf("%w: lru size must be > 0", ErrConfig)
	}

	i := &instance[V]{
		name:      opts.Name,
		store:     opts.Store,
		negStore:  opts.NegativeStore,
		codec:     opts.Codec,
		transform: opts.L1Transform,
		now:       time.Now,
	}

	i.log = coalesce[Logger](opts.Logger, NopLogger{})
	i.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	i.ttl = coalesce[time.Duration](opts.TTL, defaultTTL)
	i.negTTL = coalesce[time.Duration](opts.NegTTL, defaultNegTTL)
	i.resurrectTTL = opts.ResurrectTTL
	i.setTries = coalesce[int](opts.SetTries, defaultTries)
	i.lockWait = coalesce[time.Duration](opts.LockWait, defaultLockWait)
	i.lockTTL = coalesce[time.Duration](opts.LockTTL, defaultLockTTL)

	if opts.Local != nil {
		i.l1 = opts.Local
	} else {
		l1, err := locallru.New(coalesce[int](opts.LRUSize, defaultLRUSize))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		i.l1 = l1
	}

	i.locker = opts.Locker
	if i.locker == nil {
		i.locker = lockmem.New()
	}
	i.bus = opts.Bus
	if i.bus == nil {
		i.bus = busmem.New(0)
	}

	// Start the event cursor at the bus head: this process holds nothing in
	// L1 yet, so history (and any overflow) is irrelevant.
	if _, latest, _, err := i.bus.Poll(context.Background(), 0); err == nil {
		i.lastSeq = latest
	}

	return i, nil
}

func (i *instance[V]) Name() string { return i.name }

func (i *instance[V]) entryKey(userKey string) string {
	return util.NamespacedKey("entry", i.name, userKey)
}

func (i *instance[V]) lockKey(userKey string) string {
	return i.name + ":" + userKey
}

// flightOut is the shared result of one collapsed lookup.
type flightOut[V any] struct {
	value V
	found bool
	level HitLevel
}

func (i *instance[V]) Get(ctx context.Context, key string, load Loader[V], opts *GetOptions) (V, bool, HitLevel, error) {
	var zero V
	if load == nil {
		return zero, false, HitNone, fmt.Errorf("%w: loader is required", ErrConfig)
	}
	cfg, err := i.getConfig(opts)
	if err != nil {
		return zero, false, HitNone, err
	}

	sk := i.entryKey(key)

	// L1 first; expired items are evicted, never re-served.
	if it, ok := i.l1Get(sk); ok {
		if !it.expired(i.now()) {
			if it.negative {
				return zero, false, HitL1, nil
			}
			return it.value, true, HitL1, nil
		}
		i.l1.Delete(sk)
	}

	v, err, _ := i.flight.Do(sk, func() (any, error) {
		return i.lookup(ctx, key, sk, load, cfg)
	})
	if err != nil {
		return zero, false, HitNone, err
	}
	out := v.(flightOut[V])
	return out.value, out.found, out.level, nil
}

// lookup is the shared-store-and-beyond half of Get, run once per key per
// flight.
func (i *instance[V]) lookup(ctx context.Context, key, sk string, load Loader[V], cfg getConfig) (flightOut[V], error) {
	ent, resident, err := i.readEntry(ctx, sk)
	if err != nil {
		return flightOut[V]{}, err
	}
	if resident && !ent.Expired(i.now()) {
		out, usable, err := i.promote(ctx, sk, ent)
		if err != nil {
			return flightOut[V]{}, err
		}
		if usable {
			return out, nil
		}
		resident = false // self-healed; treat as a full miss
	}

	// A resident expired positive entry is the resurrection candidate.
	staleOK := resident && !ent.Negative

	h, err := i.locker.Acquire(ctx, i.lockKey(key), cfg.lockWait, cfg.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return i.afterLockTimeout(ctx, key, sk, cfg, ent, staleOK)
		}
		return flightOut[V]{}, err
	}
	defer func() { _ = i.locker.Release(ctx, h) }()

	// Double-check: a sibling may have published a result while we queued
	// for the lock.
	if ent2, ok2, err2 := i.readEntry(ctx, sk); err2 == nil && ok2 && !ent2.Expired(i.now()) {
		out, usable, err := i.promote(ctx, sk, ent2)
		if err != nil {
			return flightOut[V]{}, err
		}
		if usable {
			return out, nil
		}
	}

	return i.fetch(ctx, key, sk, load, cfg, ent, staleOK)
}

// afterLockTimeout runs when another process holds the fetch and we gave up
// waiting: take its result if it landed, else fall back to a resident stale
// value (without extending its residency: only the process that observed
// the failing fetch does that), else surface the timeout.
func (i *instance[V]) afterLockTimeout(ctx context.Context, key, sk string, cfg getConfig, stale wire.Entry, staleOK bool) (flightOut[V], error) {
	if ent, ok, err := i.readEntry(ctx, sk); err == nil && ok && !ent.Expired(i.now()) {
		out, usable, perr := i.promote(ctx, sk, ent)
		if perr != nil {
			return flightOut[V]{}, perr
		}
		if usable {
			i.hooks.LockTimeout(key, false)
			return out, nil
		}
	}

	if cfg.resurrectTTL > 0 && staleOK {
		v, err := i.codec.Decode(stale.Payload)
		if err == nil {
			if i.transform != nil {
				v, err = i.transform(v)
			}
			if err == nil {
				i.hooks.LockTimeout(key, true)
				i.log.Warn("lock wait timed out; serving resident stale value", Fields{"key": key})
				return flightOut[V]{value: v, found: true, level: HitStale}, nil
			}
		}
	}

	i.hooks.LockTimeout(key, false)
	return flightOut[V]{}, fmt.Errorf("tiercache: get %q: %w", key, lock.ErrTimeout)
}

// promote turns a live store entry into a Get result and a local copy.
// usable=false means the entry was unusable and self-healed; continue as a
// miss. A transform failure is a caller-visible error, not a self-heal.
func (i *instance[V]) promote(ctx context.Context, sk string, ent wire.Entry) (flightOut[V], bool, error) {
	level := HitL2
	if ent.Stale {
		level = HitStale
	}
	if ent.Negative {
		i.l1.Set(sk, l1Item[V]{negative: true, expires: l1Expiry(ent)})
		return flightOut[V]{found: false, level: level}, true, nil
	}

	v, err := i.codec.Decode(ent.Payload)
	if err != nil {
		i.dropEntry(ctx, sk)
		i.hooks.SelfHeal(sk, "value_decode")
		i.log.Debug("dropped undecodable entry", Fields{"key": sk, "err": err})
		return flightOut[V]{}, false, nil
	}
	if i.transform != nil {
		tv, terr := i.transform(v)
		if terr != nil {
			return flightOut[V]{}, false, &SerializationError{Key: sk, Err: terr}
		}
		v = tv
	}
	i.l1.Set(sk, l1Item[V]{value: v, stale: ent.Stale, expires: l1Expiry(ent)})
	return flightOut[V]{value: v, found: true, level: level}, true, nil
}

func (i *instance[V]) Peek(ctx context.Context, key string) (PeekResult[V], bool, error) {
	sk := i.entryKey(key)
	ent, ok, err := i.readEntry(ctx, sk)
	if err != nil || !ok {
		return PeekResult[V]{}, false, err
	}
	now := i.now()
	if ent.Expired(now) {
		return PeekResult[V]{}, false, nil
	}
	res := PeekResult[V]{
		Negative:  ent.Negative,
		Stale:     ent.Stale,
		Remaining: ent.Remaining(now),
	}
	if !ent.Negative {
		v, derr := i.codec.Decode(ent.Payload)
		if derr != nil {
			i.dropEntry(ctx, sk)
			i.hooks.SelfHeal(sk, "value_decode")
			return PeekResult[V]{}, false, nil
		}
		res.Value = v
	}
	return res, true, nil
}

func (i *instance[V]) Set(ctx context.Context, key string, value V, opts *SetOptions) error {
	sk := i.entryKey(key)

	negative := opts != nil && opts.Negative
	ttl := i.ttl
	if negative {
		ttl = i.negTTL
	}
	if opts != nil && opts.TTL != 0 {
		ttl = opts.TTL
	}

	ent := wire.Entry{Created: i.now(), TTL: frameTTL(ttl), Negative: negative}
	if !negative {
		payload, err := i.codec.Encode(value)
		if err != nil {
			return &SerializationError{Key: sk, Err: err}
		}
		ent.Payload = payload
	}
	if err := i.writeEntry(ctx, sk, ent, i.setTries, i.resurrectTTL); err != nil {
		return err
	}

	// Own L1 is deliberately untouched: this process applies its own Set
	// event on the next Update, same as every sibling.
	return i.publish(ctx, bus.Event{Kind: bus.KindSet, Key: key})
}

func (i *instance[V]) Delete(ctx context.Context, key string) error {
	sk := i.entryKey(key)
	if err := i.store.Del(ctx, sk); err != nil {
		return err
	}
	if i.negStore != nil {
		if err := i.negStore.Del(ctx, sk); err != nil {
			return err
		}
	}
	return i.publish(ctx, bus.Event{Kind: bus.KindDelete, Key: key})
}

func (i *instance[V]) Purge(ctx context.Context, flushExpired bool) error {
	i.l1.Flush()
	if err := i.store.FlushAll(ctx); err != nil {
		return err
	}
	if i.negStore != nil {
		if err := i.negStore.FlushAll(ctx); err != nil {
			return err
		}
	}
	if flushExpired {
		if err := i.store.FlushExpired(ctx); err != nil {
			return err
		}
	}
	return i.publish(ctx, bus.Event{Kind: bus.KindPurgeAll})
}

func (i *instance[V]) FlushExpired(ctx context.Context) error {
	if err := i.store.FlushExpired(ctx); err != nil {
		return err
	}
	if i.negStore != nil {
		if err := i.negStore.FlushExpired(ctx); err != nil {
			return err
		}
	}
	return i.publish(ctx, bus.Event{Kind: bus.KindPurgeExpired})
}

func (i *instance[V]) publish(ctx context.Context, ev bus.Event) error {
	ev.Name = i.name
	ev.At = i.now()
	if _, err := i.bus.Publish(ctx, ev); err != nil {
		// The store mutation already happened; siblings will converge via
		// TTL even if this event is lost.
		i.log.Error("publish invalidation event failed", Fields{"kind": ev.Kind.String(), "key": ev.Key, "err": err})
		return err
	}
	return nil
}

func (i *instance[V]) Update(ctx context.Context) (int, error) {
	i.seqMu.Lock()
	defer i.seqMu.Unlock()

	evs, latest, overflow, err := i.bus.Poll(ctx, i.lastSeq)
	if err != nil {
		return 0, err
	}
	if overflow {
		// Cursor aged out of the ring: assume everything changed.
		i.l1.Flush()
		i.hooks.BusOverflow(i.lastSeq, latest)
		i.log.Warn("event ring overflowed; flushed local cache", Fields{"since": i.lastSeq, "latest": latest})
		i.lastSeq = latest
		return 0, nil
	}

	applied := 0
	for _, ev := range evs {
		if ev.Name != i.name {
			continue
		}
		switch ev.Kind {
		case bus.KindSet, bus.KindDelete:
			i.l1.Delete(i.entryKey(ev.Key))
			applied++
		case bus.KindPurgeAll:
			i.l1.Flush()
			applied++
		case bus.KindPurgeExpired:
			// expired local items are already rejected lazily on read
		}
	}
	i.lastSeq = latest
	return applied, nil
}

func (i *instance[V]) Close(ctx context.Context) error {
	// Best effort on the bus; the store error is the one worth returning.
	if i.bus != nil {
		_ = i.bus.Close(ctx)
	}
	if i.negStore != nil {
		_ = i.negStore.Close(ctx)
	}
	if i.store != nil {
		return i.store.Close(ctx)
	}
	return nil
}

// getConfig resolves per-call overrides on top of the instance defaults
// without mutating them.
type getConfig struct {
	ttl          time.Duration
	negTTL       time.Duration
	resurrectTTL time.Duration
	lockWait     time.Duration
	lockTTL      time.Duration
}

func (i *instance[V]) getConfig(opts *GetOptions) (getConfig, error) {
	cfg := getConfig{
		ttl:          i.ttl,
		negTTL:       i.negTTL,
		resurrectTTL: i.resurrectTTL,
		lockWait:     i.lockWait,
		lockTTL:      i.lockTTL,
	}
	if opts == nil {
		return cfg, nil
	}
	if opts.ResurrectTTL < 0 {
		return cfg, fmt.Errorf("%w: resurrect ttl must be > 0", ErrConfig)
	}
	cfg.ttl = coalesce[time.Duration](opts.TTL, cfg.ttl)
	cfg.negTTL = coalesce[time.Duration](opts.NegTTL, cfg.negTTL)
	cfg.resurrectTTL = coalesce[time.Duration](opts.ResurrectTTL, cfg.resurrectTTL)
	cfg.lockWait = coalesce[time.Duration](opts.LockWait, cfg.lockWait)
	cfg.lockTTL = coalesce[time.Duration](opts.LockTTL, cfg.lockTTL)
	return cfg, nil
}
