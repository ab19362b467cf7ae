package tiercache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/tiercache/internal/wire"
)

// l1Item is what the instance keeps in its local cache. The local cache
// itself is TTL-unaware; the controller checks expires on every hit and
// refuses to re-serve expired data.
type l1Item[V any] struct {
	value    V
	negative bool
	stale    bool
	expires  time.Time // zero => never
}

func (it l1Item[V]) expired(now time.Time) bool {
	return !it.expires.IsZero() && now.After(it.expires)
}

func (i *instance[V]) l1Get(storageKey string) (l1Item[V], bool) {
	v, ok := i.l1.Get(storageKey)
	if !ok {
		return l1Item[V]{}, false
	}
	it, ok := v.(l1Item[V])
	if !ok {
		// foreign value shape under our key; drop it
		i.l1.Delete(storageKey)
		i.hooks.SelfHeal(storageKey, "l1_shape")
		return l1Item[V]{}, false
	}
	return it, true
}

// readEntry returns the resident entry for storageKey, expired or not; the
// caller decides what an expired entry is good for. Corrupt frames are
// deleted on sight and read as absent.
func (i *instance[V]) readEntry(ctx context.Context, storageKey string) (wire.Entry, bool, error) {
	raw, ok, err := i.store.Get(ctx, storageKey)
	if err != nil {
		return wire.Entry{}, false, err
	}
	if !ok && i.negStore != nil {
		raw, ok, err = i.negStore.Get(ctx, storageKey)
		if err != nil {
			return wire.Entry{}, false, err
		}
	}
	if !ok {
		return wire.Entry{}, false, nil
	}
	ent, err := wire.Decode(raw)
	if err != nil {
		i.dropEntry(ctx, storageKey)
		i.hooks.SelfHeal(storageKey, "corrupt")
		i.log.Debug("dropped corrupt entry", Fields{"key": storageKey})
		return wire.Entry{}, false, nil
	}
	return ent, true, nil
}

// writeEntry frames and stores an entry, retrying rejected writes up to the
// configured budget. Each rejected attempt still let the store evict, so
// retries make progress. resurrect is the effective resurrection window for
// this write (0 when disabled).
func (i *instance[V]) writeEntry(ctx context.Context, storageKey string, ent wire.Entry, tries int, resurrect time.Duration) error {
	target := i.store
	if ent.Negative && i.negStore != nil {
		target = i.negStore
	}
	raw := wire.Encode(ent)
	physical := physicalTTL(ent, resurrect)
	if tries <= 0 {
		tries = 1
	}
	for attempt := 1; ; attempt++ {
		ok, err := target.Set(ctx, storageKey, raw, physical)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		i.hooks.StoreSetRejected(storageKey, attempt)
		if attempt >= tries {
			return &CapacityError{Key: storageKey, Attempts: tries}
		}
		i.log.Debug("store rejected set; retrying", Fields{"key": storageKey, "attempt": attempt})
	}

	// A key holds at most one logical entry: writing into one region clears
	// the other.
	if i.negStore != nil {
		if target == i.negStore {
			_ = i.store.Del(ctx, storageKey)
		} else {
			_ = i.negStore.Del(ctx, storageKey)
		}
	}
	return nil
}

func (i *instance[V]) dropEntry(ctx context.Context, storageKey string) {
	_ = i.store.Del(ctx, storageKey)
	if i.negStore != nil {
		_ = i.negStore.Del(ctx, storageKey)
	}
}

// physicalTTL bounds how long the store retains the frame. Positive entries
// under the resurrection policy outlive their logical TTL by one resurrect
// window so an expired value stays resident for the fallback.
func physicalTTL(ent wire.Entry, resurrect time.Duration) time.Duration {
	if ent.TTL <= 0 {
		return 0
	}
	if !ent.Negative && resurrect > 0 {
		return ent.TTL + resurrect
	}
	return ent.TTL
}

// frameTTL maps option-level TTL semantics (NeverExpires marker) onto the
// frame encoding (0 = never).
func frameTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d
}

// l1Expiry derives the local item deadline from a stored entry.
func l1Expiry(ent wire.Entry) time.Time {
	if ent.TTL <= 0 {
		return time.Time{}
	}
	return ent.Created.Add(ent.TTL)
}
