package tiercache

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/tiercache/internal/wire"
)

// fetch runs the loader under the held lock and stores the outcome. stale /
// staleOK describe a resident expired positive entry usable for
// resurrection should the loader fail.
func (i *instance[V]) fetch(ctx context.Context, key, sk string, load Loader[V], cfg getConfig, stale wire.Entry, staleOK bool) (flightOut[V], error) {
	res, err := i.invoke(ctx, key, load)
	if err != nil {
		return i.fetchFailed(ctx, key, sk, cfg, stale, staleOK, err)
	}

	now := i.now()
	if !res.Found {
		ttl := cfg.negTTL
		if res.TTL != 0 {
			ttl = res.TTL
		}
		ent := wire.Entry{Created: now, TTL: frameTTL(ttl), Negative: true}
		if werr := i.writeEntry(ctx, sk, ent, i.setTries, 0); werr != nil {
			return flightOut[V]{}, werr
		}
		i.l1.Set(sk, l1Item[V]{negative: true, expires: l1Expiry(ent)})
		return flightOut[V]{found: false, level: HitFetch}, nil
	}

	ttl := cfg.ttl
	if res.TTL != 0 {
		ttl = res.TTL
	}
	payload, perr := i.codec.Encode(res.Value)
	if perr != nil {
		return flightOut[V]{}, &SerializationError{Key: sk, Err: perr}
	}
	v := res.Value
	if i.transform != nil {
		tv, terr := i.transform(v)
		if terr != nil {
			// nothing is cached when the transform rejects a value
			return flightOut[V]{}, &SerializationError{Key: sk, Err: terr}
		}
		v = tv
	}
	ent := wire.Entry{Created: now, TTL: frameTTL(ttl), Payload: payload}
	if werr := i.writeEntry(ctx, sk, ent, i.setTries, cfg.resurrectTTL); werr != nil {
		return flightOut[V]{}, werr
	}
	i.l1.Set(sk, l1Item[V]{value: v, expires: l1Expiry(ent)})
	return flightOut[V]{value: v, found: true, level: HitFetch}, nil
}

// fetchFailed applies the resurrection policy on the fetch owner's side:
// extend the resident stale value's residency by one resurrect window, mark
// it stale, and downgrade the failure to a warning. Repeats on every access
// past the window until a fetch succeeds.
func (i *instance[V]) fetchFailed(ctx context.Context, key, sk string, cfg getConfig, stale wire.Entry, staleOK bool, cause error) (flightOut[V], error) {
	if cfg.resurrectTTL <= 0 || !staleOK {
		return flightOut[V]{}, &FetchError{Key: key, Err: cause}
	}

	v, derr := i.codec.Decode(stale.Payload)
	if derr != nil {
		i.dropEntry(ctx, sk)
		i.hooks.SelfHeal(sk, "value_decode")
		return flightOut[V]{}, &FetchError{Key: key, Err: cause}
	}
	if i.transform != nil {
		tv, terr := i.transform(v)
		if terr != nil {
			return flightOut[V]{}, &SerializationError{Key: sk, Err: terr}
		}
		v = tv
	}

	now := i.now()
	ent := wire.Entry{Created: now, TTL: cfg.resurrectTTL, Stale: true, Payload: stale.Payload}
	if werr := i.writeEntry(ctx, sk, ent, i.setTries, cfg.resurrectTTL); werr != nil {
		// serve the value anyway; only its residency extension failed
		i.log.Warn("stale residency extension failed", Fields{"key": key, "err": werr})
	}

	i.hooks.Resurrected(key, cfg.resurrectTTL, cause)
	i.log.Warn("fetch failed; resurrecting stale value", Fields{"key": key, "resurrect_ttl": cfg.resurrectTTL, "err": cause})
	i.l1.Set(sk, l1Item[V]{value: v, stale: true, expires: now.Add(cfg.resurrectTTL)})
	return flightOut[V]{value: v, found: true, level: HitStale}, nil
}

// invoke runs the loader inside a failure boundary: a panic becomes an
// ordinary error result, never a crash of the host process.
func (i *instance[V]) invoke(ctx context.Context, key string, load Loader[V]) (res Result[V], err error) {
	defer func() {
		if r := recover(); r != nil {
			i.hooks.FetchPanic(key, r)
			res = Result[V]{}
			err = fmt.Errorf("loader panic: %v", r)
		}
	}()
	return load(ctx)
}
