package tiercache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	busmem "github.com/unkn0wn-root/tiercache/bus/memory"
	cd "github.com/unkn0wn-root/tiercache/codec"
	lockmem "github.com/unkn0wn-root/tiercache/lock/memory"
	"github.com/unkn0wn-root/tiercache/store"
	storemem "github.com/unkn0wn-root/tiercache/store/memory"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// fakeClock drives the instances' logical clocks; the memory store keeps
// real time for physical retention, which never elapses within a test run.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// world is the shared substrate a group of instances coordinates over, the
// way sibling worker processes share one store and one event log.
type world struct {
	store  *storemem.Store
	bus    *busmem.Bus
	locker *lockmem.Locker
	clock  *fakeClock
}

func newWorld() *world {
	return &world{
		store:  storemem.New(storemem.Config{Slots: 1024}),
		bus:    busmem.New(0),
		locker: lockmem.New(),
		clock:  newFakeClock(),
	}
}

func newTestInstance(t *testing.T, w *world, name string, optsFn func(*Options[user])) Instance[user] {
	t.Helper()
	opts := Options[user]{
		Name:   name,
		Store:  w.store,
		Codec:  cd.JSON[user]{},
		Locker: w.locker,
		Bus:    w.bus,
	}
	if optsFn != nil {
		optsFn(&opts)
	}
	inst, err := New[user](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustImpl(t, inst).now = w.clock.Now
	return inst
}

func mustImpl[V any](t *testing.T, inst Instance[V]) *instance[V] {
	t.Helper()
	impl, ok := inst.(*instance[V])
	if !ok {
		t.Fatalf("unexpected concrete type for Instance")
	}
	return impl
}

func loaderOf(v user, calls *atomic.Int32) Loader[user] {
	return func(context.Context) (Result[user], error) {
		if calls != nil {
			calls.Add(1)
		}
		return Result[user]{Value: v, Found: true}, nil
	}
}

// ==============================
// Tiered read path
// ==============================

func TestGetWalksTiers(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", nil)

	var calls atomic.Int32
	v1 := user{ID: "1", Name: "Ada"}

	got, found, hit, err := a.Get(ctx, "u:1", loaderOf(v1, &calls), nil)
	if err != nil || !found || got != v1 || hit != HitFetch {
		t.Fatalf("first Get: got=%v found=%v hit=%d err=%v", got, found, hit, err)
	}

	// Same instance: L1.
	got, _, hit, err = a.Get(ctx, "u:1", loaderOf(v1, &calls), nil)
	if err != nil || got != v1 || hit != HitL1 {
		t.Fatalf("second Get: got=%v hit=%d err=%v", got, hit, err)
	}

	// Sibling instance with its own L1: shared store.
	b := newTestInstance(t, w, "user", nil)
	got, _, hit, err = b.Get(ctx, "u:1", loaderOf(v1, &calls), nil)
	if err != nil || got != v1 || hit != HitL2 {
		t.Fatalf("sibling Get: got=%v hit=%d err=%v", got, hit, err)
	}

	if n := calls.Load(); n != 1 {
		t.Fatalf("loader ran %d times, want 1", n)
	}
}

func TestSingleFlight(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", nil)

	var calls atomic.Int32
	slow := func(context.Context) (Result[user], error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return Result[user]{Value: user{ID: "9"}, Found: true}, nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]user, n)
	errs := make([]error, n)
	for g := 0; g < n; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			v, _, _, err := a.Get(ctx, "hot", slow, nil)
			results[g] = v
			errs[g] = err
		}(g)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("loader ran %d times for %d concurrent Gets, want 1", got, n)
	}
	for g := 0; g < n; g++ {
		if errs[g] != nil || results[g].ID != "9" {
			t.Fatalf("caller %d: v=%v err=%v", g, results[g], errs[g])
		}
	}
}

// ==============================
// Negative caching
// ==============================

func TestNegativeCaching(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", nil)

	var calls atomic.Int32
	missing := func(context.Context) (Result[user], error) {
		calls.Add(1)
		return Result[user]{}, nil // Found=false => cache the absence
	}

	_, found, hit, err := a.Get(ctx, "ghost", missing, nil)
	if err != nil || found || hit != HitFetch {
		t.Fatalf("negative fetch: found=%v hit=%d err=%v", found, hit, err)
	}

	// Within neg TTL: answered from cache, loader not re-invoked.
	_, found, hit, err = a.Get(ctx, "ghost", missing, nil)
	if err != nil || found || hit != HitL1 {
		t.Fatalf("negative hit: found=%v hit=%d err=%v", found, hit, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader re-invoked within neg TTL")
	}

	// Sibling sees the negative through the shared store.
	b := newTestInstance(t, w, "user", nil)
	_, found, hit, err = b.Get(ctx, "ghost", missing, nil)
	if err != nil || found || hit != HitL2 {
		t.Fatalf("sibling negative hit: found=%v hit=%d err=%v", found, hit, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("sibling re-invoked loader for cached negative")
	}

	// Past neg TTL (default 5s) the loader runs again.
	w.clock.Advance(6 * time.Second)
	if _, _, _, err := a.Get(ctx, "ghost", missing, nil); err != nil {
		t.Fatalf("Get after neg TTL: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("loader should re-run after neg TTL, calls=%d", calls.Load())
	}
}

func TestNegativeStoreIsolation(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	neg := storemem.New(storemem.Config{Slots: 64})
	a := newTestInstance(t, w, "user", func(o *Options[user]) {
		o.NegativeStore = neg
	})
	impl := mustImpl(t, a)

	missing := func(context.Context) (Result[user], error) { return Result[user]{}, nil }
	if _, found, _, err := a.Get(ctx, "ghost", missing, nil); err != nil || found {
		t.Fatalf("negative fetch: found=%v err=%v", found, err)
	}

	sk := impl.entryKey("ghost")
	if _, ok, _ := w.store.Get(ctx, sk); ok {
		t.Fatalf("negative entry leaked into the main store")
	}
	if _, ok, _ := neg.Get(ctx, sk); !ok {
		t.Fatalf("negative entry missing from isolated region")
	}

	// A positive Set moves the key back to the main region.
	if err := a.Set(ctx, "ghost", user{ID: "g"}, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := neg.Get(ctx, sk); ok {
		t.Fatalf("stale negative left behind after positive Set")
	}
	if _, ok, _ := w.store.Get(ctx, sk); !ok {
		t.Fatalf("positive entry missing from main store")
	}
}

// ==============================
// TTL semantics
// ==============================

func TestTTLZeroIsPermanent(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", func(o *Options[user]) {
		o.TTL = NeverExpires
	})

	v := user{ID: "p", Name: "Perm"}
	var calls atomic.Int32
	if _, _, _, err := a.Get(ctx, "perm", loaderOf(v, &calls), nil); err != nil {
		t.Fatalf("Get: %v", err)
	}

	w.clock.Advance(10 * 365 * 24 * time.Hour)

	got, found, hit, err := a.Get(ctx, "perm", loaderOf(v, &calls), nil)
	if err != nil || !found || got != v || hit != HitL1 {
		t.Fatalf("after a decade: got=%v found=%v hit=%d err=%v", got, found, hit, err)
	}

	// Still a hit even with the local tier dropped.
	mustImpl(t, a).l1.Flush()
	got, _, hit, err = a.Get(ctx, "perm", loaderOf(v, &calls), nil)
	if err != nil || got != v || hit != HitL2 {
		t.Fatalf("after L1 flush: got=%v hit=%d err=%v", got, hit, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("permanent entry refetched, calls=%d", calls.Load())
	}
}

func TestExpiredEntryRefetches(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", func(o *Options[user]) {
		o.TTL = 10 * time.Second
	})

	var calls atomic.Int32
	v := user{ID: "1"}
	a.Get(ctx, "k", loaderOf(v, &calls), nil)

	w.clock.Advance(11 * time.Second)
	_, _, hit, err := a.Get(ctx, "k", loaderOf(v, &calls), nil)
	if err != nil || hit != HitFetch {
		t.Fatalf("expired Get: hit=%d err=%v", hit, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("loader should run again past TTL, calls=%d", calls.Load())
	}
}

// ==============================
// Peek
// ==============================

func TestPeekDoesNotPromote(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", func(o *Options[user]) {
		o.TTL = time.Minute
	})
	impl := mustImpl(t, a)

	v := user{ID: "1", Name: "Ada"}
	if err := a.Set(ctx, "u:1", v, nil); err != nil {
		t.Fatalf("Set: %v", err)
	}

	res, present, err := a.Peek(ctx, "u:1")
	if err != nil || !present {
		t.Fatalf("Peek: present=%v err=%v", present, err)
	}
	if res.Value != v || res.Negative || res.Stale {
		t.Fatalf("Peek result: %+v", res)
	}
	if res.Remaining <= 0 || res.Remaining > time.Minute {
		t.Fatalf("Peek remaining: %v", res.Remaining)
	}

	// L1 must still miss the key.
	if _, ok := impl.l1.Get(impl.entryKey("u:1")); ok {
		t.Fatalf("Peek promoted to L1")
	}

	// Absent key.
	if _, present, err := a.Peek(ctx, "nope"); err != nil || present {
		t.Fatalf("Peek absent: present=%v err=%v", present, err)
	}
}

// ==============================
// Cross-instance invalidation
// ==============================

func TestInvalidationPropagation(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", nil)
	b := newTestInstance(t, w, "user", nil)

	v1 := user{ID: "1", Name: "old"}
	v2 := user{ID: "1", Name: "new"}

	// B caches v1 in its L1.
	if got, _, _, err := b.Get(ctx, "k", loaderOf(v1, nil), nil); err != nil || got != v1 {
		t.Fatalf("prime B: got=%v err=%v", got, err)
	}

	// A writes v2 out-of-band.
	if err := a.Set(ctx, "k", v2, nil); err != nil {
		t.Fatalf("A.Set: %v", err)
	}

	// B still serves its L1 copy until it polls: the documented lag.
	if got, _, hit, _ := b.Get(ctx, "k", loaderOf(v1, nil), nil); got != v1 || hit != HitL1 {
		t.Fatalf("B before Update: got=%v hit=%d", got, hit)
	}

	applied, err := b.Update(ctx)
	if err != nil || applied == 0 {
		t.Fatalf("B.Update: applied=%d err=%v", applied, err)
	}

	got, _, hit, err := b.Get(ctx, "k", loaderOf(v1, nil), nil)
	if err != nil || got != v2 || hit != HitL2 {
		t.Fatalf("B after Update: got=%v hit=%d err=%v", got, hit, err)
	}
}

func TestDeletePropagation(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", nil)
	b := newTestInstance(t, w, "user", nil)

	var calls atomic.Int32
	v := user{ID: "1"}
	b.Get(ctx, "k", loaderOf(v, &calls), nil)

	if err := a.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, present, _ := a.Peek(ctx, "k"); present {
		t.Fatalf("entry survives Delete in shared store")
	}

	if _, err := b.Update(ctx); err != nil {
		t.Fatalf("B.Update: %v", err)
	}
	_, _, hit, err := b.Get(ctx, "k", loaderOf(v, &calls), nil)
	if err != nil || hit != HitFetch {
		t.Fatalf("B after Delete+Update: hit=%d err=%v", hit, err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected refetch after delete, calls=%d", calls.Load())
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", nil)
	b := newTestInstance(t, w, "user", nil)

	var calls atomic.Int32
	v := user{ID: "1"}
	a.Get(ctx, "k1", loaderOf(v, &calls), nil)
	b.Get(ctx, "k2", loaderOf(v, &calls), nil)

	if err := a.Purge(ctx, false); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	for _, key := range []string{"k1", "k2"} {
		if _, present, err := a.Peek(ctx, key); err != nil || present {
			t.Fatalf("Peek(%q) after purge: present=%v err=%v", key, present, err)
		}
	}

	// A's own L1 went with the purge.
	if _, _, hit, _ := a.Get(ctx, "k1", loaderOf(v, &calls), nil); hit != HitFetch {
		t.Fatalf("A after purge: hit=%d", hit)
	}

	// B's L1 goes on its next poll.
	if _, err := b.Update(ctx); err != nil {
		t.Fatalf("B.Update: %v", err)
	}
	if _, _, hit, _ := b.Get(ctx, "k2", loaderOf(v, &calls), nil); hit != HitFetch {
		t.Fatalf("B after purge+update: hit=%d", hit)
	}
}

func TestUpdateOverflowFlushesL1(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.bus = busmem.New(4) // tiny ring
	a := newTestInstance(t, w, "user", nil)
	b := newTestInstance(t, w, "user", nil)

	v := user{ID: "1"}
	b.Get(ctx, "k", loaderOf(v, nil), nil)

	// A floods the ring far past B's cursor.
	for i := 0; i < 10; i++ {
		if err := a.Set(ctx, "other", v, nil); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	if _, err := b.Update(ctx); err != nil {
		t.Fatalf("B.Update: %v", err)
	}

	// Overflow means "assume everything changed": even the untouched key
	// must have left B's L1.
	if _, _, hit, _ := b.Get(ctx, "k", loaderOf(v, nil), nil); hit == HitL1 {
		t.Fatalf("L1 survived ring overflow")
	}
}

// ==============================
// Capacity retries
// ==============================

// rejectingStore refuses the first rejects Set calls, then delegates.
type rejectingStore struct {
	store.Store
	rejects int32
}

func (s *rejectingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if atomic.AddInt32(&s.rejects, -1) >= 0 {
		return false, nil
	}
	return s.Store.Set(ctx, key, value, ttl)
}

func TestSetRetriesBoundedByTries(t *testing.T) {
	ctx := context.Background()

	t.Run("fails_when_tries_exhausted", func(t *testing.T) {
		w := newWorld()
		a := newTestInstance(t, w, "user", func(o *Options[user]) {
			o.Store = &rejectingStore{Store: w.store, rejects: 5}
			o.SetTries = 3
		})
		err := a.Set(ctx, "k", user{ID: "1"}, nil)
		var ce *CapacityError
		if !errors.As(err, &ce) {
			t.Fatalf("expected CapacityError, got %v", err)
		}
		if ce.Attempts != 3 {
			t.Fatalf("CapacityError.Attempts = %d, want 3", ce.Attempts)
		}
	})

	t.Run("succeeds_within_tries", func(t *testing.T) {
		w := newWorld()
		a := newTestInstance(t, w, "user", func(o *Options[user]) {
			o.Store = &rejectingStore{Store: w.store, rejects: 2}
			o.SetTries = 3
		})
		if err := a.Set(ctx, "k", user{ID: "1"}, nil); err != nil {
			t.Fatalf("Set should succeed on third attempt: %v", err)
		}
	})
}

// ==============================
// Self-heal and L1 transform
// ==============================

func TestSelfHealOnCorruptEntry(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a := newTestInstance(t, w, "user", nil)
	impl := mustImpl(t, a)

	sk := impl.entryKey("bad")
	if ok, err := w.store.Set(ctx, sk, []byte("not-wire-format"), 0); err != nil || !ok {
		t.Fatalf("inject corrupt: ok=%v err=%v", ok, err)
	}

	var calls atomic.Int32
	v := user{ID: "1"}
	got, _, hit, err := a.Get(ctx, "bad", loaderOf(v, &calls), nil)
	if err != nil || got != v || hit != HitFetch {
		t.Fatalf("Get over corrupt entry: got=%v hit=%d err=%v", got, hit, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader not invoked over corrupt entry")
	}
}

func TestL1Transform(t *testing.T) {
	ctx := context.Background()

	t.Run("applied_on_promotion", func(t *testing.T) {
		w := newWorld()
		a := newTestInstance(t, w, "user", func(o *Options[user]) {
			o.L1Transform = func(v user) (user, error) {
				v.Name = "transformed:" + v.Name
				return v, nil
			}
		})
		got, _, _, err := a.Get(ctx, "k", loaderOf(user{ID: "1", Name: "Ada"}, nil), nil)
		if err != nil || got.Name != "transformed:Ada" {
			t.Fatalf("Get: got=%v err=%v", got, err)
		}
		// L1 hit serves the transformed shape.
		got, _, hit, _ := a.Get(ctx, "k", loaderOf(user{}, nil), nil)
		if hit != HitL1 || got.Name != "transformed:Ada" {
			t.Fatalf("L1 Get: got=%v hit=%d", got, hit)
		}
	})

	t.Run("failure_caches_nothing", func(t *testing.T) {
		w := newWorld()
		boom := errors.New("bad shape")
		a := newTestInstance(t, w, "user", func(o *Options[user]) {
			o.L1Transform = func(user) (user, error) { return user{}, boom }
		})
		impl := mustImpl(t, a)

		_, _, _, err := a.Get(ctx, "k", loaderOf(user{ID: "1"}, nil), nil)
		var se *SerializationError
		if !errors.As(err, &se) || !errors.Is(err, boom) {
			t.Fatalf("expected SerializationError wrapping cause, got %v", err)
		}
		if _, ok := impl.l1.Get(impl.entryKey("k")); ok {
			t.Fatalf("rejected value was promoted to L1")
		}
		if _, ok, _ := w.store.Get(ctx, impl.entryKey("k")); ok {
			t.Fatalf("rejected value was written to the shared store")
		}
	})
}

// ==============================
// Construction
// ==============================

func TestConfigValidation(t *testing.T) {
	w := newWorld()
	base := func() Options[user] {
		return Options[user]{Name: "user", Store: w.store, Codec: cd.JSON[user]{}}
	}

	cases := map[string]func(*Options[user]){
		"missing_name":       func(o *Options[user]) { o.Name = "" },
		"missing_store":      func(o *Options[user]) { o.Store = nil },
		"missing_codec":      func(o *Options[user]) { o.Codec = nil },
		"negative_resurrect": func(o *Options[user]) { o.ResurrectTTL = -time.Second },
		"negative_lru":       func(o *Options[user]) { o.LRUSize = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base()
			mutate(&opts)
			if _, err := New[user](opts); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}

	if _, err := New[user](base()); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
}

func TestGetRequiresLoader(t *testing.T) {
	w := newWorld()
	a := newTestInstance(t, w, "user", nil)
	if _, _, _, err := a.Get(context.Background(), "k", nil, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for nil loader, got %v", err)
	}
}

func TestNamespacesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	users := newTestInstance(t, w, "user", nil)
	orders := newTestInstance(t, w, "order", nil)

	if err := users.Set(ctx, "1", user{ID: "1", Name: "u"}, nil); err != nil {
		t.Fatalf("users.Set: %v", err)
	}
	if err := orders.Set(ctx, "1", user{ID: "1", Name: "o"}, nil); err != nil {
		t.Fatalf("orders.Set: %v", err)
	}

	ur, _, _ := users.Peek(ctx, "1")
	or, _, _ := orders.Peek(ctx, "1")
	if ur.Value.Name != "u" || or.Value.Name != "o" {
		t.Fatalf("namespace collision: users=%v orders=%v", ur.Value, or.Value)
	}
}
