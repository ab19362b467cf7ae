// Package asynchook decouples hook callbacks from the cache's hot paths:
// events are queued to a bounded channel and delivered by worker
// goroutines. When the queue is full the event is dropped, never blocking
// the caller.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := tiercache.New[User](tiercache.Options[User]{
//	    Name:  "user",
//	    Store: sharedStore,
//	    Codec: codec.Msgpack[User]{},
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

type Hooks struct {
	inner tiercache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(inner tiercache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHeal(k, r string) { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) StoreSetRejected(k string, attempt int) {
	h.try(func() { h.inner.StoreSetRejected(k, attempt) })
}
func (h *Hooks) Resurrected(k string, ttl time.Duration, cause error) {
	h.try(func() { h.inner.Resurrected(k, ttl, cause) })
}
func (h *Hooks) LockTimeout(k string, servedStale bool) {
	h.try(func() { h.inner.LockTimeout(k, servedStale) })
}
func (h *Hooks) FetchPanic(k string, recovered any) {
	h.try(func() { h.inner.FetchPanic(k, recovered) })
}
func (h *Hooks) BusOverflow(since, latest uint64) {
	h.try(func() { h.inner.BusOverflow(since, latest) })
}
