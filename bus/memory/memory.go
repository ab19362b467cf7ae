// Package memory implements bus.Bus on an in-process ring buffer, the
// default when every consumer lives in one process. Share one instance
// between cache instances that share a store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/tiercache/bus"
)

const defaultCapacity = 1024

type Bus struct {
	mu   sync.Mutex
	ring []bus.Event
	seq  uint64 // last assigned; 0 => nothing published

	now func() time.Time
}

var _ bus.Bus = (*Bus)(nil)

// New creates a ring holding the last capacity events (0 => 1024).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{ring: make([]bus.Event, capacity), now: time.Now}
}

func (b *Bus) Publish(_ context.Context, ev bus.Event) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	b.ring[ev.Seq%uint64(len(b.ring))] = ev
	return ev.Seq, nil
}

func (b *Bus) Poll(_ context.Context, since uint64) ([]bus.Event, uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	latest := b.seq
	if since >= latest {
		return nil, latest, false, nil
	}

	oldest := uint64(1)
	if latest > uint64(len(b.ring)) {
		oldest = latest - uint64(len(b.ring)) + 1
	}
	if since+1 < oldest {
		return nil, latest, true, nil
	}

	out := make([]bus.Event, 0, latest-since)
	for s := since + 1; s <= latest; s++ {
		out = append(out, b.ring[s%uint64(len(b.ring))])
	}
	return out, latest, false, nil
}

func (b *Bus) Close(context.Context) error { return nil }
