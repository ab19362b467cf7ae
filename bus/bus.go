// Package bus defines the ordered, bounded invalidation event log that cache
// instances poll to evict stale L1 entries written out-of-band by sibling
// processes.
//
// Events are totally ordered by sequence number within one bus. The log is a
// bounded ring: when a consumer's last-seen sequence has already been
// overwritten, Poll reports overflow and the consumer must assume everything
// changed.
package bus

import (
	"context"
	"time"
)

// Kind classifies an invalidation event.
type Kind uint8

const (
	KindSet Kind = iota + 1
	KindDelete
	KindPurgeAll
	KindPurgeExpired
)

func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindDelete:
		return "delete"
	case KindPurgeAll:
		return "purge_all"
	case KindPurgeExpired:
		return "purge_expired"
	default:
		return "unknown"
	}
}

// Event is one broadcast mutation. Seq is assigned by Publish; Name is the
// originating cache instance so instances sharing a bus can filter. Key is
// the user key (unnamespaced) and is empty for purge kinds.
type Event struct {
	Seq  uint64    `msgpack:"s"`
	Kind Kind      `msgpack:"k"`
	Name string    `msgpack:"n"`
	Key  string    `msgpack:"key,omitempty"`
	At   time.Time `msgpack:"t"`
}

// Bus is the event log consumed by cache instances.
type Bus interface {
	// Publish appends ev, assigning the next sequence number atomically, and
	// returns it. Sequence numbers start at 1, never repeat and never go
	// backward for one bus.
	Publish(ctx context.Context, ev Event) (uint64, error)

	// Poll returns every event with sequence greater than since, in order,
	// plus the new high-water sequence to pass to the next call. overflow
	// reports that since has aged out of the ring; the partial event list is
	// not to be trusted and the caller must invalidate everything.
	Poll(ctx context.Context, since uint64) (events []Event, latest uint64, overflow bool, err error)

	// Close releases resources.
	Close(ctx context.Context) error
}
