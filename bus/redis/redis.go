// Package redis implements bus.Bus on Redis: an INCR-assigned sequence plus
// a fixed ring of slot keys holding msgpack-encoded events. Poll is a GET of
// the sequence and one MGET over the missing range; overwritten or expired
// slots surface as overflow.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/tiercache/bus"
)

var ErrNilClient = errors.New("redis bus: nil client")

const (
	defaultRing      = 1024
	defaultRetention = time.Hour
)

type Bus struct {
	rdb       goredis.UniversalClient
	prefix    string
	ring      uint64
	retention time.Duration
}

var _ bus.Bus = (*Bus)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Prefix scopes the sequence and slot keys; defaults to "tiercache:bus".
	// Instances sharing one logical bus must use the same prefix.
	Prefix string
	// Ring is the slot count (0 => 1024). Consumers polling less often than
	// it takes siblings to publish Ring events will see overflow.
	Ring int
	// Retention expires idle slot keys (0 => 1h). An expired slot inside a
	// polled range reads as overflow, which is the conservative outcome.
	Retention time.Duration
}

func New(cfg Config) (*Bus, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tiercache:bus"
	}
	ring := cfg.Ring
	if ring <= 0 {
		ring = defaultRing
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Bus{
		rdb:       cfg.Client,
		prefix:    prefix + ":",
		ring:      uint64(ring),
		retention: retention,
	}, nil
}

func (b *Bus) seqKey() string          { return b.prefix + "seq" }
func (b *Bus) slotKey(s uint64) string { return fmt.Sprintf("%sslot:%d", b.prefix, s%b.ring) }

func (b *Bus) Publish(ctx context.Context, ev bus.Event) (uint64, error) {
	seq, err := b.rdb.Incr(ctx, b.seqKey()).Uint64()
	if err != nil {
		return 0, err
	}
	ev.Seq = seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	raw, err := msgpack.Marshal(ev)
	if err != nil {
		return 0, err
	}
	if err := b.rdb.Set(ctx, b.slotKey(seq), raw, b.retention).Err(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (b *Bus) Poll(ctx context.Context, since uint64) ([]bus.Event, uint64, bool, error) {
	latest, err := b.rdb.Get(ctx, b.seqKey()).Uint64()
	if err == goredis.Nil {
		latest = 0
	} else if err != nil {
		return nil, since, false, err
	}
	if since >= latest {
		return nil, latest, false, nil
	}
	if latest-since > b.ring {
		return nil, latest, true, nil
	}

	keys := make([]string, 0, latest-since)
	for s := since + 1; s <= latest; s++ {
		keys = append(keys, b.slotKey(s))
	}
	vals, err := b.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, since, false, err
	}

	out := make([]bus.Event, 0, len(vals))
	for i, v := range vals {
		want := since + 1 + uint64(i)
		raw, ok := toBytes(v)
		if !ok {
			// slot expired or never written; range is not trustworthy
			return nil, latest, true, nil
		}
		var ev bus.Event
		if err := msgpack.Unmarshal(raw, &ev); err != nil {
			return nil, latest, true, nil
		}
		if ev.Seq != want {
			// slot overwritten by a later lap of the ring
			return nil, latest, true, nil
		}
		out = append(out, ev)
	}
	return out, latest, false, nil
}

func (b *Bus) Close(context.Context) error { return nil }

func toBytes(v any) ([]byte, bool) {
	switch vv := v.(type) {
	case string:
		return []byte(vv), true
	case []byte:
		return vv, true
	default:
		return nil, false
	}
}
