// Package wire defines the binary framing for entries stored in the shared
// store. The frame embeds creation time, TTL and the negative/stale flags so
// expiry can be evaluated lazily on read, independent of the store's own
// physical retention.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const version byte = 1

const (
	// FlagNegative marks an entry caching the absence of a value.
	FlagNegative byte = 1 << 0
	// FlagStale marks an entry resurrected past its natural expiry.
	FlagStale byte = 1 << 1
)

const flagMask = FlagNegative | FlagStale

var (
	ErrCorrupt = errors.New("tiercache: corrupt entry")
	magic4     = [...]byte{'T', 'I', 'E', 'R'}
)

// Entry is the decoded form of a shared-store frame.
type Entry struct {
	Created  time.Time
	TTL      time.Duration // 0 => never expires
	Negative bool
	Stale    bool
	Payload  []byte
}

// Expired reports whether the entry's logical TTL has elapsed at now.
// TTL 0 never expires.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.Created.Add(e.TTL))
}

// Remaining returns the logical TTL left at now; 0 for never-expiring
// entries and for entries already past expiry.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.TTL <= 0 {
		return 0
	}
	r := e.Created.Add(e.TTL).Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

const header = 4 + 1 + 1 + 8 + 8 + 4

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode frames an entry:
//
//	magic(4) | ver(1) | flags(1) | created(u64 be, unix nanos) | ttl(u64 be, nanos) | vlen(u32 be) | payload(vlen)
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.Grow(header + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var flags byte
	if e.Negative {
		flags |= FlagNegative
	}
	if e.Stale {
		flags |= FlagStale
	}
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(e.Created.UnixNano()))
	buf.Write(u8[:])

	var ttl uint64
	if e.TTL > 0 {
		ttl = uint64(e.TTL)
	}
	binary.BigEndian.PutUint64(u8[:], ttl)
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes()
}

// Decode parses a frame. Strict: unknown flags, short frames and trailing
// bytes are all rejected as corrupt.
func Decode(b []byte) (Entry, error) {
	if len(b) < header || !hasMagic(b) || b[4] != version {
		return Entry{}, ErrCorrupt
	}
	flags := b[5]
	if flags&^flagMask != 0 {
		return Entry{}, ErrCorrupt
	}

	off := 6
	created := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	ttl := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return Entry{}, ErrCorrupt
	}

	return Entry{
		Created:  time.Unix(0, created),
		TTL:      time.Duration(ttl),
		Negative: flags&FlagNegative != 0,
		Stale:    flags&FlagStale != 0,
		Payload:  b[off : off+vlen],
	}, nil
}
