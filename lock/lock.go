// Package lock defines the distributed single-flight mutex that serializes
// origin fetches for a key across processes.
//
// The lock is advisory: it coordinates fetch execution only. Whoever performs
// the conditional insert of a not-yet-present lock record becomes the
// exclusive runner; everyone else polls with backoff up to their wait bound.
// A held lock expires on its own after its TTL, so a holder that dies
// mid-fetch cannot wedge the key forever.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrTimeout is returned by Acquire when no acquisition happened within the
// wait bound. Callers usually react by re-reading the shared store (the
// previous holder may have published a result) rather than failing outright.
var ErrTimeout = errors.New("tiercache: lock wait timeout")

// Handle identifies one acquisition. The token guards Release against
// deleting a lock record that has expired and been re-acquired by someone
// else in the meantime.
type Handle struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker is the lock provider consumed by the cache controller.
type Locker interface {
	// Acquire blocks until the lock for key is held, the wait bound elapses
	// (ErrTimeout) or ctx is done.
	Acquire(ctx context.Context, key string, wait, ttl time.Duration) (Handle, error)

	// Release frees a held lock. Releasing an expired or stolen handle is a
	// silent no-op.
	Release(ctx context.Context, h Handle) error
}

// Token returns a random owner token for a lock record.
func Token() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure means the process is in serious trouble anyway
		return time.Now().Format(time.RFC3339Nano)
	}
	return hex.EncodeToString(b[:])
}

const (
	pollStart = 2 * time.Millisecond
	pollMax   = 100 * time.Millisecond
)

// Poll runs try with exponential backoff until it reports done, the wait
// bound elapses (ErrTimeout) or ctx is done. Implementations share it so
// every Locker stays time-bounded regardless of backend.
func Poll(ctx context.Context, wait time.Duration, try func() (done bool, err error)) error {
	deadline := time.Now().Add(wait)
	step := pollStart
	for {
		done, err := try()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		if step > remaining {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
		if step *= 2; step > pollMax {
			step = pollMax
		}
	}
}
