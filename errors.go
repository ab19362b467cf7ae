package tiercache

import (
	"errors"
	"fmt"

	"github.com/unkn0wn-root/tiercache/lock"
)

// ErrConfig wraps every constructor validation failure. An instance is never
// created with invalid options.
var ErrConfig = errors.New("tiercache: invalid configuration")

// ErrLockTimeout is returned by Get when no result became available within
// the lock wait bound and no stale fallback applied. It is the lock
// package's timeout sentinel, re-exported for callers of this package.
var ErrLockTimeout = lock.ErrTimeout

// CapacityError reports that the shared store could not fit a value after
// exhausting the configured retry budget.
type CapacityError struct {
	Key      string
	Attempts int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("tiercache: store rejected %q after %d attempts", e.Key, e.Attempts)
}

// SerializationError reports a failed value encode/decode or a failed L1
// transform.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("tiercache: serialize %q: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// FetchError reports that the user loader returned an error or terminated
// abnormally. Loader panics are caught at the invocation boundary and
// surface as a FetchError, never as a crash.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("tiercache: fetch %q: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
