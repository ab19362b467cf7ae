// Package memory implements lock.Locker on an in-process table. It is the
// default locker; share one instance between every cache instance in a
// process (or in a test simulating several processes).
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/tiercache/lock"
)

type record struct {
	token   string
	expires time.Time
}

type Locker struct {
	mu sync.Mutex
	m  map[string]record

	now func() time.Time
}

var _ lock.Locker = (*Locker)(nil)

func New() *Locker {
	return &Locker{m: make(map[string]record), now: time.Now}
}

func (l *Locker) Acquire(ctx context.Context, key string, wait, ttl time.Duration) (lock.Handle, error) {
	token := lock.Token()
	var h lock.Handle
	err := lock.Poll(ctx, wait, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()

		now := l.now()
		if r, ok := l.m[key]; ok && now.Before(r.expires) {
			return false, nil // held by someone else
		}
		exp := now.Add(ttl)
		l.m[key] = record{token: token, expires: exp}
		h = lock.Handle{Key: key, Token: token, ExpiresAt: exp}
		return true, nil
	})
	if err != nil {
		return lock.Handle{}, err
	}
	return h, nil
}

func (l *Locker) Release(_ context.Context, h lock.Handle) error {
	l.mu.Lock()
	if r, ok := l.m[h.Key]; ok && r.token == h.Token {
		delete(l.m, h.Key)
	}
	l.mu.Unlock()
	return nil
}
