// Package redis implements lock.Locker on Redis for multi-host deployments.
// Acquisition is SET NX PX; release is a token-checked delete so an expired
// and re-acquired lock is never freed by its previous holder.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/tiercache/lock"
)

var ErrNilClient = errors.New("redis lock: nil client")

// releaseScript deletes the lock record only while the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Locker struct {
	rdb    goredis.UniversalClient
	prefix string
}

var _ lock.Locker = (*Locker)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Prefix scopes lock records; defaults to "tiercache:lock".
	Prefix string
}

func New(cfg Config) (*Locker, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tiercache:lock"
	}
	return &Locker{rdb: cfg.Client, prefix: prefix + ":"}, nil
}

func (l *Locker) key(k string) string { return l.prefix + k }

func (l *Locker) Acquire(ctx context.Context, key string, wait, ttl time.Duration) (lock.Handle, error) {
	token := lock.Token()
	k := l.key(key)
	var h lock.Handle
	err := lock.Poll(ctx, wait, func() (bool, error) {
		ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		h = lock.Handle{Key: key, Token: token, ExpiresAt: time.Now().Add(ttl)}
		return true, nil
	})
	if err != nil {
		return lock.Handle{}, err
	}
	return h, nil
}

func (l *Locker) Release(ctx context.Context, h lock.Handle) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key(h.Key)}, h.Token).Err()
}
