// Package ristretto implements local.Cache on dgraph-io/ristretto.
//
// Ristretto's admission policy may reject writes under pressure and its Set
// is asynchronous, so a promoted entry is not guaranteed to be immediately
// readable. Acceptable for an L1 whose misses just fall through to L2; pick
// the lru implementation when strict slot-count LRU behavior matters.
package ristretto

import (
	"errors"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/tiercache/local"
)

type Cache struct {
	c *rc.Cache
}

var _ local.Cache = (*Cache)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64 // with unit entry cost this is the slot bound
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Cache, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func (p *Cache) Get(key string) (any, bool) { return p.c.Get(key) }

func (p *Cache) Set(key string, value any) { p.c.Set(key, value, 1) }

func (p *Cache) Delete(key string) { p.c.Del(key) }

func (p *Cache) Flush() { p.c.Clear() }

// Metrics exposes ristretto metrics. Not part of local.Cache.
func (p *Cache) Metrics() *rc.Metrics { return p.c.Metrics }
