// Package lru implements local.Cache on hashicorp/golang-lru, the default
// L1: strict least-recently-used eviction bounded by slot count.
package lru

import (
	"errors"

	hlru "github.com/hashicorp/golang-lru/v2"

	"github.com/unkn0wn-root/tiercache/local"
)

type Cache struct {
	c *hlru.Cache[string, any]
}

var _ local.Cache = (*Cache)(nil)

func New(slots int) (*Cache, error) {
	if slots <= 0 {
		return nil, errors.New("lru: slots must be > 0")
	}
	c, err := hlru.New[string, any](slots)
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

func (l *Cache) Get(key string) (any, bool) { return l.c.Get(key) }
func (l *Cache) Set(key string, value any)  { l.c.Add(key, value) }
func (l *Cache) Delete(key string)          { l.c.Remove(key) }
func (l *Cache) Flush()                     { l.c.Purge() }

// Len reports the current entry count. Not part of local.Cache.
func (l *Cache) Len() int { return l.c.Len() }
