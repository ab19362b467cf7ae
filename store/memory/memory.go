// Package memory implements store.Store on a bounded in-process map. It is
// the default substrate for tests and for running several cache instances in
// one process against a genuinely shared region.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/unkn0wn-root/tiercache/store"
)

// evictBatch is how many of the oldest-used entries a single Set attempt may
// reclaim when the byte budget is exceeded. A rejected Set has still freed a
// batch, so retrying makes progress.
const evictBatch = 8

type entry struct {
	v        []byte
	exp      time.Time // zero => no physical expiry
	lastUsed time.Time
}

type Config struct {
	Slots    int // max entry count; 0 => 1024
	MaxBytes int // total payload byte budget; 0 => unlimited
}

type Store struct {
	mu    sync.Mutex
	m     map[string]entry
	slots int
	maxB  int
	used  int

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) *Store {
	slots := cfg.Slots
	if slots <= 0 {
		slots = 1024
	}
	return &Store{
		m:     make(map[string]entry, slots),
		slots: slots,
		maxB:  cfg.MaxBytes,
		now:   time.Now,
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	now := s.now()
	if !e.exp.IsZero() && now.After(e.exp) {
		s.remove(key)
		return nil, false, nil
	}
	e.lastUsed = now
	s.m[key] = e
	return e.v, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}

	if old, ok := s.m[key]; ok {
		s.used -= len(old.v)
		delete(s.m, key)
	}

	// Slot pressure: drop oldest-used until a slot is free.
	for len(s.m) >= s.slots {
		s.evictOldest()
	}

	// Byte pressure: one eviction batch per attempt, then accept or reject.
	if s.maxB > 0 && s.used+len(value) > s.maxB {
		for i := 0; i < evictBatch && len(s.m) > 0; i++ {
			s.evictOldest()
		}
		if s.used+len(value) > s.maxB {
			return false, nil
		}
	}

	s.m[key] = entry{v: value, exp: exp, lastUsed: now}
	s.used += len(value)
	return true, nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	s.remove(key)
	s.mu.Unlock()
	return nil
}

func (s *Store) FlushAll(context.Context) error {
	s.mu.Lock()
	s.m = make(map[string]entry, s.slots)
	s.used = 0
	s.mu.Unlock()
	return nil
}

func (s *Store) FlushExpired(context.Context) error {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.m {
		if !e.exp.IsZero() && now.After(e.exp) {
			s.remove(k)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Close(context.Context) error { return nil }

// Len reports the current entry count. Not part of store.Store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// remove and evictOldest require s.mu held.
func (s *Store) remove(key string) {
	if e, ok := s.m[key]; ok {
		s.used -= len(e.v)
		delete(s.m, key)
	}
}

func (s *Store) evictOldest() {
	var victim string
	var oldest time.Time
	for k, e := range s.m {
		if victim == "" || e.lastUsed.Before(oldest) {
			victim = k
			oldest = e.lastUsed
		}
	}
	if victim != "" {
		s.remove(victim)
	}
}
