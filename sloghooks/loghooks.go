// Package sloghooks turns cache hook events into slog records, with
// sampling for the events that can flood (self-heals, resurrections during
// a long outage) and key redaction for logs that must not leak user keys.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/tiercache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	ResurrectedEvery uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr  atomic.Uint64
	resurrectCtr atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("tiercache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreSetRejected(storageKey string, attempt int) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.store_set_rejected",
		"key", h.redact(storageKey),
		"attempt", attempt)
}

func (h *Hooks) Resurrected(key string, ttl time.Duration, cause error) {
	if h.l == nil || !sample(h.opts.ResurrectedEvery, &h.resurrectCtr) {
		return
	}
	h.l.Warn("tiercache.resurrected",
		"key", h.redact(key),
		"ttl", ttl,
		"cause", cause)
}

func (h *Hooks) LockTimeout(key string, servedStale bool) {
	if h.l == nil {
		return
	}
	h.l.Info("tiercache.lock_timeout",
		"key", h.redact(key),
		"served_stale", servedStale)
}

func (h *Hooks) FetchPanic(key string, recovered any) {
	if h.l == nil {
		return
	}
	h.l.Error("tiercache.fetch_panic",
		"key", h.redact(key),
		"recovered", recovered)
}

func (h *Hooks) BusOverflow(since, latest uint64) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.bus_overflow",
		"since", since,
		"latest", latest)
}
