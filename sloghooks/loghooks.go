package sloghooks

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/deptusers/internal/util"
	"github.com/unkn0wn-root/deptusers/swr"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery      uint64
	RefreshFailedEvery uint64
	// Log hits, stale serves and misses at debug level.
	Verbose bool
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr      atomic.Uint64
	refreshFailedCtr atomic.Uint64
}

var _ swr.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return util.ShortHash(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) Hit(key string) {
	if h.l == nil || !h.opts.Verbose {
		return
	}
	h.l.Debug("swr.hit", "key", h.redact(key))
}

func (h *Hooks) Stale(key string, age time.Duration) {
	if h.l == nil || !h.opts.Verbose {
		return
	}
	h.l.Debug("swr.stale", "key", h.redact(key), "age", age)
}

func (h *Hooks) Miss(key, reason string) {
	if h.l == nil || !h.opts.Verbose {
		return
	}
	h.l.Debug("swr.miss", "key", h.redact(key), "reason", reason)
}

func (h *Hooks) RefreshSuppressed(key string) {
	if h.l == nil || !h.opts.Verbose {
		return
	}
	h.l.Debug("swr.refresh_suppressed", "key", h.redact(key))
}

func (h *Hooks) RefreshFailed(key string, err error) {
	if h.l == nil || !sample(h.opts.RefreshFailedEvery, &h.refreshFailedCtr) {
		return
	}
	h.l.Warn("swr.refresh_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("swr.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderError(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("swr.provider_error",
		"op", op,
		"err", err)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("swr.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) StampError(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("swr.stamp_error",
		"key", h.redact(key),
		"err", err)
}
