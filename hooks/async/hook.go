// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery:      10, // sample logs: ~every 10th self-heal
//	    RefreshFailedEvery: 1,  // log every failed refresh
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	c, _ := swr.New(swr.Options{
//	    Namespace: "deptusers:json",
//	    Provider:  provider,
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/deptusers/swr"
)

// Hooks forwards events to inner on worker goroutines. Events are dropped
// when the queue is full.
type Hooks struct {
	inner   swr.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ swr.Hooks = (*Hooks)(nil)

func New(inner swr.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Events fired after
// Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) Hit(k string)                      { h.try(func() { h.inner.Hit(k) }) }
func (h *Hooks) Stale(k string, age time.Duration) { h.try(func() { h.inner.Stale(k, age) }) }
func (h *Hooks) Miss(k, r string)                  { h.try(func() { h.inner.Miss(k, r) }) }
func (h *Hooks) RefreshSuppressed(k string)        { h.try(func() { h.inner.RefreshSuppressed(k) }) }
func (h *Hooks) RefreshFailed(k string, err error) {
	h.try(func() { h.inner.RefreshFailed(k, err) })
}
func (h *Hooks) SelfHeal(k, r string)               { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderError(op string, err error) { h.try(func() { h.inner.ProviderError(op, err) }) }
func (h *Hooks) ProviderSetRejected(k string)       { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) StampError(k string, err error)     { h.try(func() { h.inner.StampError(k, err) }) }
