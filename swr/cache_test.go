package swr

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/deptusers/codec"
	"github.com/unkn0wn-root/deptusers/internal/wire"
	pr "github.com/unkn0wn-root/deptusers/provider"
)

type memProvider struct {
	mu     sync.Mutex
	m      map[string][]byte
	getErr error
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, false, p.getErr
	}
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	p.m[key] = value
	p.mu.Unlock()
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

type delErrProvider struct {
	*memProvider
	err error
}

func (p *delErrProvider) Del(context.Context, string) error { return p.err }

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *manualClock {
	return &manualClock{t: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// producer returns the current payload (or error) and counts invocations.
type producer struct {
	calls   atomic.Int32
	mu      sync.Mutex
	payload string
	err     error
}

func (p *producer) set(payload string, err error) {
	p.mu.Lock()
	p.payload, p.err = payload, err
	p.mu.Unlock()
}

func (p *producer) fn(context.Context) ([]byte, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return []byte(p.payload), nil
}

type recHooks struct {
	NopHooks
	mu     sync.Mutex
	events []string
}

func (h *recHooks) add(ev string) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recHooks) Hit(string)                       { h.add("hit") }
func (h *recHooks) Stale(string, time.Duration)      { h.add("stale") }
func (h *recHooks) Miss(_ string, reason string)     { h.add("miss:" + reason) }
func (h *recHooks) RefreshSuppressed(string)         { h.add("suppressed") }
func (h *recHooks) RefreshFailed(string, error)      { h.add("refresh_failed") }
func (h *recHooks) SelfHeal(_ string, reason string) { h.add("self_heal:" + reason) }
func (h *recHooks) ProviderError(op string, _ error) { h.add("provider_error:" + op) }

func (h *recHooks) count(ev string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == ev {
			n++
		}
	}
	return n
}

type fixture struct {
	cache *cache
	mp    *memProvider
	clock *manualClock
	hooks *recHooks
}

func newFixture(t *testing.T, optsOpt func(*Options)) fixture {
	t.Helper()
	f := fixture{mp: newMemProvider(), clock: newClock(), hooks: &recHooks{}}
	opts := Options{
		Namespace: "users",
		Provider:  f.mp,
		Now:       f.clock.Now,
		Hooks:     f.hooks,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	c, err := newCache(opts)
	if err != nil {
		t.Fatalf("newCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	f.cache = c
	return f
}

func mustExec(t *testing.T, c Executor, key string, p *producer) string {
	t.Helper()
	b, err := c.ExecuteCached(context.Background(), key, p.fn, DefaultPolicy)
	if err != nil {
		t.Fatalf("ExecuteCached(%q): %v", key, err)
	}
	return string(b)
}

func TestNewRequiresProviderAndNamespace(t *testing.T) {
	if _, err := New(Options{Namespace: "x"}); err == nil {
		t.Fatalf("expected error without provider")
	}
	if _, err := New(Options{Provider: newMemProvider()}); err == nil {
		t.Fatalf("expected error without namespace")
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Policy
		ok   bool
	}{
		{"default", DefaultPolicy, true},
		{"zero_delay", Policy{Expire: time.Hour, Refresh: time.Minute}, false},
		{"refresh_not_above_delay", Policy{Expire: time.Hour, Refresh: time.Second, RefreshDelay: time.Second}, false},
		{"expire_not_above_refresh", Policy{Expire: time.Minute, Refresh: time.Minute, RefreshDelay: time.Second}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok != (err == nil) {
				t.Fatalf("Validate()=%v, want ok=%v", err, tc.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}

	f := newFixture(t, nil)
	p := &producer{payload: "v"}
	if _, err := f.cache.ExecuteCached(context.Background(), "k", p.fn, Policy{}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("ExecuteCached with invalid policy: %v", err)
	}
	if p.calls.Load() != 0 {
		t.Fatalf("producer must not run for an invalid policy")
	}
}

// TestFreshEntryServedWithoutFetch: inside the refresh window no producer runs.
func TestFreshEntryServedWithoutFetch(t *testing.T) {
	f := newFixture(t, nil)
	p := &producer{payload: "v1"}

	if got := mustExec(t, f.cache, "k", p); got != "v1" {
		t.Fatalf("first call got %q", got)
	}
	p.set("v2", nil)
	f.clock.Advance(29 * time.Minute)

	if got := mustExec(t, f.cache, "k", p); got != "v1" {
		t.Fatalf("fresh call got %q, want cached v1", got)
	}
	f.cache.Wait()
	if n := p.calls.Load(); n != 1 {
		t.Fatalf("producer calls=%d, want 1", n)
	}
	if f.hooks.count("miss:absent") != 1 || f.hooks.count("hit") != 1 {
		t.Fatalf("unexpected hook events: %v", f.hooks.events)
	}
}

// TestStaleEntryServedAndRefreshedInBackground: stale entries return the old
// value immediately and a later call sees the refreshed one.
func TestStaleEntryServedAndRefreshedInBackground(t *testing.T) {
	f := newFixture(t, nil)
	p := &producer{payload: "v1"}

	mustExec(t, f.cache, "k", p)
	p.set("v2", nil)
	f.clock.Advance(31 * time.Minute)

	if got := mustExec(t, f.cache, "k", p); got != "v1" {
		t.Fatalf("stale call got %q, want v1 served immediately", got)
	}
	f.cache.Wait()
	if n := p.calls.Load(); n != 2 {
		t.Fatalf("producer calls=%d, want 2 after background refresh", n)
	}
	if got := mustExec(t, f.cache, "k", p); got != "v2" {
		t.Fatalf("after refresh got %q, want v2", got)
	}
	if f.hooks.count("stale") != 1 {
		t.Fatalf("expected one stale event, got %v", f.hooks.events)
	}
}

// TestRefreshDelaySpacesBackgroundRefreshes: repeated stale reads start at
// most one refresh per refresh-delay window, and a failed refresh keeps the
// old entry.
func TestRefreshDelaySpacesBackgroundRefreshes(t *testing.T) {
	f := newFixture(t, nil)
	p := &producer{payload: "v1"}

	mustExec(t, f.cache, "k", p)
	p.set("", errors.New("backend down"))
	f.clock.Advance(time.Hour)

	for i := 0; i < 5; i++ {
		if got := mustExec(t, f.cache, "k", p); got != "v1" {
			t.Fatalf("call %d got %q, want v1", i, got)
		}
		f.cache.Wait()
	}
	if n := p.calls.Load(); n != 2 {
		t.Fatalf("producer calls=%d, want 2 (initial + one refresh)", n)
	}
	if f.hooks.count("suppressed") != 4 || f.hooks.count("refresh_failed") != 1 {
		t.Fatalf("unexpected hook events: %v", f.hooks.events)
	}

	f.clock.Advance(DefaultPolicy.RefreshDelay)
	mustExec(t, f.cache, "k", p)
	f.cache.Wait()
	if n := p.calls.Load(); n != 3 {
		t.Fatalf("producer calls=%d, want 3 after delay elapsed", n)
	}

	e, ok, err := f.cache.Peek(context.Background(), "k")
	if err != nil || !ok || string(e.Payload) != "v1" {
		t.Fatalf("failed refresh must keep entry: ok=%v err=%v payload=%q", ok, err, e.Payload)
	}
	if !e.LastRefresh.Equal(f.clock.Now()) {
		t.Fatalf("LastRefresh=%v want %v", e.LastRefresh, f.clock.Now())
	}
}

// TestExpiredEntryReloadsSynchronously: past expire the caller waits for the
// producer.
func TestExpiredEntryReloadsSynchronously(t *testing.T) {
	f := newFixture(t, nil)
	p := &producer{payload: "v1"}

	mustExec(t, f.cache, "k", p)
	p.set("v2", nil)
	f.clock.Advance(8 * time.Hour)

	if got := mustExec(t, f.cache, "k", p); got != "v2" {
		t.Fatalf("expired call got %q, want v2", got)
	}
	if f.hooks.count("miss:expired") != 1 {
		t.Fatalf("expected expired miss, got %v", f.hooks.events)
	}
}

// TestProducerErrorReturnedUnchangedAndNotCached covers both first load and
// reload after expiry.
func TestProducerErrorReturnedUnchangedAndNotCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	boom := errors.New("boom")
	p := &producer{err: boom}

	if _, err := f.cache.ExecuteCached(ctx, "k", p.fn, DefaultPolicy); err != boom {
		t.Fatalf("err=%v, want the producer's error value", err)
	}
	if _, ok, _ := f.cache.Peek(ctx, "k"); ok {
		t.Fatalf("failed producer must not populate the cache")
	}

	p.set("v1", nil)
	mustExec(t, f.cache, "k", p)
	before, _, _ := f.cache.Peek(ctx, "k")

	p.set("", boom)
	f.clock.Advance(9 * time.Hour)
	if _, err := f.cache.ExecuteCached(ctx, "k", p.fn, DefaultPolicy); err != boom {
		t.Fatalf("err=%v, want boom", err)
	}
	after, ok, _ := f.cache.Peek(ctx, "k")
	if !ok || !after.WrittenAt.Equal(before.WrittenAt) || string(after.Payload) != "v1" {
		t.Fatalf("failed reload must leave entry untouched: before=%+v after=%+v", before, after)
	}
}

// TestConcurrentMissesShareOneProducer: concurrent callers of one key trigger
// a single fetch.
func TestConcurrentMissesShareOneProducer(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	var calls atomic.Int32
	produce := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := f.cache.ExecuteCached(context.Background(), "k", produce, DefaultPolicy)
			if err == nil && string(b) != "v" {
				err = errors.New("unexpected payload " + string(b))
			}
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("producer calls=%d, want 1", n)
	}
}

// TestCallerCancelDoesNotAbortSharedLoad: a caller that gives up gets its
// ctx error; the load still completes and is cached.
func TestCallerCancelDoesNotAbortSharedLoad(t *testing.T) {
	f := newFixture(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var prodErr atomic.Value
	var calls atomic.Int32
	produce := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		if ctx.Err() != nil {
			prodErr.Store(ctx.Err())
		}
		return []byte("v"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.cache.ExecuteCached(ctx, "k", produce, DefaultPolicy)
		done <- err
	}()
	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled caller err=%v", err)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := f.cache.Peek(context.Background(), "k"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("abandoned load never stored its result")
		}
		time.Sleep(time.Millisecond)
	}
	b, err := f.cache.ExecuteCached(context.Background(), "k", produce, DefaultPolicy)
	if err != nil || string(b) != "v" {
		t.Fatalf("second caller: %q %v", b, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("producer calls=%d, want 1", calls.Load())
	}
	if v := prodErr.Load(); v != nil {
		t.Fatalf("producer ctx was canceled: %v", v)
	}
}

// TestCorruptEntrySelfHeals: bytes that are not an envelope are dropped and
// the producer runs.
func TestCorruptEntrySelfHeals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sk := f.cache.storageKey("k")
	_, _ = f.mp.Set(ctx, sk, []byte("not-an-envelope"), 1, 0)

	p := &producer{payload: "v"}
	if got := mustExec(t, f.cache, "k", p); got != "v" {
		t.Fatalf("got %q", got)
	}
	if f.hooks.count("self_heal:corrupt") != 1 {
		t.Fatalf("expected self heal, got %v", f.hooks.events)
	}
	raw, _, _ := f.mp.Get(ctx, sk)
	if _, payload, err := wire.DecodeEntry(raw); err != nil || string(payload) != "v" {
		t.Fatalf("entry not rewritten: %v %q", err, payload)
	}
}

func TestProviderGetErrorTreatedAsMiss(t *testing.T) {
	f := newFixture(t, nil)
	f.mp.getErr = errors.New("conn refused")
	p := &producer{payload: "v"}

	if got := mustExec(t, f.cache, "k", p); got != "v" {
		t.Fatalf("got %q", got)
	}
	if f.hooks.count("provider_error:get") != 1 {
		t.Fatalf("expected provider get error hook, got %v", f.hooks.events)
	}
}

func TestDisabledAlwaysProduces(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Disabled = true })
	p := &producer{payload: "v"}
	mustExec(t, f.cache, "k", p)
	mustExec(t, f.cache, "k", p)
	if n := p.calls.Load(); n != 2 {
		t.Fatalf("producer calls=%d, want 2", n)
	}
	if len(f.mp.m) != 0 {
		t.Fatalf("disabled cache must not write, found %d entries", len(f.mp.m))
	}
	if f.cache.Enabled() {
		t.Fatalf("Enabled() should be false")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	a, _ := New(Options{Namespace: "a", Provider: mp})
	b, _ := New(Options{Namespace: "b", Provider: mp})
	t.Cleanup(func() { _ = a.Close(ctx); _ = b.Close(ctx) })

	pa := &producer{payload: "from-a"}
	pb := &producer{payload: "from-b"}
	mustExec(t, a, "k", pa)
	if got := mustExec(t, b, "k", pb); got != "from-b" {
		t.Fatalf("namespace leak: got %q", got)
	}
	for k := range mp.m {
		if !strings.HasPrefix(k, "swr:a:") && !strings.HasPrefix(k, "swr:b:") {
			t.Fatalf("unexpected storage key %q", k)
		}
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	p := &producer{payload: "v1"}
	mustExec(t, f.cache, "k", p)

	if err := f.cache.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := f.cache.Peek(ctx, "k"); ok {
		t.Fatalf("entry should be gone")
	}
	p.set("v2", nil)
	if got := mustExec(t, f.cache, "k", p); got != "v2" {
		t.Fatalf("after invalidate got %q", got)
	}
}

func TestInvalidateDeleteFailureReturnsError(t *testing.T) {
	ctx := context.Background()
	sentinel := errors.New("del failed")
	c, err := New(Options{
		Namespace: "users",
		Provider:  &delErrProvider{memProvider: newMemProvider(), err: sentinel},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(ctx)

	err = c.Invalidate(ctx, "k")
	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InvalidateError, got %T: %v", err, err)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is(err, delErr)")
	}
}

func TestTypedDecodesPerCallAndHealsForeignPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	typed := Typed[[]string]{Exec: f.cache, Codec: codec.JSON[[]string]{}}

	var calls atomic.Int32
	produce := func(context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"HR", "Sales"}, nil
	}

	a, err := typed.ExecuteCached(ctx, "departments", produce, DefaultPolicy)
	if err != nil {
		t.Fatal(err)
	}
	a[0] = "mutated"
	b, err := typed.ExecuteCached(ctx, "departments", produce, DefaultPolicy)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != "HR" {
		t.Fatalf("callers share state: got %v", b)
	}

	// payload written by a different codec
	_, _ = f.mp.Set(ctx, f.cache.storageKey("departments"), wire.EncodeEntry(f.clock.Now(), []byte{0xa2, 0x01}), 1, 0)
	got, err := typed.ExecuteCached(ctx, "departments", produce, DefaultPolicy)
	if err != nil {
		t.Fatalf("expected heal and reload, got %v", err)
	}
	if len(got) != 2 || calls.Load() != 2 {
		t.Fatalf("got=%v calls=%d", got, calls.Load())
	}
}

func TestMultiHooksFanOut(t *testing.T) {
	a, b := &recHooks{}, &recHooks{}
	h := Multi(a, nil, b)
	h.Hit("k")
	h.Miss("k", MissExpired)
	for _, r := range []*recHooks{a, b} {
		if r.count("hit") != 1 || r.count("miss:expired") != 1 {
			t.Fatalf("event not delivered: %v", r.events)
		}
	}
	if _, ok := Multi().(NopHooks); !ok {
		t.Fatalf("empty Multi should be NopHooks")
	}
	if Multi(a) != Hooks(a) {
		t.Fatalf("single Multi should return the hook itself")
	}
}
