package swr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/deptusers/internal/wire"
	pr "github.com/unkn0wn-root/deptusers/provider"
	ss "github.com/unkn0wn-root/deptusers/stampstore"
)

type cache struct {
	ns       string
	provider pr.Provider
	stamps   ss.Store
	log      Logger
	hooks    Hooks
	now      func() time.Time

	enabled        bool
	ownStamps      bool
	refreshTimeout time.Duration
	computeSetCost SetCostFunc

	// one producer per storage key at a time, sync loads and refreshes alike
	sf singleflight.Group

	bg        sync.WaitGroup
	closeOnce sync.Once
}

func newCache(opts Options) (*cache, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("swr: provider is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("swr: namespace is required")
	}

	c := &cache{
		ns:             opts.Namespace,
		provider:       opts.Provider,
		enabled:        !opts.Disabled,
		refreshTimeout: opts.RefreshTimeout,
	}

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})

	if opts.Now != nil {
		c.now = opts.Now
	} else {
		c.now = time.Now
	}

	if opts.ComputeSetCost != nil {
		c.computeSetCost = opts.ComputeSetCost
	} else {
		c.computeSetCost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}

	if opts.StampStore != nil {
		c.stamps = opts.StampStore
	} else {
		c.stamps = ss.NewLocal(
			coalesce(opts.StampCleanupInterval, defaultStampSweep),
			coalesce(opts.StampRetention, defaultStampRetention),
		)
		c.ownStamps = true
	}

	return c, nil
}

func (c *cache) Enabled() bool { return c.enabled }

func (c *cache) ExecuteCached(ctx context.Context, key string, produce Producer, p Policy) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !c.enabled {
		c.hooks.Miss(key, MissDisabled)
		return produce(ctx)
	}

	sk := c.storageKey(key)
	reason := MissAbsent
	if payload, writtenAt, ok := c.read(ctx, sk); ok {
		age := c.now().Sub(writtenAt)
		switch {
		case age < p.Refresh:
			c.hooks.Hit(key)
			return payload, nil
		case age < p.Expire:
			c.hooks.Stale(key, age)
			c.maybeRefresh(ctx, key, sk, produce, p)
			return payload, nil
		}
		reason = MissExpired
	}

	c.hooks.Miss(key, reason)
	c.log.Debug("cache miss, loading", Fields{"key": key, "reason": reason})
	return c.load(ctx, context.WithoutCancel(ctx), sk, produce, p)
}

func (c *cache) Peek(ctx context.Context, key string) (Entry, bool, error) {
	sk := c.storageKey(key)
	raw, ok, err := c.provider.Get(ctx, sk)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	writtenAt, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	e := Entry{
		Key:       key,
		WrittenAt: writtenAt,
		Age:       c.now().Sub(writtenAt),
		Payload:   payload,
	}
	if at, ok, err := c.stamps.Last(ctx, sk); err == nil && ok {
		e.LastRefresh = at
	}
	return e, true, nil
}

func (c *cache) Invalidate(ctx context.Context, key string) error {
	sk := c.storageKey(key)
	delErr := c.provider.Del(ctx, sk)
	stampErr := c.stamps.Forget(ctx, sk)
	if stampErr != nil {
		c.hooks.StampError(key, stampErr)
	}
	if delErr != nil {
		c.hooks.ProviderError("del", delErr)
		return &InvalidateError{Key: key, DelErr: delErr, StampErr: stampErr}
	}
	if stampErr != nil {
		c.log.Warn("invalidate: stamp forget failed", Fields{"key": key, "err": stampErr})
	}
	c.log.Debug("invalidated key", Fields{"key": key})
	return nil
}

func (c *cache) Wait() { c.bg.Wait() }

func (c *cache) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.bg.Wait()
		if c.ownStamps {
			_ = c.stamps.Close(ctx)
		}
		err = c.provider.Close(ctx)
	})
	return err
}

// read returns a decoded entry. Provider errors and corrupt entries count as
// misses; corrupt entries are deleted.
func (c *cache) read(ctx context.Context, sk string) ([]byte, time.Time, bool) {
	raw, ok, err := c.provider.Get(ctx, sk)
	if err != nil {
		c.hooks.ProviderError("get", err)
		c.log.Warn("provider get failed, treating as miss", Fields{"key": sk, "err": err})
		return nil, time.Time{}, false
	}
	if !ok {
		return nil, time.Time{}, false
	}
	writtenAt, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		_ = c.provider.Del(ctx, sk) // self-heal corrupt
		c.hooks.SelfHeal(sk, "corrupt")
		return nil, time.Time{}, false
	}
	return payload, writtenAt, true
}

// load runs produce once per storage key across concurrent callers.
// waitCtx bounds how long this caller waits; produceCtx is handed to the
// producer so one caller giving up does not fail the others.
func (c *cache) load(waitCtx, produceCtx context.Context, sk string, produce Producer, p Policy) ([]byte, error) {
	ch := c.sf.DoChan(sk, func() (any, error) {
		payload, err := produce(produceCtx)
		if err != nil {
			return nil, err
		}
		c.write(produceCtx, sk, payload, p)
		return payload, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-waitCtx.Done():
		return nil, waitCtx.Err()
	}
}

func (c *cache) write(ctx context.Context, sk string, payload []byte, p Policy) {
	b := wire.EncodeEntry(c.now(), payload)
	ok, err := c.provider.Set(ctx, sk, b, c.computeSetCost(sk, b), p.Expire)
	if err != nil {
		c.hooks.ProviderError("set", err)
		c.log.Warn("provider set failed, value not cached", Fields{"key": sk, "err": err})
		return
	}
	if !ok {
		c.hooks.ProviderSetRejected(sk)
		c.log.Debug("provider rejected set (pressure)", Fields{"key": sk})
	}
}

func (c *cache) maybeRefresh(ctx context.Context, key, sk string, produce Producer, p Policy) {
	claimed, err := c.stamps.TryClaim(ctx, sk, c.now(), p.RefreshDelay)
	if err != nil {
		c.hooks.StampError(key, err)
		c.log.Warn("refresh stamp claim failed, skipping refresh", Fields{"key": key, "err": err})
		return
	}
	if !claimed {
		c.hooks.RefreshSuppressed(key)
		return
	}

	timeout := coalesce(c.refreshTimeout, p.Expire)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		defer cancel()
		if _, err := c.load(rctx, rctx, sk, produce, p); err != nil {
			c.hooks.RefreshFailed(key, err)
			c.log.Warn("background refresh failed", Fields{"key": key, "err": err})
			return
		}
		c.log.Debug("background refresh stored", Fields{"key": key})
	}()
}

func (c *cache) storageKey(userKey string) string {
	// isolate by namespace
	return "swr:" + c.ns + ":" + userKey
}
