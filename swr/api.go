package swr

import (
	"context"
	"errors"
	"fmt"
	"time"

	pr "github.com/unkn0wn-root/deptusers/provider"
	ss "github.com/unkn0wn-root/deptusers/stampstore"
)

// Producer fetches a fresh payload. It runs only on a miss, on expiry, or as
// a background refresh.
type Producer func(ctx context.Context) ([]byte, error)

// Policy holds the three age thresholds applied to one call.
// Valid policies satisfy Expire > Refresh > RefreshDelay > 0.
type Policy struct {
	Expire       time.Duration // older entries are refetched synchronously
	Refresh      time.Duration // older entries are served and refreshed in the background
	RefreshDelay time.Duration // minimum spacing between background refreshes of one key
}

// DefaultPolicy: 8h / 30m / 10s.
var DefaultPolicy = Policy{
	Expire:       8 * time.Hour,
	Refresh:      30 * time.Minute,
	RefreshDelay: 10 * time.Second,
}

var ErrInvalidPolicy = errors.New("swr: invalid policy")

func (p Policy) Validate() error {
	if p.RefreshDelay <= 0 || p.Refresh <= p.RefreshDelay || p.Expire <= p.Refresh {
		return fmt.Errorf("%w: expire=%s refresh=%s refreshDelay=%s", ErrInvalidPolicy, p.Expire, p.Refresh, p.RefreshDelay)
	}
	return nil
}

// Executor is the capability consumers depend on.
type Executor interface {
	// ExecuteCached returns the payload for key, running produce as the
	// policy requires. Producer errors are returned unchanged and never
	// cached. The returned slice may be shared with concurrent callers
	// and must not be mutated.
	ExecuteCached(ctx context.Context, key string, produce Producer, p Policy) ([]byte, error)
}

// Entry is a snapshot of one cached key.
type Entry struct {
	Key         string
	WrittenAt   time.Time
	Age         time.Duration
	Payload     []byte
	LastRefresh time.Time // zero if no background refresh was recorded
}

type Cache interface {
	Executor

	Enabled() bool
	// Peek reads an entry without running any producer or refresh.
	Peek(ctx context.Context, key string) (e Entry, ok bool, err error)
	// Invalidate deletes the entry and its refresh stamp.
	Invalidate(ctx context.Context, key string) error
	// Wait blocks until background refreshes started so far have finished.
	Wait()
	Close(context.Context) error
}

type SetCostFunc func(storageKey string, raw []byte) int64

// Options tune the cache. Only Namespace and Provider are required.
type Options struct {
	Namespace string // e.g. "deptusers:json"
	Provider  pr.Provider

	StampStore           ss.Store         // nil => in-process stampstore.Local, closed with the cache
	Logger               Logger           // nil => NopLogger
	Hooks                Hooks            // nil => NopHooks
	Now                  func() time.Time // nil => time.Now
	RefreshTimeout       time.Duration    // bounds one background refresh; 0 => policy Expire
	StampCleanupInterval time.Duration    // local stamp store sweep; 0 => 1h
	StampRetention       time.Duration    // 0 => 24h
	ComputeSetCost       SetCostFunc      // default len(raw)
	Disabled             bool             // every call runs the producer
}

func New(opts Options) (Cache, error) {
	return newCache(opts)
}
