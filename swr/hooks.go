package swr

import "time"

// Hooks lightweight callbacks for cache events.
// Implementations MUST be cheap and non-blocking; the cache calls them on
// every read. Keys passed to Hit/Stale/Miss/Refresh* are caller keys;
// storageKey arguments include the "swr:<ns>:" prefix.
type Hooks interface {
	// Entry younger than the refresh window was served.
	Hit(key string)
	// Entry inside the refresh window was served.
	Stale(key string, age time.Duration)
	// Producer ran synchronously. reason ∈ {"absent", "expired", "disabled"}
	Miss(key, reason string)

	// Stale entry served but a background refresh started too recently.
	RefreshSuppressed(key string)
	// Background refresh returned an error; the old entry is kept.
	RefreshFailed(key string, err error)

	// An entry was deleted on read. reason ∈ {"corrupt"}
	SelfHeal(storageKey, reason string)
	// Provider returned an error. op ∈ {"get", "set", "del"}
	ProviderError(op string, err error)
	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)
	// Stamp store claim or forget failed.
	StampError(key string, err error)
}

const (
	MissAbsent   = "absent"
	MissExpired  = "expired"
	MissDisabled = "disabled"
)

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) Hit(string)                  {}
func (NopHooks) Stale(string, time.Duration) {}
func (NopHooks) Miss(string, string)         {}
func (NopHooks) RefreshSuppressed(string)    {}
func (NopHooks) RefreshFailed(string, error) {}
func (NopHooks) SelfHeal(string, string)     {}
func (NopHooks) ProviderError(string, error) {}
func (NopHooks) ProviderSetRejected(string)  {}
func (NopHooks) StampError(string, error)    {}

// Multi fans every event out to hs in order. nil entries are skipped.
func Multi(hs ...Hooks) Hooks {
	out := make(multiHooks, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	switch len(out) {
	case 0:
		return NopHooks{}
	case 1:
		return out[0]
	}
	return out
}

type multiHooks []Hooks

func (m multiHooks) Hit(k string) {
	for _, h := range m {
		h.Hit(k)
	}
}

func (m multiHooks) Stale(k string, age time.Duration) {
	for _, h := range m {
		h.Stale(k, age)
	}
}

func (m multiHooks) Miss(k, reason string) {
	for _, h := range m {
		h.Miss(k, reason)
	}
}

func (m multiHooks) RefreshSuppressed(k string) {
	for _, h := range m {
		h.RefreshSuppressed(k)
	}
}

func (m multiHooks) RefreshFailed(k string, err error) {
	for _, h := range m {
		h.RefreshFailed(k, err)
	}
}

func (m multiHooks) SelfHeal(sk, reason string) {
	for _, h := range m {
		h.SelfHeal(sk, reason)
	}
}

func (m multiHooks) ProviderError(op string, err error) {
	for _, h := range m {
		h.ProviderError(op, err)
	}
}

func (m multiHooks) ProviderSetRejected(sk string) {
	for _, h := range m {
		h.ProviderSetRejected(sk)
	}
}

func (m multiHooks) StampError(k string, err error) {
	for _, h := range m {
		h.StampError(k, err)
	}
}
