// Package promhooks counts cache events with Prometheus collectors.
package promhooks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/deptusers/swr"
)

// Hooks records every swr event as a counter increment. Raw keys are never
// label values; Options.Family maps them to a bounded set.
type Hooks struct {
	lookups       *prometheus.CounterVec
	staleAge      prometheus.Histogram
	refreshes     *prometheus.CounterVec
	selfHeals     *prometheus.CounterVec
	providerErrs  *prometheus.CounterVec
	setRejections prometheus.Counter
	stampErrs     prometheus.Counter

	family func(key string) string
}

var _ swr.Hooks = (*Hooks)(nil)

// Options configure metric names. Family maps a caller key to a low
// cardinality label value; nil => every key reports as "all".
type Options struct {
	Namespace string
	Family    func(key string) string
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer, opts Options) (*Hooks, error) {
	ns := opts.Namespace
	h := &Hooks{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by outcome (hit, stale, miss)",
			},
			[]string{"family", "outcome", "reason"},
		),
		staleAge: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "cache_stale_age_seconds",
				Help:      "Age of entries served from the refresh window",
				Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
			},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_refreshes_total",
				Help:      "Background refresh decisions (suppressed, failed)",
			},
			[]string{"family", "result"},
		),
		selfHeals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_self_heals_total",
				Help:      "Entries deleted on read",
			},
			[]string{"reason"},
		),
		providerErrs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_provider_errors_total",
				Help:      "Provider errors by operation",
			},
			[]string{"op"},
		),
		setRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_provider_set_rejections_total",
				Help:      "Writes the provider declined",
			},
		),
		stampErrs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_stamp_errors_total",
				Help:      "Refresh stamp store failures",
			},
		),
		family: opts.Family,
	}
	if h.family == nil {
		h.family = func(string) string { return "all" }
	}

	for _, c := range []prometheus.Collector{
		h.lookups, h.staleAge, h.refreshes, h.selfHeals,
		h.providerErrs, h.setRejections, h.stampErrs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) Hit(key string) {
	h.lookups.WithLabelValues(h.family(key), "hit", "").Inc()
}

func (h *Hooks) Stale(key string, age time.Duration) {
	h.lookups.WithLabelValues(h.family(key), "stale", "").Inc()
	h.staleAge.Observe(age.Seconds())
}

func (h *Hooks) Miss(key, reason string) {
	h.lookups.WithLabelValues(h.family(key), "miss", reason).Inc()
}

func (h *Hooks) RefreshSuppressed(key string) {
	h.refreshes.WithLabelValues(h.family(key), "suppressed").Inc()
}

func (h *Hooks) RefreshFailed(key string, _ error) {
	h.refreshes.WithLabelValues(h.family(key), "failed").Inc()
}

func (h *Hooks) SelfHeal(_ string, reason string) { h.selfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) ProviderError(op string, _ error) { h.providerErrs.WithLabelValues(op).Inc() }
func (h *Hooks) ProviderSetRejected(string)       { h.setRejections.Inc() }
func (h *Hooks) StampError(string, error)         { h.stampErrs.Inc() }
