package cache

import "github.com/prometheus/client_golang/prometheus"

// Lookup results reported by Metrics.
const (
	ResultMemoryHit = "memory_hit"
	ResultDiskHit   = "disk_hit"
	ResultMiss      = "miss"
	ResultStale     = "stale"
	ResultBypass    = "bypass"
)

// Fetch outcomes reported by Metrics.
const (
	OutcomeCacheable   = "cacheable"
	OutcomeUncacheable = "uncacheable"
	OutcomeAbsent      = "absent"
)

// Prefetch results reported by Metrics.
const (
	PrefetchScheduled = "scheduled"
	PrefetchDropped   = "dropped"
	PrefetchDisabled  = "disabled"
)

// Metrics holds the prometheus collectors shared by every client of a
// process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	lookups   *prometheus.CounterVec
	fetches   *prometheus.CounterVec
	prefetch  *prometheus.CounterVec
	diskBytes *prometheus.GaugeVec
	memItems  *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmcache",
			Name:      "lookups_total",
			Help:      "Cache lookups by site and result.",
		}, []string{"site", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmcache",
			Name:      "fetches_total",
			Help:      "Upstream fetches by site and outcome.",
		}, []string{"site", "outcome"}),
		prefetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmcache",
			Name:      "prefetch_total",
			Help:      "Prefetch requests by site and result.",
		}, []string{"site", "result"}),
		diskBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warmcache",
			Name:      "disk_bytes",
			Help:      "Approximate disk tier footprint.",
		}, []string{"site"}),
		memItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warmcache",
			Name:      "memory_entries",
			Help:      "Entries held by the memory tier.",
		}, []string{"site"}),
	}
	for _, c := range []prometheus.Collector{m.lookups, m.fetches, m.prefetch, m.diskBytes, m.memItems} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) lookup(site, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(site, result).Inc()
}

func (m *Metrics) fetch(site, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(site, outcome).Inc()
}

func (m *Metrics) prefetched(site, result string) {
	if m == nil {
		return
	}
	m.prefetch.WithLabelValues(site, result).Inc()
}

func (m *Metrics) sizes(site string, memEntries int, diskBytes int64) {
	if m == nil {
		return
	}
	m.memItems.WithLabelValues(site).Set(float64(memEntries))
	m.diskBytes.WithLabelValues(site).Set(float64(diskBytes))
}

// Forget drops the per-site series, used when a client is released.
func (m *Metrics) Forget(site string) {
	if m == nil {
		return
	}
	m.memItems.DeleteLabelValues(site)
	m.diskBytes.DeleteLabelValues(site)
}
