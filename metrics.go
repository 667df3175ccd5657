package fleet

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "fleet"

// Metrics holds the fleet's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Connects        prometheus.Counter
	Disconnects     prometheus.Counter
	Evictions       prometheus.Counter
	Waived          prometheus.Counter
	Inconsistencies prometheus.Counter
	Addresses       prometheus.Gauge
	Listeners       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "admission",
			Name:      "connects_total",
			Help:      "Connections reported by listeners.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "admission",
			Name:      "disconnects_total",
			Help:      "Disconnections reported by listeners.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "admission",
			Name:      "evictions_total",
			Help:      "Connections evicted for exceeding the per-address limit.",
		}),
		Waived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "admission",
			Name:      "waived_total",
			Help:      "Over-limit connections kept because the address is in an excluded subnet.",
		}),
		Inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "admission",
			Name:      "registry_inconsistencies_total",
			Help:      "Disconnects that matched no tracked connection or more than one.",
		}),
		Addresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "admission",
			Name:      "tracked_addresses",
			Help:      "Distinct client addresses with at least one live connection.",
		}),
		Listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "listeners",
			Help:      "Listeners currently owned by the fleet.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connects, m.Disconnects, m.Evictions, m.Waived,
			m.Inconsistencies, m.Addresses, m.Listeners)
	}
	return m
}

func (m *Metrics) connected(addresses int) {
	if m == nil {
		return
	}
	m.Connects.Inc()
	m.Addresses.Set(float64(addresses))
}

func (m *Metrics) disconnected(addresses int) {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
	m.Addresses.Set(float64(addresses))
}

func (m *Metrics) evicted() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) waived() {
	if m != nil {
		m.Waived.Inc()
	}
}

func (m *Metrics) inconsistent() {
	if m != nil {
		m.Inconsistencies.Inc()
	}
}

func (m *Metrics) listeners(n int) {
	if m != nil {
		m.Listeners.Set(float64(n))
	}
}
