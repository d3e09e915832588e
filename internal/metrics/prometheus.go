// Package metrics holds the Prometheus instrumentation for the
// forwarding pipeline and its collaborators, plus the /metrics
// listener and the interface statistics collector.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all pipeline metrics.
type Registry struct {
	// Pipeline verdicts
	PacketsTotal *prometheus.CounterVec
	DropsTotal   *prometheus.CounterVec
	Latency      *prometheus.HistogramVec

	// Connection tracking
	ConntrackEntries prometheus.Gauge
	ConntrackLookups prometheus.Counter
	ConntrackHits    prometheus.Counter
	ConntrackSwept   prometheus.Counter

	// NAT
	NATFrontends prometheus.Gauge

	// Tunnel
	DecapTotal prometheus.Counter
	EncapTotal prometheus.Counter

	// ICMP responses generated by the pipeline itself
	ICMPGenerated *prometheus.CounterVec

	// FIB forwarding
	FIBForwards  prometheus.Counter
	FIBFallbacks prometheus.Counter

	// Interface counters mirrored from the kernel
	InterfaceRxBytes   *prometheus.GaugeVec
	InterfaceTxBytes   *prometheus.GaugeVec
	InterfaceRxPackets *prometheus.GaugeVec
	InterfaceTxPackets *prometheus.GaugeVec
	InterfaceErrors    *prometheus.GaugeVec

	// System
	Uptime       prometheus.Gauge
	ConfigReload *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnpike_packets_total",
		Help: "Total packets processed, by hook and final action",
	}, []string{"hook", "action"})

	r.DropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnpike_drops_total",
		Help: "Total packets dropped, by hook and reason",
	}, []string{"hook", "reason"})

	r.Latency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "turnpike_packet_duration_seconds",
		Help:    "Per-packet decision latency",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
	}, []string{"hook"})

	r.ConntrackEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turnpike_conntrack_entries",
		Help: "Current number of connection tracking entries",
	})

	r.ConntrackLookups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnpike_conntrack_lookups_total",
		Help: "Total connection tracking lookups",
	})

	r.ConntrackHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnpike_conntrack_hits_total",
		Help: "Connection tracking lookups that matched an entry",
	})

	r.ConntrackSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnpike_conntrack_swept_total",
		Help: "Entries removed by the expiry sweeper",
	})

	r.NATFrontends = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turnpike_nat_frontends",
		Help: "Number of service frontends in the NAT table",
	})

	r.DecapTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnpike_vxlan_decap_total",
		Help: "Packets decapsulated from the overlay",
	})

	r.EncapTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnpike_vxlan_encap_total",
		Help: "Packets encapsulated for the overlay",
	})

	r.ICMPGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnpike_icmp_generated_total",
		Help: "ICMP errors synthesized by the pipeline",
	}, []string{"type"})

	r.FIBForwards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnpike_fib_forwards_total",
		Help: "Packets forwarded directly via FIB lookup",
	})

	r.FIBFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "turnpike_fib_fallbacks_total",
		Help: "Accepted packets handed to the stack because FIB lookup could not",
	})

	r.InterfaceRxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "turnpike_interface_rx_bytes",
		Help: "Received bytes per interface",
	}, []string{"interface"})

	r.InterfaceTxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "turnpike_interface_tx_bytes",
		Help: "Transmitted bytes per interface",
	}, []string{"interface"})

	r.InterfaceRxPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "turnpike_interface_rx_packets",
		Help: "Received packets per interface",
	}, []string{"interface"})

	r.InterfaceTxPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "turnpike_interface_tx_packets",
		Help: "Transmitted packets per interface",
	}, []string{"interface"})

	r.InterfaceErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "turnpike_interface_errors",
		Help: "Interface errors",
	}, []string{"interface", "type"})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "turnpike_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	r.ConfigReload = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "turnpike_config_reloads_total",
		Help: "Total configuration reloads",
	}, []string{"status"})

	return r
}

// RecordVerdict records one pipeline decision.
func (r *Registry) RecordVerdict(hook, action, reason string, seconds float64) {
	r.PacketsTotal.WithLabelValues(hook, action).Inc()
	if action == "drop" {
		r.DropsTotal.WithLabelValues(hook, reason).Inc()
	}
	r.Latency.WithLabelValues(hook).Observe(seconds)
}

// UpdateConntrack updates the connection tracking entry gauge.
func (r *Registry) UpdateConntrack(entries int) {
	r.ConntrackEntries.Set(float64(entries))
}
