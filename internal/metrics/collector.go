package metrics

import (
	"context"
	"time"

	"grimm.is/turnpike/internal/clock"
	"grimm.is/turnpike/internal/logging"
)

// Sources is the set of hooks the collector polls. Nil fields are
// skipped, so callers wire up only what they run.
type Sources struct {
	ConntrackLen   func() int
	ConntrackStats func() (lookups, hits uint64)
	NATLen         func() int
	Interfaces     []string
}

// Collector periodically mirrors table sizes and kernel interface
// counters into the Prometheus registry.
type Collector struct {
	registry *Registry
	sources  Sources
	logger   *logging.Logger
	interval time.Duration
	clk      clock.Clock
	started  time.Time

	// Counter metrics need deltas; remember the last raw values.
	lastLookups uint64
	lastHits    uint64

	ifstats ifStatsReader
}

// NewCollector creates a collector with the given poll interval.
func NewCollector(sources Sources, interval time.Duration, logger *logging.Logger) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		registry: Get(),
		sources:  sources,
		logger:   logger.WithComponent("metrics"),
		interval: interval,
		clk:      &clock.RealClock{},
	}
}

// Run polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.started = c.clk.Now()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	r := c.registry

	r.Uptime.Set(c.clk.Since(c.started).Seconds())

	if c.sources.ConntrackLen != nil {
		r.UpdateConntrack(c.sources.ConntrackLen())
	}
	if c.sources.ConntrackStats != nil {
		lookups, hits := c.sources.ConntrackStats()
		if lookups >= c.lastLookups {
			r.ConntrackLookups.Add(float64(lookups - c.lastLookups))
		}
		if hits >= c.lastHits {
			r.ConntrackHits.Add(float64(hits - c.lastHits))
		}
		c.lastLookups = lookups
		c.lastHits = hits
	}
	if c.sources.NATLen != nil {
		r.NATFrontends.Set(float64(c.sources.NATLen()))
	}

	for _, ifname := range c.sources.Interfaces {
		stats, err := c.readIfStats(ifname)
		if err != nil {
			c.logger.Debug("interface stats unavailable", "interface", ifname, "error", err)
			continue
		}
		r.InterfaceRxBytes.WithLabelValues(ifname).Set(float64(stats.RxBytes))
		r.InterfaceTxBytes.WithLabelValues(ifname).Set(float64(stats.TxBytes))
		r.InterfaceRxPackets.WithLabelValues(ifname).Set(float64(stats.RxPackets))
		r.InterfaceTxPackets.WithLabelValues(ifname).Set(float64(stats.TxPackets))
		r.InterfaceErrors.WithLabelValues(ifname, "rx").Set(float64(stats.RxErrors))
		r.InterfaceErrors.WithLabelValues(ifname, "tx").Set(float64(stats.TxErrors))
	}
}

// InterfaceStats holds per-interface traffic counters.
type InterfaceStats struct {
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
	RxErrors  uint64
	TxErrors  uint64
}

type ifStatsReader interface {
	Read(ifname string) (*InterfaceStats, error)
	Close()
}

func (c *Collector) readIfStats(ifname string) (*InterfaceStats, error) {
	if c.ifstats == nil {
		r, err := newIfStatsReader()
		if err != nil {
			return nil, err
		}
		c.ifstats = r
	}
	return c.ifstats.Read(ifname)
}

// Close releases any kernel handles held by the collector.
func (c *Collector) Close() {
	if c.ifstats != nil {
		c.ifstats.Close()
		c.ifstats = nil
	}
}
