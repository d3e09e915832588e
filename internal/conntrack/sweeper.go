package conntrack

import (
	"context"
	"time"

	"grimm.is/turnpike/internal/logging"
)

// Timeouts controls when idle entries are expired. Pre-established TCP
// flows (no reply seen yet) age out much faster than established ones.
type Timeouts struct {
	CreationGracePeriod time.Duration

	TCPPreEstablished time.Duration
	TCPEstablished    time.Duration

	UDPLastSeen  time.Duration
	ICMPLastSeen time.Duration
}

// DefaultTimeouts returns the timeouts used when the config does not
// override them.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		CreationGracePeriod: 10 * time.Second,
		TCPPreEstablished:   20 * time.Second,
		TCPEstablished:      time.Hour,
		UDPLastSeen:         60 * time.Second,
		ICMPLastSeen:        5 * time.Second,
	}
}

// Sweeper periodically walks the table and deletes expired entries.
type Sweeper struct {
	table    *Table
	timeouts Timeouts
	interval time.Duration
	log      *logging.Logger
}

// NewSweeper creates a sweeper over the given table.
func NewSweeper(table *Table, timeouts Timeouts, interval time.Duration, log *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{table: table, timeouts: timeouts, interval: interval, log: log}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.Sweep()
			if n > 0 {
				s.log.Debug("swept conntrack entries", "expired", n)
			}
		}
	}
}

// Sweep runs one pass and returns the number of entries removed.
func (s *Sweeper) Sweep() int {
	now := s.table.clk.Now()

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	removed := 0
	for k, e := range s.table.entries {
		if now.Sub(e.created) < s.timeouts.CreationGracePeriod {
			continue
		}
		idle := now.Sub(e.lastSeen)
		var limit time.Duration
		switch k.Proto {
		case 6:
			if e.seenReply {
				limit = s.timeouts.TCPEstablished
			} else {
				limit = s.timeouts.TCPPreEstablished
			}
		case 17:
			limit = s.timeouts.UDPLastSeen
		default:
			limit = s.timeouts.ICMPLastSeen
		}
		if idle > limit {
			delete(s.table.entries, k)
			removed++
		}
	}
	return removed
}
