// Package conntrack implements the connection tracking table consulted
// by the forwarding pipeline. Entries come in two shapes: plain entries
// for untranslated flows and forward/reverse pairs for DNATed flows, so
// that return traffic can be reverse-translated without re-running
// policy or the NAT resolver.
package conntrack

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"grimm.is/turnpike/internal/clock"
)

// Code classifies a lookup result for the pipeline.
type Code int

const (
	// New means no entry matched and the flow may be admitted via
	// policy evaluation.
	New Code = iota
	// Established matches an existing untranslated flow.
	Established
	// EstablishedSNAT matches the return direction of a translated
	// flow; the source must be rewritten back to the original
	// destination.
	EstablishedSNAT
	// EstablishedDNAT matches the forward direction of a translated
	// flow; the destination must be rewritten to the backend.
	EstablishedDNAT
	// EstablishedBypass matches a flow already vetted in both
	// directions; downstream hooks can skip it entirely.
	EstablishedBypass
	// Invalid means the packet cannot belong to a trackable flow
	// (e.g. mid-stream TCP with no entry).
	Invalid
)

func (c Code) String() string {
	switch c {
	case New:
		return "new"
	case Established:
		return "established"
	case EstablishedSNAT:
		return "established-snat"
	case EstablishedDNAT:
		return "established-dnat"
	case EstablishedBypass:
		return "established-bypass"
	case Invalid:
		return "invalid"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Flags carried on an entry and reflected into lookup results.
type Flags uint8

const (
	// FlagNATOut marks a connection whose outbound packets need
	// source NAT applied by a downstream hook.
	FlagNATOut Flags = 1 << iota
)

// Key identifies one direction of a flow.
type Key struct {
	Proto   uint8
	Src     netip.Addr
	SrcPort uint16
	Dst     netip.Addr
	DstPort uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%d %s:%d->%s:%d", k.Proto, k.Src, k.SrcPort, k.Dst, k.DstPort)
}

// reversed returns the key for the opposite direction.
func (k Key) reversed() Key {
	return Key{Proto: k.Proto, Src: k.Dst, SrcPort: k.DstPort, Dst: k.Src, DstPort: k.SrcPort}
}

// Result is what the pipeline gets back from a lookup.
type Result struct {
	Code    Code
	Flags   Flags
	NATAddr netip.Addr
	NATPort uint16
	// TunnelReturnAddr is set on the return path of a flow that
	// arrived through the overlay; replies must be re-encapsulated
	// back to this address.
	TunnelReturnAddr netip.Addr
}

type entryKind int

const (
	kindNormal entryKind = iota
	kindNATForward
	kindNATReverse
)

type entry struct {
	kind    entryKind
	flags   Flags
	created time.Time
	// lastSeen is bumped on every lookup hit.
	lastSeen time.Time
	// seenReply is set once traffic matched the reverse direction,
	// upgrading Established to EstablishedBypass.
	seenReply bool

	// For kindNATForward: the translated destination.
	natDst     netip.Addr
	natDstPort uint16
	// For kindNATReverse: the original (pre-DNAT) destination that
	// replies must be rewritten back to.
	origDst     netip.Addr
	origDstPort uint16

	// tunnelSrc is the overlay source the forward packet arrived
	// from, if any.
	tunnelSrc netip.Addr
}

// NewConn describes the flow an accepted packet belongs to, as the
// pipeline wants it recorded. Dst/DstPort are post-translation.
type NewConn struct {
	Proto   uint8
	Src     netip.Addr
	SrcPort uint16
	Dst     netip.Addr
	DstPort uint16

	// OrigDst/OrigDstPort are the pre-translation destination; only
	// meaningful when NATEstablished is set.
	OrigDst     netip.Addr
	OrigDstPort uint16

	TunnelSrc netip.Addr
	Flags     Flags
}

// Table is the in-process conntrack table. Lookups mutate entry
// timestamps and so take the write lock; creates are idempotent upserts
// so concurrent workers admitting the same flow are benign.
type Table struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	clk     clock.Clock

	lookups uint64
	hits    uint64
}

// NewTable creates an empty table.
func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Table{
		entries: make(map[Key]*entry),
		clk:     clk,
	}
}

// Len returns the number of entries, for metrics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Lookup classifies the packet described by key. tcpSYN must be true
// for TCP packets carrying a bare SYN; a TCP packet with no entry and
// no SYN cannot start a flow and is reported Invalid.
func (t *Table) Lookup(key Key, tcpSYN bool) Result {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lookups++

	if e, ok := t.entries[key]; ok {
		t.hits++
		e.lastSeen = now
		switch e.kind {
		case kindNATForward:
			return Result{
				Code:             EstablishedDNAT,
				Flags:            e.flags,
				NATAddr:          e.natDst,
				NATPort:          e.natDstPort,
				TunnelReturnAddr: e.tunnelSrc,
			}
		case kindNATReverse:
			// Forward direction hitting the reverse entry directly:
			// the packet is already addressed to the backend.
			return Result{Code: Established, Flags: e.flags}
		default:
			code := Established
			if e.seenReply {
				code = EstablishedBypass
			}
			return Result{Code: code, Flags: e.flags}
		}
	}

	if e, ok := t.entries[key.reversed()]; ok {
		t.hits++
		e.lastSeen = now
		e.seenReply = true
		switch e.kind {
		case kindNATReverse:
			return Result{
				Code:             EstablishedSNAT,
				Flags:            e.flags,
				NATAddr:          e.origDst,
				NATPort:          e.origDstPort,
				TunnelReturnAddr: e.tunnelSrc,
			}
		case kindNATForward:
			// Replies to the pre-translation address; nothing to
			// rewrite here, the reverse entry covers the real flow.
			return Result{Code: Established, Flags: e.flags}
		default:
			return Result{Code: Established, Flags: e.flags}
		}
	}

	if key.Proto == 6 && !tcpSYN {
		return Result{Code: Invalid}
	}
	return Result{Code: New}
}

// Create records the flow. With natEstablished it writes the
// forward/reverse pair for a translated flow, otherwise a single plain
// entry. Existing entries are overwritten in place; duplicate creates
// from concurrent workers are last-writer-wins by design.
func (t *Table) Create(c NewConn, natEstablished bool) {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !natEstablished {
		t.entries[Key{Proto: c.Proto, Src: c.Src, SrcPort: c.SrcPort, Dst: c.Dst, DstPort: c.DstPort}] = &entry{
			kind:      kindNormal,
			flags:     c.Flags,
			created:   now,
			lastSeen:  now,
			tunnelSrc: c.TunnelSrc,
		}
		return
	}

	// Forward entry keyed by the pre-translation tuple, pointing at
	// the backend.
	t.entries[Key{Proto: c.Proto, Src: c.Src, SrcPort: c.SrcPort, Dst: c.OrigDst, DstPort: c.OrigDstPort}] = &entry{
		kind:       kindNATForward,
		flags:      c.Flags,
		created:    now,
		lastSeen:   now,
		natDst:     c.Dst,
		natDstPort: c.DstPort,
		tunnelSrc:  c.TunnelSrc,
	}
	// Reverse entry keyed by the post-translation tuple, remembering
	// the original destination for reply rewriting.
	t.entries[Key{Proto: c.Proto, Src: c.Src, SrcPort: c.SrcPort, Dst: c.Dst, DstPort: c.DstPort}] = &entry{
		kind:        kindNATReverse,
		flags:       c.Flags,
		created:     now,
		lastSeen:    now,
		origDst:     c.OrigDst,
		origDstPort: c.OrigDstPort,
		tunnelSrc:   c.TunnelSrc,
	}
}

// Stats reports lookup counters for metrics scraping.
func (t *Table) Stats() (lookups, hits uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookups, t.hits
}
