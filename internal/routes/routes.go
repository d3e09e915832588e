// Package routes implements the routing side of the pipeline: a
// longest-prefix-match table of endpoint routes with the flags the
// forwarding decisions hinge on, and a FIB resolver that turns an
// admitted packet into a next-hop interface and link-layer addresses.
package routes

import (
	"net/netip"
	"sync"
)

// Flags describe what a prefix is, from this node's point of view.
type Flags uint32

const (
	// FlagLocal means the prefix terminates on this node.
	FlagLocal Flags = 1 << iota
	// FlagHost marks a node address (this node or a peer).
	FlagHost
	// FlagWorkload marks a workload endpoint address.
	FlagWorkload
	// FlagInPool marks an address inside a managed address pool.
	FlagInPool
	// FlagNATOut means traffic sourced here needs outgoing NAT when
	// it leaves the managed pools.
	FlagNATOut
)

// IsLocalHost reports a local node address.
func (f Flags) IsLocalHost() bool { return f&(FlagLocal|FlagHost) == FlagLocal|FlagHost }

// IsLocalWorkload reports a workload hosted on this node.
func (f Flags) IsLocalWorkload() bool { return f&(FlagLocal|FlagWorkload) == FlagLocal|FlagWorkload }

// IsLocal reports whether the destination terminates on this node.
func (f Flags) IsLocal() bool { return f&FlagLocal != 0 }

// Entry is one route. Consulted, never mutated, by the pipeline.
type Entry struct {
	Prefix  netip.Prefix
	Flags   Flags
	NextHop netip.Addr
	IfIndex int
}

// Table is a longest-prefix-match route table. Read-mostly; the
// control plane replaces entries, per-packet lookups only read.
type Table struct {
	mu sync.RWMutex
	// byLen[n] holds entries with prefix length n, keyed by the
	// masked address. 33 buckets walked from most to least specific;
	// bounded work per lookup.
	byLen [33]map[netip.Addr]Entry
	count int
}

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{}
}

// Add installs a route, replacing any previous route for the same
// prefix.
func (t *Table) Add(e Entry) {
	p := e.Prefix.Masked()
	e.Prefix = p
	t.mu.Lock()
	defer t.mu.Unlock()
	n := p.Bits()
	if t.byLen[n] == nil {
		t.byLen[n] = make(map[netip.Addr]Entry)
	}
	if _, exists := t.byLen[n][p.Addr()]; !exists {
		t.count++
	}
	t.byLen[n][p.Addr()] = e
}

// Remove deletes the route for the given prefix.
func (t *Table) Remove(p netip.Prefix) {
	p = p.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := p.Bits()
	if t.byLen[n] == nil {
		return
	}
	if _, exists := t.byLen[n][p.Addr()]; exists {
		delete(t.byLen[n], p.Addr())
		t.count--
	}
}

// Lookup returns the most specific route covering addr.
func (t *Table) Lookup(addr netip.Addr) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for n := 32; n >= 0; n-- {
		bucket := t.byLen[n]
		if len(bucket) == 0 {
			continue
		}
		p, err := addr.Prefix(n)
		if err != nil {
			continue
		}
		if e, ok := bucket[p.Addr()]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// LookupFlags returns the flags for addr, or zero if no route covers
// it.
func (t *Table) LookupFlags(addr netip.Addr) Flags {
	e, ok := t.Lookup(addr)
	if !ok {
		return 0
	}
	return e.Flags
}

// Len returns the number of routes, for metrics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}
