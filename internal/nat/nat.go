// Package nat holds the destination NAT frontend table: service
// addresses that new connections should be translated to a backend
// for. Persistence of the chosen translation is conntrack's job; this
// table is only consulted for the first packet of a flow.
package nat

import (
	"net/netip"
	"sync"
)

// Destination is the translation target for a frontend.
type Destination struct {
	Addr netip.Addr
	Port uint16
}

type frontendKey struct {
	addr      netip.Addr
	proto     uint8
	port      uint16
	viaTunnel bool
}

// Table maps (frontend addr, proto, port, via-tunnel) to a backend.
// Read-mostly: the control plane replaces mappings wholesale, the
// pipeline only reads.
type Table struct {
	mu        sync.RWMutex
	frontends map[frontendKey]Destination
}

// New creates an empty table.
func New() *Table {
	return &Table{frontends: make(map[frontendKey]Destination)}
}

// Add installs a frontend mapping. A mapping added with viaTunnel
// false also answers tunnel-side lookups unless a tunnel-specific
// mapping shadows it.
func (t *Table) Add(addr netip.Addr, proto uint8, port uint16, viaTunnel bool, dest Destination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frontends[frontendKey{addr, proto, port, viaTunnel}] = dest
}

// Remove deletes a frontend mapping.
func (t *Table) Remove(addr netip.Addr, proto uint8, port uint16, viaTunnel bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.frontends, frontendKey{addr, proto, port, viaTunnel})
}

// Resolve returns the backend for the given frontend, if any. A miss
// means no translation is required for this flow.
func (t *Table) Resolve(addr netip.Addr, proto uint8, port uint16, viaTunnel bool) (Destination, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if d, ok := t.frontends[frontendKey{addr, proto, port, viaTunnel}]; ok {
		return d, true
	}
	if viaTunnel {
		if d, ok := t.frontends[frontendKey{addr, proto, port, false}]; ok {
			return d, true
		}
	}
	return Destination{}, false
}

// Len returns the number of frontends, for metrics.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frontends)
}
