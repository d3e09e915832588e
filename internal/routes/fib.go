package routes

import (
	"errors"
	"net/netip"
	"sync"
)

// FIBRequest carries the fields a forwarding lookup keys on.
type FIBRequest struct {
	Proto     uint8
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	IfIndex   int
	TotalLen  uint16
	OutputKey bool // lookup for locally-originated traffic (synthesized replies)
}

// Hop is a successful FIB resolution: where the frame goes next and
// what link-layer addresses it must carry.
type Hop struct {
	SrcMAC  [6]byte
	DstMAC  [6]byte
	IfIndex int
}

// ErrNoRoute means the FIB has no usable path; the caller should fall
// back to the regular IP stack, not drop.
var ErrNoRoute = errors.New("no route")

// errBadInput mirrors a malformed lookup (unspecified addresses); also
// a stack fallback, never a drop.
var errBadInput = errors.New("bad fib input")

// FIB resolves next hops for the short-circuit forwarding path. The
// static implementation is fed by the control plane (and, on Linux,
// seeded from the kernel via netlink, see fib_linux.go).
type FIB struct {
	table *Table

	mu        sync.RWMutex
	neighbors map[netip.Addr]Hop
	ifaceMAC  map[int][6]byte
}

// NewFIB creates a FIB over the given route table.
func NewFIB(table *Table) *FIB {
	return &FIB{
		table:     table,
		neighbors: make(map[netip.Addr]Hop),
		ifaceMAC:  make(map[int][6]byte),
	}
}

// AddNeighbor records the link-layer address and interface for a
// next-hop (or directly attached) address.
func (f *FIB) AddNeighbor(addr netip.Addr, mac [6]byte, ifindex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neighbors[addr] = Hop{DstMAC: mac, IfIndex: ifindex}
}

// SetIfaceMAC records the source MAC to use when emitting out the
// given interface.
func (f *FIB) SetIfaceMAC(ifindex int, mac [6]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifaceMAC[ifindex] = mac
}

// Lookup resolves req to a next hop. ErrNoRoute and bad input both
// mean "let the stack forward it"; only a resolved hop short-circuits.
func (f *FIB) Lookup(req FIBRequest) (Hop, error) {
	if !req.Dst.IsValid() || req.Dst.IsUnspecified() {
		return Hop{}, errBadInput
	}

	rt, ok := f.table.Lookup(req.Dst)
	if !ok {
		return Hop{}, ErrNoRoute
	}

	// Next hop is the gateway if the route has one, the destination
	// itself when directly attached.
	nh := rt.NextHop
	if !nh.IsValid() || nh.IsUnspecified() {
		nh = req.Dst
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	hop, ok := f.neighbors[nh]
	if !ok {
		return Hop{}, ErrNoRoute
	}
	if rt.IfIndex != 0 {
		hop.IfIndex = rt.IfIndex
	}
	if smac, ok := f.ifaceMAC[hop.IfIndex]; ok {
		hop.SrcMAC = smac
	}
	return hop, nil
}
