//go:build linux

package routes

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/turnpike/internal/logging"
)

// SeedFromKernel primes the FIB's neighbor and interface tables from
// the kernel via netlink. Static config still wins for route flags;
// this only fills in the link-layer material the short-circuit
// forwarding path needs.
func (f *FIB) SeedFromKernel(log *logging.Logger) error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("netlink link list: %w", err)
	}
	for _, l := range links {
		attrs := l.Attrs()
		if len(attrs.HardwareAddr) != 6 {
			continue
		}
		var mac [6]byte
		copy(mac[:], attrs.HardwareAddr)
		f.SetIfaceMAC(attrs.Index, mac)
	}

	neighs, err := netlink.NeighList(0, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("netlink neigh list: %w", err)
	}
	seeded := 0
	for _, n := range neighs {
		if n.State&(unix.NUD_REACHABLE|unix.NUD_PERMANENT|unix.NUD_STALE) == 0 {
			continue
		}
		if len(n.HardwareAddr) != 6 {
			continue
		}
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok || !addr.Is4() {
			continue
		}
		var mac [6]byte
		copy(mac[:], n.HardwareAddr)
		f.AddNeighbor(addr, mac, n.LinkIndex)
		seeded++
	}
	log.Debug("seeded FIB from kernel", "links", len(links), "neighbors", seeded)
	return nil
}

// SeedRoutesFromKernel imports kernel unicast routes into the route
// table with no endpoint flags set. Managed prefixes from the config
// overwrite these afterwards.
func SeedRoutesFromKernel(table *Table, log *logging.Logger) error {
	rts, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("netlink route list: %w", err)
	}
	imported := 0
	for _, r := range rts {
		if r.Dst == nil {
			continue
		}
		pfx, err := netip.ParsePrefix(r.Dst.String())
		if err != nil {
			continue
		}
		var nh netip.Addr
		if r.Gw != nil {
			if a, ok := netip.AddrFromSlice(r.Gw); ok {
				nh = a
			}
		}
		table.Add(Entry{Prefix: pfx, NextHop: nh, IfIndex: r.LinkIndex})
		imported++
	}
	log.Debug("imported kernel routes", "count", imported)
	return nil
}
