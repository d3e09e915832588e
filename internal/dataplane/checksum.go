package dataplane

import (
	"encoding/binary"
	"net/netip"
)

// One's-complement checksum arithmetic (RFC 1071) plus the incremental
// update rules from RFC 1624. Header rewrites never recompute an L4
// checksum from scratch; they subtract the old bytes and add the new
// ones, matching what the surrounding dataplane does with its
// csum-replace primitives.

// checksumFold sums b into an RFC 1071 partial checksum.
func checksumFold(b []byte, initial uint32) uint16 {
	v := initial

	l := len(b)
	if l&1 != 0 {
		l--
		v += uint32(b[l]) << 8
	}
	for i := 0; i < l; i += 2 {
		v += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	return checksumCombine(uint16(v), uint16(v>>16))
}

// checksumCombine adds two partial checksums with end-around carry.
func checksumCombine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// checksumUpdate16 returns the checksum with one 16-bit field changed
// from old to new (RFC 1624 eqn. 3: HC' = ~(~HC + ~m + m')).
func checksumUpdate16(sum uint16, old, new uint16) uint16 {
	v := uint32(^sum)
	v += uint32(^old)
	v = (v & 0xffff) + (v >> 16)
	v += uint32(new)
	v = (v & 0xffff) + (v >> 16)
	return ^uint16(v + v>>16)
}

// checksumUpdate32 is checksumUpdate16 applied to both halves of a
// 32-bit field, used for address rewrites.
func checksumUpdate32(sum uint16, old, new uint32) uint16 {
	sum = checksumUpdate16(sum, uint16(old>>16), uint16(new>>16))
	return checksumUpdate16(sum, uint16(old), uint16(new))
}

func addrToU32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// ipv4UpdateChecksum applies an incremental IP header checksum fix for
// an address changed from old to new. The caller must have already
// stored the new address in the header.
func ipv4UpdateChecksum(ip IPv4View, old, new netip.Addr) {
	ip.SetChecksum(checksumUpdate32(ip.Checksum(), addrToU32(old), addrToU32(new)))
}

// ipv4ComputeChecksum recomputes the header checksum from scratch.
// Only used when a header is built fresh (encap, ICMP synthesis).
func ipv4ComputeChecksum(ip IPv4View) uint16 {
	hl := ip.HeaderLen()
	saved := ip.Checksum()
	ip.SetChecksum(0)
	sum := ^checksumFold(ip[:hl], 0)
	ip.SetChecksum(saved)
	return sum
}

// natChecksumL4 updates an L4 checksum for a NAT rewrite covering both
// the pseudo-header address change and the port change. For UDP a zero
// checksum means "not computed" and is left alone; mangling it would
// turn a legal packet into a corrupt one.
//
// Returns false if the L4 header is not within bounds, which the
// caller must treat as a checksum failure, not a silent skip.
func (p *Packet) natChecksumL4(proto uint8, oldAddr, newAddr netip.Addr, oldPort, newPort uint16) bool {
	switch proto {
	case ProtoTCP:
		tcp, ok := p.TCP()
		if !ok {
			return false
		}
		sum := tcp.Checksum()
		if oldAddr != newAddr {
			sum = checksumUpdate32(sum, addrToU32(oldAddr), addrToU32(newAddr))
		}
		if oldPort != newPort {
			sum = checksumUpdate16(sum, oldPort, newPort)
		}
		tcp.SetChecksum(sum)
	case ProtoUDP:
		udp, ok := p.UDP()
		if !ok {
			return false
		}
		if udp.Checksum() == 0 {
			return true
		}
		sum := udp.Checksum()
		if oldAddr != newAddr {
			sum = checksumUpdate32(sum, addrToU32(oldAddr), addrToU32(newAddr))
		}
		if oldPort != newPort {
			sum = checksumUpdate16(sum, oldPort, newPort)
		}
		if sum == 0 {
			// 0 is reserved for "no checksum"; the on-wire encoding
			// of a computed zero is 0xffff.
			sum = 0xffff
		}
		udp.SetChecksum(sum)
	}
	return true
}

// icmpComputeChecksum recomputes an ICMP message checksum over the
// whole ICMP payload.
func icmpComputeChecksum(msg []byte) uint16 {
	saved := binary.BigEndian.Uint16(msg[2:4])
	binary.BigEndian.PutUint16(msg[2:4], 0)
	sum := ^checksumFold(msg, 0)
	binary.BigEndian.PutUint16(msg[2:4], saved)
	return sum
}
