package dataplane

import (
	"encoding/binary"
	"net/netip"
)

// ICMP error synthesis: the original packet is consumed and replaced,
// in its own buffer, by the error reply addressed back to its sender.
// On any failure the caller must drop; forwarding a half-built reply
// is worse than silence.

const (
	icmpTypeDestUnreachable = 3
	icmpCodeFragNeeded      = 4
	icmpTypeTimeExceeded    = 11
	icmpCodeTTLExceeded     = 0

	// icmpQuotedL4 is how many payload bytes past the IP header the
	// reply quotes from the offending datagram (RFC 792).
	icmpQuotedL4 = 8
)

type icmpKind int

const (
	icmpTTLExceeded icmpKind = iota
	icmpTooBig
)

// synthesizeICMP turns the packet into an ICMP error reply from
// nodeIP to the packet's source. Returns false when the reply cannot
// be built; the packet is then in an undefined state and must be
// dropped.
func synthesizeICMP(p *Packet, kind icmpKind, nodeIP netip.Addr, tunnelMTU int) bool {
	eth, ok := p.Ethernet()
	if !ok {
		return false
	}
	ip, ok := p.IPv4()
	if !ok {
		return false
	}

	// Only ever respond to the first fragment; errors for the rest
	// would duplicate and confuse the sender's PMTU logic.
	if ip.FragmentOffset() != 0 {
		return false
	}
	if !nodeIP.Is4() {
		return false
	}

	ihl := ip.HeaderLen()
	quoted := ihl + icmpQuotedL4
	if len(ip) < quoted {
		// Not enough of the offender to quote.
		return false
	}

	origSrc := ip.SrcAddr()

	replyLen := EthHeaderLen + IPv4MinLen + ICMPHeaderLen + quoted
	buf := make([]byte, replyLen)

	// Ethernet: back the way it came.
	reth := EthernetView(buf[:EthHeaderLen])
	reth.SetDstMAC(eth.SrcMAC())
	reth.SetSrcMAC(eth.DstMAC())
	binary.BigEndian.PutUint16(buf[12:14], etherTypeIPv4)

	// Quote the offending header before overwriting anything.
	copy(buf[EthHeaderLen+IPv4MinLen+ICMPHeaderLen:], ip[:quoted])

	rip := IPv4View(buf[EthHeaderLen:])
	rip[0] = 0x45
	rip[1] = 0xc0 // TOS: internetwork control
	rip.SetTotalLen(uint16(IPv4MinLen + ICMPHeaderLen + quoted))
	binary.BigEndian.PutUint16(rip[4:6], 0)
	binary.BigEndian.PutUint16(rip[6:8], 0)
	rip.SetTTL(64)
	rip.SetProtocol(ProtoICMP)
	rip.SetSrcAddr(nodeIP)
	rip.SetDstAddr(origSrc)
	rip.SetChecksum(0)
	rip.SetChecksum(ipv4ComputeChecksum(rip))

	msg := buf[EthHeaderLen+IPv4MinLen:]
	icmp := ICMPView(msg)
	switch kind {
	case icmpTTLExceeded:
		icmp.SetType(icmpTypeTimeExceeded)
		icmp.SetCode(icmpCodeTTLExceeded)
		binary.BigEndian.PutUint32(msg[4:8], 0)
	case icmpTooBig:
		icmp.SetType(icmpTypeDestUnreachable)
		icmp.SetCode(icmpCodeFragNeeded)
		binary.BigEndian.PutUint16(msg[4:6], 0)
		binary.BigEndian.PutUint16(msg[6:8], uint16(tunnelMTU))
	default:
		return false
	}
	icmp.SetChecksum(0)
	icmp.SetChecksum(icmpComputeChecksum(msg))

	p.buf = buf
	return true
}
