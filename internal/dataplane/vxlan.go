package dataplane

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// vxlanOverhead is what encapsulation adds on top of the inner frame:
// outer IPv4 + UDP + VXLAN headers. The inner Ethernet header rides
// inside the tunnel too, so MTU math must count it as payload.
const vxlanOverhead = IPv4MinLen + UDPHeaderLen + VXLANLen

// VXLAN implements the overlay collaborator. The inner frame is
// carried whole (including its Ethernet header) behind an outer
// IPv4+UDP+VXLAN stack.
type VXLAN struct {
	port uint16
	vni  uint32
	// mtu is the underlay MTU the encapsulated packet must fit in.
	mtu int
}

// NewVXLAN creates the overlay codec.
func NewVXLAN(port uint16, vni uint32, mtu int) *VXLAN {
	if port == 0 {
		port = 4789
	}
	if mtu <= 0 {
		mtu = 1500
	}
	return &VXLAN{port: port, vni: vni, mtu: mtu}
}

// Port returns the overlay transport port.
func (v *VXLAN) Port() uint16 { return v.port }

// IsTunnel reports whether the packet is a VXLAN datagram addressed to
// our overlay port.
func (v *VXLAN) IsTunnel(p *Packet) bool {
	ip, ok := p.IPv4()
	if !ok || ip.Protocol() != ProtoUDP {
		return false
	}
	udp, ok := p.UDP()
	if !ok {
		return false
	}
	return udp.DstPort() == v.port
}

// Decap strips the outer Ethernet+IPv4+UDP+VXLAN headers, leaving the
// inner frame as the packet. The caller must re-derive every header
// view afterwards.
func (v *VXLAN) Decap(p *Packet) error {
	ip, ok := p.IPv4()
	if !ok {
		return fmt.Errorf("vxlan decap: outer header out of bounds")
	}
	off := EthHeaderLen + ip.HeaderLen() + UDPHeaderLen + VXLANLen
	if p.Len() < off+MinFrameLen {
		return fmt.Errorf("vxlan decap: inner frame too short")
	}
	vx := p.buf[off-VXLANLen : off]
	if vx[0]&0x08 == 0 {
		return fmt.Errorf("vxlan decap: VNI flag not set")
	}
	p.buf = p.buf[off:]
	return nil
}

// Encap wraps the current frame for overlay transport from src to
// dst. The inner frame is kept intact; all header views into it are
// invalidated.
func (v *VXLAN) Encap(p *Packet, src, dst netip.Addr) error {
	if !src.Is4() || !dst.Is4() {
		return fmt.Errorf("vxlan encap: need IPv4 endpoints")
	}
	inner := p.buf
	innerEth, ok := p.Ethernet()
	if !ok {
		return fmt.Errorf("vxlan encap: inner frame too short")
	}

	outerLen := EthHeaderLen + vxlanOverhead
	buf := make([]byte, outerLen+len(inner))
	copy(buf[outerLen:], inner)

	// Outer Ethernet: carry the inner addresses; the forwarding
	// resolver rewrites them from the FIB result anyway.
	eth := EthernetView(buf[:EthHeaderLen])
	eth.SetDstMAC(innerEth.DstMAC())
	eth.SetSrcMAC(innerEth.SrcMAC())
	binary.BigEndian.PutUint16(buf[12:14], etherTypeIPv4)

	// Outer IPv4.
	ip := IPv4View(buf[EthHeaderLen:])
	ip[0] = 0x45
	ip[1] = 0
	ip.SetTotalLen(uint16(vxlanOverhead + len(inner)))
	binary.BigEndian.PutUint16(ip[4:6], 0) // id
	binary.BigEndian.PutUint16(ip[6:8], 0) // flags+frag
	ip.SetTTL(64)
	ip.SetProtocol(ProtoUDP)
	ip.SetSrcAddr(src)
	ip.SetDstAddr(dst)
	ip.SetChecksum(0)
	ip.SetChecksum(ipv4ComputeChecksum(ip))

	// Outer UDP; zero checksum is permitted for IPv4 VXLAN.
	udp := UDPView(buf[EthHeaderLen+IPv4MinLen:])
	udp.SetSrcPort(v.sourcePort(p))
	udp.SetDstPort(v.port)
	udp.SetLength(uint16(UDPHeaderLen + VXLANLen + len(inner)))
	udp.SetChecksum(0)

	// VXLAN header: I flag + VNI.
	vx := buf[EthHeaderLen+IPv4MinLen+UDPHeaderLen:]
	vx[0] = 0x08
	vx[1], vx[2], vx[3] = 0, 0, 0
	binary.BigEndian.PutUint32(vx[4:8], v.vni<<8)

	p.buf = buf
	return nil
}

// sourcePort spreads flows across the underlay by hashing the inner
// addresses into the outer UDP source port, keeping ECMP happy.
func (v *VXLAN) sourcePort(p *Packet) uint16 {
	ip, ok := p.IPv4()
	if !ok {
		return v.port
	}
	h := addrToU32(ip.SrcAddr()) ^ addrToU32(ip.DstAddr()) ^ uint32(ip.Protocol())
	h ^= h >> 16
	return uint16(49152 + (h % 16384))
}

// InnerMTU is the largest inner IP packet that fits the underlay MTU
// after encapsulation, net of the encapsulated Ethernet header.
func (v *VXLAN) InnerMTU() int { return v.mtu - vxlanOverhead - EthHeaderLen }

// TooBig reports whether encapsulating the current frame would exceed
// the underlay MTU. p.Len() is the whole inner frame, Ethernet
// included, and all of it becomes tunnel payload.
func (v *VXLAN) TooBig(p *Packet) bool {
	return p.Len()+vxlanOverhead > v.mtu
}
