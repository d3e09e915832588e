package dataplane

import (
	"encoding/binary"
	"net/netip"
)

// Header sizes and offsets for the frame layouts the pipeline understands.
const (
	EthHeaderLen  = 14
	IPv4MinLen    = 20
	UDPHeaderLen  = 8
	TCPMinLen     = 20
	ICMPHeaderLen = 8
	VXLANLen      = 8

	// MinFrameLen is the smallest frame the pipeline will look at:
	// Ethernet plus a minimal IPv4 header.
	MinFrameLen = EthHeaderLen + IPv4MinLen

	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806
	etherTypeIPv6 = 0x86dd
)

// IP protocol numbers.
const (
	ProtoICMP = 1
	ProtoIPIP = 4
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// Packet is an owned, mutable frame buffer. The pipeline mutates it in
// place; the views below are windows into the buffer, not copies, and
// must be re-derived after any operation that moves bytes around
// (decap, encap, ICMP synthesis).
type Packet struct {
	buf []byte

	// GSO marks the packet as a software-segmented aggregate. Such
	// packets are exempt from tunnel MTU checks since they are split
	// before hitting the wire.
	GSO bool
}

// NewPacket wraps a frame. The packet takes ownership of the slice.
func NewPacket(frame []byte) *Packet {
	return &Packet{buf: frame}
}

// Bytes returns the current frame contents.
func (p *Packet) Bytes() []byte { return p.buf }

// Len returns the current frame length.
func (p *Packet) Len() int { return len(p.buf) }

// Ethernet returns the Ethernet header view, re-checking bounds.
func (p *Packet) Ethernet() (EthernetView, bool) {
	if len(p.buf) < EthHeaderLen {
		return nil, false
	}
	return EthernetView(p.buf[:EthHeaderLen]), true
}

// IPv4 returns the IPv4 header view. It validates only the fixed
// Ethernet+IPv4 minimum; callers accessing L4 headers must use the L4
// accessors which re-validate for their own sizes.
func (p *Packet) IPv4() (IPv4View, bool) {
	if len(p.buf) < MinFrameLen {
		return nil, false
	}
	return IPv4View(p.buf[EthHeaderLen:]), true
}

// l4Offset returns the offset of the L4 header or -1 if the IP header
// itself is not within bounds.
func (p *Packet) l4Offset() int {
	ip, ok := p.IPv4()
	if !ok {
		return -1
	}
	return EthHeaderLen + ip.HeaderLen()
}

// TCP returns the TCP header view, validating the full fixed TCP header
// is present. Earlier IPv4 validation does not cover this.
func (p *Packet) TCP() (TCPView, bool) {
	off := p.l4Offset()
	if off < 0 || len(p.buf) < off+TCPMinLen {
		return nil, false
	}
	return TCPView(p.buf[off:]), true
}

// UDP returns the UDP header view, validating its own length.
func (p *Packet) UDP() (UDPView, bool) {
	off := p.l4Offset()
	if off < 0 || len(p.buf) < off+UDPHeaderLen {
		return nil, false
	}
	return UDPView(p.buf[off:]), true
}

// ICMP returns the ICMP header view, validating its own length.
func (p *Packet) ICMP() (ICMPView, bool) {
	off := p.l4Offset()
	if off < 0 || len(p.buf) < off+ICMPHeaderLen {
		return nil, false
	}
	return ICMPView(p.buf[off:]), true
}

// EthernetView is a window over an Ethernet header.
type EthernetView []byte

func (e EthernetView) DstMAC() []byte { return e[0:6] }
func (e EthernetView) SrcMAC() []byte { return e[6:12] }

func (e EthernetView) EtherType() uint16 {
	return binary.BigEndian.Uint16(e[12:14])
}

func (e EthernetView) SetDstMAC(mac []byte) { copy(e[0:6], mac[:6]) }
func (e EthernetView) SetSrcMAC(mac []byte) { copy(e[6:12], mac[:6]) }

// SwapMACs exchanges the source and destination addresses, used when a
// packet is bounced back out its ingress interface.
func (e EthernetView) SwapMACs() {
	var tmp [6]byte
	copy(tmp[:], e.DstMAC())
	copy(e.DstMAC(), e.SrcMAC())
	copy(e.SrcMAC(), tmp[:])
}

// IPv4View is a window over an IPv4 header (and the rest of the
// packet following it).
type IPv4View []byte

func (ip IPv4View) HeaderLen() int      { return int(ip[0]&0x0f) * 4 }
func (ip IPv4View) TotalLen() uint16    { return binary.BigEndian.Uint16(ip[2:4]) }
func (ip IPv4View) TTL() uint8          { return ip[8] }
func (ip IPv4View) Protocol() uint8     { return ip[9] }
func (ip IPv4View) Checksum() uint16    { return binary.BigEndian.Uint16(ip[10:12]) }
func (ip IPv4View) SrcAddr() netip.Addr { return netip.AddrFrom4([4]byte(ip[12:16])) }
func (ip IPv4View) DstAddr() netip.Addr { return netip.AddrFrom4([4]byte(ip[16:20])) }

func (ip IPv4View) SetTotalLen(v uint16) { binary.BigEndian.PutUint16(ip[2:4], v) }
func (ip IPv4View) SetTTL(v uint8)       { ip[8] = v }
func (ip IPv4View) SetProtocol(v uint8)  { ip[9] = v }
func (ip IPv4View) SetChecksum(v uint16) { binary.BigEndian.PutUint16(ip[10:12], v) }

func (ip IPv4View) SetSrcAddr(a netip.Addr) {
	b := a.As4()
	copy(ip[12:16], b[:])
}

func (ip IPv4View) SetDstAddr(a netip.Addr) {
	b := a.As4()
	copy(ip[16:20], b[:])
}

// DontFragment reports whether the DF bit is set.
func (ip IPv4View) DontFragment() bool { return ip[6]&0x40 != 0 }

// FragmentOffset returns the fragment offset in 8-byte units.
func (ip IPv4View) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(ip[6:8]) & 0x1fff
}

// MoreFragments reports whether the MF bit is set.
func (ip IPv4View) MoreFragments() bool { return ip[6]&0x20 != 0 }

// TTLExceeded reports whether the packet must not be forwarded any
// further by a path that bypasses the IP stack.
func (ip IPv4View) TTLExceeded() bool { return ip.TTL() <= 1 }

// TCPView is a window over a TCP header.
type TCPView []byte

func (t TCPView) SrcPort() uint16  { return binary.BigEndian.Uint16(t[0:2]) }
func (t TCPView) DstPort() uint16  { return binary.BigEndian.Uint16(t[2:4]) }
func (t TCPView) Checksum() uint16 { return binary.BigEndian.Uint16(t[16:18]) }
func (t TCPView) SYN() bool        { return t[13]&0x02 != 0 }
func (t TCPView) ACK() bool        { return t[13]&0x10 != 0 }
func (t TCPView) FIN() bool        { return t[13]&0x01 != 0 }
func (t TCPView) RST() bool        { return t[13]&0x04 != 0 }

func (t TCPView) SetSrcPort(v uint16)  { binary.BigEndian.PutUint16(t[0:2], v) }
func (t TCPView) SetDstPort(v uint16)  { binary.BigEndian.PutUint16(t[2:4], v) }
func (t TCPView) SetChecksum(v uint16) { binary.BigEndian.PutUint16(t[16:18], v) }

// UDPView is a window over a UDP header.
type UDPView []byte

func (u UDPView) SrcPort() uint16  { return binary.BigEndian.Uint16(u[0:2]) }
func (u UDPView) DstPort() uint16  { return binary.BigEndian.Uint16(u[2:4]) }
func (u UDPView) Length() uint16   { return binary.BigEndian.Uint16(u[4:6]) }
func (u UDPView) Checksum() uint16 { return binary.BigEndian.Uint16(u[6:8]) }

func (u UDPView) SetSrcPort(v uint16)  { binary.BigEndian.PutUint16(u[0:2], v) }
func (u UDPView) SetDstPort(v uint16)  { binary.BigEndian.PutUint16(u[2:4], v) }
func (u UDPView) SetLength(v uint16)   { binary.BigEndian.PutUint16(u[4:6], v) }
func (u UDPView) SetChecksum(v uint16) { binary.BigEndian.PutUint16(u[6:8], v) }

// ICMPView is a window over an ICMP header.
type ICMPView []byte

func (i ICMPView) Type() uint8      { return i[0] }
func (i ICMPView) Code() uint8      { return i[1] }
func (i ICMPView) Checksum() uint16 { return binary.BigEndian.Uint16(i[2:4]) }

func (i ICMPView) SetType(v uint8)      { i[0] = v }
func (i ICMPView) SetCode(v uint8)      { i[1] = v }
func (i ICMPView) SetChecksum(v uint16) { binary.BigEndian.PutUint16(i[2:4], v) }
