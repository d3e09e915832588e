// Package testutil holds shared test helpers: environment gates and
// packet builders for exercising the pipeline with realistic frames.
package testutil

import (
	"encoding/binary"
	"net/netip"
	"os"
	"testing"
)

// RequireVM skips the test if the TURNPIKE_VM_TEST environment variable
// is not set. This ensures that tests requiring real kernel
// capabilities (nftables, raw sockets) only run in the proper
// environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("TURNPIKE_VM_TEST") == "" {
		t.Skip("Skipping test: requires TURNPIKE_VM_TEST environment")
	}
}

// FrameOpt mutates a frame under construction.
type FrameOpt func(*frameSpec)

type frameSpec struct {
	srcMAC   [6]byte
	dstMAC   [6]byte
	src      netip.Addr
	dst      netip.Addr
	proto    uint8
	srcPort  uint16
	dstPort  uint16
	ttl      uint8
	tcpFlags uint8
	df       bool
	payload  []byte
}

// WithMACs sets the Ethernet addresses.
func WithMACs(src, dst [6]byte) FrameOpt {
	return func(s *frameSpec) { s.srcMAC, s.dstMAC = src, dst }
}

// WithTTL overrides the default TTL of 64.
func WithTTL(ttl uint8) FrameOpt {
	return func(s *frameSpec) { s.ttl = ttl }
}

// WithTCPFlags sets the TCP flag byte (0x02 = SYN, 0x12 = SYN|ACK).
func WithTCPFlags(flags uint8) FrameOpt {
	return func(s *frameSpec) { s.tcpFlags = flags }
}

// WithDontFragment sets the DF bit.
func WithDontFragment() FrameOpt {
	return func(s *frameSpec) { s.df = true }
}

// WithPayload appends payload bytes after the transport header.
func WithPayload(b []byte) FrameOpt {
	return func(s *frameSpec) { s.payload = b }
}

// UDPFrame builds a complete Ethernet+IPv4+UDP frame with valid
// checksums.
func UDPFrame(src, dst netip.Addr, srcPort, dstPort uint16, opts ...FrameOpt) []byte {
	s := defaultSpec(src, dst, 17, srcPort, dstPort, opts)
	frame := buildIPv4(s, 8+len(s.payload))
	transport := frame[14+20:]
	binary.BigEndian.PutUint16(transport[0:2], s.srcPort)
	binary.BigEndian.PutUint16(transport[2:4], s.dstPort)
	binary.BigEndian.PutUint16(transport[4:6], uint16(8+len(s.payload)))
	copy(transport[8:], s.payload)
	csum := transportChecksum(s, transport[:8+len(s.payload)])
	if csum == 0 {
		csum = 0xffff
	}
	binary.BigEndian.PutUint16(transport[6:8], csum)
	return frame
}

// TCPFrame builds a complete Ethernet+IPv4+TCP frame with valid
// checksums and a minimal 20-byte TCP header.
func TCPFrame(src, dst netip.Addr, srcPort, dstPort uint16, opts ...FrameOpt) []byte {
	s := defaultSpec(src, dst, 6, srcPort, dstPort, opts)
	frame := buildIPv4(s, 20+len(s.payload))
	transport := frame[14+20:]
	binary.BigEndian.PutUint16(transport[0:2], s.srcPort)
	binary.BigEndian.PutUint16(transport[2:4], s.dstPort)
	transport[12] = 5 << 4 // data offset
	transport[13] = s.tcpFlags
	binary.BigEndian.PutUint16(transport[14:16], 65535) // window
	copy(transport[20:], s.payload)
	csum := transportChecksum(s, transport[:20+len(s.payload)])
	binary.BigEndian.PutUint16(transport[16:18], csum)
	return frame
}

// ICMPEchoFrame builds an Ethernet+IPv4+ICMP echo request frame.
func ICMPEchoFrame(src, dst netip.Addr, opts ...FrameOpt) []byte {
	s := defaultSpec(src, dst, 1, 0, 0, opts)
	frame := buildIPv4(s, 8+len(s.payload))
	icmp := frame[14+20:]
	icmp[0] = 8 // echo request
	copy(icmp[8:], s.payload)
	binary.BigEndian.PutUint16(icmp[2:4], internetChecksum(icmp[:8+len(s.payload)]))
	return frame
}

func defaultSpec(src, dst netip.Addr, proto uint8, srcPort, dstPort uint16, opts []FrameOpt) *frameSpec {
	s := &frameSpec{
		srcMAC:  [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		dstMAC:  [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		src:     src,
		dst:     dst,
		proto:   proto,
		srcPort: srcPort,
		dstPort: dstPort,
		ttl:     64,
	}
	if proto == 6 {
		s.tcpFlags = 0x02 // SYN
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func buildIPv4(s *frameSpec, l4Len int) []byte {
	totalLen := 20 + l4Len
	frame := make([]byte, 14+totalLen)

	copy(frame[0:6], s.dstMAC[:])
	copy(frame[6:12], s.srcMAC[:])
	frame[12] = 0x08
	frame[13] = 0x00

	ip := frame[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	if s.df {
		ip[6] = 0x40
	}
	ip[8] = s.ttl
	ip[9] = s.proto
	srcBytes := s.src.As4()
	dstBytes := s.dst.As4()
	copy(ip[12:16], srcBytes[:])
	copy(ip[16:20], dstBytes[:])
	binary.BigEndian.PutUint16(ip[10:12], internetChecksum(ip[:20]))
	return frame
}

func transportChecksum(s *frameSpec, transport []byte) uint16 {
	pseudo := make([]byte, 12, 12+len(transport))
	srcBytes := s.src.As4()
	dstBytes := s.dst.As4()
	copy(pseudo[0:4], srcBytes[:])
	copy(pseudo[4:8], dstBytes[:])
	pseudo[9] = s.proto
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(transport)))
	pseudo = append(pseudo, transport...)
	return internetChecksum(pseudo)
}

func internetChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// ValidIPv4Checksum reports whether the IPv4 header checksum of the
// frame (starting at the Ethernet header) is correct.
func ValidIPv4Checksum(frame []byte) bool {
	if len(frame) < 34 {
		return false
	}
	ihl := int(frame[14]&0x0f) * 4
	if len(frame) < 14+ihl {
		return false
	}
	return internetChecksum(frame[14:14+ihl]) == 0
}

// ValidTransportChecksum reports whether the TCP/UDP checksum of the
// frame is correct. A UDP checksum of zero counts as valid (unset).
func ValidTransportChecksum(frame []byte) bool {
	if len(frame) < 34 {
		return false
	}
	ip := frame[14:]
	ihl := int(ip[0]&0x0f) * 4
	totalLen := int(binary.BigEndian.Uint16(ip[2:4]))
	proto := ip[9]
	if len(frame) < 14+totalLen || totalLen < ihl {
		return false
	}
	transport := ip[ihl:totalLen]
	if proto == 17 && binary.BigEndian.Uint16(transport[6:8]) == 0 {
		return true
	}

	pseudo := make([]byte, 12, 12+len(transport))
	copy(pseudo[0:4], ip[12:16])
	copy(pseudo[4:8], ip[16:20])
	pseudo[9] = proto
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(transport)))
	pseudo = append(pseudo, transport...)
	return internetChecksum(pseudo) == 0
}
