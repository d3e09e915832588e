package dataplane

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/turnpike/internal/testutil"
)

func TestViewBounds(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		p := NewPacket(nil)
		_, ok := p.Ethernet()
		assert.False(t, ok)
		_, ok = p.IPv4()
		assert.False(t, ok)
	})

	t.Run("eth only", func(t *testing.T) {
		p := NewPacket(make([]byte, EthHeaderLen))
		_, ok := p.Ethernet()
		assert.True(t, ok)
		_, ok = p.IPv4()
		assert.False(t, ok)
	})

	t.Run("ip but no transport", func(t *testing.T) {
		frame := testutil.TCPFrame(
			netip.MustParseAddr("10.0.1.5"), netip.MustParseAddr("10.0.2.7"), 1000, 80)
		p := NewPacket(frame[:MinFrameLen])
		_, ok := p.IPv4()
		assert.True(t, ok)
		_, ok = p.TCP()
		assert.False(t, ok)
		_, ok = p.UDP()
		assert.False(t, ok)
		_, ok = p.ICMP()
		assert.False(t, ok)
	})

	t.Run("udp needs eight bytes", func(t *testing.T) {
		frame := testutil.UDPFrame(
			netip.MustParseAddr("10.0.1.5"), netip.MustParseAddr("10.0.2.7"), 1000, 53)
		p := NewPacket(frame[:MinFrameLen+7])
		_, ok := p.UDP()
		assert.False(t, ok)
		p = NewPacket(frame[:MinFrameLen+8])
		_, ok = p.UDP()
		assert.True(t, ok)
	})
}

func TestIPv4Accessors(t *testing.T) {
	src := netip.MustParseAddr("10.0.1.5")
	dst := netip.MustParseAddr("10.96.0.10")
	frame := testutil.UDPFrame(src, dst, 5000, 53, testutil.WithTTL(17), testutil.WithDontFragment())
	p := NewPacket(frame)

	ip, ok := p.IPv4()
	assert.True(t, ok)
	assert.Equal(t, src, ip.SrcAddr())
	assert.Equal(t, dst, ip.DstAddr())
	assert.Equal(t, uint8(ProtoUDP), ip.Protocol())
	assert.Equal(t, uint8(17), ip.TTL())
	assert.True(t, ip.DontFragment())
	assert.False(t, ip.MoreFragments())
	assert.Equal(t, uint16(0), ip.FragmentOffset())
	assert.Equal(t, 20, ip.HeaderLen())
	assert.Equal(t, uint16(20+8), ip.TotalLen())
}

func TestTTLExceeded(t *testing.T) {
	frame := testutil.UDPFrame(
		netip.MustParseAddr("10.0.1.5"), netip.MustParseAddr("10.0.2.7"), 1, 2)
	p := NewPacket(frame)
	ip, _ := p.IPv4()

	ip.SetTTL(2)
	assert.False(t, ip.TTLExceeded())
	ip.SetTTL(1)
	assert.True(t, ip.TTLExceeded())
	ip.SetTTL(0)
	assert.True(t, ip.TTLExceeded())
}

func TestTCPFlags(t *testing.T) {
	src := netip.MustParseAddr("10.0.1.5")
	dst := netip.MustParseAddr("10.0.2.7")

	p := NewPacket(testutil.TCPFrame(src, dst, 1000, 80))
	tcp, ok := p.TCP()
	assert.True(t, ok)
	assert.True(t, tcp.SYN())
	assert.False(t, tcp.ACK())

	p = NewPacket(testutil.TCPFrame(src, dst, 1000, 80, testutil.WithTCPFlags(0x12)))
	tcp, _ = p.TCP()
	assert.True(t, tcp.SYN())
	assert.True(t, tcp.ACK())

	p = NewPacket(testutil.TCPFrame(src, dst, 1000, 80, testutil.WithTCPFlags(0x11)))
	tcp, _ = p.TCP()
	assert.True(t, tcp.FIN())
	assert.True(t, tcp.ACK())
	assert.False(t, tcp.SYN())
}

func TestSwapMACs(t *testing.T) {
	a := [6]byte{2, 0, 0, 0, 0, 0xaa}
	b := [6]byte{2, 0, 0, 0, 0, 0xbb}
	frame := testutil.UDPFrame(
		netip.MustParseAddr("10.0.1.5"), netip.MustParseAddr("10.0.2.7"), 1, 2,
		testutil.WithMACs(a, b))
	p := NewPacket(frame)

	eth, _ := p.Ethernet()
	eth.SwapMACs()
	assert.Equal(t, a[:], eth.DstMAC())
	assert.Equal(t, b[:], eth.SrcMAC())
}

func TestDecTTLKeepsChecksumValid(t *testing.T) {
	frame := testutil.UDPFrame(
		netip.MustParseAddr("10.0.1.5"), netip.MustParseAddr("10.0.2.7"), 1, 2,
		testutil.WithTTL(64))
	p := NewPacket(frame)
	ip, _ := p.IPv4()

	ipDecTTL(ip)
	assert.Equal(t, uint8(63), ip.TTL())
	assert.True(t, testutil.ValidIPv4Checksum(p.Bytes()))
}
