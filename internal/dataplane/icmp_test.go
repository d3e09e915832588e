package dataplane

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/turnpike/internal/testutil"
)

func TestSynthesizeTTLExceeded(t *testing.T) {
	node := netip.MustParseAddr("10.0.0.1")
	client := netip.MustParseAddr("10.0.1.5")
	dst := netip.MustParseAddr("10.96.0.10")

	frame := testutil.UDPFrame(client, dst, 5000, 53, testutil.WithTTL(1))
	orig := append([]byte(nil), frame...)
	p := NewPacket(frame)

	require.True(t, synthesizeICMP(p, icmpTTLExceeded, node, 1414))

	ip, ok := p.IPv4()
	require.True(t, ok)
	assert.Equal(t, node, ip.SrcAddr())
	assert.Equal(t, client, ip.DstAddr())
	assert.Equal(t, uint8(ProtoICMP), ip.Protocol())
	assert.True(t, testutil.ValidIPv4Checksum(p.Bytes()))

	icmp, ok := p.ICMP()
	require.True(t, ok)
	assert.Equal(t, uint8(icmpTypeTimeExceeded), icmp.Type())
	assert.Equal(t, uint8(icmpCodeTTLExceeded), icmp.Code())

	// The reply quotes the offending IP header plus eight payload
	// bytes, verbatim.
	quoted := p.Bytes()[EthHeaderLen+IPv4MinLen+ICMPHeaderLen:]
	assert.Equal(t, orig[EthHeaderLen:EthHeaderLen+IPv4MinLen+icmpQuotedL4], quoted)

	// Whole-message ICMP checksum must verify.
	msg := p.Bytes()[EthHeaderLen+IPv4MinLen:]
	assert.Equal(t, icmp.Checksum(), icmpComputeChecksum(msg))

	// Ethernet addresses reversed so the reply can bounce straight
	// back out the ingress port.
	eth, _ := p.Ethernet()
	assert.Equal(t, orig[6:12], []byte(eth.DstMAC()))
	assert.Equal(t, orig[0:6], []byte(eth.SrcMAC()))
}

func TestSynthesizeFragNeeded(t *testing.T) {
	node := netip.MustParseAddr("10.0.0.1")
	client := netip.MustParseAddr("10.0.1.5")

	frame := testutil.UDPFrame(client, netip.MustParseAddr("10.0.2.7"), 5000, 53,
		testutil.WithDontFragment(), testutil.WithPayload(make([]byte, 1500)))
	p := NewPacket(frame)

	require.True(t, synthesizeICMP(p, icmpTooBig, node, 1414))

	icmp, ok := p.ICMP()
	require.True(t, ok)
	assert.Equal(t, uint8(icmpTypeDestUnreachable), icmp.Type())
	assert.Equal(t, uint8(icmpCodeFragNeeded), icmp.Code())

	// Next-hop MTU advertised in the low half of the unused word.
	msg := p.Bytes()[EthHeaderLen+IPv4MinLen:]
	assert.Equal(t, uint16(1414), binary.BigEndian.Uint16(msg[6:8]))

	// The reply itself is small regardless of the offender's size.
	assert.Equal(t, EthHeaderLen+IPv4MinLen+ICMPHeaderLen+IPv4MinLen+icmpQuotedL4, p.Len())
}

func TestSynthesizeRefusesNonFirstFragment(t *testing.T) {
	node := netip.MustParseAddr("10.0.0.1")
	frame := testutil.UDPFrame(
		netip.MustParseAddr("10.0.1.5"), netip.MustParseAddr("10.0.2.7"), 1, 2)
	// Mark as a later fragment (offset 8 units).
	binary.BigEndian.PutUint16(frame[EthHeaderLen+6:EthHeaderLen+8], 8)
	frame[EthHeaderLen+10] = 0 // checksum is irrelevant here
	p := NewPacket(frame)

	assert.False(t, synthesizeICMP(p, icmpTTLExceeded, node, 1414))
}

func TestSynthesizeRefusesShortQuote(t *testing.T) {
	node := netip.MustParseAddr("10.0.0.1")
	frame := testutil.UDPFrame(
		netip.MustParseAddr("10.0.1.5"), netip.MustParseAddr("10.0.2.7"), 1, 2)
	// IP header present but fewer than eight payload bytes behind it.
	p := NewPacket(frame[:EthHeaderLen+IPv4MinLen+4])

	assert.False(t, synthesizeICMP(p, icmpTTLExceeded, node, 1414))
}
