package dataplane

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/turnpike/internal/clock"
	"grimm.is/turnpike/internal/conntrack"
	"grimm.is/turnpike/internal/logging"
	"grimm.is/turnpike/internal/nat"
	"grimm.is/turnpike/internal/policy"
	"grimm.is/turnpike/internal/routes"
	"grimm.is/turnpike/internal/testutil"
)

var (
	nodeIP       = netip.MustParseAddr("10.0.0.1")
	peerIP       = netip.MustParseAddr("10.0.0.2")
	workloadA    = netip.MustParseAddr("10.0.1.5") // local, iface 7
	workloadB    = netip.MustParseAddr("10.0.1.6") // local, iface 8
	workloadNAT  = netip.MustParseAddr("10.0.3.9") // local, iface 9, NAT-outgoing pool
	remotePod    = netip.MustParseAddr("10.0.2.7") // hosted on peer
	serviceVIP   = netip.MustParseAddr("10.96.0.10")
	externalAddr = netip.MustParseAddr("203.0.113.9")
	remoteClient = netip.MustParseAddr("192.168.50.5")
)

var (
	wlAIn   = Attachment{IfName: "wl1", IfIndex: 7, Role: RoleWorkload, Hook: HookFromEndpoint}
	wlAOut  = Attachment{IfName: "wl1", IfIndex: 7, Role: RoleWorkload, Hook: HookToEndpoint}
	wlBIn   = Attachment{IfName: "wl2", IfIndex: 8, Role: RoleWorkload, Hook: HookFromEndpoint}
	wlNIn   = Attachment{IfName: "wl3", IfIndex: 9, Role: RoleWorkload, Hook: HookFromEndpoint}
	hostIn  = Attachment{IfName: "eth0", IfIndex: 2, Role: RoleHost, Hook: HookFromEndpoint}
	hostOut = Attachment{IfName: "eth0", IfIndex: 2, Role: RoleHost, Hook: HookToEndpoint}
)

type recordingRedirector struct {
	frames [][]byte
	ifaces []int
	refuse bool
}

func (r *recordingRedirector) Redirect(ifindex int, frame []byte) error {
	if r.refuse {
		return io.ErrClosedPipe
	}
	r.frames = append(r.frames, append([]byte(nil), frame...))
	r.ifaces = append(r.ifaces, ifindex)
	return nil
}

type testEnv struct {
	clk      *clock.MockClock
	ct       *conntrack.Table
	nat      *nat.Table
	routes   *routes.Table
	fib      *routes.FIB
	redirect *recordingRedirector
	vxlan    *VXLAN
}

func newEnv() *testEnv {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	rt := routes.NewTable()
	rt.Add(routes.Entry{
		Prefix:  netip.PrefixFrom(workloadA, 32),
		Flags:   routes.FlagLocal | routes.FlagWorkload | routes.FlagInPool,
		IfIndex: 7,
	})
	rt.Add(routes.Entry{
		Prefix:  netip.PrefixFrom(workloadB, 32),
		Flags:   routes.FlagLocal | routes.FlagWorkload | routes.FlagInPool,
		IfIndex: 8,
	})
	rt.Add(routes.Entry{
		Prefix:  netip.PrefixFrom(workloadNAT, 32),
		Flags:   routes.FlagLocal | routes.FlagWorkload | routes.FlagInPool | routes.FlagNATOut,
		IfIndex: 9,
	})
	rt.Add(routes.Entry{
		Prefix: netip.PrefixFrom(nodeIP, 32),
		Flags:  routes.FlagLocal | routes.FlagHost,
	})
	rt.Add(routes.Entry{
		Prefix: netip.PrefixFrom(peerIP, 32),
		Flags:  routes.FlagHost,
	})
	rt.Add(routes.Entry{
		Prefix:  netip.MustParsePrefix("10.0.2.0/24"),
		Flags:   routes.FlagWorkload | routes.FlagInPool,
		NextHop: peerIP,
		IfIndex: 2,
	})

	return &testEnv{
		clk:      clk,
		ct:       conntrack.NewTable(clk),
		nat:      nat.New(),
		routes:   rt,
		fib:      routes.NewFIB(rt),
		redirect: &recordingRedirector{},
		vxlan:    NewVXLAN(4789, 4096, 1450),
	}
}

func (e *testEnv) pipeline(cfg Config, eng policy.Engine) *Pipeline {
	if !cfg.NodeIP.IsValid() {
		cfg.NodeIP = nodeIP
	}
	return New(cfg, Deps{
		Conntrack: e.ct,
		NAT:       e.nat,
		Routes:    e.routes,
		FIB:       e.fib,
		Policy:    eng,
		Encap:     e.vxlan,
		Redirect:  e.redirect,
		Log:       logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard}),
		Clock:     e.clk,
	})
}

func TestDropsTooShortFrame(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	for _, n := range []int{0, 10, EthHeaderLen, MinFrameLen - 1} {
		frame := testutil.UDPFrame(workloadA, externalAddr, 5000, 53)
		res := pl.Process(NewPacket(frame[:n]), wlAIn, MarkNone)
		assert.Equal(t, ActionDrop, res.Action, "length %d", n)
		assert.Equal(t, ReasonShort, res.Reason, "length %d", n)
	}
}

func TestEthertypeDispatch(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	mkFrame := func(ethertype uint16) []byte {
		frame := make([]byte, 60)
		frame[12] = byte(ethertype >> 8)
		frame[13] = byte(ethertype)
		return frame
	}

	t.Run("arp forwarded", func(t *testing.T) {
		res := pl.Process(NewPacket(mkFrame(etherTypeARP)), wlAIn, MarkNone)
		assert.Equal(t, ActionForward, res.Action)
	})

	t.Run("ipv6 from workload dropped", func(t *testing.T) {
		res := pl.Process(NewPacket(mkFrame(etherTypeIPv6)), wlAIn, MarkNone)
		assert.Equal(t, ActionDrop, res.Action)
		assert.Equal(t, ReasonUnsupportedProto, res.Reason)
	})

	t.Run("ipv6 on host passes to stack", func(t *testing.T) {
		res := pl.Process(NewPacket(mkFrame(etherTypeIPv6)), hostIn, MarkNone)
		assert.Equal(t, ActionForward, res.Action)
	})

	t.Run("unknown ethertype from workload dropped", func(t *testing.T) {
		res := pl.Process(NewPacket(mkFrame(0x88cc)), wlAIn, MarkNone)
		assert.Equal(t, ActionDrop, res.Action)
	})

	t.Run("unknown ethertype on host passes", func(t *testing.T) {
		res := pl.Process(NewPacket(mkFrame(0x88cc)), hostIn, MarkNone)
		assert.Equal(t, ActionForward, res.Action)
	})
}

func TestUnknownIPProto(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	frame := testutil.UDPFrame(workloadA, externalAddr, 0, 0)
	frame[EthHeaderLen+9] = 89 // OSPF

	res := pl.Process(NewPacket(append([]byte(nil), frame...)), wlAIn, MarkNone)
	assert.Equal(t, ActionDrop, res.Action)
	assert.Equal(t, ReasonUnsupportedProto, res.Reason)

	res = pl.Process(NewPacket(frame), hostIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)

	assert.Equal(t, 0, env.ct.Len())
}

func TestNewFlowAllowedUnmodified(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	frame := testutil.UDPFrame(workloadA, externalAddr, 41000, 53,
		testutil.WithPayload([]byte("query")))
	orig := append([]byte(nil), frame...)

	p := NewPacket(frame)
	res := pl.Process(p, wlAIn, MarkNone)

	assert.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkSeen, res.Mark)
	// No translation applies: every byte leaves as it arrived.
	assert.Equal(t, orig, p.Bytes())
	assert.Equal(t, 1, env.ct.Len())
}

func TestPolicyGatesNewFlows(t *testing.T) {
	t.Run("deny", func(t *testing.T) {
		env := newEnv()
		pl := env.pipeline(Config{}, policy.NewRuleEngine([]policy.Rule{
			{Name: "default-deny", Action: policy.ActionDeny},
		}))

		res := pl.Process(NewPacket(testutil.UDPFrame(workloadA, externalAddr, 41000, 53)), wlAIn, MarkNone)
		assert.Equal(t, ActionDrop, res.Action)
		assert.Equal(t, ReasonPolicyDeny, res.Reason)
		assert.Equal(t, 0, env.ct.Len())
	})

	t.Run("no match", func(t *testing.T) {
		env := newEnv()
		pl := env.pipeline(Config{}, policy.NewRuleEngine(nil))

		res := pl.Process(NewPacket(testutil.UDPFrame(workloadA, externalAddr, 41000, 53)), wlAIn, MarkNone)
		assert.Equal(t, ActionDrop, res.Action)
		assert.Equal(t, ReasonPolicyNoMatch, res.Reason)
		assert.Equal(t, 0, env.ct.Len())
	})
}

func TestNonSYNWithoutState(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	ack := testutil.TCPFrame(workloadA, externalAddr, 41000, 443, testutil.WithTCPFlags(0x10))

	res := pl.Process(NewPacket(append([]byte(nil), ack...)), wlAIn, MarkNone)
	assert.Equal(t, ActionDrop, res.Action)
	assert.Equal(t, ReasonConntrackInvalid, res.Reason)

	// On a host interface the stack keeps its own state; fall through
	// instead of second-guessing it.
	res = pl.Process(NewPacket(ack), hostIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)
}

func TestWorkloadRPF(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	cases := []struct {
		name string
		src  netip.Addr
		att  Attachment
	}{
		{"unrouted source", netip.MustParseAddr("192.168.99.9"), wlAIn},
		{"source is not a workload", peerIP, wlAIn},
		{"wrong interface", workloadB, wlAIn},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := testutil.UDPFrame(tc.src, externalAddr, 41000, 53)
			res := pl.Process(NewPacket(frame), tc.att, MarkNone)
			assert.Equal(t, ActionDrop, res.Action)
			assert.Equal(t, ReasonRPFFail, res.Reason)
		})
	}

	assert.Equal(t, 0, env.ct.Len())
}

func TestEstablishedSkipsPolicy(t *testing.T) {
	env := newEnv()

	allow := env.pipeline(Config{}, policy.AllowAll{})
	frame := testutil.UDPFrame(workloadA, externalAddr, 41000, 53)
	res := allow.Process(NewPacket(frame), wlAIn, MarkNone)
	require.Equal(t, ActionForward, res.Action)
	require.Equal(t, 1, env.ct.Len())

	// Same tables, hostile policy: the established flow must not care.
	deny := env.pipeline(Config{}, policy.NewRuleEngine([]policy.Rule{
		{Name: "default-deny", Action: policy.ActionDeny},
	}))

	res = deny.Process(NewPacket(testutil.UDPFrame(workloadA, externalAddr, 41000, 53)), wlAIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkSeen, res.Mark)

	// A reply upgrades the flow; from then on both directions ride
	// the bypass mark.
	res = deny.Process(NewPacket(testutil.UDPFrame(externalAddr, workloadA, 53, 41000)), hostIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)

	res = deny.Process(NewPacket(testutil.UDPFrame(workloadA, externalAddr, 41000, 53)), wlAIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkBypass, res.Mark)
}

func TestDNATLocalBackend(t *testing.T) {
	env := newEnv()
	env.nat.Add(serviceVIP, ProtoUDP, 53, false, nat.Destination{Addr: workloadB, Port: 5353})
	pl := env.pipeline(Config{}, policy.AllowAll{})

	frame := testutil.UDPFrame(workloadA, serviceVIP, 41000, 53,
		testutil.WithPayload([]byte("query")))
	p := NewPacket(frame)
	res := pl.Process(p, wlAIn, MarkNone)

	require.Equal(t, ActionForward, res.Action)
	ip, _ := p.IPv4()
	udp, _ := p.UDP()
	assert.Equal(t, workloadB, ip.DstAddr())
	assert.Equal(t, uint16(5353), udp.DstPort())
	assert.Equal(t, workloadA, ip.SrcAddr())
	assert.True(t, testutil.ValidIPv4Checksum(p.Bytes()))
	assert.True(t, testutil.ValidTransportChecksum(p.Bytes()))
	// Forward and reverse entries.
	assert.Equal(t, 2, env.ct.Len())

	// Reply from the backend gets its source put back to the VIP.
	reply := testutil.UDPFrame(workloadB, workloadA, 5353, 41000,
		testutil.WithPayload([]byte("answer")))
	rp := NewPacket(reply)
	res = pl.Process(rp, wlBIn, MarkNone)

	require.Equal(t, ActionForward, res.Action)
	ip, _ = rp.IPv4()
	udp, _ = rp.UDP()
	assert.Equal(t, serviceVIP, ip.SrcAddr())
	assert.Equal(t, uint16(53), udp.SrcPort())
	assert.True(t, testutil.ValidIPv4Checksum(rp.Bytes()))
	assert.True(t, testutil.ValidTransportChecksum(rp.Bytes()))
}

func TestDNATTCPRoundTrip(t *testing.T) {
	env := newEnv()
	env.nat.Add(serviceVIP, ProtoTCP, 80, false, nat.Destination{Addr: workloadB, Port: 8080})
	pl := env.pipeline(Config{}, policy.AllowAll{})

	syn := testutil.TCPFrame(workloadA, serviceVIP, 41000, 80)
	p := NewPacket(syn)
	res := pl.Process(p, wlAIn, MarkNone)

	require.Equal(t, ActionForward, res.Action)
	ip, _ := p.IPv4()
	tcp, _ := p.TCP()
	assert.Equal(t, workloadB, ip.DstAddr())
	assert.Equal(t, uint16(8080), tcp.DstPort())
	assert.True(t, testutil.ValidTransportChecksum(p.Bytes()))

	// SYN-ACK back: translated without the policy or the SYN gate in
	// the way.
	synack := testutil.TCPFrame(workloadB, workloadA, 8080, 41000, testutil.WithTCPFlags(0x12))
	rp := NewPacket(synack)
	res = pl.Process(rp, wlBIn, MarkNone)

	require.Equal(t, ActionForward, res.Action)
	ip, _ = rp.IPv4()
	tcp, _ = rp.TCP()
	assert.Equal(t, serviceVIP, ip.SrcAddr())
	assert.Equal(t, uint16(80), tcp.SrcPort())
	assert.True(t, testutil.ValidIPv4Checksum(rp.Bytes()))
	assert.True(t, testutil.ValidTransportChecksum(rp.Bytes()))
}

func TestWorkloadToHostBlocked(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{DropWorkloadToHost: true}, policy.AllowAll{})

	res := pl.Process(NewPacket(testutil.UDPFrame(workloadA, nodeIP, 41000, 161)), wlAIn, MarkNone)
	assert.Equal(t, ActionDrop, res.Action)
	assert.Equal(t, ReasonWorkloadToHost, res.Reason)
	assert.Equal(t, 0, env.ct.Len())
}

func TestHostToWorkloadTrusted(t *testing.T) {
	env := newEnv()
	deny := env.pipeline(Config{}, policy.NewRuleEngine([]policy.Rule{
		{Name: "default-deny", Action: policy.ActionDeny},
	}))

	// Straight from the host: accepted without consulting policy.
	res := deny.Process(NewPacket(testutil.UDPFrame(nodeIP, workloadA, 50000, 8080)), wlAOut, MarkNone)
	assert.Equal(t, ActionForward, res.Action)
	assert.Equal(t, 1, env.ct.Len())

	// Seen by a sibling hook first: not host-originated, full checks.
	res = deny.Process(NewPacket(testutil.UDPFrame(nodeIP, workloadA, 50001, 8080)), wlAOut, MarkSeen)
	assert.Equal(t, ActionDrop, res.Action)
	assert.Equal(t, ReasonPolicyDeny, res.Reason)
}

func TestBypassMarks(t *testing.T) {
	t.Run("bypass skips everything", func(t *testing.T) {
		env := newEnv()
		pl := env.pipeline(Config{}, policy.NewRuleEngine(nil)) // would deny

		res := pl.Process(NewPacket(testutil.UDPFrame(externalAddr, workloadA, 53, 41000)), wlAOut, MarkBypass)
		assert.Equal(t, ActionForward, res.Action)
		assert.Equal(t, 0, env.ct.Len())
	})

	t.Run("bypass-forward on egress", func(t *testing.T) {
		env := newEnv()
		pl := env.pipeline(Config{}, policy.NewRuleEngine(nil))

		res := pl.Process(NewPacket(testutil.UDPFrame(workloadB, remotePod, 1, 2)), hostOut, MarkBypassForward)
		assert.Equal(t, ActionForward, res.Action)
	})

	t.Run("src fixup rewrites tunnel source", func(t *testing.T) {
		env := newEnv()
		pl := env.pipeline(Config{}, policy.NewRuleEngine(nil))

		// Outer overlay datagram still carrying the workload source;
		// VXLAN over IPv4 runs with the UDP checksum unset.
		frame := testutil.UDPFrame(workloadB, peerIP, 50000, 4789)
		p := NewPacket(frame)
		udp, _ := p.UDP()
		udp.SetChecksum(0)

		res := pl.Process(p, hostOut, MarkBypassForwardSrcFixup)
		assert.Equal(t, ActionForward, res.Action)

		ip, _ := p.IPv4()
		assert.Equal(t, nodeIP, ip.SrcAddr())
		assert.True(t, testutil.ValidIPv4Checksum(p.Bytes()))
	})
}

func TestNATOutgoingMark(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	// Pool member to the outside world: flag for the downstream
	// masquerade hook and stay off the fast path.
	frame := testutil.UDPFrame(workloadNAT, externalAddr, 41000, 53)
	orig := append([]byte(nil), frame...)
	p := NewPacket(frame)
	res := pl.Process(p, wlNIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkNATOut, res.Mark)
	assert.Equal(t, orig, p.Bytes())

	// The flag is sticky: follow-up packets of the flow carry it from
	// the conntrack entry.
	res = pl.Process(NewPacket(testutil.UDPFrame(workloadNAT, externalAddr, 41000, 53)), wlNIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkNATOut, res.Mark)

	// Pool-to-pool traffic needs no masquerade.
	res = pl.Process(NewPacket(testutil.UDPFrame(workloadNAT, workloadB, 41001, 8080)), wlNIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkSeen, res.Mark)
}

func TestFIBShortCircuit(t *testing.T) {
	gwMAC := [6]byte{0x02, 0xee, 0, 0, 0, 0x01}
	upMAC := [6]byte{0x02, 0xee, 0, 0, 0, 0x02}

	setup := func() (*testEnv, *Pipeline) {
		env := newEnv()
		env.fib.AddNeighbor(peerIP, gwMAC, 2)
		env.fib.SetIfaceMAC(2, upMAC)
		return env, env.pipeline(Config{FIBEnabled: true}, policy.AllowAll{})
	}

	t.Run("redirects with TTL decrement", func(t *testing.T) {
		env, pl := setup()
		frame := testutil.UDPFrame(workloadA, remotePod, 41000, 8080, testutil.WithTTL(64))
		p := NewPacket(frame)
		res := pl.Process(p, wlAIn, MarkNone)

		require.Equal(t, ActionRedirect, res.Action)
		assert.Equal(t, 2, res.IfIndex)
		require.Len(t, env.redirect.frames, 1)

		out := env.redirect.frames[0]
		assert.Equal(t, upMAC[:], out[6:12])
		assert.Equal(t, gwMAC[:], out[0:6])
		assert.Equal(t, uint8(63), out[EthHeaderLen+8])
		assert.True(t, testutil.ValidIPv4Checksum(out))
		assert.Equal(t, 1, env.ct.Len())
	})

	t.Run("no neighbor falls back to stack", func(t *testing.T) {
		env, pl := setup()
		// 203.0.113.9 has no route at all.
		frame := testutil.UDPFrame(workloadA, externalAddr, 41000, 53)
		res := pl.Process(NewPacket(frame), wlAIn, MarkNone)
		assert.Equal(t, ActionForward, res.Action)
		assert.Empty(t, env.redirect.frames)
	})

	t.Run("spent TTL falls back to stack", func(t *testing.T) {
		env, pl := setup()
		frame := testutil.UDPFrame(workloadA, remotePod, 41000, 8080, testutil.WithTTL(1))
		res := pl.Process(NewPacket(frame), wlAIn, MarkNone)
		assert.Equal(t, ActionForward, res.Action)
		assert.Empty(t, env.redirect.frames)
	})

	t.Run("refused redirect drops", func(t *testing.T) {
		env, pl := setup()
		env.redirect.refuse = true
		frame := testutil.UDPFrame(workloadA, remotePod, 41000, 8080)
		res := pl.Process(NewPacket(frame), wlAIn, MarkNone)
		assert.Equal(t, ActionDrop, res.Action)
		assert.Equal(t, ReasonRedirectFail, res.Reason)
	})

	t.Run("disabled config never consults fib", func(t *testing.T) {
		env, _ := setup()
		pl := env.pipeline(Config{}, policy.AllowAll{})
		frame := testutil.UDPFrame(workloadA, remotePod, 41000, 8080)
		res := pl.Process(NewPacket(frame), wlAIn, MarkNone)
		assert.Equal(t, ActionForward, res.Action)
		assert.Empty(t, env.redirect.frames)
	})
}

func TestTTLExceededOnTranslatedFlow(t *testing.T) {
	env := newEnv()
	env.nat.Add(serviceVIP, ProtoUDP, 53, false, nat.Destination{Addr: workloadB, Port: 5353})
	pl := env.pipeline(Config{}, policy.AllowAll{})

	frame := testutil.UDPFrame(workloadA, serviceVIP, 41000, 53, testutil.WithTTL(1))
	res := pl.Process(NewPacket(frame), wlAIn, MarkNone)

	// The error goes straight back out the ingress interface.
	require.Equal(t, ActionRedirect, res.Action)
	assert.Equal(t, wlAIn.IfIndex, res.IfIndex)
	require.Len(t, env.redirect.frames, 1)

	out := env.redirect.frames[0]
	rp := NewPacket(out)
	ip, ok := rp.IPv4()
	require.True(t, ok)
	assert.Equal(t, nodeIP, ip.SrcAddr())
	assert.Equal(t, workloadA, ip.DstAddr())
	icmp, ok := rp.ICMP()
	require.True(t, ok)
	assert.Equal(t, uint8(icmpTypeTimeExceeded), icmp.Type())
	assert.True(t, testutil.ValidIPv4Checksum(out))

	// The reply reaches the sender's link layer.
	assert.Equal(t, []byte{0x02, 0, 0, 0, 0, 0x01}, out[0:6])

	// No flow is recorded for the failed attempt.
	assert.Equal(t, 0, env.ct.Len())
}

func TestEncapToRemoteBackend(t *testing.T) {
	env := newEnv()
	env.nat.Add(serviceVIP, ProtoUDP, 53, false, nat.Destination{Addr: remotePod, Port: 5353})
	pl := env.pipeline(Config{EncapEnabled: true}, policy.AllowAll{})

	frame := testutil.UDPFrame(remoteClient, serviceVIP, 41000, 53,
		testutil.WithPayload([]byte("query")))
	orig := append([]byte(nil), frame...)
	p := NewPacket(frame)
	res := pl.Process(p, hostIn, MarkNone)

	require.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkBypassForward, res.Mark)

	// Outer datagram rides the overlay to the backend's node.
	ip, ok := p.IPv4()
	require.True(t, ok)
	assert.Equal(t, nodeIP, ip.SrcAddr())
	assert.Equal(t, peerIP, ip.DstAddr())
	udp, _ := p.UDP()
	assert.Equal(t, uint16(4789), udp.DstPort())
	assert.True(t, testutil.ValidIPv4Checksum(p.Bytes()))

	// The inner frame rides untranslated, byte for byte: the far node
	// resolves the frontend itself and records the tunnel origin.
	assert.Equal(t, orig, p.Bytes()[EthHeaderLen+vxlanOverhead:])

	assert.Equal(t, 2, env.ct.Len())
}

// newPeerEnv builds the backend node's side of the overlay: remotePod
// is local there, and this node is the remote peer.
func newPeerEnv() *testEnv {
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	rt := routes.NewTable()
	rt.Add(routes.Entry{
		Prefix:  netip.PrefixFrom(remotePod, 32),
		Flags:   routes.FlagLocal | routes.FlagWorkload | routes.FlagInPool,
		IfIndex: 7,
	})
	rt.Add(routes.Entry{
		Prefix: netip.PrefixFrom(peerIP, 32),
		Flags:  routes.FlagLocal | routes.FlagHost,
	})
	rt.Add(routes.Entry{
		Prefix: netip.PrefixFrom(nodeIP, 32),
		Flags:  routes.FlagHost,
	})

	return &testEnv{
		clk:      clk,
		ct:       conntrack.NewTable(clk),
		nat:      nat.New(),
		routes:   rt,
		fib:      routes.NewFIB(rt),
		redirect: &recordingRedirector{},
		vxlan:    NewVXLAN(4789, 4096, 1450),
	}
}

func TestCrossNodeServiceRoundTrip(t *testing.T) {
	// Both nodes carry the same frontend; the backend lives on the
	// peer. The client-facing node encapsulates the request
	// untranslated, the backend node translates and answers, and the
	// client must see the reply come from the address it dialed.
	envA := newEnv()
	envA.nat.Add(serviceVIP, ProtoUDP, 53, false, nat.Destination{Addr: remotePod, Port: 5353})
	plA := envA.pipeline(Config{EncapEnabled: true, DecapEnabled: true}, policy.AllowAll{})

	envB := newPeerEnv()
	envB.nat.Add(serviceVIP, ProtoUDP, 53, false, nat.Destination{Addr: remotePod, Port: 5353})
	plB := envB.pipeline(Config{NodeIP: peerIP, EncapEnabled: true, DecapEnabled: true}, policy.AllowAll{})

	podIn := Attachment{IfName: "wl1", IfIndex: 7, Role: RoleWorkload, Hook: HookFromEndpoint}

	// Node A: client request heads into the overlay.
	req := NewPacket(testutil.UDPFrame(remoteClient, serviceVIP, 41000, 53,
		testutil.WithPayload([]byte("query"))))
	res := plA.Process(req, hostIn, MarkNone)
	require.Equal(t, ActionForward, res.Action)
	oip, ok := req.IPv4()
	require.True(t, ok)
	require.Equal(t, peerIP, oip.DstAddr())

	// Node B: decap, translate, deliver to the local backend.
	res = plB.Process(req, hostIn, MarkNone)
	require.Equal(t, ActionForward, res.Action)
	bip, ok := req.IPv4()
	require.True(t, ok)
	assert.Equal(t, remoteClient, bip.SrcAddr())
	assert.Equal(t, remotePod, bip.DstAddr())
	budp, _ := req.UDP()
	assert.Equal(t, uint16(5353), budp.DstPort())

	// Node B: the backend answers; the reply re-enters the tunnel
	// with its source put back to the frontend.
	reply := NewPacket(testutil.UDPFrame(remotePod, remoteClient, 5353, 41000))
	res = plB.Process(reply, podIn, MarkNone)
	require.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkBypassForwardSrcFixup, res.Mark)
	rip, ok := reply.IPv4()
	require.True(t, ok)
	require.Equal(t, nodeIP, rip.DstAddr())

	// Node A: decapped reply heads to the client from the address it
	// dialed, on an already-established flow.
	res = plA.Process(reply, hostIn, MarkNone)
	require.Equal(t, ActionForward, res.Action)
	cip, ok := reply.IPv4()
	require.True(t, ok)
	assert.Equal(t, serviceVIP, cip.SrcAddr())
	assert.Equal(t, remoteClient, cip.DstAddr())
	cudp, _ := reply.UDP()
	assert.Equal(t, uint16(53), cudp.SrcPort())
	assert.Equal(t, uint16(41000), cudp.DstPort())
	assert.True(t, testutil.ValidIPv4Checksum(reply.Bytes()))
	assert.True(t, testutil.ValidTransportChecksum(reply.Bytes()))
}

func TestTooBigWithDFAnswersFragNeeded(t *testing.T) {
	env := newEnv()
	env.vxlan = NewVXLAN(4789, 4096, 400)
	env.nat.Add(serviceVIP, ProtoUDP, 53, false, nat.Destination{Addr: remotePod, Port: 5353})
	pl := env.pipeline(Config{EncapEnabled: true}, policy.AllowAll{})

	frame := testutil.UDPFrame(remoteClient, serviceVIP, 41000, 53,
		testutil.WithDontFragment(), testutil.WithPayload(make([]byte, 500)))
	p := NewPacket(frame)
	res := pl.Process(p, hostIn, MarkNone)

	// Host ingress: the reply travels back through the stack.
	require.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkBypassForward, res.Mark)

	ip, ok := p.IPv4()
	require.True(t, ok)
	assert.Equal(t, uint8(ProtoICMP), ip.Protocol())
	assert.Equal(t, remoteClient, ip.DstAddr())
	icmp, ok := p.ICMP()
	require.True(t, ok)
	assert.Equal(t, uint8(icmpTypeDestUnreachable), icmp.Type())
	assert.Equal(t, uint8(icmpCodeFragNeeded), icmp.Code())

	// The reply path was still recorded: a retry that fits must land
	// on an established flow.
	assert.Equal(t, 2, env.ct.Len())
}

func TestOverlayDecapDelivery(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{DecapEnabled: true, EncapEnabled: true}, policy.NewRuleEngine(nil))

	inner := testutil.UDPFrame(remoteClient, workloadA, 41000, 8080,
		testutil.WithPayload([]byte("hello")))
	want := append([]byte(nil), inner...)

	p := NewPacket(inner)
	require.NoError(t, env.vxlan.Encap(p, peerIP, nodeIP))

	res := pl.Process(p, hostIn, MarkNone)

	require.Equal(t, ActionForward, res.Action)
	assert.Equal(t, want, p.Bytes())
	assert.Equal(t, 1, env.ct.Len())

	// Reply from the workload is established state; policy (which
	// would deny) stays out of it.
	reply := testutil.UDPFrame(workloadA, remoteClient, 8080, 41000)
	res = pl.Process(NewPacket(reply), wlAIn, MarkNone)
	assert.Equal(t, ActionForward, res.Action)
}

func TestSNATReturnReentersTunnel(t *testing.T) {
	env := newEnv()
	env.nat.Add(serviceVIP, ProtoUDP, 53, false, nat.Destination{Addr: workloadB, Port: 5353})
	pl := env.pipeline(Config{DecapEnabled: true, EncapEnabled: true}, policy.AllowAll{})

	// Service request arrives through the overlay from a peer node.
	req := testutil.UDPFrame(remoteClient, serviceVIP, 41000, 53)
	p := NewPacket(req)
	require.NoError(t, env.vxlan.Encap(p, peerIP, nodeIP))

	res := pl.Process(p, hostIn, MarkNone)
	require.Equal(t, ActionForward, res.Action)

	// Decapped and translated to the local backend.
	ip, _ := p.IPv4()
	assert.Equal(t, workloadB, ip.DstAddr())
	udp, _ := p.UDP()
	assert.Equal(t, uint16(5353), udp.DstPort())

	// The backend's reply must return through the tunnel it came
	// from, source put back to the VIP.
	reply := testutil.UDPFrame(workloadB, remoteClient, 5353, 41000)
	rp := NewPacket(reply)
	res = pl.Process(rp, wlBIn, MarkNone)

	require.Equal(t, ActionForward, res.Action)
	assert.Equal(t, MarkBypassForwardSrcFixup, res.Mark)

	oip, ok := rp.IPv4()
	require.True(t, ok)
	assert.Equal(t, peerIP, oip.DstAddr())
	oudp, _ := rp.UDP()
	assert.Equal(t, uint16(4789), oudp.DstPort())
	// Outer source still carries the workload address; the fixup mark
	// tells the downstream hook to rewrite it.
	assert.Equal(t, workloadB, oip.SrcAddr())

	inner := NewPacket(rp.Bytes()[EthHeaderLen+IPv4MinLen+UDPHeaderLen+VXLANLen:])
	iip, ok := inner.IPv4()
	require.True(t, ok)
	assert.Equal(t, serviceVIP, iip.SrcAddr())
	assert.Equal(t, remoteClient, iip.DstAddr())
	iudp, _ := inner.UDP()
	assert.Equal(t, uint16(53), iudp.SrcPort())
	assert.True(t, testutil.ValidIPv4Checksum(inner.Bytes()))
	assert.True(t, testutil.ValidTransportChecksum(inner.Bytes()))
}

func TestICMPEchoTracked(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	frame := testutil.ICMPEchoFrame(workloadA, externalAddr, testutil.WithPayload([]byte("ping")))
	res := pl.Process(NewPacket(frame), wlAIn, MarkNone)

	assert.Equal(t, ActionForward, res.Action)
	assert.Equal(t, 1, env.ct.Len())
}

func TestTruncatedTransportHeaders(t *testing.T) {
	env := newEnv()
	pl := env.pipeline(Config{}, policy.AllowAll{})

	cases := []struct {
		name  string
		frame []byte
	}{
		{"udp", testutil.UDPFrame(workloadA, externalAddr, 1, 2)},
		{"tcp", testutil.TCPFrame(workloadA, externalAddr, 1, 2)},
		{"icmp", testutil.ICMPEchoFrame(workloadA, externalAddr)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := pl.Process(NewPacket(tc.frame[:MinFrameLen+4]), wlAIn, MarkNone)
			assert.Equal(t, ActionDrop, res.Action)
			assert.Equal(t, ReasonShort, res.Reason)
		})
	}
}

func TestOnDoneObservesEveryVerdict(t *testing.T) {
	env := newEnv()
	var got []Result
	pl := New(Config{NodeIP: nodeIP}, Deps{
		Conntrack: env.ct,
		NAT:       env.nat,
		Routes:    env.routes,
		Policy:    policy.NewRuleEngine(nil),
		Encap:     env.vxlan,
		Log:       logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard}),
		Clock:     env.clk,
		OnDone: func(r Result, d time.Duration) {
			got = append(got, r)
		},
	})

	pl.Process(NewPacket(testutil.UDPFrame(workloadA, externalAddr, 1, 2)), wlAIn, MarkNone)
	require.Len(t, got, 1)
	assert.Equal(t, ActionDrop, got[0].Action)
	assert.Equal(t, ReasonPolicyNoMatch, got[0].Reason)
}
