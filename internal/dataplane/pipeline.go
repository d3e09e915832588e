// Package dataplane implements the per-packet forwarding decision
// engine: ingress validation, fast-path dispatch, overlay decap,
// conntrack classification, NAT resolution, reverse-path filtering,
// policy staging, accept processing and forwarding resolution, one
// packet at a time from frame to terminal action.
//
// One logical worker runs one packet to completion; nothing in here
// blocks, retries or waits. The tables behind the collaborator
// interfaces are shared and read-mostly; the only write is the
// idempotent conntrack create.
package dataplane

import (
	"net/netip"
	"time"

	"grimm.is/turnpike/internal/clock"
	"grimm.is/turnpike/internal/conntrack"
	"grimm.is/turnpike/internal/logging"
	"grimm.is/turnpike/internal/policy"
	"grimm.is/turnpike/internal/routes"
)

// Config is the static per-node pipeline configuration.
type Config struct {
	// NodeIP is this node's address: tunnel endpoint, ICMP reply
	// source and src-fixup target.
	NodeIP netip.Addr

	// FIBEnabled allows short-circuit route lookups for traffic
	// heading into the host namespace.
	FIBEnabled bool

	// DropWorkloadToHost drops new workload-to-host connections
	// regardless of policy (the default-endpoint-to-host action).
	DropWorkloadToHost bool

	// DecapEnabled permits stripping overlay encapsulation for
	// packets addressed to this node.
	DecapEnabled bool

	// EncapEnabled permits re-encapsulating translated traffic whose
	// backend lives on another node.
	EncapEnabled bool
}

// Deps are the pipeline's collaborators. Conntrack, NAT, Routes,
// Policy and Encap must be non-nil; FIB and Redirect may be nil, which
// disables the corresponding short-circuit paths.
type Deps struct {
	Conntrack Conntrack
	NAT       NATTable
	Routes    RouteTable
	FIB       FIB
	Policy    policy.Engine
	Encap     Encapsulator
	Redirect  Redirector
	Log       *logging.Logger
	Clock     clock.Clock

	// OnDone, if set, observes every terminal decision with the
	// packet's pipeline latency.
	OnDone func(Result, time.Duration)
}

// Pipeline is the decision engine. Safe for concurrent use: all
// per-packet state lives in the State threaded through the call
// chain, never in the Pipeline itself.
type Pipeline struct {
	cfg      Config
	ct       Conntrack
	nat      NATTable
	routes   RouteTable
	fib      FIB
	policy   policy.Engine
	encap    Encapsulator
	redirect Redirector
	log      *logging.Logger
	clk      clock.Clock
	onDone   func(Result, time.Duration)
}

// New assembles a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	clk := deps.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	log := deps.Log
	if log == nil {
		log = logging.Default().WithComponent("dataplane")
	}
	return &Pipeline{
		cfg:      cfg,
		ct:       deps.Conntrack,
		nat:      deps.NAT,
		routes:   deps.Routes,
		fib:      deps.FIB,
		policy:   deps.Policy,
		encap:    deps.Encap,
		redirect: deps.Redirect,
		log:      log,
		clk:      clk,
		onDone:   deps.OnDone,
	}
}

// Process runs one packet through the pipeline. att says where the
// packet was observed, inMark is the prior-verdict annotation from a
// cooperating upstream hook. The caller owns pkt and state for the
// traversal; both are dead once Process returns.
func (pl *Pipeline) Process(pkt *Packet, att Attachment, inMark uint32) Result {
	state := State{Start: pl.clk.Now()}
	fwdv := fwd{res: resForward, fib: true}

	// Fast path: packets pre-approved by a cooperating hook.
	if !att.ToHostNS() && inMark == MarkBypass {
		pl.log.Debug("pre-approved by another hook", "iface", att.IfName)
		fwdv.reason = ReasonBypass
		return pl.forwardOrDrop(pkt, &state, fwdv, att)
	}

	if att.ToWorkload() || att.ToHostEndpoint() {
		switch inMark {
		case MarkBypassForward:
			pl.log.Debug("pre-approved for forward", "iface", att.IfName)
			fwdv.reason = ReasonBypass
			return pl.forwardOrDrop(pkt, &state, fwdv, att)
		case MarkBypassForwardSrcFixup:
			pl.log.Debug("pre-approved for forward with src fixup", "iface", att.IfName)
			fwdv.reason = ReasonBypass
			ip, ok := pkt.IPv4()
			if !ok {
				return pl.deny(pkt, &state, ReasonShort, att)
			}
			if src := ip.SrcAddr(); src != pl.cfg.NodeIP {
				ip.SetSrcAddr(pl.cfg.NodeIP)
				ipv4UpdateChecksum(ip, src, pl.cfg.NodeIP)
			}
			return pl.forwardOrDrop(pkt, &state, fwdv, att)
		}
	}

	// Ingress validation: ethertype dispatch before any IP access.
	eth, ok := pkt.Ethernet()
	if !ok {
		return pl.deny(pkt, &state, ReasonShort, att)
	}
	switch eth.EtherType() {
	case etherTypeIPv4:
	case etherTypeARP:
		pl.log.Debug("ARP, allowing")
		fwdv.fib = false
		return pl.forwardOrDrop(pkt, &state, fwdv, att)
	case etherTypeIPv6:
		if att.Role == RoleWorkload {
			pl.log.Debug("IPv6 from workload, drop")
			return pl.deny(pkt, &state, ReasonUnsupportedProto, att)
		}
		// No IPv6 support yet; the host stack handles it.
		return Result{Action: ActionForward}
	default:
		if att.Role == RoleWorkload {
			pl.log.Debug("unknown ethertype from workload, drop", "ethertype", eth.EtherType())
			return pl.deny(pkt, &state, ReasonUnsupportedProto, att)
		}
		pl.log.Debug("unknown ethertype on host interface, allow", "ethertype", eth.EtherType())
		return Result{Action: ActionForward}
	}

	ip, ok := pkt.IPv4()
	if !ok {
		return pl.deny(pkt, &state, ReasonShort, att)
	}

	// Overlay decap, only for packets addressed to this node.
	if pl.encap.IsTunnel(pkt) && pl.shouldDecap(att) && ip.DstAddr() == pl.cfg.NodeIP {
		state.TunnelSrc = ip.SrcAddr()
		pl.log.Debug("overlay decap", "outer_src", state.TunnelSrc)
		if err := pl.encap.Decap(pkt); err != nil {
			pl.log.Debug("decap failed", "err", err)
			return pl.deny(pkt, &state, ReasonDecapFail, att)
		}
		// The buffer moved: every view must be re-derived.
		ip, ok = pkt.IPv4()
		if !ok {
			return pl.deny(pkt, &state, ReasonShort, att)
		}
	}

	state.Proto = ip.Protocol()

	var tcpSYN bool
	switch state.Proto {
	case ProtoTCP:
		// The minimum-frame check above does not cover a full TCP
		// header; re-validate for this specific size.
		tcp, ok := pkt.TCP()
		if !ok {
			pl.log.Debug("too short for TCP")
			return pl.deny(pkt, &state, ReasonShort, att)
		}
		state.SrcPort = tcp.SrcPort()
		state.DstPort = tcp.DstPort()
		tcpSYN = tcp.SYN() && !tcp.ACK()
	case ProtoUDP:
		udp, ok := pkt.UDP()
		if !ok {
			pl.log.Debug("too short for UDP")
			return pl.deny(pkt, &state, ReasonShort, att)
		}
		state.SrcPort = udp.SrcPort()
		state.DstPort = udp.DstPort()
	case ProtoICMP:
		icmp, ok := pkt.ICMP()
		if !ok {
			pl.log.Debug("too short for ICMP")
			return pl.deny(pkt, &state, ReasonShort, att)
		}
		pl.log.Debug("ICMP", "type", icmp.Type(), "code", icmp.Code())
	case ProtoIPIP:
		if att.Role == RoleHost {
			pl.log.Debug("IPIP on host interface, allow")
			fwdv.fib = false
			return pl.forwardOrDrop(pkt, &state, fwdv, att)
		}
	}

	state.SrcAddr = ip.SrcAddr()
	state.DstAddr = ip.DstAddr()
	state.Verdict = policy.NoMatch

	// Only port-keyed protocols participate in conntrack.
	switch state.Proto {
	case ProtoTCP, ProtoUDP, ProtoICMP:
	default:
		if att.Role == RoleHost {
			// Unknown protocols pass through on host interfaces.
			return pl.forwardOrDrop(pkt, &state, fwdv, att)
		}
		return pl.deny(pkt, &state, ReasonUnsupportedProto, att)
	}

	key := conntrack.Key{
		Proto:   state.Proto,
		Src:     state.SrcAddr,
		SrcPort: state.SrcPort,
		Dst:     state.DstAddr,
		DstPort: state.DstPort,
	}
	state.CT = pl.ct.Lookup(key, tcpSYN)
	pl.log.Debug("conntrack", "result", state.CT.Code.String())

	if state.CT.Flags&conntrack.FlagNATOut != 0 {
		state.Flags |= FlagNATOutgoing
	}

	// Conntrack hit skips NAT resolution, RPF and policy entirely.
	if state.CT.Code != conntrack.New {
		return pl.forwardOrDrop(pkt, &state, pl.accepted(pkt, &state, att), att)
	}

	// New connection: resolve any DNAT target before policy runs, so
	// rules can see the real destination.
	if dest, ok := pl.nat.Resolve(state.DstAddr, state.Proto, state.DstPort, state.HasTunnelSrc()); ok {
		state.NATDest = dest
		state.HasNATDest = true
		state.PostNATDst = dest.Addr
		state.PostNATPort = dest.Port
	} else {
		state.PostNATDst = state.DstAddr
		state.PostNATPort = state.DstPort
	}

	// Host-to-workload traffic is trusted, unless a sibling hook has
	// already seen the packet (then it came in via another interface
	// and gets the full treatment).
	if att.ToWorkload() && inMark != MarkSeen && pl.routes.LookupFlags(state.SrcAddr).IsLocalHost() {
		pl.log.Debug("packet is from the host, accept")
		state.Verdict = policy.Allow
		return pl.forwardOrDrop(pkt, &state, pl.accepted(pkt, &state, att), att)
	}

	if att.FromWorkload() {
		// RPF: the claimed source must own the ingress interface.
		rt, ok := pl.routes.Lookup(state.SrcAddr)
		if !ok {
			pl.log.Info("workload RPF fail: missing route", "src", state.SrcAddr)
			return pl.deny(pkt, &state, ReasonRPFFail, att)
		}
		if !rt.Flags.IsLocalWorkload() {
			pl.log.Info("workload RPF fail: not a local workload", "src", state.SrcAddr)
			return pl.deny(pkt, &state, ReasonRPFFail, att)
		}
		if rt.IfIndex != att.IfIndex {
			pl.log.Info("workload RPF fail: interface mismatch",
				"src", state.SrcAddr, "pkt_iface", att.IfIndex, "route_iface", rt.IfIndex)
			return pl.deny(pkt, &state, ReasonRPFFail, att)
		}

		// Source is in a NAT-outgoing pool: SNAT unless the (post
		// NAT) destination is in a managed pool too.
		if rt.Flags&routes.FlagNATOut != 0 {
			if pl.routes.LookupFlags(state.PostNATDst)&routes.FlagInPool == 0 {
				pl.log.Debug("source in NAT-outgoing pool, dest outside, need SNAT")
				state.Flags |= FlagNATOutgoing
			}
		}
	}

	// Policy staging: persist the snapshot, hand off, resume with
	// the verdict.
	snap := state.snapshot()
	if att.FromHostEndpoint() {
		// Host-endpoint policy is not evaluated yet; resumes with an
		// implicit allow. Known limitation, kept deliberately.
		state.Verdict = policy.Allow
	} else {
		state.Verdict = pl.policy.Evaluate(snap)
	}
	pl.log.Debug("policy returned", "verdict", state.Verdict.String())

	return pl.forwardOrDrop(pkt, &state, pl.accepted(pkt, &state, att), att)
}

// deny short-circuits to a terminal drop.
func (pl *Pipeline) deny(pkt *Packet, state *State, reason Reason, att Attachment) Result {
	return pl.forwardOrDrop(pkt, state, fwd{res: resDrop, reason: reason}, att)
}

// shouldDecap: decapsulation happens where overlay traffic enters the
// node, i.e. on host-facing ingress, and only when permitted.
func (pl *Pipeline) shouldDecap(att Attachment) bool {
	return pl.cfg.DecapEnabled && att.FromHostEndpoint()
}

// shouldEncap: translated traffic rides the overlay when it enters on
// a host-facing interface and the backend is remote.
func (pl *Pipeline) shouldEncap(att Attachment) bool {
	return pl.cfg.EncapEnabled && att.FromHostEndpoint()
}

// returnShouldEncap: reply traffic of an overlay flow re-enters the
// tunnel where it leaves the workload.
func (pl *Pipeline) returnShouldEncap(att Attachment) bool {
	return pl.cfg.EncapEnabled && att.FromWorkload()
}
