package dataplane

import (
	"grimm.is/turnpike/internal/conntrack"
	"grimm.is/turnpike/internal/policy"
	"grimm.is/turnpike/internal/routes"
)

// Stage exits for the accept processor. Each classification arm
// returns exactly one of these; the dispatcher at the bottom of
// accepted() turns it into a fwd instruction, handling ICMP synthesis
// and encapsulation in one place instead of scattering the terminal
// paths through the switch.
type exitCode int

const (
	exitAllow exitCode = iota
	exitDeny
	exitICMPTTL
	exitICMPTooBig
	exitEncap
)

type acceptExit struct {
	code   exitCode
	reason Reason
}

func allowExit() acceptExit          { return acceptExit{code: exitAllow} }
func denyExit(r Reason) acceptExit   { return acceptExit{code: exitDeny, reason: r} }
func icmpExit(c exitCode) acceptExit { return acceptExit{code: c} }
func encapExit() acceptExit          { return acceptExit{code: exitEncap} }

// accepted is the post-policy processor: verdict gating, NAT header
// rewriting, conntrack creation, encapsulation decisions and ICMP
// synthesis, keyed by the conntrack classification.
func (pl *Pipeline) accepted(pkt *Packet, state *State, att Attachment) fwd {
	pl.log.Debug("accept processing",
		"src", state.SrcAddr, "dst", state.DstAddr,
		"post_nat", state.PostNATDst, "post_nat_port", state.PostNATPort,
		"ct", state.CT.Code.String(), "verdict", state.Verdict.String(), "flags", state.Flags)

	f := fwd{res: resForward, fib: true}
	if att.FromWorkload() && state.Flags&FlagNATOutgoing != 0 {
		// The downstream SNAT hook must see this packet; keep it on
		// the slow path and mark it accordingly.
		f.fib = false
		f.mark = MarkNATOut
	} else {
		f.mark = MarkSeen
	}

	ip, ok := pkt.IPv4()
	if !ok {
		f.res, f.reason = resDrop, ReasonShort
		return f
	}

	ex := pl.acceptSwitch(pkt, ip, state, att, &f)

	switch ex.code {
	case exitAllow:
		return f

	case exitDeny:
		f.res, f.reason = resDrop, ex.reason
		return f

	case exitICMPTTL, exitICMPTooBig:
		// Re-validate before the synthesizer touches headers; NAT
		// rewrites may have happened since the last check.
		if _, ok := pkt.IPv4(); !ok {
			f.res, f.reason = resDrop, ReasonShort
			return f
		}
		kind := icmpTTLExceeded
		if ex.code == exitICMPTooBig {
			kind = icmpTooBig
			f.mark = MarkBypassForward
		}
		if !synthesizeICMP(pkt, kind, pl.cfg.NodeIP, pl.encap.InnerMTU()) {
			// Silently drop rather than emit a malformed reply.
			f.res, f.reason = resDrop, ReasonICMPFail
			return f
		}
		// The packet is now our own ICMP message; restate it so the
		// forwarding resolver routes the reply, not the original.
		state.SrcPort, state.DstPort = 0, 0
		state.Proto = ProtoICMP
		if rip, ok := pkt.IPv4(); ok {
			state.SrcAddr = rip.SrcAddr()
			state.DstAddr = rip.DstAddr()
		}
		f.fibOutput = true
		if att.FromWorkload() {
			// Came from a workload; send it straight back the way it
			// came in.
			f.res = resRedirSame
		}
		return f

	case exitEncap:
		if err := pl.encap.Encap(pkt, state.SrcAddr, state.DstAddr); err != nil {
			pl.log.Debug("encap failed", "err", err)
			f.res, f.reason = resDrop, ReasonEncapFail
			return f
		}
		// The flow identity the FIB sees is now the outer datagram.
		port := pl.encap.Port()
		state.SrcPort, state.DstPort = port, port
		state.Proto = ProtoUDP
		if att.Hook == HookFromEndpoint {
			f.fibOutput = true
		}
		return f
	}

	// Unreachable; every arm above returns.
	f.res, f.reason = resDrop, ReasonUnknown
	return f
}

// acceptSwitch is the conntrack-keyed state machine. It mutates the
// packet (NAT rewrites) and the fwd instruction (marks, fib) and
// reports how to leave the stage.
func (pl *Pipeline) acceptSwitch(pkt *Packet, ip IPv4View, state *State, att Attachment, f *fwd) acceptExit {
	// A TTL-violating packet must never ride the fast local-forward
	// path; answer with an ICMP error while we still know the flow.
	if ip.TTLExceeded() {
		switch state.CT.Code {
		case conntrack.New:
			if state.HasNATDest {
				return icmpExit(exitICMPTTL)
			}
		case conntrack.EstablishedDNAT, conntrack.EstablishedSNAT:
			return icmpExit(exitICMPTTL)
		}
	}

	switch state.CT.Code {
	case conntrack.New:
		return pl.acceptNew(pkt, ip, state, att, f)

	case conntrack.EstablishedDNAT:
		return pl.acceptDNAT(pkt, ip, state, att, f, conntrack.NewConn{})

	case conntrack.EstablishedSNAT:
		return pl.acceptSNAT(pkt, ip, state, att, f)

	case conntrack.EstablishedBypass:
		f.mark = MarkBypass
		return allowExit()

	case conntrack.Established:
		return allowExit()

	default:
		if att.FromHostEndpoint() {
			// Host traffic can show up unclassified because this
			// hook also accelerates workload forwarding without full
			// host-endpoint support. Fall through to the regular
			// stack instead of masking the gap with drops.
			pl.log.Debug("host traffic not conntracked, falling through to the stack")
			f.fib = false
			return allowExit()
		}
		return denyExit(ReasonConntrackInvalid)
	}
}

// acceptNew gates a fresh connection on the policy verdict, then
// either records the untranslated flow or falls into the DNAT path
// with the resolver's target.
func (pl *Pipeline) acceptNew(pkt *Packet, ip IPv4View, state *State, att Attachment, f *fwd) acceptExit {
	switch state.Verdict {
	case policy.NoMatch:
		pl.log.Debug("implicitly denied by policy: drop")
		return denyExit(ReasonPolicyNoMatch)
	case policy.Deny:
		pl.log.Debug("denied by policy: drop")
		return denyExit(ReasonPolicyDeny)
	case policy.Allow:
		pl.log.Debug("allowed by policy: accept")
	}

	if att.FromWorkload() && pl.cfg.DropWorkloadToHost &&
		pl.routes.LookupFlags(state.PostNATDst).IsLocalHost() {
		pl.log.Debug("workload-to-host blocked by default action: drop")
		return denyExit(ReasonWorkloadToHost)
	}

	conn := conntrack.NewConn{
		Proto:     state.Proto,
		Src:       state.SrcAddr,
		SrcPort:   state.SrcPort,
		Dst:       state.PostNATDst,
		DstPort:   state.PostNATPort,
		TunnelSrc: state.TunnelSrc,
	}
	if state.Flags&FlagNATOutgoing != 0 {
		conn.Flags |= conntrack.FlagNATOut
	}

	if state.Proto == ProtoTCP {
		// Full TCP header needed for tracking; re-validate for its
		// size before the create.
		if _, ok := pkt.TCP(); !ok {
			pl.log.Debug("too short for TCP: drop")
			return denyExit(ReasonShort)
		}
	}

	if !state.HasNATDest {
		pl.ct.Create(conn, false)
		return allowExit()
	}

	// DNAT is now established for this flow; remember the original
	// destination so replies can be reverse-translated.
	conn.OrigDst = state.DstAddr
	conn.OrigDstPort = state.DstPort
	return pl.acceptDNAT(pkt, ip, state, att, f, conn)
}

// acceptDNAT handles the forward direction of a translated flow, for
// both brand-new connections (conn carries the entry to create) and
// established ones (conn is zero; the translation comes from the
// conntrack result).
func (pl *Pipeline) acceptDNAT(pkt *Packet, ip IPv4View, state *State, att Attachment, f *fwd, conn conntrack.NewConn) acceptExit {
	isNew := state.CT.Code == conntrack.New

	if !isNew {
		if att.FromHostEndpoint() && state.HasTunnelSrc() && !state.CT.TunnelReturnAddr.IsValid() {
			// Returning out of a NAT tunnel, already translated
			// upstream; just forward it.
			pl.log.Debug("returned from NAT tunnel, forward")
			f.mark = MarkBypassForward
			return allowExit()
		}
		state.PostNATDst = state.CT.NATAddr
		state.PostNATPort = state.CT.NATPort
	}

	pl.log.Debug("DNAT", "to", state.PostNATDst, "port", state.PostNATPort)

	var rt routes.Entry
	encapNeeded := pl.shouldEncap(att)
	if encapNeeded {
		var ok bool
		rt, ok = pl.routes.Lookup(state.PostNATDst)
		if !ok {
			return denyExit(ReasonRouteUnknown)
		}
		// Local backends are delivered directly; only remote ones
		// ride the overlay.
		encapNeeded = !rt.Flags.IsLocal()
	}

	// Create the entry before any MTU check or encap so the reply
	// path exists even if we end up answering with an ICMP error.
	if isNew {
		pl.ct.Create(conn, true)
	}

	if encapNeeded {
		if !(state.Proto == ProtoTCP && pkt.GSO) && ip.DontFragment() && pl.encap.TooBig(pkt) {
			pl.log.Debug("DNF set and packet too big for tunnel")
			return icmpExit(exitICMPTooBig)
		}
		// The packet rides the overlay untranslated. The far node
		// resolves the same frontend, records the tunnel origin and
		// applies the rewrite there; translating first would leave it
		// with a plain flow and strand the reply outside the tunnel.
		state.SrcAddr = pl.cfg.NodeIP
		state.DstAddr = state.PostNATDst
		if rt.Flags&routes.FlagWorkload != 0 {
			state.DstAddr = rt.NextHop
		}
		f.mark = MarkBypassForward
		return encapExit()
	}

	// Local backend: rewrite in place, both checksum fixes going with
	// the rewrite before any exit from this stage.
	ip.SetDstAddr(state.PostNATDst)
	switch state.Proto {
	case ProtoTCP:
		tcp, ok := pkt.TCP()
		if !ok {
			return denyExit(ReasonShort)
		}
		tcp.SetDstPort(state.PostNATPort)
	case ProtoUDP:
		udp, ok := pkt.UDP()
		if !ok {
			return denyExit(ReasonShort)
		}
		udp.SetDstPort(state.PostNATPort)
	}

	if !pkt.natChecksumL4(state.Proto, state.DstAddr, state.PostNATDst, state.DstPort, state.PostNATPort) {
		return denyExit(ReasonCsumFail)
	}
	ipv4UpdateChecksum(ip, state.DstAddr, state.PostNATDst)

	state.DstPort = state.PostNATPort
	state.DstAddr = state.PostNATDst
	return allowExit()
}

// acceptSNAT reverse-translates the return direction of a DNATed
// flow, re-encapsulating toward the originating tunnel when needed.
func (pl *Pipeline) acceptSNAT(pkt *Packet, ip IPv4View, state *State, att Attachment, f *fwd) acceptExit {
	pl.log.Debug("SNAT", "from", state.CT.NATAddr, "port", state.CT.NATPort)

	returnEncap := pl.returnShouldEncap(att) && state.CT.TunnelReturnAddr.IsValid()
	if returnEncap {
		if !(state.Proto == ProtoTCP && pkt.GSO) && ip.DontFragment() && pl.encap.TooBig(pkt) {
			pl.log.Debug("return packet too big for tunnel")
			return icmpExit(exitICMPTooBig)
		}
	}

	ip.SetSrcAddr(state.CT.NATAddr)
	switch state.Proto {
	case ProtoTCP:
		tcp, ok := pkt.TCP()
		if !ok {
			return denyExit(ReasonShort)
		}
		tcp.SetSrcPort(state.CT.NATPort)
	case ProtoUDP:
		udp, ok := pkt.UDP()
		if !ok {
			return denyExit(ReasonShort)
		}
		udp.SetSrcPort(state.CT.NATPort)
	}

	if !pkt.natChecksumL4(state.Proto, state.SrcAddr, state.CT.NATAddr, state.SrcPort, state.CT.NATPort) {
		return denyExit(ReasonCsumFail)
	}
	ipv4UpdateChecksum(ip, state.SrcAddr, state.CT.NATAddr)

	if returnEncap {
		// Back into the tunnel it came from. The outer source still
		// carries the workload address; the downstream hook fixes it
		// up, hence the dedicated mark.
		state.DstAddr = state.CT.TunnelReturnAddr
		f.mark = MarkBypassForwardSrcFixup
		return encapExit()
	}

	state.SrcPort = state.CT.NATPort
	state.SrcAddr = state.CT.NATAddr
	return allowExit()
}
