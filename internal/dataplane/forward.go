package dataplane

import (
	"encoding/binary"

	"grimm.is/turnpike/internal/routes"
)

// forwardOrDrop is the terminal stage: it turns the accept stage's
// instruction into a concrete action, attempting the short-circuit
// FIB path where allowed and applying the outgoing mark before any
// verdict is emitted.
func (pl *Pipeline) forwardOrDrop(pkt *Packet, state *State, f fwd, att Attachment) Result {
	if f.res == resDrop {
		return pl.finish(state, Result{Action: ActionDrop, Reason: f.reason}, att, f)
	}

	if f.res == resRedirSame {
		// Bouncing back out the ingress interface. The synthesizer
		// built the frame with its link-layer addresses already
		// reversed; emit it as-is.
		if _, ok := pkt.Ethernet(); !ok {
			return pl.finish(state, Result{Action: ActionDrop, Reason: ReasonShort}, att, f)
		}
		if pl.redirect == nil || pl.redirect.Redirect(att.IfIndex, pkt.Bytes()) != nil {
			pl.log.Debug("redirect to same interface failed", "iface", att.IfIndex)
			return pl.finish(state, Result{Action: ActionDrop, Reason: ReasonRedirectFail}, att, f)
		}
		pl.log.Debug("redirect to same interface succeeded", "iface", att.IfIndex)
		return pl.finish(state, Result{Action: ActionRedirect, IfIndex: att.IfIndex}, att, f)
	}

	res := Result{Action: ActionForward}

	// Short-circuit FIB forwarding applies only toward the host
	// namespace, where we would otherwise hand off to the stack.
	if f.fib && pl.cfg.FIBEnabled && pl.fib != nil && att.ToHostNS() {
		res = pl.fibForward(pkt, state, f, att)
	}

	return pl.finish(state, res, att, f)
}

// fibForward attempts the route-lookup redirect. Every failure mode
// here falls back to ActionForward (the stack is the safety net); only
// a refused redirect or lost bounds turns into a drop.
func (pl *Pipeline) fibForward(pkt *Packet, state *State, f fwd, att Attachment) Result {
	ip, ok := pkt.IPv4()
	if !ok {
		return Result{Action: ActionDrop, Reason: ReasonShort}
	}

	req := routes.FIBRequest{
		Proto:     state.Proto,
		Src:       state.SrcAddr,
		Dst:       state.DstAddr,
		SrcPort:   state.SrcPort,
		DstPort:   state.DstPort,
		IfIndex:   att.IfIndex,
		TotalLen:  ip.TotalLen(),
		OutputKey: f.fibOutput,
	}

	hop, err := pl.fib.Lookup(req)
	if err != nil {
		pl.log.Debug("FIB lookup failed, stack forward", "err", err)
		return Result{Action: ActionForward}
	}

	// We are about to bypass the IP stack; if the TTL is spent, let
	// the stack handle it instead. Policy already approved the
	// packet, so this is safe.
	if ip.TTLExceeded() {
		pl.log.Debug("TTL exceeded, cancelling FIB forward")
		return Result{Action: ActionForward}
	}

	// NAT may have replaced the buffer; re-validate before the MAC
	// rewrite.
	eth, ok := pkt.Ethernet()
	if !ok {
		return Result{Action: ActionDrop, Reason: ReasonShort}
	}
	eth.SetSrcMAC(hop.SrcMAC[:])
	eth.SetDstMAC(hop.DstMAC[:])

	// Committed to bypassing the stack and TTL > 1: decrement it,
	// fixing the header checksum in the same step, before the frame
	// leaves.
	ipDecTTL(ip)

	if pl.redirect == nil || pl.redirect.Redirect(hop.IfIndex, pkt.Bytes()) != nil {
		pl.log.Debug("FIB redirect failed", "iface", hop.IfIndex)
		return Result{Action: ActionDrop, Reason: ReasonRedirectFail}
	}

	pl.log.Debug("FIB hit, redirected", "iface", hop.IfIndex)
	return Result{Action: ActionRedirect, IfIndex: hop.IfIndex}
}

// ipDecTTL decrements the TTL with the paired incremental checksum
// update; the two must never be separated.
func ipDecTTL(ip IPv4View) {
	old := binary.BigEndian.Uint16(ip[8:10])
	ip.SetTTL(ip.TTL() - 1)
	ip.SetChecksum(checksumUpdate16(ip.Checksum(), old, binary.BigEndian.Uint16(ip[8:10])))
}

// finish applies the outgoing mark, records latency and emits the
// final log line for the traversal.
func (pl *Pipeline) finish(state *State, res Result, att Attachment, f fwd) Result {
	if att.ToHostNS() && res.Action != ActionDrop {
		// Mark so downstream hooks know they are not the first to
		// see this packet.
		res.Mark = f.mark
	}

	elapsed := pl.clk.Since(state.Start)
	if res.Action == ActionDrop {
		pl.log.Info("final result: drop", "reason", res.Reason.String(), "elapsed", elapsed)
	} else {
		pl.log.Debug("final result", "action", res.Action.String(), "mark", res.Mark, "elapsed", elapsed)
	}
	if pl.onDone != nil {
		pl.onDone(res, elapsed)
	}
	return res
}
