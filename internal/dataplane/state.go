package dataplane

import (
	"fmt"
	"net/netip"
	"time"

	"grimm.is/turnpike/internal/conntrack"
	"grimm.is/turnpike/internal/nat"
	"grimm.is/turnpike/internal/policy"
	"grimm.is/turnpike/internal/routes"
)

// IfaceRole says what kind of endpoint an interface faces.
type IfaceRole int

const (
	// RoleWorkload faces a managed workload; unknown traffic is
	// dropped, RPF is enforced.
	RoleWorkload IfaceRole = iota
	// RoleHost faces the node/underlay; unknown traffic falls
	// through to the regular stack.
	RoleHost
)

// Hook is which side of the interface the pipeline observed the
// packet on.
type Hook int

const (
	// HookFromEndpoint sees packets arriving from the endpoint,
	// heading into the host namespace.
	HookFromEndpoint Hook = iota
	// HookToEndpoint sees packets leaving the host namespace toward
	// the endpoint.
	HookToEndpoint
)

// Attachment identifies the interface and direction a packet was
// observed on.
type Attachment struct {
	IfName  string
	IfIndex int
	Role    IfaceRole
	Hook    Hook
}

// FromWorkload: packet sourced by a local workload.
func (a Attachment) FromWorkload() bool { return a.Role == RoleWorkload && a.Hook == HookFromEndpoint }

// ToWorkload: packet being delivered to a local workload.
func (a Attachment) ToWorkload() bool { return a.Role == RoleWorkload && a.Hook == HookToEndpoint }

// FromHostEndpoint: packet arriving on a host-facing interface.
func (a Attachment) FromHostEndpoint() bool { return a.Role == RoleHost && a.Hook == HookFromEndpoint }

// ToHostEndpoint: packet leaving on a host-facing interface.
func (a Attachment) ToHostEndpoint() bool { return a.Role == RoleHost && a.Hook == HookToEndpoint }

// ToHostNS: packet heading into the host namespace, regardless of
// which endpoint it came from. Marks are applied on this direction so
// downstream hooks can recognize prior handling.
func (a Attachment) ToHostNS() bool { return a.Hook == HookFromEndpoint }

// FromHostNS: packet leaving the host namespace.
func (a Attachment) FromHostNS() bool { return a.Hook == HookToEndpoint }

// Packet marks: the out-of-band prior-verdict vocabulary shared with
// cooperating hooks up- and downstream of this pipeline.
const (
	// MarkNone means no prior verdict.
	MarkNone uint32 = 0

	// MarkSeen: packet was processed by a sibling hook; not an
	// approval, just "not first".
	MarkSeen uint32 = 0x4b100000
	// MarkNATOut: flow needs downstream outgoing source NAT.
	MarkNATOut uint32 = 0x4b200000
	// MarkBypass: packet fully vetted, skip everything.
	MarkBypass uint32 = 0x4b300000
	// MarkBypassForward: vetted and already translated; forward.
	MarkBypassForward uint32 = 0x4b400000
	// MarkBypassForwardSrcFixup: as MarkBypassForward, but the source
	// address must still be rewritten to this node's address.
	MarkBypassForwardSrcFixup uint32 = 0x4b500000
)

// Reason explains a drop (or a bypass) for diagnostics; it never
// affects forwarding behavior.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonBypass
	ReasonShort
	ReasonCsumFail
	ReasonPolicyDeny
	ReasonPolicyNoMatch
	ReasonRPFFail
	ReasonConntrackInvalid
	ReasonUnsupportedProto
	ReasonRouteUnknown
	ReasonWorkloadToHost
	ReasonDecapFail
	ReasonEncapFail
	ReasonICMPFail
	ReasonICMPDontFragment
	ReasonRedirectFail
	ReasonStateMissing
)

func (r Reason) String() string {
	switch r {
	case ReasonUnknown:
		return "unknown"
	case ReasonBypass:
		return "bypass"
	case ReasonShort:
		return "too-short"
	case ReasonCsumFail:
		return "checksum-fail"
	case ReasonPolicyDeny:
		return "policy-deny"
	case ReasonPolicyNoMatch:
		return "policy-no-match"
	case ReasonRPFFail:
		return "rpf-fail"
	case ReasonConntrackInvalid:
		return "conntrack-invalid"
	case ReasonUnsupportedProto:
		return "unsupported-proto"
	case ReasonRouteUnknown:
		return "route-unknown"
	case ReasonWorkloadToHost:
		return "workload-to-host"
	case ReasonDecapFail:
		return "decap-fail"
	case ReasonEncapFail:
		return "encap-fail"
	case ReasonICMPFail:
		return "icmp-fail"
	case ReasonICMPDontFragment:
		return "icmp-dnf"
	case ReasonRedirectFail:
		return "redirect-fail"
	case ReasonStateMissing:
		return "state-missing"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// StateFlags is the per-packet flags bitset.
type StateFlags uint8

const (
	// FlagNATOutgoing: the packet's connection needs outgoing source
	// NAT downstream.
	FlagNATOutgoing StateFlags = 1 << iota
)

// State is the per-packet record carried between stages. Created empty
// at pipeline entry, mutated in place through every stage, discarded
// with the packet. The caller owns it for the packet's lifetime.
type State struct {
	Proto   uint8
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16

	Flags StateFlags

	// TunnelSrc is the outer source address if the packet was
	// decapsulated on ingress.
	TunnelSrc netip.Addr

	CT conntrack.Result

	// PostNATDst/PostNATPort hold the destination after translation;
	// equal to DstAddr/DstPort when no translation applies.
	PostNATDst  netip.Addr
	PostNATPort uint16

	// NATDest is the resolver's pick for a new connection.
	NATDest    nat.Destination
	HasNATDest bool

	Verdict policy.Verdict

	// Start anchors latency accounting for this traversal.
	Start time.Time
}

// HasTunnelSrc reports whether the packet came out of the overlay.
func (s *State) HasTunnelSrc() bool { return s.TunnelSrc.IsValid() }

// snapshot persists the classification for the policy hand-off. The
// returned value is complete: evaluation must not need the packet.
func (s *State) snapshot() policy.Snapshot {
	return policy.Snapshot{
		Proto:       s.Proto,
		Src:         s.SrcAddr,
		Dst:         s.DstAddr,
		SrcPort:     s.SrcPort,
		DstPort:     s.DstPort,
		PostNATDst:  s.PostNATDst,
		PostNATPort: s.PostNATPort,
		TunnelSrc:   s.TunnelSrc,
		NATOutgoing: s.Flags&FlagNATOutgoing != 0,
	}
}

// Action is the terminal outcome for a packet.
type Action int

const (
	// ActionForward hands the packet to the regular stack,
	// unmodified beyond any rewrites already applied.
	ActionForward Action = iota
	// ActionDrop discards the packet.
	ActionDrop
	// ActionRedirect emits the packet directly out IfIndex,
	// bypassing the stack.
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionDrop:
		return "drop"
	case ActionRedirect:
		return "redirect"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Result is what Process returns to the intake layer.
type Result struct {
	Action  Action
	IfIndex int
	Reason  Reason
	// Mark is the outgoing annotation for downstream hooks; only set
	// on the to-host direction.
	Mark uint32
}

// fwd is the accept stage's instruction to the forwarding resolver.
type fwdRes int

const (
	resForward fwdRes = iota
	resDrop
	resRedirSame
)

type fwd struct {
	res       fwdRes
	mark      uint32
	reason    Reason
	fib       bool
	fibOutput bool
}

// Collaborator contracts. The pipeline only ever reads these tables;
// the single write (conntrack create) must be idempotent under
// concurrent duplicate creates.

// Conntrack is the connection-tracking collaborator.
type Conntrack interface {
	Lookup(key conntrack.Key, tcpSYN bool) conntrack.Result
	Create(conn conntrack.NewConn, natEstablished bool)
}

// NATTable is the destination-NAT collaborator.
type NATTable interface {
	Resolve(addr netip.Addr, proto uint8, port uint16, viaTunnel bool) (nat.Destination, bool)
}

// RouteTable is the routing collaborator.
type RouteTable interface {
	Lookup(addr netip.Addr) (routes.Entry, bool)
	LookupFlags(addr netip.Addr) routes.Flags
}

// FIB resolves the short-circuit forwarding path.
type FIB interface {
	Lookup(req routes.FIBRequest) (routes.Hop, error)
}

// Redirector actually emits a frame out an interface. A refusal is
// converted to a drop, never retried.
type Redirector interface {
	Redirect(ifindex int, frame []byte) error
}

// Encapsulator is the overlay collaborator.
type Encapsulator interface {
	// IsTunnel reports whether the packet is overlay-encapsulated.
	IsTunnel(p *Packet) bool
	// Decap strips the outer headers in place.
	Decap(p *Packet) error
	// Encap wraps the packet for src->dst overlay transport.
	Encap(p *Packet, src, dst netip.Addr) error
	// TooBig reports whether encapsulating would exceed the tunnel's
	// effective MTU.
	TooBig(p *Packet) bool
	// Port returns the overlay's transport port.
	Port() uint16
	// InnerMTU is the largest inner packet that still fits after
	// encapsulation; advertised in fragmentation-needed replies.
	InnerMTU() int
}
