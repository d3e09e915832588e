// Package policy defines the hand-off contract between the forwarding
// pipeline and policy evaluation, plus a small ordered-rule engine so
// the daemon is usable without an external evaluator. The pipeline
// snapshots its per-packet classification, calls Evaluate exactly once
// for each new connection that reaches staging, and resumes with the
// verdict; everything else about rule matching is this package's
// business.
package policy

import (
	"fmt"
	"net/netip"
)

// Verdict is the policy outcome. NoMatch is treated as an implicit
// deny by the pipeline.
type Verdict int

const (
	NoMatch Verdict = iota
	Allow
	Deny
)

func (v Verdict) String() string {
	switch v {
	case NoMatch:
		return "no-match"
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Snapshot is the per-packet decision state persisted at the staging
// boundary. It must be complete enough that evaluation can run with no
// access to the packet itself.
type Snapshot struct {
	Proto   uint8
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16

	// Post-translation destination, when a NAT target was resolved
	// before policy ran.
	PostNATDst  netip.Addr
	PostNATPort uint16

	// TunnelSrc is the overlay origin for decapsulated packets.
	TunnelSrc netip.Addr

	// NATOutgoing mirrors the pipeline's needs-outgoing-NAT flag.
	NATOutgoing bool
}

// Engine evaluates one snapshot and returns exactly one verdict.
type Engine interface {
	Evaluate(s Snapshot) Verdict
}

// Action is what a rule does on match.
type Action int

const (
	ActionAllow Action = iota
	ActionDeny
)

// Rule matches on any combination of protocol, source/destination
// prefixes and a destination port range. Zero values match anything.
type Rule struct {
	Name     string
	Action   Action
	Proto    uint8
	Src      netip.Prefix
	Dst      netip.Prefix
	PortLow  uint16
	PortHigh uint16
}

func (r Rule) matches(s Snapshot) bool {
	if r.Proto != 0 && r.Proto != s.Proto {
		return false
	}
	if r.Src.IsValid() && !r.Src.Contains(s.Src) {
		return false
	}
	if r.Dst.IsValid() && !r.Dst.Contains(s.Dst) {
		return false
	}
	if r.PortLow != 0 || r.PortHigh != 0 {
		high := r.PortHigh
		if high == 0 {
			high = r.PortLow
		}
		if s.DstPort < r.PortLow || s.DstPort > high {
			return false
		}
	}
	return true
}

// RuleEngine evaluates an ordered rule list; first match wins.
type RuleEngine struct {
	rules []Rule
}

// NewRuleEngine creates an engine over the given rules.
func NewRuleEngine(rules []Rule) *RuleEngine {
	return &RuleEngine{rules: rules}
}

// Evaluate returns the verdict of the first matching rule, or NoMatch.
func (e *RuleEngine) Evaluate(s Snapshot) Verdict {
	for _, r := range e.rules {
		if r.matches(s) {
			if r.Action == ActionAllow {
				return Allow
			}
			return Deny
		}
	}
	return NoMatch
}

// AllowAll is an engine that admits everything; used in tests and for
// fail-open deployments where an external evaluator is attached later.
type AllowAll struct{}

// Evaluate always returns Allow.
func (AllowAll) Evaluate(Snapshot) Verdict { return Allow }
