package config

import (
	"fmt"
	"net/netip"

	"grimm.is/turnpike/internal/conntrack"
	"grimm.is/turnpike/internal/nat"
	"grimm.is/turnpike/internal/policy"
	"grimm.is/turnpike/internal/routes"
)

const (
	protoICMP = 1
	protoTCP  = 6
	protoUDP  = 17
)

func parseProto(s string) (uint8, error) {
	switch s {
	case "tcp":
		return protoTCP, nil
	case "udp":
		return protoUDP, nil
	case "icmp":
		return protoICMP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

func parseRouteFlag(s string) (routes.Flags, error) {
	switch s {
	case "local":
		return routes.FlagLocal, nil
	case "host":
		return routes.FlagHost, nil
	case "workload":
		return routes.FlagWorkload, nil
	case "in-pool":
		return routes.FlagInPool, nil
	case "nat-outgoing":
		return routes.FlagNATOut, nil
	default:
		return 0, fmt.Errorf("unknown route flag %q", s)
	}
}

// NodeAddr returns the parsed node IP. Call after Validate.
func (c *Config) NodeAddr() netip.Addr {
	addr, _ := netip.ParseAddr(c.Node.IP)
	return addr
}

// BuildNATTable constructs the NAT frontend table from the service blocks.
func (c *Config) BuildNATTable() *nat.Table {
	t := nat.New()
	for _, svc := range c.Services {
		addr, _ := netip.ParseAddr(svc.Address)
		backend, _ := netip.ParseAddr(svc.BackendAddress)
		proto, _ := parseProto(svc.Protocol)
		t.Add(addr, proto, uint16(svc.Port), svc.ViaTunnel, nat.Destination{
			Addr: backend,
			Port: uint16(svc.BackendPort),
		})
	}
	return t
}

// BuildRouteTable constructs the routing table from the route blocks.
// Interface names are resolved to indexes via lookup; unknown names get
// index 0, which disables FIB short-circuiting for that route.
func (c *Config) BuildRouteTable(ifIndex func(name string) int) *routes.Table {
	t := routes.NewTable()
	c.PopulateRouteTable(t, ifIndex)
	return t
}

// PopulateRouteTable adds the configured route blocks to an existing
// table, overwriting any same-prefix entries already there (kernel
// seeding runs first; managed prefixes win).
func (c *Config) PopulateRouteTable(t *routes.Table, ifIndex func(name string) int) {
	for _, rt := range c.Routes {
		prefix, err := netip.ParsePrefix(rt.Prefix)
		if err != nil {
			continue
		}
		var flags routes.Flags
		for _, f := range rt.Flags {
			fl, err := parseRouteFlag(f)
			if err != nil {
				continue
			}
			flags |= fl
		}
		entry := routes.Entry{Prefix: prefix, Flags: flags}
		if rt.NextHop != "" {
			entry.NextHop, _ = netip.ParseAddr(rt.NextHop)
		}
		if rt.Interface != "" && ifIndex != nil {
			entry.IfIndex = ifIndex(rt.Interface)
		}
		t.Add(entry)
	}
}

// BuildTimeouts constructs conntrack timeouts, starting from the
// defaults and applying any configured overrides.
func (c *Config) BuildTimeouts() conntrack.Timeouts {
	t := conntrack.DefaultTimeouts()
	if c.Conntrack == nil {
		return t
	}
	t.TCPEstablished, _ = duration(c.Conntrack.TCPEstablished, t.TCPEstablished)
	t.TCPPreEstablished, _ = duration(c.Conntrack.TCPPreEst, t.TCPPreEstablished)
	t.UDPLastSeen, _ = duration(c.Conntrack.UDPTimeout, t.UDPLastSeen)
	t.ICMPLastSeen, _ = duration(c.Conntrack.ICMPTimeout, t.ICMPLastSeen)
	return t
}

// BuildPolicyEngine constructs the rule engine from the policy blocks.
// With no policy blocks configured everything is allowed.
func (c *Config) BuildPolicyEngine() policy.Engine {
	if len(c.Policies) == 0 {
		return policy.AllowAll{}
	}
	rules := make([]policy.Rule, 0, len(c.Policies))
	for _, pol := range c.Policies {
		r := policy.Rule{
			Name:     pol.Name,
			PortLow:  uint16(pol.PortLow),
			PortHigh: uint16(pol.PortHigh),
		}
		if pol.Action == "deny" {
			r.Action = policy.ActionDeny
		}
		if pol.Protocol != "" {
			r.Proto, _ = parseProto(pol.Protocol)
		}
		if pol.Source != "" {
			r.Src, _ = netip.ParsePrefix(pol.Source)
		}
		if pol.Dest != "" {
			r.Dst, _ = netip.ParsePrefix(pol.Dest)
		}
		rules = append(rules, r)
	}
	return policy.NewRuleEngine(rules)
}
