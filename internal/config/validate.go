package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateNode()...)
	errs = append(errs, c.validateInterfaces()...)
	errs = append(errs, c.validateVXLAN()...)
	errs = append(errs, c.validateConntrack()...)
	errs = append(errs, c.validateServices()...)
	errs = append(errs, c.validateRoutes()...)
	errs = append(errs, c.validatePolicies()...)

	return errs
}

func (c *Config) validateNode() ValidationErrors {
	var errs ValidationErrors
	addr, err := netip.ParseAddr(c.Node.IP)
	if err != nil {
		errs = append(errs, ValidationError{"node.ip", fmt.Sprintf("invalid address %q", c.Node.IP)})
	} else if !addr.Is4() {
		errs = append(errs, ValidationError{"node.ip", "must be an IPv4 address"})
	}
	return errs
}

func (c *Config) validateInterfaces() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for _, iface := range c.Interfaces {
		field := fmt.Sprintf("interface.%s", iface.Name)
		if iface.Name == "" {
			errs = append(errs, ValidationError{"interface", "name is required"})
			continue
		}
		if seen[iface.Name] {
			errs = append(errs, ValidationError{field, "duplicate interface"})
		}
		seen[iface.Name] = true
		if iface.Role != "workload" && iface.Role != "host" {
			errs = append(errs, ValidationError{field, fmt.Sprintf("role must be \"workload\" or \"host\", got %q", iface.Role)})
		}
	}
	return errs
}

func (c *Config) validateVXLAN() ValidationErrors {
	if c.VXLAN == nil {
		return nil
	}
	var errs ValidationErrors
	if c.VXLAN.Port < 1 || c.VXLAN.Port > 65535 {
		errs = append(errs, ValidationError{"vxlan.port", "must be 1-65535"})
	}
	if c.VXLAN.VNI < 0 || c.VXLAN.VNI > 0xffffff {
		errs = append(errs, ValidationError{"vxlan.vni", "must fit in 24 bits"})
	}
	if c.VXLAN.MTU < 576 {
		errs = append(errs, ValidationError{"vxlan.mtu", "must be at least 576"})
	}
	return errs
}

func (c *Config) validateConntrack() ValidationErrors {
	if c.Conntrack == nil {
		return nil
	}
	var errs ValidationErrors
	check := func(field, val string) {
		if val == "" {
			return
		}
		if d, err := time.ParseDuration(val); err != nil {
			errs = append(errs, ValidationError{field, fmt.Sprintf("invalid duration %q", val)})
		} else if d <= 0 {
			errs = append(errs, ValidationError{field, "must be positive"})
		}
	}
	check("conntrack.sweep_interval", c.Conntrack.SweepInterval)
	check("conntrack.tcp_established_timeout", c.Conntrack.TCPEstablished)
	check("conntrack.tcp_pre_established_timeout", c.Conntrack.TCPPreEst)
	check("conntrack.udp_timeout", c.Conntrack.UDPTimeout)
	check("conntrack.icmp_timeout", c.Conntrack.ICMPTimeout)
	return errs
}

func (c *Config) validateServices() ValidationErrors {
	var errs ValidationErrors
	for _, svc := range c.Services {
		field := fmt.Sprintf("service.%s", svc.Name)
		if _, err := netip.ParseAddr(svc.Address); err != nil {
			errs = append(errs, ValidationError{field, fmt.Sprintf("invalid address %q", svc.Address)})
		}
		if _, err := netip.ParseAddr(svc.BackendAddress); err != nil {
			errs = append(errs, ValidationError{field, fmt.Sprintf("invalid backend_address %q", svc.BackendAddress)})
		}
		if svc.Port < 1 || svc.Port > 65535 {
			errs = append(errs, ValidationError{field, "port must be 1-65535"})
		}
		if svc.BackendPort < 1 || svc.BackendPort > 65535 {
			errs = append(errs, ValidationError{field, "backend_port must be 1-65535"})
		}
		if _, err := parseProto(svc.Protocol); err != nil {
			errs = append(errs, ValidationError{field, err.Error()})
		}
	}
	return errs
}

func (c *Config) validateRoutes() ValidationErrors {
	var errs ValidationErrors
	for i, rt := range c.Routes {
		field := fmt.Sprintf("route[%d]", i)
		if _, err := netip.ParsePrefix(rt.Prefix); err != nil {
			errs = append(errs, ValidationError{field, fmt.Sprintf("invalid prefix %q", rt.Prefix)})
		}
		for _, f := range rt.Flags {
			if _, err := parseRouteFlag(f); err != nil {
				errs = append(errs, ValidationError{field, err.Error()})
			}
		}
		if rt.NextHop != "" {
			if _, err := netip.ParseAddr(rt.NextHop); err != nil {
				errs = append(errs, ValidationError{field, fmt.Sprintf("invalid next_hop %q", rt.NextHop)})
			}
		}
	}
	return errs
}

func (c *Config) validatePolicies() ValidationErrors {
	var errs ValidationErrors
	for _, pol := range c.Policies {
		field := fmt.Sprintf("policy.%s", pol.Name)
		if pol.Action != "allow" && pol.Action != "deny" {
			errs = append(errs, ValidationError{field, fmt.Sprintf("action must be \"allow\" or \"deny\", got %q", pol.Action)})
		}
		if pol.Protocol != "" {
			if _, err := parseProto(pol.Protocol); err != nil {
				errs = append(errs, ValidationError{field, err.Error()})
			}
		}
		if pol.Source != "" {
			if _, err := netip.ParsePrefix(pol.Source); err != nil {
				errs = append(errs, ValidationError{field, fmt.Sprintf("invalid source %q", pol.Source)})
			}
		}
		if pol.Dest != "" {
			if _, err := netip.ParsePrefix(pol.Dest); err != nil {
				errs = append(errs, ValidationError{field, fmt.Sprintf("invalid destination %q", pol.Dest)})
			}
		}
		if pol.PortLow < 0 || pol.PortLow > 65535 || pol.PortHigh < 0 || pol.PortHigh > 65535 {
			errs = append(errs, ValidationError{field, "ports must be 0-65535"})
		}
		if pol.PortHigh != 0 && pol.PortHigh < pol.PortLow {
			errs = append(errs, ValidationError{field, "port_high must be >= port_low"})
		}
	}
	return errs
}
