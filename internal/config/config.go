// Package config defines the HCL configuration schema for the daemon
// and the translation from parsed config into the runtime tables.
package config

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level daemon configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Node       Node        `hcl:"node,block" json:"node"`
	Interfaces []Interface `hcl:"interface,block" json:"interfaces"`
	VXLAN      *VXLAN      `hcl:"vxlan,block" json:"vxlan,omitempty"`
	Conntrack  *Conntrack  `hcl:"conntrack,block" json:"conntrack,omitempty"`
	Services   []Service   `hcl:"service,block" json:"services"`
	Routes     []Route     `hcl:"route,block" json:"routes"`
	Policies   []Policy    `hcl:"policy,block" json:"policies"`
	Pipeline   *Pipeline   `hcl:"pipeline,block" json:"pipeline,omitempty"`
	Intake     *Intake     `hcl:"intake,block" json:"intake,omitempty"`
	Metrics    *Metrics    `hcl:"metrics,block" json:"metrics,omitempty"`
	Logging    *Logging    `hcl:"logging,block" json:"logging,omitempty"`
}

// Node identifies this host in the cluster.
type Node struct {
	IP   string `hcl:"ip" json:"ip"`
	Name string `hcl:"name,optional" json:"name,omitempty"`
}

// Interface attaches the pipeline to a network interface.
type Interface struct {
	Name string `hcl:"name,label" json:"name"`
	Role string `hcl:"role" json:"role"` // "workload" or "host"
}

// VXLAN configures overlay encapsulation.
type VXLAN struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`
	Port    int  `hcl:"port,optional" json:"port,omitempty"`
	VNI     int  `hcl:"vni,optional" json:"vni,omitempty"`
	MTU     int  `hcl:"mtu,optional" json:"mtu,omitempty"`
}

// Conntrack tunes connection tracking expiry.
type Conntrack struct {
	SweepInterval  string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`
	TCPEstablished string `hcl:"tcp_established_timeout,optional" json:"tcp_established_timeout,omitempty"`
	TCPPreEst      string `hcl:"tcp_pre_established_timeout,optional" json:"tcp_pre_established_timeout,omitempty"`
	UDPTimeout     string `hcl:"udp_timeout,optional" json:"udp_timeout,omitempty"`
	ICMPTimeout    string `hcl:"icmp_timeout,optional" json:"icmp_timeout,omitempty"`
}

// Service maps a virtual frontend to a concrete backend.
type Service struct {
	Name           string `hcl:"name,label" json:"name"`
	Address        string `hcl:"address" json:"address"`
	Port           int    `hcl:"port" json:"port"`
	Protocol       string `hcl:"protocol" json:"protocol"` // "tcp" or "udp"
	BackendAddress string `hcl:"backend_address" json:"backend_address"`
	BackendPort    int    `hcl:"backend_port" json:"backend_port"`
	ViaTunnel      bool   `hcl:"via_tunnel,optional" json:"via_tunnel,omitempty"`
}

// Route seeds the routing table with an entry.
type Route struct {
	Prefix    string   `hcl:"prefix" json:"prefix"`
	Flags     []string `hcl:"flags" json:"flags"` // local, host, workload, in-pool, nat-outgoing
	NextHop   string   `hcl:"next_hop,optional" json:"next_hop,omitempty"`
	Interface string   `hcl:"interface,optional" json:"interface,omitempty"`
}

// Policy is one ordered rule; first match wins.
type Policy struct {
	Name      string `hcl:"name,label" json:"name"`
	Action    string `hcl:"action" json:"action"` // "allow" or "deny"
	Protocol  string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Source    string `hcl:"source,optional" json:"source,omitempty"`
	Dest      string `hcl:"destination,optional" json:"destination,omitempty"`
	PortLow   int    `hcl:"port_low,optional" json:"port_low,omitempty"`
	PortHigh  int    `hcl:"port_high,optional" json:"port_high,omitempty"`
}

// Pipeline toggles per-packet behavior.
type Pipeline struct {
	FIBEnabled         bool `hcl:"fib_enabled,optional" json:"fib_enabled"`
	DropWorkloadToHost bool `hcl:"drop_workload_to_host,optional" json:"drop_workload_to_host"`
}

// Intake configures how packets reach the pipeline.
type Intake struct {
	QueueNum  int  `hcl:"queue_num,optional" json:"queue_num,omitempty"`
	QueueLen  int  `hcl:"queue_len,optional" json:"queue_len,omitempty"`
	DropGroup int  `hcl:"drop_group,optional" json:"drop_group,omitempty"`
	Steering  bool `hcl:"steering,optional" json:"steering"`
}

// Metrics configures the Prometheus listener.
type Metrics struct {
	Listen   string `hcl:"listen,optional" json:"listen,omitempty"`
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

// Logging configures the daemon logger.
type Logging struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json"`
}
