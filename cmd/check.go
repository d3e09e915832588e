package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/turnpike/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: turnpike check [-v] <config-file>")
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	fmt.Printf("Configuration valid!\n")
	fmt.Printf("Schema Version: %s\n", cfg.SchemaVersion)
	fmt.Printf("Node: %s\n", cfg.Node.IP)
	fmt.Printf("Interfaces: %d\n", len(cfg.Interfaces))
	fmt.Printf("Services: %d\n", len(cfg.Services))
	fmt.Printf("Policies: %d\n", len(cfg.Policies))

	if verbose {
		fmt.Println()
		printSummary(cfg)
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

	fmt.Fprintln(w, "INTERFACE\tROLE")
	for _, ifc := range cfg.Interfaces {
		fmt.Fprintf(w, "%s\t%s\n", ifc.Name, ifc.Role)
	}
	fmt.Fprintln(w)
	w.Flush()

	fmt.Fprintln(w, "SERVICE\tFRONTEND\tBACKEND\tPROTO\tTUNNEL")
	for _, svc := range cfg.Services {
		tunnel := "no"
		if svc.ViaTunnel {
			tunnel = "yes"
		}
		fmt.Fprintf(w, "%s\t%s:%d\t%s:%d\t%s\t%s\n",
			svc.Name, svc.Address, svc.Port, svc.BackendAddress, svc.BackendPort, svc.Protocol, tunnel)
	}
	fmt.Fprintln(w)
	w.Flush()

	fmt.Fprintln(w, "POLICY\tACTION\tPROTO\tSOURCE\tDEST\tPORTS")
	for _, p := range cfg.Policies {
		proto := p.Protocol
		if proto == "" {
			proto = "any"
		}
		src := p.Source
		if src == "" {
			src = "any"
		}
		dst := p.Dest
		if dst == "" {
			dst = "any"
		}
		ports := "any"
		if p.PortLow != 0 || p.PortHigh != 0 {
			high := p.PortHigh
			if high == 0 {
				high = p.PortLow
			}
			ports = fmt.Sprintf("%d-%d", p.PortLow, high)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", p.Name, p.Action, proto, src, dst, ports)
	}
	fmt.Fprintln(w)
	w.Flush()

	fmt.Fprintln(w, "ROUTE\tFLAGS\tNEXT HOP\tINTERFACE")
	for _, r := range cfg.Routes {
		nh := r.NextHop
		if nh == "" {
			nh = "-"
		}
		ifc := r.Interface
		if ifc == "" {
			ifc = "-"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", r.Prefix, r.Flags, nh, ifc)
	}
	w.Flush()
}
