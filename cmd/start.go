// Package cmd implements the CLI entry points: the daemon itself and
// the offline config tooling around it.
package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/turnpike/internal/clock"
	"grimm.is/turnpike/internal/config"
	"grimm.is/turnpike/internal/conntrack"
	"grimm.is/turnpike/internal/dataplane"
	"grimm.is/turnpike/internal/intake"
	"grimm.is/turnpike/internal/logging"
	"grimm.is/turnpike/internal/metrics"
	"grimm.is/turnpike/internal/routes"
)

// meteredEngine wraps the pipeline so every verdict lands in the
// Prometheus registry with its hook label.
type meteredEngine struct {
	pl  *dataplane.Pipeline
	reg *metrics.Registry
}

func (e *meteredEngine) Process(pkt *dataplane.Packet, att dataplane.Attachment, inMark uint32) dataplane.Result {
	start := time.Now()
	res := e.pl.Process(pkt, att, inMark)

	hook := "from-endpoint"
	if att.Hook == dataplane.HookToEndpoint {
		hook = "to-endpoint"
	}
	e.reg.RecordVerdict(hook, res.Action.String(), res.Reason.String(), time.Since(start).Seconds())
	return res
}

// RunStart runs the daemon in the foreground until SIGINT/SIGTERM.
func RunStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	if cfg.Logging != nil {
		logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
		logCfg.JSON = cfg.Logging.JSON
	}
	logging.SetDefault(logging.New(logCfg))
	log := logging.WithComponent("daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ifIndex := func(name string) int {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return 0
		}
		return ifi.Index
	}

	clk := &clock.RealClock{}
	ct := conntrack.NewTable(clk)
	natTable := cfg.BuildNATTable()
	routeTable := routes.NewTable()
	if err := routes.SeedRoutesFromKernel(routeTable, logging.WithComponent("routes")); err != nil {
		log.Warn("kernel route seeding unavailable, config routes only", "error", err)
	}
	cfg.PopulateRouteTable(routeTable, ifIndex)
	fib := routes.NewFIB(routeTable)
	if err := fib.SeedFromKernel(logging.WithComponent("fib")); err != nil {
		log.Warn("fib seeding unavailable, stack fallback only", "error", err)
	}

	var vx *dataplane.VXLAN
	encapEnabled := cfg.VXLAN != nil && cfg.VXLAN.Enabled
	if cfg.VXLAN != nil {
		vx = dataplane.NewVXLAN(uint16(cfg.VXLAN.Port), uint32(cfg.VXLAN.VNI), cfg.VXLAN.MTU)
	} else {
		vx = dataplane.NewVXLAN(0, 0, 0)
	}

	injector := intake.NewInjector(logging.WithComponent("inject"))
	defer injector.Close()

	plCfg := dataplane.Config{
		NodeIP:       cfg.NodeAddr(),
		DecapEnabled: encapEnabled,
		EncapEnabled: encapEnabled,
	}
	if cfg.Pipeline != nil {
		plCfg.FIBEnabled = cfg.Pipeline.FIBEnabled
		plCfg.DropWorkloadToHost = cfg.Pipeline.DropWorkloadToHost
	}

	pipeline := dataplane.New(plCfg, dataplane.Deps{
		Conntrack: ct,
		NAT:       natTable,
		Routes:    routeTable,
		FIB:       fib,
		Policy:    cfg.BuildPolicyEngine(),
		Encap:     vx,
		Redirect:  injector,
		Log:       logging.WithComponent("dataplane"),
		Clock:     clk,
	})

	attachments := intake.NewAttachments()
	var ifNames []string
	for _, ifc := range cfg.Interfaces {
		idx := ifIndex(ifc.Name)
		if idx == 0 {
			log.Warn("interface not found, skipping", "interface", ifc.Name)
			continue
		}
		role := dataplane.RoleHost
		if ifc.Role == "workload" {
			role = dataplane.RoleWorkload
		}
		attachments.Add(dataplane.Attachment{IfName: ifc.Name, IfIndex: idx, Role: role})
		ifNames = append(ifNames, ifc.Name)
	}

	reg := metrics.Get()
	reader := intake.NewReader(intake.ReaderConfig{
		QueueNum: uint16(cfg.Intake.QueueNum),
		QueueLen: uint32(cfg.Intake.QueueLen),
	}, &meteredEngine{pl: pipeline, reg: reg}, attachments, logging.Default())
	if err := reader.Start(); err != nil {
		return fmt.Errorf("starting queue reader: %w", err)
	}
	defer reader.Stop()

	if cfg.Intake.Steering {
		steering, err := intake.NewSteering(uint16(cfg.Intake.QueueNum), logging.WithComponent("steering"))
		if err != nil {
			return fmt.Errorf("opening nftables: %w", err)
		}
		if err := steering.Install(ifNames); err != nil {
			return fmt.Errorf("installing steering rules: %w", err)
		}
		defer func() {
			if err := steering.Remove(); err != nil {
				log.Warn("failed to remove steering rules", "error", err)
			}
		}()
	}

	if cfg.Intake.DropGroup > 0 {
		tap := intake.NewDropTap(uint16(cfg.Intake.DropGroup), 1024, logging.WithComponent("droptap"))
		if err := tap.Start(); err != nil {
			log.Warn("drop tap unavailable", "error", err)
		} else {
			defer tap.Stop()
		}
	}

	sweeper := conntrack.NewSweeper(ct, cfg.BuildTimeouts(), cfg.SweepInterval(), logging.WithComponent("conntrack"))
	go sweeper.Run(ctx)

	collector := metrics.NewCollector(metrics.Sources{
		ConntrackLen:   ct.Len,
		ConntrackStats: ct.Stats,
		NATLen:         natTable.Len,
		Interfaces:     ifNames,
	}, cfg.MetricsInterval(), logging.WithComponent("metrics"))
	defer collector.Close()
	go collector.Run(ctx)

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logging.WithComponent("metrics")); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	log.Info("started",
		"node", cfg.Node.IP,
		"interfaces", len(ifNames),
		"queue", cfg.Intake.QueueNum,
		"fib", plCfg.FIBEnabled,
		"overlay", encapEnabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())
	cancel()
	return nil
}
