package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/turnpike/cmd"
)

const defaultConfigFile = "/etc/turnpike/turnpike.hcl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", defaultConfigFile, "Configuration file")
		startFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := defaultConfigFile
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}

		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "-version", "--version":
		cmd.RunVersion()

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`turnpike - per-packet forwarding decision engine

Usage:
  turnpike <command> [options]

Commands:
  start     Run the dataplane daemon in the foreground
  check     Validate a configuration file
  version   Print build information
  help      Show this help

Options for start:
  -c, -config <file>   Configuration file (default ` + defaultConfigFile + `)

Options for check:
  -v, -verbose         Print the full configuration summary`)
}
