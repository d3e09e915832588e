package cmd

import (
	"fmt"
	"runtime"
)

// Version metadata, stamped by the build via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// RunVersion prints build information.
func RunVersion() {
	fmt.Printf("turnpike %s (%s, %s/%s)\n", Version, Commit, runtime.GOOS, runtime.GOARCH)
}
