// Command g2node runs a standalone Gnutella2 network core: it joins the
// overlay, balances its hub/leaf role, and services distributed searches.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $HOME/.config/g2node/config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("g2node %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("g2node exited with error", "error", err)
		os.Exit(1)
	}
}
