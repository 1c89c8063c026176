// Package main provides the tracewire CLI entrypoint.
//
// Usage:
//
//	tracewire <command> [options]
//
// Exit codes for `stream`:
//   - 0: normal shutdown
//   - 2: configuration error
//   - 3: transport open failure after the retry cap
//   - 4: project load failure
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tracewire/tracewire/cli/cmd"
	"github.com/tracewire/tracewire/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:    "tracewire",
		Usage:   "Real-time telemetry ingestion and dispatch",
		Version: fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		Commands: []*cli.Command{
			cmd.StreamCommand(),
			cmd.PortsCommand(),
			cmd.ChecksumsCommand(),
			cmd.ValidateCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// cli.Exit errors carry their own code and were printed by the
		// framework; anything else is unexpected.
		if _, ok := err.(cli.ExitCoder); !ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
