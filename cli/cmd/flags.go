// Package cmd provides CLI commands for the tracewire binary.
package cmd

import "github.com/urfave/cli/v2"

// Exit codes for the stream command.
const (
	exitSuccess       = 0
	exitConfigError   = 2
	exitTransportOpen = 3
	exitProjectLoad   = 4
)

// Shared flags.
var (
	// ConfigFlag points at the tracewire.yaml defaults file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to tracewire.yaml",
		Value:   "tracewire.yaml",
	}
)
