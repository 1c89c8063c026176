package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tracewire/tracewire/bus"
	"github.com/tracewire/tracewire/checksum"
	"github.com/tracewire/tracewire/decoder"
	"github.com/tracewire/tracewire/project"
	"github.com/tracewire/tracewire/types"
)

// PortsCommand returns the ports command: enumerate serial devices.
func PortsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ports",
		Usage: "List detected serial ports",
		Action: func(c *cli.Context) error {
			ports, err := bus.ListSerialPorts()
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if len(ports) == 0 {
				fmt.Println("no serial ports detected")
				return nil
			}
			for _, p := range ports {
				if p.IsUSB {
					fmt.Printf("%s\tUSB %s:%s\t%s\n", p.Name, p.VID, p.PID, p.Product)
				} else {
					fmt.Println(p.Name)
				}
			}
			return nil
		},
	}
}

// ChecksumsCommand returns the checksums command: list registry entries.
func ChecksumsCommand() *cli.Command {
	return &cli.Command{
		Name:  "checksums",
		Usage: "List registered frame checksum algorithms",
		Action: func(c *cli.Context) error {
			for _, name := range checksum.Names() {
				cs, err := checksum.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%d bytes\n", cs.Name, cs.Size)
			}
			return nil
		},
	}
}

// ValidateCommand returns the validate command: load a project descriptor
// and compile its decoder without touching any hardware.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a project descriptor and compile its decoder",
		ArgsUsage: "<project.json>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: tracewire validate <project.json>", exitConfigError)
			}
			desc, err := project.Load(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), exitProjectLoad)
			}
			if desc.Decoder != nil {
				host, err := decoder.Compile(desc.Decoder.Language, desc.Decoder.Source, decoder.Options{})
				if err != nil {
					return cli.Exit(fmt.Sprintf("decoder: %v", err), exitProjectLoad)
				}
				host.Close()
			}
			if _, err := checksum.Lookup(desc.Checksum); err != nil {
				return cli.Exit(err.Error(), exitProjectLoad)
			}
			fmt.Printf("%s: %d groups, %d datasets, framing %s, checksum %s\n",
				desc.Title, len(desc.Groups), desc.DatasetCount(),
				desc.FramingConfig().Detection, orNone(desc.Checksum))
			return nil
		},
	}
}

// VersionCommand returns the version command.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("tracewire %s (commit: %s)\n", types.Version, commit)
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
