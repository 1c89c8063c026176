package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tracewire/tracewire/cli/config"
	"github.com/tracewire/tracewire/dispatch"
	"github.com/tracewire/tracewire/project"
	"github.com/tracewire/tracewire/runtime"
	"github.com/tracewire/tracewire/types"
)

// StreamCommand returns the stream command: open the configured bus and run
// the full pipeline until interrupted.
func StreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Connect to a device and stream decoded telemetry to the configured sinks",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "bus",
				Usage: "Bus type: serial, network, ble, modbus, loopback",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Operating mode: project, quick-plot, device-json",
			},
			&cli.StringFlag{
				Name:    "project",
				Aliases: []string{"p"},
				Usage:   "Path to a project descriptor (implies --mode project)",
			},
			&cli.BoolFlag{
				Name:  "hex",
				Usage: "Render the raw console in hex",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Disable the raw console sink",
			},
		},
		Action: streamAction,
	}
}

func streamAction(c *cli.Context) error {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	if c.IsSet("bus") {
		cfg.Bus = c.String("bus")
	}
	if c.IsSet("mode") {
		cfg.Mode = c.String("mode")
	}
	if c.IsSet("project") {
		cfg.Project = c.String("project")
		if !c.IsSet("mode") {
			cfg.Mode = string(types.ModeProjectFile)
		}
	}
	if cfg.Bus == "" {
		return cli.Exit("no bus configured (set bus: in tracewire.yaml or pass --bus)", exitConfigError)
	}
	if cfg.Mode == "" {
		cfg.Mode = string(types.ModeQuickPlot)
	}

	mode, err := types.ParseOperatingMode(cfg.Mode)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	var desc *project.Descriptor
	if cfg.Project != "" {
		desc, err = project.Load(cfg.Project)
		if err != nil {
			return cli.Exit(fmt.Sprintf("project load failed: %v", err), exitProjectLoad)
		}
	}
	if mode == types.ModeProjectFile && desc == nil {
		return cli.Exit("project mode needs --project", exitConfigError)
	}

	framing, err := cfg.FramingConfig()
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	driver, err := cfg.BuildDriver()
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	session := runtime.NewSession(runtime.Config{
		Mode:           mode,
		Project:        desc,
		Framing:        framing,
		QueueCapacity:  cfg.Queue.Capacity,
		MaxBufferBytes: cfg.Queue.MaxBufferBytes,
		Reconnect:      cfg.ReconnectPolicy(),
	})
	if err := session.SetDriver(driver); err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	if err := registerSinks(session, cfg, c); err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	if err := session.Connect(); err != nil {
		code := exitConfigError
		if errors.Is(err, runtime.ErrTransport) {
			code = exitTransportOpen
		}
		_ = session.Close()
		return cli.Exit(err.Error(), code)
	}

	fmt.Fprintf(os.Stderr, "tracewire %s: session %s streaming on %s (ctrl-c to stop)\n",
		types.Version, session.ID(), driver.Kind())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := session.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
	printSummary(session)
	return nil
}

func registerSinks(session *runtime.Session, cfg *config.Config, c *cli.Context) error {
	coll := session.Collector()

	if !c.Bool("quiet") {
		mode := dispatch.ConsoleMode(cfg.Sinks.Console.Mode)
		if c.Bool("hex") {
			mode = dispatch.ConsoleHex
		}
		session.Hub().SetConsole(dispatch.NewConsole(dispatch.ConsoleConfig{
			Writer:     os.Stdout,
			Mode:       mode,
			LineEnding: dispatch.LineEnding(cfg.Sinks.Console.LineEnding),
		}))
	}

	if cfg.Sinks.CSV.Enabled {
		dir := cfg.Sinks.CSV.Dir
		if dir == "" {
			dir = "sessions"
		}
		rec, err := dispatch.NewCSVRecorder(dispatch.CSVConfig{Dir: dir, Collector: coll})
		if err != nil {
			return err
		}
		session.Hub().AddSink(rec)
	}

	if cfg.Sinks.Plugins.Enabled {
		srv, err := dispatch.NewPluginServer(dispatch.PluginConfig{
			Addr:      cfg.Sinks.Plugins.Addr,
			Collector: coll,
		})
		if err != nil {
			return err
		}
		session.Hub().AddSink(srv)
	}

	if cfg.Sinks.MQTT.Enabled {
		pub, err := dispatch.NewMQTTPublisher(dispatch.MQTTConfig{
			BrokerURL: cfg.Sinks.MQTT.BrokerURL,
			ClientID:  cfg.Sinks.MQTT.ClientID,
			Topic:     cfg.Sinks.MQTT.Topic,
			QoS:       byte(cfg.Sinks.MQTT.QoS),
			Username:  cfg.Sinks.MQTT.Username,
			Password:  cfg.Sinks.MQTT.Password,
			Collector: coll,
		})
		if err != nil {
			return err
		}
		session.Hub().AddSink(pub)
	}
	return nil
}

func printSummary(session *runtime.Session) {
	snap := session.Metrics()
	fmt.Fprintf(os.Stderr, "session %s: %d frames built, %d dispatched, %d dropped\n",
		snap.SessionID, snap.FramesBuilt, snap.FramesDispatched, snap.FramesDropped)
	if snap.ChecksumMismatches > 0 || snap.TransportErrors > 0 {
		fmt.Fprintf(os.Stderr, "errors: %d checksum mismatches, %d transport errors, %d reconnects\n",
			snap.ChecksumMismatches, snap.TransportErrors, snap.Reconnects)
	}
}
