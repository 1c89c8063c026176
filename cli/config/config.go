// Package config loads the tracewire.yaml defaults file.
//
// All values are optional and act as defaults for tracewire stream flags;
// CLI flags always override config values.
package config

import (
	"fmt"
	"time"

	"github.com/tracewire/tracewire/bus"
	"github.com/tracewire/tracewire/runtime"
	"github.com/tracewire/tracewire/types"
)

// Config represents a tracewire.yaml configuration file.
type Config struct {
	Bus       string          `yaml:"bus"`
	Mode      string          `yaml:"mode"`
	Project   string          `yaml:"project"`
	Framing   FramingConfig   `yaml:"framing"`
	Queue     QueueConfig     `yaml:"queue"`
	Serial    SerialConfig    `yaml:"serial"`
	Network   NetworkConfig   `yaml:"network"`
	BLE       BLEConfig       `yaml:"ble"`
	Modbus    ModbusConfig    `yaml:"modbus"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// FramingConfig holds framing defaults from the config file. Sequences are
// plain strings; YAML escapes ("\n") cover binary delimiters.
type FramingConfig struct {
	Detection  string `yaml:"detection"`
	Start      string `yaml:"start"`
	End        string `yaml:"end"`
	Checksum   string `yaml:"checksum"`
	AllowEmpty bool   `yaml:"allow_empty"`
}

// QueueConfig bounds the hot-path buffers.
type QueueConfig struct {
	Capacity       int `yaml:"capacity"`
	MaxBufferBytes int `yaml:"max_buffer_bytes"`
}

// SerialConfig holds serial port defaults.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits string `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// NetworkConfig holds network defaults.
type NetworkConfig struct {
	Protocol       string `yaml:"protocol"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MulticastGroup string `yaml:"multicast_group"`
}

// BLEConfig holds Bluetooth LE defaults.
type BLEConfig struct {
	DeviceName  string `yaml:"device_name"`
	Address     string `yaml:"address"`
	ServiceUUID string `yaml:"service_uuid"`
	RXCharUUID  string `yaml:"rx_char_uuid"`
	TXCharUUID  string `yaml:"tx_char_uuid"`
}

// ModbusConfig holds Modbus poller defaults.
type ModbusConfig struct {
	Mode         string       `yaml:"mode"`
	Serial       SerialConfig `yaml:"serial"`
	Host         string       `yaml:"host"`
	Port         int          `yaml:"port"`
	SlaveID      int          `yaml:"slave_id"`
	FunctionCode int          `yaml:"function_code"`
	StartAddress int          `yaml:"start_address"`
	Quantity     int          `yaml:"quantity"`
	PollInterval Duration     `yaml:"poll_interval"`
}

// SinksConfig selects and configures the dispatch sinks.
type SinksConfig struct {
	CSV     CSVSinkConfig     `yaml:"csv"`
	Plugins PluginSinkConfig  `yaml:"plugins"`
	MQTT    MQTTSinkConfig    `yaml:"mqtt"`
	Console ConsoleSinkConfig `yaml:"console"`
}

// CSVSinkConfig configures the CSV recorder sink.
type CSVSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// PluginSinkConfig configures the plugin broadcast server.
type PluginSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MQTTSinkConfig configures the MQTT publisher sink.
type MQTTSinkConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Topic     string `yaml:"topic"`
	QoS       int    `yaml:"qos"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// ConsoleSinkConfig configures the raw console sink.
type ConsoleSinkConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	LineEnding string `yaml:"line_ending"`
}

// ReconnectConfig holds reconnect policy defaults.
type ReconnectConfig struct {
	Initial     Duration `yaml:"initial"`
	Factor      float64  `yaml:"factor"`
	Max         Duration `yaml:"max"`
	Jitter      float64  `yaml:"jitter"`
	MaxAttempts int      `yaml:"max_attempts"`
	Disabled    bool     `yaml:"disabled"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "250ms", "5s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "250ms" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// FramingConfig converts the file section into the core framing config.
func (c *Config) FramingConfig() (types.FramingConfig, error) {
	if c.Framing.Detection == "" {
		return types.FramingConfig{}, nil
	}
	det, err := types.ParseFrameDetection(c.Framing.Detection)
	if err != nil {
		return types.FramingConfig{}, err
	}
	return types.FramingConfig{
		Detection:        det,
		StartSequence:    []byte(c.Framing.Start),
		EndSequence:      []byte(c.Framing.End),
		Checksum:         c.Framing.Checksum,
		AllowEmptyFrames: c.Framing.AllowEmpty,
	}, nil
}

// ReconnectPolicy converts the file section into the session policy.
func (c *Config) ReconnectPolicy() runtime.ReconnectPolicy {
	return runtime.ReconnectPolicy{
		Initial:     c.Reconnect.Initial.Duration,
		Factor:      c.Reconnect.Factor,
		Max:         c.Reconnect.Max.Duration,
		Jitter:      c.Reconnect.Jitter,
		MaxAttempts: c.Reconnect.MaxAttempts,
		Disabled:    c.Reconnect.Disabled,
	}
}

// BuildDriver constructs the transport driver the config selects.
func (c *Config) BuildDriver() (bus.Driver, error) {
	kind, err := types.ParseBusKind(c.Bus)
	if err != nil {
		return nil, err
	}
	switch kind {
	case types.BusSerial:
		return bus.NewSerialDriver(bus.SerialConfig{
			Port:     c.Serial.Port,
			BaudRate: c.Serial.BaudRate,
			DataBits: c.Serial.DataBits,
			StopBits: c.Serial.StopBits,
			Parity:   c.Serial.Parity,
		}), nil
	case types.BusNetwork:
		return bus.NewNetworkDriver(bus.NetworkConfig{
			Protocol:       c.Network.Protocol,
			Host:           c.Network.Host,
			Port:           c.Network.Port,
			MulticastGroup: c.Network.MulticastGroup,
		}), nil
	case types.BusBLE:
		return bus.NewBLEDriver(bus.BLEConfig{
			DeviceName:  c.BLE.DeviceName,
			Address:     c.BLE.Address,
			ServiceUUID: c.BLE.ServiceUUID,
			RXCharUUID:  c.BLE.RXCharUUID,
			TXCharUUID:  c.BLE.TXCharUUID,
		}), nil
	case types.BusModbus:
		return bus.NewModbusDriver(bus.ModbusConfig{
			Mode: c.Modbus.Mode,
			Serial: bus.SerialConfig{
				Port:     c.Modbus.Serial.Port,
				BaudRate: c.Modbus.Serial.BaudRate,
				DataBits: c.Modbus.Serial.DataBits,
				StopBits: c.Modbus.Serial.StopBits,
				Parity:   c.Modbus.Serial.Parity,
			},
			Host:         c.Modbus.Host,
			Port:         c.Modbus.Port,
			SlaveID:      byte(c.Modbus.SlaveID),
			FunctionCode: byte(c.Modbus.FunctionCode),
			StartAddress: uint16(c.Modbus.StartAddress),
			Quantity:     uint16(c.Modbus.Quantity),
			PollInterval: c.Modbus.PollInterval.Duration,
		}), nil
	case types.BusLoopback:
		return bus.NewLoopbackDriver(), nil
	}
	return nil, fmt.Errorf("unknown bus %q", c.Bus)
}
