package types

import "fmt"

// OperatingMode selects how raw frames become telemetry frames.
type OperatingMode string

const (
	// ModeProjectFile fills values into a skeleton loaded from a project
	// descriptor, optionally through a decoder script.
	ModeProjectFile OperatingMode = "project"
	// ModeQuickPlot derives the skeleton from comma-separated frames.
	ModeQuickPlot OperatingMode = "quick-plot"
	// ModeDeviceJSON expects every frame to be a full descriptor-shaped
	// JSON document with values included.
	ModeDeviceJSON OperatingMode = "device-json"
)

// ParseOperatingMode parses a mode name as used in config files and flags.
func ParseOperatingMode(s string) (OperatingMode, error) {
	switch OperatingMode(s) {
	case ModeProjectFile, ModeQuickPlot, ModeDeviceJSON:
		return OperatingMode(s), nil
	}
	return "", fmt.Errorf("unknown operating mode %q", s)
}

// DriverState is the connection state of a transport driver.
type DriverState string

const (
	// DriverClosed means the driver holds no resources.
	DriverClosed DriverState = "closed"
	// DriverOpening means an open attempt is in flight.
	DriverOpening DriverState = "opening"
	// DriverOpen means the driver is exchanging data.
	DriverOpen DriverState = "open"
	// DriverFailing means the driver hit an I/O error and needs a reopen.
	DriverFailing DriverState = "failing"
)

// SessionState is the lifecycle state of a telemetry session.
type SessionState string

const (
	// SessionDisconnected means no driver is open and no threads run.
	SessionDisconnected SessionState = "disconnected"
	// SessionConnected means the full pipeline is running.
	SessionConnected SessionState = "connected"
	// SessionPaused means acquisition and framing continue but no frames
	// reach the sinks.
	SessionPaused SessionState = "paused"
)

// PayloadEncoding declares how a project's frame payload is presented to the
// decoder script.
type PayloadEncoding string

const (
	// EncodingPlainText passes the payload through as UTF-8 text.
	EncodingPlainText PayloadEncoding = "PlainText"
	// EncodingHexadecimal hex-dumps the payload before decoding.
	EncodingHexadecimal PayloadEncoding = "Hexadecimal"
	// EncodingBase64 base64-encodes the payload before decoding.
	EncodingBase64 PayloadEncoding = "Base64"
	// EncodingBinary hands the raw bytes to the decoder unmodified.
	EncodingBinary PayloadEncoding = "Binary"
)

// ParsePayloadEncoding parses an encoding name. Empty input means PlainText.
func ParsePayloadEncoding(s string) (PayloadEncoding, error) {
	switch PayloadEncoding(s) {
	case "":
		return EncodingPlainText, nil
	case EncodingPlainText, EncodingHexadecimal, EncodingBase64, EncodingBinary:
		return PayloadEncoding(s), nil
	}
	return "", fmt.Errorf("unknown payload encoding %q", s)
}

// BusKind identifies a transport driver implementation.
type BusKind string

const (
	// BusSerial is a serial port (UART).
	BusSerial BusKind = "serial"
	// BusNetwork is a TCP client/server or UDP socket.
	BusNetwork BusKind = "network"
	// BusBLE is a Bluetooth LE characteristic pair.
	BusBLE BusKind = "ble"
	// BusModbus is the synthetic Modbus RTU/TCP polling transport.
	BusModbus BusKind = "modbus"
	// BusLoopback is the in-memory driver used by tests and demos.
	BusLoopback BusKind = "loopback"
)

// ParseBusKind parses a bus name as used in config files and flags.
func ParseBusKind(s string) (BusKind, error) {
	switch BusKind(s) {
	case BusSerial, BusNetwork, BusBLE, BusModbus, BusLoopback:
		return BusKind(s), nil
	}
	return "", fmt.Errorf("unknown bus type %q", s)
}
