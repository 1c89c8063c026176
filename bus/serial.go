package bus

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/tracewire/tracewire/types"
)

// serialReadTimeout is the poll interval of the read loop; it bounds how
// long the loop takes to notice the stop flag after Close.
const serialReadTimeout = 100 * time.Millisecond

// SerialConfig configures a serial port driver.
type SerialConfig struct {
	// Port is the device path, e.g. "/dev/ttyUSB0" or "COM3".
	Port string
	// BaudRate in bits per second (0 = 115200).
	BaudRate int
	// DataBits per character (0 = 8).
	DataBits int
	// StopBits is "1", "1.5", or "2" ("" = "1").
	StopBits string
	// Parity is "none", "odd", "even", "mark", or "space" ("" = "none").
	Parity string
}

func (c *SerialConfig) withDefaults() SerialConfig {
	out := *c
	if out.BaudRate == 0 {
		out.BaudRate = 115200
	}
	if out.DataBits == 0 {
		out.DataBits = 8
	}
	if out.StopBits == "" {
		out.StopBits = "1"
	}
	if out.Parity == "" {
		out.Parity = "none"
	}
	return out
}

func (c *SerialConfig) mode() (*serial.Mode, error) {
	cfg := c.withDefaults()
	mode := &serial.Mode{BaudRate: cfg.BaudRate, DataBits: cfg.DataBits}

	switch cfg.Parity {
	case "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unknown parity %q", cfg.Parity)
	}

	switch cfg.StopBits {
	case "1":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unknown stop bits %q", cfg.StopBits)
	}
	return mode, nil
}

// SerialDriver moves bytes over a UART via go.bug.st/serial.
type SerialDriver struct {
	events
	cfg SerialConfig

	mu   sync.Mutex
	port serial.Port
	stop chan struct{}
}

// NewSerialDriver creates a closed serial driver.
func NewSerialDriver(cfg SerialConfig) *SerialDriver {
	return &SerialDriver{events: newEvents(), cfg: cfg}
}

// Kind implements Driver.
func (d *SerialDriver) Kind() types.BusKind { return types.BusSerial }

// ConfigurationOK implements Driver.
func (d *SerialDriver) ConfigurationOK() bool {
	if d.cfg.Port == "" {
		return false
	}
	_, err := d.cfg.mode()
	return err == nil
}

// Open implements Driver.
func (d *SerialDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return ErrAlreadyOpen
	}

	mode, err := d.cfg.mode()
	if err != nil {
		return err
	}

	d.setState(types.DriverOpening)
	port, err := serial.Open(d.cfg.Port, mode)
	if err != nil {
		d.setState(types.DriverFailing)
		d.emitError(fmt.Errorf("open %s: %w", d.cfg.Port, err))
		d.setState(types.DriverClosed)
		return err
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		d.setState(types.DriverClosed)
		return err
	}

	d.port = port
	d.stop = make(chan struct{})
	d.setState(types.DriverOpen)
	go d.readLoop(port, d.stop)
	return nil
}

func (d *SerialDriver) readLoop(port serial.Port, stop chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			d.emitError(fmt.Errorf("read %s: %w", d.cfg.Port, err))
			d.setState(types.DriverFailing)
			return
		}
		if n == 0 {
			// Read timeout; poll the stop flag again.
			continue
		}
		if !d.emitData(append([]byte(nil), buf[:n]...), stop) {
			return
		}
	}
}

// Close implements Driver.
func (d *SerialDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	var err error
	if d.port != nil {
		err = d.port.Close()
		d.port = nil
	}
	d.setState(types.DriverClosed)
	return err
}

// Write implements Driver.
func (d *SerialDriver) Write(p []byte) (int, error) {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return 0, ErrNotOpen
	}
	return port.Write(p)
}

// Readable implements Driver.
func (d *SerialDriver) Readable() bool { return d.State() == types.DriverOpen }

// Writable implements Driver.
func (d *SerialDriver) Writable() bool { return d.State() == types.DriverOpen }
