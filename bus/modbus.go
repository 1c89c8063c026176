package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/tracewire/tracewire/checksum"
	"github.com/tracewire/tracewire/types"
)

// Modbus transport modes.
const (
	ModbusRTU = "rtu"
	ModbusTCP = "tcp"
)

// Modbus function codes supported by the poller.
const (
	FuncReadCoils            = 0x01
	FuncReadDiscreteInputs   = 0x02
	FuncReadHoldingRegisters = 0x03
	FuncReadInputRegisters   = 0x04
)

// modbusResponseTimeout bounds one request/response exchange.
const modbusResponseTimeout = time.Second

// modbusFailureLimit is the number of consecutive poll failures that moves
// the driver to Failing so the manager's reconnect policy takes over.
const modbusFailureLimit = 3

// ErrModbusWrite is returned by Write: the poller owns the request path.
var ErrModbusWrite = errors.New("modbus transport does not accept raw writes")

// ModbusConfig configures the Modbus polling transport.
type ModbusConfig struct {
	// Mode is "rtu" (serial) or "tcp".
	Mode string
	// Serial configures the RTU serial line.
	Serial SerialConfig
	// Host / Port locate the TCP server.
	Host string
	Port int
	// SlaveID is the unit identifier.
	SlaveID byte
	// FunctionCode selects what to read (1-4).
	FunctionCode byte
	// StartAddress is the first coil/register address.
	StartAddress uint16
	// Quantity is the number of coils/registers per poll (0 = 1).
	Quantity uint16
	// PollInterval is the poll period (0 = 1s).
	PollInterval time.Duration
}

// ModbusDriver is a synthetic transport: a poll loop reads coils or
// registers from a device and serializes each response into a comma-joined
// decimal line terminated by "\n". Downstream, the line passes through the
// regular framing and quick-plot pipeline unchanged; no Modbus knowledge
// leaks past this driver.
type ModbusDriver struct {
	events
	cfg ModbusConfig

	mu   sync.Mutex
	rtu  serial.Port
	tcp  net.Conn
	txn  uint16
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewModbusDriver creates a closed Modbus driver.
func NewModbusDriver(cfg ModbusConfig) *ModbusDriver {
	if cfg.Quantity == 0 {
		cfg.Quantity = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &ModbusDriver{events: newEvents(), cfg: cfg}
}

// Kind implements Driver.
func (d *ModbusDriver) Kind() types.BusKind { return types.BusModbus }

// ConfigurationOK implements Driver.
func (d *ModbusDriver) ConfigurationOK() bool {
	switch d.cfg.FunctionCode {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
	default:
		return false
	}
	if d.cfg.Quantity == 0 || d.cfg.Quantity > 125 {
		return false
	}
	switch d.cfg.Mode {
	case ModbusRTU:
		return d.cfg.Serial.Port != ""
	case ModbusTCP:
		return d.cfg.Host != "" && d.cfg.Port > 0 && d.cfg.Port <= 65535
	}
	return false
}

// Open implements Driver and starts the poll loop.
func (d *ModbusDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return ErrAlreadyOpen
	}
	if !d.ConfigurationOK() {
		return fmt.Errorf("incomplete modbus configuration")
	}

	d.setState(types.DriverOpening)
	var err error
	switch d.cfg.Mode {
	case ModbusRTU:
		var mode *serial.Mode
		mode, err = d.cfg.Serial.mode()
		if err == nil {
			d.rtu, err = serial.Open(d.cfg.Serial.Port, mode)
			if err == nil {
				err = d.rtu.SetReadTimeout(serialReadTimeout)
			}
		}
	case ModbusTCP:
		addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
		d.tcp, err = net.DialTimeout("tcp", addr, networkDialTimeout)
	}
	if err != nil {
		d.closeTransportLocked()
		d.setState(types.DriverFailing)
		d.emitError(err)
		d.setState(types.DriverClosed)
		return err
	}

	d.stop = make(chan struct{})
	d.setState(types.DriverOpen)
	d.wg.Add(1)
	go d.pollLoop(d.stop)
	return nil
}

func (d *ModbusDriver) pollLoop(stop chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		line, err := d.poll()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			failures++
			d.emitError(fmt.Errorf("modbus poll: %w", err))
			if failures >= modbusFailureLimit {
				d.setState(types.DriverFailing)
				return
			}
			continue
		}
		failures = 0
		if !d.emitData(line, stop) {
			return
		}
	}
}

func (d *ModbusDriver) poll() ([]byte, error) {
	pdu := buildReadPDU(d.cfg.FunctionCode, d.cfg.StartAddress, d.cfg.Quantity)

	var (
		resp []byte
		err  error
	)
	switch d.cfg.Mode {
	case ModbusRTU:
		resp, err = d.roundTripRTU(pdu)
	case ModbusTCP:
		resp, err = d.roundTripTCP(pdu)
	}
	if err != nil {
		return nil, err
	}
	values, err := parseReadResponse(d.cfg.FunctionCode, d.cfg.Quantity, resp)
	if err != nil {
		return nil, err
	}
	return []byte(strings.Join(values, ",") + "\n"), nil
}

func (d *ModbusDriver) roundTripRTU(pdu []byte) ([]byte, error) {
	d.mu.Lock()
	port := d.rtu
	d.mu.Unlock()
	if port == nil {
		return nil, ErrNotOpen
	}

	adu := buildRTUFrame(d.cfg.SlaveID, pdu)
	if _, err := port.Write(adu); err != nil {
		return nil, fmt.Errorf("request write: %w", err)
	}

	deadline := time.Now().Add(modbusResponseTimeout)
	var buf []byte
	chunk := make([]byte, 256)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("response timeout")
		}
		n, err := port.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("response read: %w", err)
		}
		buf = append(buf, chunk[:n]...)

		total, ok := rtuResponseLength(buf)
		if !ok {
			continue
		}
		if len(buf) < total {
			continue
		}
		frame := buf[:total]
		if !validRTUFrame(frame) {
			return nil, fmt.Errorf("response CRC mismatch")
		}
		// Strip slave address and CRC, leaving the PDU.
		return frame[1 : total-2], nil
	}
}

func (d *ModbusDriver) roundTripTCP(pdu []byte) ([]byte, error) {
	d.mu.Lock()
	conn := d.tcp
	d.txn++
	txn := d.txn
	d.mu.Unlock()
	if conn == nil {
		return nil, ErrNotOpen
	}

	adu := buildTCPFrame(txn, d.cfg.SlaveID, pdu)
	_ = conn.SetDeadline(time.Now().Add(modbusResponseTimeout))
	if _, err := conn.Write(adu); err != nil {
		return nil, fmt.Errorf("request write: %w", err)
	}

	header := make([]byte, 7)
	if err := readFull(conn, header); err != nil {
		return nil, fmt.Errorf("response header: %w", err)
	}
	length := binary.BigEndian.Uint16(header[4:6])
	if length < 2 || length > 256 {
		return nil, fmt.Errorf("implausible response length %d", length)
	}
	body := make([]byte, length-1) // unit id already consumed in header
	if err := readFull(conn, body); err != nil {
		return nil, fmt.Errorf("response body: %w", err)
	}
	return body, nil
}

func readFull(conn net.Conn, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := conn.Read(buf[off:])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Close implements Driver.
func (d *ModbusDriver) Close() error {
	d.mu.Lock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.closeTransportLocked()
	d.mu.Unlock()

	d.wg.Wait()
	d.setState(types.DriverClosed)
	return nil
}

func (d *ModbusDriver) closeTransportLocked() {
	if d.rtu != nil {
		_ = d.rtu.Close()
		d.rtu = nil
	}
	if d.tcp != nil {
		_ = d.tcp.Close()
		d.tcp = nil
	}
}

// Write implements Driver. The poll loop owns the request path; raw writes
// are rejected.
func (d *ModbusDriver) Write([]byte) (int, error) {
	return 0, ErrModbusWrite
}

// Readable implements Driver.
func (d *ModbusDriver) Readable() bool { return d.State() == types.DriverOpen }

// Writable implements Driver.
func (d *ModbusDriver) Writable() bool { return false }

// buildReadPDU assembles the function code and read geometry.
func buildReadPDU(fc byte, start, quantity uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = fc
	binary.BigEndian.PutUint16(pdu[1:3], start)
	binary.BigEndian.PutUint16(pdu[3:5], quantity)
	return pdu
}

// buildRTUFrame wraps a PDU in an RTU ADU: address + PDU + CRC (low byte
// first).
func buildRTUFrame(slave byte, pdu []byte) []byte {
	adu := make([]byte, 0, len(pdu)+3)
	adu = append(adu, slave)
	adu = append(adu, pdu...)
	crc := checksum.ModbusCRC(adu)
	return append(adu, byte(crc), byte(crc>>8))
}

// validRTUFrame checks the trailing CRC of a complete ADU.
func validRTUFrame(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	want := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	return checksum.ModbusCRC(frame[:len(frame)-2]) == want
}

// buildTCPFrame wraps a PDU in an MBAP header.
func buildTCPFrame(txn uint16, unit byte, pdu []byte) []byte {
	adu := make([]byte, 7, 7+len(pdu))
	binary.BigEndian.PutUint16(adu[0:2], txn)
	// bytes 2-3: protocol identifier, always zero
	binary.BigEndian.PutUint16(adu[4:6], uint16(len(pdu)+1))
	adu[6] = unit
	return append(adu, pdu...)
}

// rtuResponseLength derives the total ADU length from a response prefix.
// Returns false while too few bytes have arrived to decide.
func rtuResponseLength(buf []byte) (int, bool) {
	if len(buf) < 3 {
		return 0, false
	}
	fc := buf[1]
	if fc&0x80 != 0 {
		// Exception response: address + fc + code + CRC.
		return 5, true
	}
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		return 3 + int(buf[2]) + 2, true
	}
	return 0, false
}

// parseReadResponse turns a response PDU into decimal value strings, one
// per polled coil or register.
func parseReadResponse(fc byte, quantity uint16, pdu []byte) ([]string, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("short response PDU")
	}
	if pdu[0]&0x80 != 0 {
		return nil, fmt.Errorf("device exception %#02x", pdu[1])
	}
	if pdu[0] != fc {
		return nil, fmt.Errorf("function code mismatch: sent %#02x, got %#02x", fc, pdu[0])
	}
	count := int(pdu[1])
	data := pdu[2:]
	if len(data) < count {
		return nil, fmt.Errorf("truncated response data")
	}

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		values := make([]string, 0, quantity)
		for i := 0; i < int(quantity); i++ {
			if i/8 >= count {
				break
			}
			bit := data[i/8] >> (i % 8) & 1
			values = append(values, strconv.Itoa(int(bit)))
		}
		return values, nil
	default:
		values := make([]string, 0, count/2)
		for i := 0; i+1 < count; i += 2 {
			values = append(values, strconv.Itoa(int(binary.BigEndian.Uint16(data[i:i+2]))))
		}
		return values, nil
	}
}
