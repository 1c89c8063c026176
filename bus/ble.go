package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/tracewire/tracewire/types"
)

// bleScanTimeout bounds device discovery during Open.
const bleScanTimeout = 15 * time.Second

// BLEConfig configures the Bluetooth LE driver. The peripheral is expected
// to expose a UART-style service: one notify characteristic for RX and one
// write characteristic for TX.
type BLEConfig struct {
	// DeviceName matches the advertised local name. Either DeviceName or
	// Address must be set.
	DeviceName string
	// Address matches the peripheral MAC address (case-insensitive).
	Address string
	// ServiceUUID is the UART service UUID.
	ServiceUUID string
	// RXCharUUID is the notify characteristic carrying device data.
	RXCharUUID string
	// TXCharUUID is the write characteristic, optional for read-only
	// devices.
	TXCharUUID string
}

// BLEDriver moves bytes over a Bluetooth LE characteristic pair.
type BLEDriver struct {
	events
	cfg BLEConfig

	mu     sync.Mutex
	device *bluetooth.Device
	tx     *bluetooth.DeviceCharacteristic
	stop   chan struct{}
}

// NewBLEDriver creates a closed BLE driver.
func NewBLEDriver(cfg BLEConfig) *BLEDriver {
	return &BLEDriver{events: newEvents(), cfg: cfg}
}

// Kind implements Driver.
func (d *BLEDriver) Kind() types.BusKind { return types.BusBLE }

// ConfigurationOK implements Driver.
func (d *BLEDriver) ConfigurationOK() bool {
	if d.cfg.DeviceName == "" && d.cfg.Address == "" {
		return false
	}
	if _, err := bluetooth.ParseUUID(d.cfg.ServiceUUID); err != nil {
		return false
	}
	if _, err := bluetooth.ParseUUID(d.cfg.RXCharUUID); err != nil {
		return false
	}
	return true
}

func (d *BLEDriver) matches(result bluetooth.ScanResult) bool {
	if d.cfg.Address != "" && strings.EqualFold(result.Address.String(), d.cfg.Address) {
		return true
	}
	return d.cfg.DeviceName != "" && result.LocalName() == d.cfg.DeviceName
}

// Open implements Driver: scan, connect, discover, subscribe.
func (d *BLEDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return ErrAlreadyOpen
	}
	if !d.ConfigurationOK() {
		return fmt.Errorf("incomplete BLE configuration")
	}

	d.setState(types.DriverOpening)
	if err := d.connect(); err != nil {
		d.setState(types.DriverFailing)
		d.emitError(err)
		d.setState(types.DriverClosed)
		return err
	}
	d.setState(types.DriverOpen)
	return nil
}

func (d *BLEDriver) connect() error {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable BLE adapter: %w", err)
	}

	found := make(chan bluetooth.ScanResult, 1)
	go func() {
		time.Sleep(bleScanTimeout)
		_ = adapter.StopScan()
	}()
	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if d.matches(result) {
			_ = a.StopScan()
			select {
			case found <- result:
			default:
			}
		}
	})
	if err != nil {
		return fmt.Errorf("BLE scan: %w", err)
	}

	var result bluetooth.ScanResult
	select {
	case result = <-found:
	default:
		return fmt.Errorf("BLE peripheral not found")
	}

	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("BLE connect %s: %w", result.Address.String(), err)
	}

	serviceUUID, _ := bluetooth.ParseUUID(d.cfg.ServiceUUID)
	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		return fmt.Errorf("BLE service %s not found: %w", d.cfg.ServiceUUID, err)
	}

	rxUUID, _ := bluetooth.ParseUUID(d.cfg.RXCharUUID)
	wanted := []bluetooth.UUID{rxUUID}
	if d.cfg.TXCharUUID != "" {
		txUUID, parseErr := bluetooth.ParseUUID(d.cfg.TXCharUUID)
		if parseErr != nil {
			_ = device.Disconnect()
			return fmt.Errorf("invalid TX characteristic UUID: %w", parseErr)
		}
		wanted = append(wanted, txUUID)
	}
	chars, err := services[0].DiscoverCharacteristics(wanted)
	if err != nil || len(chars) == 0 {
		_ = device.Disconnect()
		return fmt.Errorf("BLE characteristics not found: %w", err)
	}

	stop := make(chan struct{})
	rx := chars[0]
	if err := rx.EnableNotifications(func(buf []byte) {
		d.emitData(append([]byte(nil), buf...), stop)
	}); err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("enable notifications: %w", err)
	}

	d.device = &device
	if len(chars) > 1 {
		d.tx = &chars[1]
	}
	d.stop = stop
	return nil
}

// Close implements Driver.
func (d *BLEDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	var err error
	if d.device != nil {
		err = d.device.Disconnect()
		d.device = nil
	}
	d.tx = nil
	d.setState(types.DriverClosed)
	return err
}

// Write implements Driver, using write-without-response as UART bridges
// expect.
func (d *BLEDriver) Write(p []byte) (int, error) {
	d.mu.Lock()
	tx := d.tx
	d.mu.Unlock()
	if tx == nil {
		return 0, ErrNotOpen
	}
	return tx.WriteWithoutResponse(p)
}

// Readable implements Driver.
func (d *BLEDriver) Readable() bool { return d.State() == types.DriverOpen }

// Writable implements Driver.
func (d *BLEDriver) Writable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx != nil
}
