package bus

import (
	"sync"

	"github.com/tracewire/tracewire/types"
)

// LoopbackDriver is an in-memory transport for tests and demos. Injected
// bytes appear on the data channel; writes are recorded for inspection.
// Open can be primed to fail a number of times to exercise the reconnect
// path.
type LoopbackDriver struct {
	events

	mu        sync.Mutex
	openFails int
	openErr   error
	txLog     [][]byte
	stop      chan struct{}
}

// NewLoopbackDriver creates a closed loopback driver.
func NewLoopbackDriver() *LoopbackDriver {
	return &LoopbackDriver{events: newEvents()}
}

// Kind implements Driver.
func (d *LoopbackDriver) Kind() types.BusKind { return types.BusLoopback }

// FailOpens primes the next n Open calls to fail with err.
func (d *LoopbackDriver) FailOpens(n int, err error) {
	d.mu.Lock()
	d.openFails = n
	d.openErr = err
	d.mu.Unlock()
}

// Open implements Driver.
func (d *LoopbackDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return ErrAlreadyOpen
	}
	d.setState(types.DriverOpening)
	if d.openFails > 0 {
		d.openFails--
		d.setState(types.DriverFailing)
		d.emitError(d.openErr)
		d.setState(types.DriverClosed)
		return d.openErr
	}
	d.stop = make(chan struct{})
	d.setState(types.DriverOpen)
	return nil
}

// Close implements Driver.
func (d *LoopbackDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.setState(types.DriverClosed)
	return nil
}

// Write implements Driver, recording the payload.
func (d *LoopbackDriver) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return 0, ErrNotOpen
	}
	d.txLog = append(d.txLog, append([]byte(nil), p...))
	return len(p), nil
}

// InjectRX queues bytes as if received from the device.
func (d *LoopbackDriver) InjectRX(p []byte) {
	d.mu.Lock()
	stop := d.stop
	d.mu.Unlock()
	if stop == nil {
		return
	}
	d.emitData(append([]byte(nil), p...), stop)
}

// InjectFailure simulates a mid-session I/O failure.
func (d *LoopbackDriver) InjectFailure(err error) {
	d.mu.Lock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	d.mu.Unlock()
	d.setState(types.DriverFailing)
	d.emitError(err)
}

// TXLog returns a copy of the recorded writes.
func (d *LoopbackDriver) TXLog() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.txLog))
	for i, p := range d.txLog {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// Readable implements Driver.
func (d *LoopbackDriver) Readable() bool { return d.State() == types.DriverOpen }

// Writable implements Driver.
func (d *LoopbackDriver) Writable() bool { return d.State() == types.DriverOpen }

// ConfigurationOK implements Driver.
func (d *LoopbackDriver) ConfigurationOK() bool { return true }
