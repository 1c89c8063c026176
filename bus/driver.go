// Package bus implements the transport drivers.
//
// Every physical medium is normalized behind the Driver contract: open,
// close, write, three side-effect-free predicates, and three event channels
// (data, state changes, errors). Drivers never frame or decode; they move
// bytes and report link state. The session manager owns exactly one driver
// at a time and wires its data channel into the frame reader.
package bus

import (
	"errors"
	"sync"

	"github.com/tracewire/tracewire/types"
)

// Event channel depths. State and error channels drop when full (they are
// advisory); the data channel applies backpressure to the device read loop.
const (
	dataChanDepth  = 256
	eventChanDepth = 16
)

// ErrNotOpen is returned by Write when the driver is not open.
var ErrNotOpen = errors.New("driver not open")

// ErrAlreadyOpen is returned by Open when the driver is already open.
var ErrAlreadyOpen = errors.New("driver already open")

// Driver is the uniform transport contract.
type Driver interface {
	// Kind identifies the transport.
	Kind() types.BusKind
	// Open acquires the device. Idempotent when already open: returns
	// ErrAlreadyOpen without disturbing the link.
	Open() error
	// Close releases resources. Succeeds from any state.
	Close() error
	// Write sends bytes to the device, returning the count accepted.
	Write(p []byte) (int, error)
	// Data is the received-bytes channel. It stays open for the driver's
	// lifetime; consumers stop reading rather than waiting for a close.
	Data() <-chan []byte
	// States delivers state transitions.
	States() <-chan types.DriverState
	// Errors delivers transport errors.
	Errors() <-chan error
	// State returns the current state.
	State() types.DriverState
	// Readable reports whether the driver currently delivers data.
	Readable() bool
	// Writable reports whether Write can currently succeed.
	Writable() bool
	// ConfigurationOK reports whether the static configuration is
	// complete enough to attempt an open.
	ConfigurationOK() bool
}

// events is the shared state machine and event plumbing embedded by every
// driver implementation.
type events struct {
	mu     sync.Mutex
	state  types.DriverState
	data   chan []byte
	states chan types.DriverState
	errs   chan error
}

func newEvents() events {
	return events{
		state:  types.DriverClosed,
		data:   make(chan []byte, dataChanDepth),
		states: make(chan types.DriverState, eventChanDepth),
		errs:   make(chan error, eventChanDepth),
	}
}

func (e *events) Data() <-chan []byte                { return e.data }
func (e *events) States() <-chan types.DriverState   { return e.states }
func (e *events) Errors() <-chan error               { return e.errs }

func (e *events) State() types.DriverState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// setState records a transition and emits it. Emission is non-blocking:
// state notifications are advisory and must never stall a device loop.
func (e *events) setState(s types.DriverState) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	select {
	case e.states <- s:
	default:
	}
}

// emitError surfaces a transport error without blocking.
func (e *events) emitError(err error) {
	select {
	case e.errs <- err:
	default:
	}
}

// emitData publishes received bytes, blocking until the consumer takes them
// or stop closes. Ordering and no-loss matter more than latency here; the
// channel buffer absorbs bursts.
func (e *events) emitData(b []byte, stop <-chan struct{}) bool {
	select {
	case e.data <- b:
		return true
	case <-stop:
		return false
	}
}
