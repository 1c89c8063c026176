package dispatch

import (
	"io"
	"sync/atomic"

	"github.com/tracewire/tracewire/iox"
	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
	"github.com/tracewire/tracewire/types"
)

// Hub routes built frames to sinks and raw pre-framing bytes to the console.
// While paused it delivers nothing; acquisition and framing upstream keep
// running.
type Hub struct {
	sinks   []Sink
	console *Console
	paused  atomic.Bool
	logger  *log.Logger
	coll    *metrics.Collector
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger, coll *metrics.Collector) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	return &Hub{logger: logger.Named("dispatch"), coll: coll}
}

// AddSink registers a sink. Not safe to call after frames start flowing.
func (h *Hub) AddSink(s Sink) {
	h.sinks = append(h.sinks, s)
}

// SetConsole attaches the raw console sink.
func (h *Hub) SetConsole(c *Console) {
	h.console = c
}

// Dispatch hands one frame to every sink, in registration order. Each sink
// sees frames in dispatch order; there is no cross-sink ordering guarantee.
func (h *Hub) Dispatch(frame *types.TelemetryFrame, structural bool) {
	if h.paused.Load() {
		return
	}
	h.coll.IncFrameDispatched()
	d := Delivery{Frame: frame, Structural: structural}
	for _, s := range h.sinks {
		s.Deliver(d)
	}
}

// RawData forwards pre-framing bytes to the console sink.
func (h *Hub) RawData(b []byte) {
	if h.paused.Load() || h.console == nil {
		return
	}
	h.console.RX(b)
}

// RawEcho forwards transmitted bytes to the console sink.
func (h *Hub) RawEcho(b []byte) {
	if h.paused.Load() || h.console == nil {
		return
	}
	h.console.TX(b)
}

// Pause gates all deliveries off.
func (h *Hub) Pause() { h.paused.Store(true) }

// Resume re-enables deliveries.
func (h *Hub) Resume() { h.paused.Store(false) }

// Paused reports the gate state.
func (h *Hub) Paused() bool { return h.paused.Load() }

// Close closes every sink, returning the first error.
func (h *Hub) Close() error {
	closers := make([]io.Closer, 0, len(h.sinks))
	for _, s := range h.sinks {
		closers = append(closers, s)
	}
	err := iox.CloseAll(closers...)
	h.sinks = nil
	return err
}
