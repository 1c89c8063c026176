// Package dispatch fans built telemetry frames out to sinks.
//
// The Hub receives each frame once, on the ingest goroutine, and hands it to
// every registered sink. Sinks are independent: each owns a worker and a
// bounded queue, sees frames in hub order, and never blocks the ingest
// goroutine beyond an enqueue. Best-effort sinks drop under pressure and
// count the drop; nothing here is allowed to stall the acquisition path.
package dispatch

import "github.com/tracewire/tracewire/types"

// Delivery is one frame handed to a sink, with the structural-change flag
// raised when the skeleton was rebuilt right before this frame.
type Delivery struct {
	Frame      *types.TelemetryFrame
	Structural bool
}

// Sink consumes deliveries on its own worker.
type Sink interface {
	// Name identifies the sink in logs and drop counters.
	Name() string
	// Deliver enqueues a frame. Must not block.
	Deliver(d Delivery)
	// Close stops the worker, flushing whatever the sink buffers.
	Close() error
}
