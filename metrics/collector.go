// Package metrics provides per-session metrics collection.
//
// The Collector accumulates counters during a single session. It is a leaf
// package with no internal dependencies. Sinks and the frame reader record
// live; Snapshot() returns an atomic point-in-time view. No error on the
// pipeline is allowed to vanish without one of these counters moving.
package metrics

import (
	"sync"
	"time"
)

// Blocked-duration histogram bucket upper bounds for backpressure stalls.
var blockedBuckets = []time.Duration{
	time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
}

// Snapshot is an immutable point-in-time view of all session metrics.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Transport
	BytesReceived   int64
	BytesWritten    int64
	TransportErrors int64
	Reconnects      int64

	// Framing
	FramesExtracted    int64
	ChecksumMismatches int64
	OversizeTrims      int64
	UnterminatedFrames int64
	EmptyFramesDropped int64

	// Backpressure
	BackpressureEvents int64
	// BlockedDurations counts framer stalls per duration bucket:
	// <1ms, <10ms, <100ms, <1s, >=1s.
	BlockedDurations [5]int64

	// Build / decode
	FramesBuilt         int64
	FramesDropped       int64
	ScriptErrors        int64
	ChannelMismatches   int64
	NumericParseErrors  int64
	SlowScriptWarnings  int64
	StructuralRebuilds  int64

	// Dispatch
	FramesDispatched int64
	SinkDrops        map[string]int64

	// Dimensions (informational, set at construction)
	SessionID string
	Bus       string
}

// Collector accumulates metrics during a single session.
// Thread-safe via sync.Mutex. All record methods are nil-receiver safe so
// components can run without a collector wired in.
type Collector struct {
	mu sync.Mutex

	bytesReceived   int64
	bytesWritten    int64
	transportErrors int64
	reconnects      int64

	framesExtracted    int64
	checksumMismatches int64
	oversizeTrims      int64
	unterminatedFrames int64
	emptyFramesDropped int64

	backpressureEvents int64
	blockedDurations   [5]int64

	framesBuilt        int64
	framesDropped      int64
	scriptErrors       int64
	channelMismatches  int64
	numericParseErrors int64
	slowScriptWarnings int64
	structuralRebuilds int64

	framesDispatched int64
	sinkDrops        map[string]int64

	sessionID string
	bus       string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(sessionID, bus string) *Collector {
	return &Collector{
		sinkDrops: make(map[string]int64),
		sessionID: sessionID,
		bus:       bus,
	}
}

func (c *Collector) add(field *int64, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// AddBytesReceived records bytes arriving from the transport.
func (c *Collector) AddBytesReceived(n int) {
	if c == nil {
		return
	}
	c.add(&c.bytesReceived, int64(n))
}

// AddBytesWritten records bytes written to the transport.
func (c *Collector) AddBytesWritten(n int) {
	if c == nil {
		return
	}
	c.add(&c.bytesWritten, int64(n))
}

// IncTransportError records an I/O error surfaced by the driver.
func (c *Collector) IncTransportError() {
	if c == nil {
		return
	}
	c.add(&c.transportErrors, 1)
}

// IncReconnect records a reconnect attempt.
func (c *Collector) IncReconnect() {
	if c == nil {
		return
	}
	c.add(&c.reconnects, 1)
}

// IncFrameExtracted records a frame that passed framing and checksum.
func (c *Collector) IncFrameExtracted() {
	if c == nil {
		return
	}
	c.add(&c.framesExtracted, 1)
}

// IncChecksumMismatch records a frame dropped for a bad digest.
func (c *Collector) IncChecksumMismatch() {
	if c == nil {
		return
	}
	c.add(&c.checksumMismatches, 1)
}

// IncOversizeTrim records a high-water buffer trim.
func (c *Collector) IncOversizeTrim() {
	if c == nil {
		return
	}
	c.add(&c.oversizeTrims, 1)
}

// IncUnterminatedFrame records bytes abandoned at disconnect.
func (c *Collector) IncUnterminatedFrame() {
	if c == nil {
		return
	}
	c.add(&c.unterminatedFrames, 1)
}

// IncEmptyFrameDropped records a zero-length payload discarded by policy.
func (c *Collector) IncEmptyFrameDropped() {
	if c == nil {
		return
	}
	c.add(&c.emptyFramesDropped, 1)
}

// RecordBackpressure records one framer stall and its blocked duration.
func (c *Collector) RecordBackpressure(blocked time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.backpressureEvents++
	idx := len(blockedBuckets)
	for i, ub := range blockedBuckets {
		if blocked < ub {
			idx = i
			break
		}
	}
	c.blockedDurations[idx]++
	c.mu.Unlock()
}

// IncFrameBuilt records a successfully built telemetry frame.
func (c *Collector) IncFrameBuilt() {
	if c == nil {
		return
	}
	c.add(&c.framesBuilt, 1)
}

// IncFrameDropped records a raw frame dropped by the builder.
func (c *Collector) IncFrameDropped() {
	if c == nil {
		return
	}
	c.add(&c.framesDropped, 1)
}

// IncScriptError records a decoder script runtime failure.
func (c *Collector) IncScriptError() {
	if c == nil {
		return
	}
	c.add(&c.scriptErrors, 1)
}

// IncChannelMismatch records a channel-count mismatch drop.
func (c *Collector) IncChannelMismatch() {
	if c == nil {
		return
	}
	c.add(&c.channelMismatches, 1)
}

// IncNumericParseError records a per-field numeric parse failure.
func (c *Collector) IncNumericParseError() {
	if c == nil {
		return
	}
	c.add(&c.numericParseErrors, 1)
}

// IncSlowScript records a decoder call that exceeded the soft deadline.
func (c *Collector) IncSlowScript() {
	if c == nil {
		return
	}
	c.add(&c.slowScriptWarnings, 1)
}

// IncStructuralRebuild records a skeleton rebuild (quick-plot or device-json).
func (c *Collector) IncStructuralRebuild() {
	if c == nil {
		return
	}
	c.add(&c.structuralRebuilds, 1)
}

// IncFrameDispatched records a frame handed to the dispatch hub.
func (c *Collector) IncFrameDispatched() {
	if c == nil {
		return
	}
	c.add(&c.framesDispatched, 1)
}

// IncSinkDrop records a best-effort sink dropping a frame.
func (c *Collector) IncSinkDrop(sink string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sinkDrops[sink]++
	c.mu.Unlock()
}

// Snapshot returns an atomic copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{SinkDrops: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	drops := make(map[string]int64, len(c.sinkDrops))
	for k, v := range c.sinkDrops {
		drops[k] = v
	}

	return Snapshot{
		BytesReceived:      c.bytesReceived,
		BytesWritten:       c.bytesWritten,
		TransportErrors:    c.transportErrors,
		Reconnects:         c.reconnects,
		FramesExtracted:    c.framesExtracted,
		ChecksumMismatches: c.checksumMismatches,
		OversizeTrims:      c.oversizeTrims,
		UnterminatedFrames: c.unterminatedFrames,
		EmptyFramesDropped: c.emptyFramesDropped,
		BackpressureEvents: c.backpressureEvents,
		BlockedDurations:   c.blockedDurations,
		FramesBuilt:        c.framesBuilt,
		FramesDropped:      c.framesDropped,
		ScriptErrors:       c.scriptErrors,
		ChannelMismatches:  c.channelMismatches,
		NumericParseErrors: c.numericParseErrors,
		SlowScriptWarnings: c.slowScriptWarnings,
		StructuralRebuilds: c.structuralRebuilds,
		FramesDispatched:   c.framesDispatched,
		SinkDrops:          drops,
		SessionID:          c.sessionID,
		Bus:                c.bus,
	}
}
