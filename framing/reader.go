package framing

import (
	"bytes"
	"fmt"
	"time"

	"github.com/tracewire/tracewire/checksum"
	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
	"github.com/tracewire/tracewire/types"
)

// DefaultMaxBufferBytes is the ring buffer high-water mark. Exceeding it
// without yielding a frame trims the oldest half of the buffer.
const DefaultMaxBufferBytes = 10 * 1024 * 1024

// ReaderConfig configures a frame reader.
type ReaderConfig struct {
	// Framing selects the delimitation and checksum policy.
	Framing types.FramingConfig
	// QueueCapacity bounds the output frame queue (0 = default).
	QueueCapacity int
	// MaxBufferBytes is the ring buffer high-water mark (0 = default).
	MaxBufferBytes int
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional; all recording is nil-safe.
	Collector *metrics.Collector
}

// Reader extracts application frames from a byte stream. Run owns a
// dedicated worker goroutine: the RingBuffer is touched by no other thread,
// and validated frames are published to the SPSC queue in stream order.
//
// When the queue is full the worker blocks until space frees up; validated
// frames are never dropped.
type Reader struct {
	cfg      types.FramingConfig
	sum      checksum.Checksum
	maxBuf   int
	buf      *RingBuffer
	queue    *Queue
	logger   *log.Logger
	coll     *metrics.Collector
	abort    chan struct{}
	done     chan struct{}
	swap     chan types.FramingConfig
	yielded  bool // a frame was produced since the last high-water check
}

// NewReader validates the configuration and builds a reader. Unknown
// checksum names and missing delimiter sequences are configuration errors
// surfaced here, before any byte flows.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	framing := cfg.Framing.Normalized()
	if err := framing.Validate(); err != nil {
		return nil, err
	}
	sum, err := checksum.Lookup(framing.Checksum)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidFraming, err)
	}
	maxBuf := cfg.MaxBufferBytes
	if maxBuf <= 0 {
		maxBuf = DefaultMaxBufferBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Reader{
		cfg:    framing,
		sum:    sum,
		maxBuf: maxBuf,
		buf:    NewRingBuffer(),
		queue:  NewQueue(cfg.QueueCapacity),
		logger: logger.Named("framer"),
		coll:   cfg.Collector,
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
		swap:   make(chan types.FramingConfig, 1),
	}, nil
}

// Queue returns the output frame queue. The ingest loop is its only
// consumer.
func (r *Reader) Queue() *Queue { return r.queue }

// Run consumes chunks from src until it closes, then drains and closes the
// queue. Call exactly once, in its own goroutine.
func (r *Reader) Run(src <-chan []byte) {
	defer close(r.done)
	defer r.queue.Close()
	for {
		select {
		case cfg := <-r.swap:
			r.applyConfig(cfg)
		case chunk, ok := <-src:
			if !ok {
				r.finish()
				return
			}
			r.onBytes(chunk)
		case <-r.abort:
			r.finish()
			return
		}
	}
}

// Abort makes Run return without waiting for src to close. Used when the
// driver cannot be shut down cleanly.
func (r *Reader) Abort() {
	close(r.abort)
}

// Done returns a channel closed when the worker has exited.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Reconfigure swaps the framing policy at runtime. The worker finishes the
// chunk in flight, counts any buffered partial frame as unterminated, and
// resumes under the new configuration. The checksum name must already be
// valid; it is resolved here so a bad swap fails fast.
func (r *Reader) Reconfigure(cfg types.FramingConfig) error {
	framing := cfg.Normalized()
	if err := framing.Validate(); err != nil {
		return err
	}
	if _, err := checksum.Lookup(framing.Checksum); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidFraming, err)
	}
	select {
	case r.swap <- framing:
	case <-r.done:
	}
	return nil
}

func (r *Reader) applyConfig(cfg types.FramingConfig) {
	if r.buf.Len() > 0 {
		r.coll.IncUnterminatedFrame()
		r.buf.Reset()
	}
	sum, _ := checksum.Lookup(cfg.Checksum)
	r.cfg = cfg
	r.sum = sum
	r.logger.Info("framing reconfigured", map[string]any{
		"detection": string(cfg.Detection),
		"checksum":  cfg.Checksum,
	})
}

func (r *Reader) finish() {
	if r.buf.Len() > 0 {
		r.coll.IncUnterminatedFrame()
		r.logger.Debug("discarding unterminated frame at shutdown", map[string]any{
			"bytes": r.buf.Len(),
		})
	}
}

// onBytes is the worker entry point for one chunk: append, then extract
// until no more frames can be produced.
func (r *Reader) onBytes(chunk []byte) {
	r.coll.AddBytesReceived(len(chunk))

	if r.cfg.Detection == types.DetectNone {
		// The transport already frames (e.g. the Modbus poller); every
		// chunk is one frame and the ring buffer is bypassed.
		r.validateAndPublish(chunk)
		return
	}

	r.buf.Append(chunk)
	r.yielded = false
	r.extract()

	if !r.yielded && r.buf.Len() > r.maxBuf {
		trim := r.buf.Len() / 2
		r.buf.Consume(trim)
		r.coll.IncOversizeTrim()
		r.logger.Warn("buffer exceeded high-water mark, trimming", map[string]any{
			"trimmed": trim,
		})
	}
}

func (r *Reader) extract() {
	switch r.cfg.Detection {
	case types.DetectEndDelimiter:
		r.extractEndDelimited()
	case types.DetectStartAndEnd:
		r.extractStartEnd()
	case types.DetectStartOnly:
		r.extractStartOnly()
	}
}

func (r *Reader) extractEndDelimited() {
	end := r.cfg.EndSequence
	for {
		idx := r.buf.Find(end, 0)
		if idx < 0 {
			return
		}
		r.validateAndPublish(r.buf.View(0, idx))
		r.buf.Consume(idx + len(end))
	}
}

func (r *Reader) extractStartEnd() {
	start, end := r.cfg.StartSequence, r.cfg.EndSequence
	for {
		s := r.buf.Find(start, 0)
		if s < 0 {
			// Nothing resembling a frame start; drop all but a tail
			// that could be a split start sequence.
			if keep := len(start) - 1; r.buf.Len() > keep {
				r.buf.Consume(r.buf.Len() - keep)
			}
			return
		}
		if s > 0 {
			r.buf.Consume(s)
			s = 0
		}
		next := r.buf.Find(start, len(start))
		e := r.buf.Find(end, len(start))
		if next >= 0 && (e < 0 || next < e) {
			// A later start appeared before any end: re-sync to it.
			r.buf.Consume(next)
			continue
		}
		if e < 0 {
			return
		}
		r.validateAndPublish(r.buf.View(len(start), e))
		r.buf.Consume(e + len(end))
	}
}

func (r *Reader) extractStartOnly() {
	start := r.cfg.StartSequence
	for {
		s := r.buf.Find(start, 0)
		if s < 0 {
			if keep := len(start) - 1; r.buf.Len() > keep {
				r.buf.Consume(r.buf.Len() - keep)
			}
			return
		}
		if s > 0 {
			r.buf.Consume(s)
		}
		// A frame only completes when the next start arrives.
		next := r.buf.Find(start, len(start))
		if next < 0 {
			return
		}
		r.validateAndPublish(r.buf.View(len(start), next))
		r.buf.Consume(next)
	}
}

// validateAndPublish strips and checks the trailing digest, then publishes
// the payload. Frames failing validation are counted and dropped; the
// stream position still advances so one bad frame never stalls the reader.
func (r *Reader) validateAndPublish(frame []byte) {
	if r.sum.Size > 0 {
		if len(frame) < r.sum.Size {
			r.coll.IncChecksumMismatch()
			return
		}
		payload := frame[:len(frame)-r.sum.Size]
		digest := frame[len(frame)-r.sum.Size:]
		if !bytes.Equal(r.sum.Compute(payload), digest) {
			r.coll.IncChecksumMismatch()
			r.logger.Debug("checksum mismatch", map[string]any{
				"len": len(payload),
			})
			return
		}
		frame = payload
	}

	if len(frame) == 0 {
		if !(r.cfg.AllowEmptyFrames && r.sum.Size == 0) {
			r.coll.IncEmptyFrameDropped()
			return
		}
	}

	r.publish(frame)
}

// publish copies the frame out of the ring buffer and enqueues it, blocking
// when the queue is full. Validated frames are never dropped; the stall and
// its duration are recorded as backpressure.
func (r *Reader) publish(frame []byte) {
	out := append([]byte(nil), frame...)
	r.yielded = true
	r.coll.IncFrameExtracted()

	if r.queue.TryEnqueue(out) {
		return
	}
	begin := time.Now()
	for !r.queue.TryEnqueue(out) {
		select {
		case <-r.abort:
			return
		default:
		}
		time.Sleep(100 * time.Microsecond)
	}
	r.coll.RecordBackpressure(time.Since(begin))
}
