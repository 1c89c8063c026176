package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tracewire/tracewire/types"
)

// Binary framing constants.
const (
	// MaxFrameSize is the maximum binary frame size (16 MiB), including
	// the length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
	// MaxPayloadSize is the maximum payload size.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
)

// FrameErrorKind classifies binary framing errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError is a binary framing error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the stream is unrecoverable. Partial and
// oversized frames leave the stream position unknown; there is no resync.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError reports whether err is a fatal framing error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Envelope is the binary message wrapping one telemetry frame.
type Envelope struct {
	// Version is the protocol version, kept in lockstep with the module.
	Version string `msgpack:"version"`
	// SessionID identifies the producing session.
	SessionID string `msgpack:"session_id"`
	// Seq is the per-session monotonic frame sequence, starting at 1.
	Seq int64 `msgpack:"seq"`
	// Ts is the ingest receive time in millisecond ISO 8601.
	Ts string `msgpack:"ts"`
	// Frame is the telemetry frame.
	Frame *types.TelemetryFrame `msgpack:"frame"`
}

// WriteEnvelope writes one length-prefixed msgpack envelope.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode envelope", Err: err}
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadEnvelope reads one length-prefixed msgpack envelope.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
//   - *FrameError with Kind=FrameErrorDecode: undecodable payload
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}

	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode envelope", Err: err}
	}
	return &env, nil
}
