// Package ipc implements the plugin wire protocol.
//
// The default transport is newline-delimited JSON over a local socket: one
// telemetry frame per line, serialized in the project-descriptor shape with
// values populated. A length-prefixed msgpack framing is also provided for
// plugins that negotiate the binary protocol.
package ipc

import (
	"bufio"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/tracewire/tracewire/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxLineBytes bounds one NDJSON message. Longer lines are a protocol
// violation.
const MaxLineBytes = 1024 * 1024

// LineEncoder writes telemetry frames as NDJSON.
type LineEncoder struct {
	w *bufio.Writer
}

// NewLineEncoder wraps w.
func NewLineEncoder(w io.Writer) *LineEncoder {
	return &LineEncoder{w: bufio.NewWriter(w)}
}

// Encode writes one frame as a single JSON line and flushes.
func (e *LineEncoder) Encode(frame *types.TelemetryFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Marshal serializes one frame to a single NDJSON line including the
// trailing newline. Sinks that broadcast the same frame to many clients
// serialize once and fan the bytes out.
func Marshal(frame *types.TelemetryFrame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// LineDecoder reads NDJSON telemetry frames.
type LineDecoder struct {
	scanner *bufio.Scanner
}

// NewLineDecoder wraps r.
func NewLineDecoder(r io.Reader) *LineDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &LineDecoder{scanner: s}
}

// Decode reads the next frame. Returns io.EOF at clean end of stream.
func (d *LineDecoder) Decode() (*types.TelemetryFrame, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame types.TelemetryFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return &frame, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
