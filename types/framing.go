package types

import (
	"errors"
	"fmt"
)

// FrameDetection selects how the frame reader delimits application frames
// within the byte stream.
type FrameDetection string

const (
	// DetectEndDelimiter emits everything up to each end sequence.
	DetectEndDelimiter FrameDetection = "end-delimiter"
	// DetectStartAndEnd emits the bytes between a start and an end sequence.
	DetectStartAndEnd FrameDetection = "start-end-delimiter"
	// DetectStartOnly emits the bytes between consecutive start sequences.
	DetectStartOnly FrameDetection = "start-delimiter"
	// DetectNone emits every received chunk as one frame; the transport is
	// trusted to deliver whole frames (e.g. the Modbus poller).
	DetectNone FrameDetection = "no-delimiters"
)

// ParseFrameDetection parses a detection name. The numeric aliases match the
// enum values used by legacy project descriptors.
func ParseFrameDetection(s string) (FrameDetection, error) {
	switch s {
	case string(DetectEndDelimiter), "0":
		return DetectEndDelimiter, nil
	case string(DetectStartAndEnd), "1":
		return DetectStartAndEnd, nil
	case string(DetectStartOnly), "2":
		return DetectStartOnly, nil
	case string(DetectNone), "3":
		return DetectNone, nil
	}
	return "", fmt.Errorf("unknown frame detection %q", s)
}

// ErrInvalidFraming is returned when a FramingConfig fails validation.
var ErrInvalidFraming = errors.New("invalid framing config")

// FramingConfig holds the parameters that split the byte stream into frames.
// Immutable per session: changing it requires draining and reconfiguring the
// frame reader.
type FramingConfig struct {
	// Detection selects the delimitation policy.
	Detection FrameDetection
	// StartSequence delimits frame starts (start-delimiter modes).
	StartSequence []byte
	// EndSequence delimits frame ends (end-delimiter modes).
	EndSequence []byte
	// Checksum names a registered checksum, or "" / "none" for no
	// validation. The digest trails the frame payload.
	Checksum string
	// AllowEmptyFrames permits zero-length payloads between delimiters.
	// Only honored without a checksum; default is to drop them.
	AllowEmptyFrames bool
}

// DefaultFramingConfig returns newline-terminated framing with no checksum,
// the configuration quick-plot devices almost always use.
func DefaultFramingConfig() FramingConfig {
	return FramingConfig{
		Detection:   DetectEndDelimiter,
		EndSequence: []byte("\n"),
	}
}

// Validate checks that the required delimiter sequences are present for the
// selected detection policy.
func (c *FramingConfig) Validate() error {
	switch c.Detection {
	case DetectEndDelimiter:
		if len(c.EndSequence) == 0 {
			return fmt.Errorf("%w: end-delimiter detection needs an end sequence", ErrInvalidFraming)
		}
	case DetectStartAndEnd:
		if len(c.StartSequence) == 0 || len(c.EndSequence) == 0 {
			return fmt.Errorf("%w: start-end detection needs both sequences", ErrInvalidFraming)
		}
	case DetectStartOnly:
		if len(c.StartSequence) == 0 {
			return fmt.Errorf("%w: start-delimiter detection needs a start sequence", ErrInvalidFraming)
		}
	case DetectNone:
		// nothing to check
	default:
		return fmt.Errorf("%w: unknown detection %q", ErrInvalidFraming, c.Detection)
	}
	return nil
}

// Normalized returns the effective configuration: identical start and end
// sequences collapse to plain end-delimiter detection.
func (c FramingConfig) Normalized() FramingConfig {
	if c.Detection == DetectStartAndEnd && string(c.StartSequence) == string(c.EndSequence) {
		c.Detection = DetectEndDelimiter
		c.StartSequence = nil
	}
	return c
}
