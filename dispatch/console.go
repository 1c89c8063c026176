package dispatch

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// ConsoleMode selects how raw bytes are rendered.
type ConsoleMode string

const (
	// ConsoleText renders bytes as text with line-ending normalization.
	ConsoleText ConsoleMode = "text"
	// ConsoleHex renders bytes as a hex dump.
	ConsoleHex ConsoleMode = "hex"
)

// LineEnding selects line-ending treatment in text mode.
type LineEnding string

const (
	// LineEndingAsIs passes bytes through untouched.
	LineEndingAsIs LineEnding = "as-is"
	// LineEndingLF normalizes CRLF and lone CR to LF.
	LineEndingLF LineEnding = "lf"
	// LineEndingStrip removes CR and LF entirely.
	LineEndingStrip LineEnding = "strip"
)

// ConsoleConfig configures the raw console sink.
type ConsoleConfig struct {
	// Writer receives the rendered output. Required.
	Writer io.Writer
	// Mode selects text or hex rendering ("" = text).
	Mode ConsoleMode
	// LineEnding selects text-mode line-ending treatment ("" = as-is).
	LineEnding LineEnding
	// EchoPrefix marks transmitted bytes in the output ("" = "TX> ").
	EchoPrefix string
}

// Console renders the pre-framing byte stream. It is fed by the hub on the
// acquisition path, so rendering is a single buffered write under a mutex
// and nothing else.
type Console struct {
	cfg ConsoleConfig

	mu      sync.Mutex
	rxBytes uint64
	txBytes uint64
}

// NewConsole creates a console sink.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Mode == "" {
		cfg.Mode = ConsoleText
	}
	if cfg.LineEnding == "" {
		cfg.LineEnding = LineEndingAsIs
	}
	if cfg.EchoPrefix == "" {
		cfg.EchoPrefix = "TX> "
	}
	return &Console{cfg: cfg}
}

// RX renders received bytes.
func (c *Console) RX(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxBytes += uint64(len(b))
	c.render(b, "")
}

// TX renders transmitted bytes with the echo prefix.
func (c *Console) TX(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txBytes += uint64(len(b))
	c.render(b, c.cfg.EchoPrefix)
}

func (c *Console) render(b []byte, prefix string) {
	if c.cfg.Writer == nil {
		return
	}
	switch c.cfg.Mode {
	case ConsoleHex:
		if prefix != "" {
			fmt.Fprint(c.cfg.Writer, prefix+"\n")
		}
		fmt.Fprint(c.cfg.Writer, hex.Dump(b))
	default:
		text := string(b)
		switch c.cfg.LineEnding {
		case LineEndingLF:
			text = strings.ReplaceAll(text, "\r\n", "\n")
			text = strings.ReplaceAll(text, "\r", "\n")
		case LineEndingStrip:
			text = strings.NewReplacer("\r", "", "\n", "").Replace(text)
		}
		fmt.Fprint(c.cfg.Writer, prefix+text)
	}
}

// Totals reports human-readable RX/TX byte totals.
func (c *Console) Totals() (rx, tx string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return humanize.Bytes(c.rxBytes), humanize.Bytes(c.txBytes)
}
