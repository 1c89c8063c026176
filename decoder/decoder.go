// Package decoder hosts the per-project frame decoder scripts.
//
// A decoder script defines one callable, parse(payload), that turns a frame
// payload into an ordered array of channel strings. Hosts are sandboxed:
// scripts get no filesystem, network, or process access. Compilation errors
// surface at connect time; runtime errors are per-frame failures the caller
// counts and skips.
package decoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
)

// SoftDeadline is the per-call budget. Exceeding it logs a slow-script
// warning but never cancels the call.
const SoftDeadline = 20 * time.Millisecond

// ErrUnknownLanguage is returned for decoder languages no host implements.
var ErrUnknownLanguage = errors.New("unknown decoder language")

// ErrNoParseFunction is returned when a script compiles but defines no
// parse function.
var ErrNoParseFunction = errors.New("script defines no parse function")

// Host is a compiled decoder script ready for per-frame invocation.
// Invocation is synchronous and single-threaded: only the ingest loop calls
// Parse.
type Host interface {
	// Parse runs the script's parse function on one frame payload.
	Parse(payload string) ([]string, error)
	// Close releases the interpreter.
	Close()
}

// Options configures host construction.
type Options struct {
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional; slow-script warnings are recorded on it.
	Collector *metrics.Collector
}

// Compile builds a host for the given language ("js" or "lua") and script
// source. The script is compiled and its parse function resolved eagerly so
// a broken script fails the connect, not the first frame.
func Compile(language, source string, opts Options) (Host, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.Named("decoder")

	var (
		h   Host
		err error
	)
	switch language {
	case "js":
		h, err = newJSHost(source)
	case "lua":
		h, err = newLuaHost(source)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, language)
	}
	if err != nil {
		return nil, err
	}
	return &timedHost{inner: h, logger: logger, coll: opts.Collector}, nil
}

// timedHost wraps a concrete host with the soft-deadline check.
type timedHost struct {
	inner  Host
	logger *log.Logger
	coll   *metrics.Collector
}

func (t *timedHost) Parse(payload string) ([]string, error) {
	begin := time.Now()
	channels, err := t.inner.Parse(payload)
	if elapsed := time.Since(begin); elapsed > SoftDeadline {
		t.coll.IncSlowScript()
		t.logger.Warn("decoder script exceeded soft deadline", map[string]any{
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	return channels, err
}

func (t *timedHost) Close() {
	t.inner.Close()
}
