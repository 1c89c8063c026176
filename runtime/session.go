// Package runtime owns the telemetry session lifecycle.
//
// A Session wires one transport driver into the framing worker, the ingest
// loop, and the dispatch hub, and supervises the link: pause/resume gating,
// clean disconnect with drain, and reconnection with exponential backoff on
// transport failure. The driver, frame reader, and builder know nothing
// about each other; all wiring lives here.
package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracewire/tracewire/builder"
	"github.com/tracewire/tracewire/bus"
	"github.com/tracewire/tracewire/decoder"
	"github.com/tracewire/tracewire/dispatch"
	"github.com/tracewire/tracewire/framing"
	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
	"github.com/tracewire/tracewire/project"
	"github.com/tracewire/tracewire/types"
)

// Session state errors.
var (
	// ErrNotDisconnected is returned by operations that require a
	// disconnected session.
	ErrNotDisconnected = errors.New("session is not disconnected")
	// ErrNotConnected is returned by operations that require a running
	// session.
	ErrNotConnected = errors.New("session is not connected")
	// ErrNoDriver is returned by Connect before a driver is set.
	ErrNoDriver = errors.New("no transport driver configured")
	// ErrConfig wraps configuration problems detected at Connect.
	ErrConfig = errors.New("configuration error")
	// ErrTransport wraps transport-open failures that exhausted the
	// reconnect policy.
	ErrTransport = errors.New("transport error")
)

// Config configures a session.
type Config struct {
	// SessionID labels logs and the plugin protocol ("" = random UUID).
	SessionID string
	// Mode selects the operating mode.
	Mode types.OperatingMode
	// Project is the descriptor snapshot, required in project mode. The
	// snapshot is immutable once Connect is called; replacing it
	// requires a disconnect.
	Project *project.Descriptor
	// Framing overrides the framing configuration. Zero value means
	// "from the project" in project mode and newline end-delimited
	// otherwise.
	Framing types.FramingConfig
	// QueueCapacity bounds the raw frame queue (0 = default).
	QueueCapacity int
	// MaxBufferBytes is the framer high-water mark (0 = default).
	MaxBufferBytes int
	// Reconnect is the transport reopen policy.
	Reconnect ReconnectPolicy
	// Logger is optional; a session logger is built when nil.
	Logger *log.Logger
}

// Session is the manager for one telemetry connection.
type Session struct {
	cfg    Config
	id     string
	logger *log.Logger
	coll   *metrics.Collector
	hub    *dispatch.Hub

	mu     sync.Mutex
	state  types.SessionState
	driver bus.Driver
	reader *framing.Reader
	host   decoder.Host
	bld    *builder.Builder

	framerSrc     chan []byte
	pumpStop      chan struct{}
	pumpDone      chan struct{}
	ingestDone    chan struct{}
	superviseStop chan struct{}
	superviseDone chan struct{}
}

// NewSession creates a disconnected session.
func NewSession(cfg Config) *Session {
	id := cfg.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger(id, "")
	}
	coll := metrics.NewCollector(id, "")
	return &Session{
		cfg:    cfg,
		id:     id,
		logger: logger,
		coll:   coll,
		hub:    dispatch.NewHub(logger, coll),
		state:  types.SessionDisconnected,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Hub returns the dispatch hub for sink registration. Register sinks before
// Connect.
func (s *Session) Hub() *dispatch.Hub { return s.hub }

// Collector returns the session metrics collector.
func (s *Session) Collector() *metrics.Collector { return s.coll }

// Metrics returns a snapshot of the session counters.
func (s *Session) Metrics() metrics.Snapshot { return s.coll.Snapshot() }

// State returns the session state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetDriver replaces the transport driver. Only legal while disconnected.
func (s *Session) SetDriver(d bus.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.SessionDisconnected {
		return ErrNotDisconnected
	}
	s.driver = d
	return nil
}

// Driver returns the active transport driver.
func (s *Session) Driver() bus.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

// framingConfig resolves the effective framing configuration.
func (s *Session) framingConfig() types.FramingConfig {
	if s.cfg.Framing.Detection != "" {
		return s.cfg.Framing
	}
	if s.cfg.Project != nil {
		return s.cfg.Project.FramingConfig()
	}
	return types.DefaultFramingConfig()
}

// Connect validates the configuration, opens the transport (with the
// reconnect policy applied to the initial open), and starts the framer,
// ingest, and supervision workers.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.SessionDisconnected {
		return ErrNotDisconnected
	}
	if s.driver == nil {
		return ErrNoDriver
	}
	if !s.driver.ConfigurationOK() {
		return fmt.Errorf("%w: %s driver configuration incomplete", ErrConfig, s.driver.Kind())
	}

	mode := s.cfg.Mode
	if mode == "" {
		mode = types.ModeQuickPlot
	}

	// Compile the decoder before touching hardware so a broken script
	// fails fast.
	var host decoder.Host
	if mode == types.ModeProjectFile && s.cfg.Project != nil && s.cfg.Project.Decoder != nil {
		var err error
		host, err = decoder.Compile(s.cfg.Project.Decoder.Language, s.cfg.Project.Decoder.Source,
			decoder.Options{Logger: s.logger, Collector: s.coll})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConfig, err)
		}
	}

	bld, err := builder.New(builder.Config{
		Mode:      mode,
		Project:   s.cfg.Project,
		Decoder:   host,
		Logger:    s.logger,
		Collector: s.coll,
	})
	if err != nil {
		closeHost(host)
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	reader, err := framing.NewReader(framing.ReaderConfig{
		Framing:        s.framingConfig(),
		QueueCapacity:  s.cfg.QueueCapacity,
		MaxBufferBytes: s.cfg.MaxBufferBytes,
		Logger:         s.logger,
		Collector:      s.coll,
	})
	if err != nil {
		closeHost(host)
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if err := s.openWithBackoff(); err != nil {
		closeHost(host)
		return err
	}

	s.host = host
	s.bld = bld
	s.reader = reader
	s.framerSrc = make(chan []byte, 64)
	s.pumpStop = make(chan struct{})
	s.pumpDone = make(chan struct{})
	s.ingestDone = make(chan struct{})
	s.superviseStop = make(chan struct{})
	s.superviseDone = make(chan struct{})

	go reader.Run(s.framerSrc)
	go s.pump(s.driver, s.framerSrc, s.pumpStop, s.pumpDone)
	go s.ingest(reader.Queue(), bld, s.ingestDone)
	go s.supervise(s.driver, s.superviseStop, s.superviseDone)

	s.state = types.SessionConnected
	s.logger.Info("session connected", map[string]any{
		"bus":  string(s.driver.Kind()),
		"mode": string(mode),
	})
	return nil
}

// openWithBackoff opens the driver, retrying per the reconnect policy.
// Called with s.mu held, before any worker exists.
func (s *Session) openWithBackoff() error {
	err := s.driver.Open()
	if err == nil {
		return nil
	}
	s.coll.IncTransportError()

	if s.cfg.Reconnect.Disabled {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	bo := newBackoff(s.cfg.Reconnect)
	attempts := 1
	for {
		if max := s.cfg.Reconnect.MaxAttempts; max > 0 && attempts >= max {
			return fmt.Errorf("%w: open failed after %d attempts: %v", ErrTransport, attempts, err)
		}
		delay := bo.Next()
		s.logger.Warn("transport open failed, retrying", map[string]any{
			"error":    err.Error(),
			"retry_in": delay.String(),
		})
		time.Sleep(delay)

		attempts++
		s.coll.IncReconnect()
		if err = s.driver.Open(); err == nil {
			return nil
		}
		s.coll.IncTransportError()
	}
}

// pump forwards driver bytes to the console and the framer. It is the only
// reader of the driver data channel, keeping reception order intact.
func (s *Session) pump(drv bus.Driver, dst chan<- []byte, stop, done chan struct{}) {
	defer close(done)
	defer close(dst)
	for {
		select {
		case <-stop:
			// The driver is closed; forward whatever it already
			// buffered, then let the framer drain.
			for {
				select {
				case b := <-drv.Data():
					s.hub.RawData(b)
					dst <- b
				default:
					return
				}
			}
		case b := <-drv.Data():
			s.hub.RawData(b)
			dst <- b
		}
	}
}

// ingest drains the frame queue through the builder into the hub.
func (s *Session) ingest(queue *framing.Queue, bld *builder.Builder, done chan struct{}) {
	defer close(done)
	for {
		raw, ok := queue.Dequeue()
		if !ok {
			return
		}
		res, err := bld.Build(raw, time.Now())
		if err != nil {
			s.logger.Debug("frame dropped", map[string]any{"error": err.Error()})
			continue
		}
		s.hub.Dispatch(res.Frame, res.StructuralChange)
	}
}

// supervise watches driver events and drives the reconnect policy when the
// link starts failing mid-session.
func (s *Session) supervise(drv bus.Driver, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case err := <-drv.Errors():
			s.coll.IncTransportError()
			s.logger.Warn("transport error", map[string]any{"error": err.Error()})
		case st := <-drv.States():
			if st != types.DriverFailing {
				continue
			}
			if s.cfg.Reconnect.Disabled {
				s.logger.Error("transport failing and reconnect disabled", nil)
				continue
			}
			if !s.reopen(drv, stop) {
				return
			}
		}
	}
}

// reopen closes and reopens a failing driver with backoff. Returns false
// when the supervisor should exit (stop closed or attempts exhausted).
func (s *Session) reopen(drv bus.Driver, stop chan struct{}) bool {
	_ = drv.Close()
	bo := newBackoff(s.cfg.Reconnect)
	attempts := 0
	for {
		if max := s.cfg.Reconnect.MaxAttempts; max > 0 && attempts >= max {
			s.logger.Error("reconnect attempts exhausted", map[string]any{"attempts": attempts})
			return false
		}
		delay := bo.Next()
		select {
		case <-stop:
			return false
		case <-time.After(delay):
		}

		attempts++
		s.coll.IncReconnect()
		if err := drv.Open(); err != nil {
			s.coll.IncTransportError()
			s.logger.Warn("reconnect failed", map[string]any{
				"attempt": attempts,
				"error":   err.Error(),
			})
			continue
		}
		s.logger.Info("transport reopened", map[string]any{"attempts": attempts})
		return true
	}
}

// Disconnect stops the pipeline: supervisor first, then the driver, then
// the pump, letting the framer and ingest loop drain before returning. The
// hub and its sinks stay registered for a later Connect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == types.SessionDisconnected {
		return nil
	}

	close(s.superviseStop)
	<-s.superviseDone

	err := s.driver.Close()

	close(s.pumpStop)
	<-s.pumpDone
	<-s.reader.Done()
	<-s.ingestDone

	closeHost(s.host)
	s.host = nil
	s.reader = nil
	s.bld = nil

	s.hub.Resume()
	s.state = types.SessionDisconnected
	s.logger.Info("session disconnected", nil)
	return err
}

// Pause gates frame and raw-byte delivery off. Acquisition and framing keep
// running.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.SessionConnected {
		return ErrNotConnected
	}
	s.hub.Pause()
	s.state = types.SessionPaused
	return nil
}

// Resume re-enables delivery.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.SessionPaused {
		return ErrNotConnected
	}
	s.hub.Resume()
	s.state = types.SessionConnected
	return nil
}

// Write forwards bytes to the transport and echoes them to the console.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	drv := s.driver
	state := s.state
	s.mu.Unlock()
	if state == types.SessionDisconnected || drv == nil {
		return 0, ErrNotConnected
	}
	n, err := drv.Write(p)
	if n > 0 {
		s.coll.AddBytesWritten(n)
		s.hub.RawEcho(p[:n])
	}
	return n, err
}

// Close disconnects if needed and closes the hub sinks. The session cannot
// be reused afterwards.
func (s *Session) Close() error {
	if err := s.Disconnect(); err != nil {
		_ = s.hub.Close()
		return err
	}
	return s.hub.Close()
}

func closeHost(h decoder.Host) {
	if h != nil {
		h.Close()
	}
}
