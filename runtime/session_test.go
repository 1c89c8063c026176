package runtime_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tracewire/tracewire/bus"
	"github.com/tracewire/tracewire/dispatch"
	"github.com/tracewire/tracewire/project"
	"github.com/tracewire/tracewire/runtime"
	"github.com/tracewire/tracewire/types"
)

// captureSink records frames delivered by the hub.
type captureSink struct {
	mu     sync.Mutex
	frames []*types.TelemetryFrame
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Deliver(d dispatch.Delivery) {
	c.mu.Lock()
	c.frames = append(c.frames, d.Frame)
	c.mu.Unlock()
}
func (c *captureSink) Close() error { return nil }

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureSink) waitFor(t *testing.T, n int) []*types.TelemetryFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.frames) >= n {
			out := append([]*types.TelemetryFrame(nil), c.frames...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames (have %d)", n, c.count())
	return nil
}

func newQuickPlotSession(t *testing.T) (*runtime.Session, *bus.LoopbackDriver, *captureSink) {
	t.Helper()
	s := runtime.NewSession(runtime.Config{
		SessionID: "test",
		Mode:      types.ModeQuickPlot,
	})
	sink := &captureSink{}
	s.Hub().AddSink(sink)

	drv := bus.NewLoopbackDriver()
	if err := s.SetDriver(drv); err != nil {
		t.Fatal(err)
	}
	return s, drv, sink
}

func TestSession_QuickPlotEndToEnd(t *testing.T) {
	s, drv, sink := newQuickPlotSession(t)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	drv.InjectRX([]byte("1.0,2.0,3.0\n4.0,5.0,6.0\n"))
	frames := sink.waitFor(t, 2)

	first := frames[0]
	if first.DatasetCount() != 3 {
		t.Fatalf("dataset count = %d, want 3", first.DatasetCount())
	}
	if got := first.Groups[0].Datasets[0].Title; got != "Series 1" {
		t.Errorf("series title = %q", got)
	}
	for i, want := range []string{"1.0", "2.0", "3.0"} {
		if got := first.Groups[0].Datasets[i].Value; got != want {
			t.Errorf("frame1 series %d = %q, want %q", i+1, got, want)
		}
	}
	for i, want := range []string{"4.0", "5.0", "6.0"} {
		if got := frames[1].Groups[0].Datasets[i].Value; got != want {
			t.Errorf("frame2 series %d = %q, want %q", i+1, got, want)
		}
	}
}

func TestSession_ProjectDecoderEndToEnd(t *testing.T) {
	doc := `{
	  "title": "Climate",
	  "frameEnd": "\n",
	  "decoder": {"language": "js", "source": "function parse(s){return s.split(';');}"},
	  "groups": [{"title": "Env", "datasets": [
	    {"title": "Temp", "units": "C", "index": 1},
	    {"title": "Hum", "units": "%", "index": 2}
	  ]}]
	}`
	desc, err := project.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	s := runtime.NewSession(runtime.Config{
		Mode:    types.ModeProjectFile,
		Project: desc,
	})
	sink := &captureSink{}
	s.Hub().AddSink(sink)
	drv := bus.NewLoopbackDriver()
	if err := s.SetDriver(drv); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	drv.InjectRX([]byte("25.4;60.1\n"))
	frames := sink.waitFor(t, 1)
	if got := frames[0].Groups[0].Datasets[0].Value; got != "25.4" {
		t.Errorf("Temp = %q, want 25.4", got)
	}
	if got := frames[0].Groups[0].Datasets[1].Value; got != "60.1" {
		t.Errorf("Hum = %q, want 60.1", got)
	}
}

func TestSession_ConnectConfigErrors(t *testing.T) {
	s := runtime.NewSession(runtime.Config{Mode: types.ModeQuickPlot})
	if err := s.Connect(); !errors.Is(err, runtime.ErrNoDriver) {
		t.Errorf("connect without driver: err = %v", err)
	}

	// Broken decoder script must fail the connect, not the first frame.
	doc := `{
	  "title": "p", "frameEnd": "\n",
	  "decoder": {"language": "js", "source": "function parse(s){ return undefinedCall(); }"},
	  "groups": [{"title": "g", "datasets": [{"title": "d", "index": 1}]}]
	}`
	// The script compiles (the bad call is inside the function body), so
	// this connect succeeds; a genuinely uncompilable script must not.
	desc, err := project.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	s = runtime.NewSession(runtime.Config{Mode: types.ModeProjectFile, Project: desc})
	if err := s.SetDriver(bus.NewLoopbackDriver()); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(); err != nil {
		t.Errorf("body-only script error should connect: %v", err)
	}
	s.Close()

	bad := `{
	  "title": "p", "frameEnd": "\n",
	  "decoder": {"language": "js", "source": "function parse(s{"},
	  "groups": [{"title": "g", "datasets": [{"title": "d", "index": 1}]}]
	}`
	desc, err = project.Parse([]byte(bad))
	if err != nil {
		t.Fatal(err)
	}
	s = runtime.NewSession(runtime.Config{Mode: types.ModeProjectFile, Project: desc})
	if err := s.SetDriver(bus.NewLoopbackDriver()); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(); !errors.Is(err, runtime.ErrConfig) {
		t.Errorf("uncompilable script: err = %v", err)
	}
}

func TestSession_ConnectRetriesOpenWithBackoff(t *testing.T) {
	s, drv, sink := newQuickPlotSession(t)
	drv.FailOpens(3, errors.New("device busy"))

	begin := time.Now()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect after retries: %v", err)
	}
	defer s.Close()
	elapsed := time.Since(begin)

	// 250ms + 500ms + 1s of backoff (±10% jitter).
	if elapsed < 1500*time.Millisecond {
		t.Errorf("connect returned after %s, want >= ~1.575s of backoff", elapsed)
	}

	snap := s.Metrics()
	if snap.TransportErrors != 3 {
		t.Errorf("TransportErrors = %d, want 3", snap.TransportErrors)
	}
	if snap.Reconnects != 3 {
		t.Errorf("Reconnects = %d, want 3", snap.Reconnects)
	}

	// The post-connect stream flows normally.
	drv.InjectRX([]byte("1,2\n"))
	sink.waitFor(t, 1)
}

func TestSession_OpenRetryCapSurfacesTransportError(t *testing.T) {
	drv := bus.NewLoopbackDriver()
	drv.FailOpens(10, errors.New("no such port"))

	cfg := runtime.Config{
		SessionID: "cap",
		Mode:      types.ModeQuickPlot,
		Reconnect: runtime.ReconnectPolicy{
			Initial:     time.Millisecond,
			Max:         2 * time.Millisecond,
			MaxAttempts: 3,
		},
	}
	s := runtime.NewSession(cfg)
	if err := s.SetDriver(drv); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(); !errors.Is(err, runtime.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
	if s.State() != types.SessionDisconnected {
		t.Errorf("state = %s after failed connect", s.State())
	}
}

func TestSession_PauseIsolation(t *testing.T) {
	s, drv, sink := newQuickPlotSession(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	drv.InjectRX([]byte("1,2\n"))
	sink.waitFor(t, 1)

	if err := s.Pause(); err != nil {
		t.Fatal(err)
	}
	if s.State() != types.SessionPaused {
		t.Errorf("state = %s", s.State())
	}

	drv.InjectRX([]byte("3,4\n5,6\n"))
	time.Sleep(100 * time.Millisecond)
	if got := sink.count(); got != 1 {
		t.Errorf("frames while paused = %d, want still 1", got)
	}

	// The framer kept draining: frames were extracted even while paused.
	if s.Metrics().FramesExtracted < 3 {
		t.Errorf("FramesExtracted = %d, want >= 3 (framer runs while paused)", s.Metrics().FramesExtracted)
	}

	if err := s.Resume(); err != nil {
		t.Fatal(err)
	}
	drv.InjectRX([]byte("7,8\n"))
	sink.waitFor(t, 2)
}

func TestSession_MidSessionFailureReconnects(t *testing.T) {
	s := runtime.NewSession(runtime.Config{
		Mode: types.ModeQuickPlot,
		Reconnect: runtime.ReconnectPolicy{
			Initial: time.Millisecond,
			Max:     4 * time.Millisecond,
		},
	})
	sink := &captureSink{}
	s.Hub().AddSink(sink)
	drv := bus.NewLoopbackDriver()
	if err := s.SetDriver(drv); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	drv.InjectRX([]byte("1,2\n"))
	sink.waitFor(t, 1)

	drv.InjectFailure(errors.New("link dropped"))

	// The supervisor closes and reopens the loopback driver.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && drv.State() != types.DriverOpen {
		time.Sleep(5 * time.Millisecond)
	}
	if drv.State() != types.DriverOpen {
		t.Fatalf("driver state = %s, want reopened", drv.State())
	}

	drv.InjectRX([]byte("3,4\n"))
	sink.waitFor(t, 2)
	if s.Metrics().Reconnects == 0 {
		t.Error("reconnect not counted")
	}
}

func TestSession_ReconnectEquivalence(t *testing.T) {
	s, drv, sink := newQuickPlotSession(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	drv.InjectRX([]byte("1,2\n"))
	sink.waitFor(t, 1)

	if err := s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if s.State() != types.SessionDisconnected {
		t.Fatalf("state = %s", s.State())
	}

	if err := s.Connect(); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	defer s.Close()

	drv.InjectRX([]byte("3,4\n"))
	frames := sink.waitFor(t, 2)
	if got := frames[1].Groups[0].Datasets[0].Value; got != "3" {
		t.Errorf("post-reconnect frame = %q, want 3", got)
	}
}

func TestSession_WriteForwardsAndGuards(t *testing.T) {
	s, drv, _ := newQuickPlotSession(t)
	if _, err := s.Write([]byte("x")); !errors.Is(err, runtime.ErrNotConnected) {
		t.Errorf("write while disconnected: err = %v", err)
	}

	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	n, err := s.Write([]byte("AT\n"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if log := drv.TXLog(); len(log) != 1 || string(log[0]) != "AT\n" {
		t.Errorf("tx log = %q", log)
	}
	if s.Metrics().BytesWritten != 3 {
		t.Errorf("BytesWritten = %d", s.Metrics().BytesWritten)
	}
}

func TestSession_SetDriverOnlyWhileDisconnected(t *testing.T) {
	s, _, _ := newQuickPlotSession(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SetDriver(bus.NewLoopbackDriver()); !errors.Is(err, runtime.ErrNotDisconnected) {
		t.Errorf("err = %v, want ErrNotDisconnected", err)
	}
}
