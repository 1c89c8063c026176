package dispatch

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tracewire/tracewire/iox"
	"github.com/tracewire/tracewire/ipc"
	"github.com/tracewire/tracewire/log"
	"github.com/tracewire/tracewire/metrics"
)

// DefaultPluginAddr is the default plugin server listen address.
const DefaultPluginAddr = "127.0.0.1:7777"

// pluginWriteTimeout bounds a single client write. A client that cannot
// keep up within this budget is disconnected rather than allowed to stall
// the broadcaster.
const pluginWriteTimeout = 5 * time.Second

// PluginConfig configures the plugin broadcast server.
type PluginConfig struct {
	// Addr is the TCP listen address ("" = DefaultPluginAddr).
	Addr string
	// ClientQueue bounds each client's outbound queue (0 = 64).
	ClientQueue int
	// Logger is optional.
	Logger *log.Logger
	// Collector is optional.
	Collector *metrics.Collector
}

// PluginServer publishes every frame as one NDJSON line to all connected
// local clients. Delivery is best effort and per client: a slow or dead
// client loses frames (or its connection), and the others are unaffected.
type PluginServer struct {
	cfg      PluginConfig
	logger   *log.Logger
	coll     *metrics.Collector
	listener net.Listener

	mu      sync.Mutex
	clients map[net.Conn]chan []byte
	closed  bool

	accepting sync.WaitGroup
}

// NewPluginServer binds the listener and starts accepting clients.
func NewPluginServer(cfg PluginConfig) (*PluginServer, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultPluginAddr
	}
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("plugin server: listen %s: %w", cfg.Addr, err)
	}

	s := &PluginServer{
		cfg:      cfg,
		logger:   logger.Named("plugins"),
		coll:     cfg.Collector,
		listener: ln,
		clients:  make(map[net.Conn]chan []byte),
	}
	s.accepting.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *PluginServer) Addr() string {
	return s.listener.Addr().String()
}

// Name implements Sink.
func (s *PluginServer) Name() string { return "plugins" }

// Deliver implements Sink: serializes once and fans the line out to every
// client queue without blocking.
func (s *PluginServer) Deliver(d Delivery) {
	line, err := ipc.Marshal(d.Frame)
	if err != nil {
		s.logger.Error("frame serialization failed", map[string]any{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, queue := range s.clients {
		select {
		case queue <- line:
		default:
			s.coll.IncSinkDrop(s.Name())
		}
	}
}

func (s *PluginServer) acceptLoop() {
	defer s.accepting.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		queue := make(chan []byte, s.cfg.ClientQueue)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			iox.DiscardClose(conn)
			return
		}
		s.clients[conn] = queue
		s.mu.Unlock()

		s.logger.Info("plugin connected", map[string]any{"remote": conn.RemoteAddr().String()})
		go s.writeLoop(conn, queue)
	}
}

func (s *PluginServer) writeLoop(conn net.Conn, queue chan []byte) {
	defer s.dropClient(conn)
	for line := range queue {
		if err := conn.SetWriteDeadline(time.Now().Add(pluginWriteTimeout)); err != nil {
			return
		}
		if _, err := conn.Write(line); err != nil {
			s.logger.Info("plugin disconnected", map[string]any{
				"remote": conn.RemoteAddr().String(),
				"error":  err.Error(),
			})
			return
		}
	}
}

func (s *PluginServer) dropClient(conn net.Conn) {
	s.mu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	iox.DiscardClose(conn)
}

// Close implements Sink: stops accepting and disconnects every client.
func (s *PluginServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queues := make([]chan []byte, 0, len(s.clients))
	for _, q := range s.clients {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, q := range queues {
		close(q)
	}
	s.accepting.Wait()
	return err
}
