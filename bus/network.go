package bus

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tracewire/tracewire/types"
)

// Network protocols.
const (
	ProtoTCPClient = "tcp-client"
	ProtoTCPServer = "tcp-server"
	ProtoUDP       = "udp"
)

// networkDialTimeout bounds the TCP client connect.
const networkDialTimeout = 10 * time.Second

// networkWriteTimeout bounds one socket write so the caller never hangs on
// a dead peer.
const networkWriteTimeout = 5 * time.Second

// NetworkConfig configures the network driver.
type NetworkConfig struct {
	// Protocol is tcp-client, tcp-server, or udp.
	Protocol string
	// Host is the remote host (tcp-client, udp) or bind address
	// (tcp-server, udp listen).
	Host string
	// Port is the TCP/UDP port.
	Port int
	// MulticastGroup optionally joins a UDP multicast group.
	MulticastGroup string
}

// NetworkDriver moves bytes over TCP or UDP. In tcp-server mode all
// connected peers are merged into one byte stream and writes fan out to
// every peer.
type NetworkDriver struct {
	events
	cfg NetworkConfig

	mu       sync.Mutex
	stop     chan struct{}
	conn     net.Conn     // tcp-client
	listener net.Listener // tcp-server
	peers    map[net.Conn]struct{}
	udp      *net.UDPConn
	udpPeer  *net.UDPAddr
	wg       sync.WaitGroup
}

// NewNetworkDriver creates a closed network driver.
func NewNetworkDriver(cfg NetworkConfig) *NetworkDriver {
	return &NetworkDriver{
		events: newEvents(),
		cfg:    cfg,
		peers:  make(map[net.Conn]struct{}),
	}
}

// Kind implements Driver.
func (d *NetworkDriver) Kind() types.BusKind { return types.BusNetwork }

// ConfigurationOK implements Driver.
func (d *NetworkDriver) ConfigurationOK() bool {
	if d.cfg.Port <= 0 || d.cfg.Port > 65535 {
		return false
	}
	switch d.cfg.Protocol {
	case ProtoTCPClient:
		return d.cfg.Host != ""
	case ProtoTCPServer, ProtoUDP:
		return true
	}
	return false
}

func (d *NetworkDriver) addr() string {
	return net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
}

// Open implements Driver.
func (d *NetworkDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return ErrAlreadyOpen
	}
	if !d.ConfigurationOK() {
		return fmt.Errorf("incomplete network configuration")
	}

	d.setState(types.DriverOpening)
	stop := make(chan struct{})

	var err error
	switch d.cfg.Protocol {
	case ProtoTCPClient:
		err = d.openTCPClient(stop)
	case ProtoTCPServer:
		err = d.openTCPServer(stop)
	case ProtoUDP:
		err = d.openUDP(stop)
	}
	if err != nil {
		d.setState(types.DriverFailing)
		d.emitError(err)
		d.setState(types.DriverClosed)
		return err
	}

	d.stop = stop
	d.setState(types.DriverOpen)
	return nil
}

func (d *NetworkDriver) openTCPClient(stop chan struct{}) error {
	conn, err := net.DialTimeout("tcp", d.addr(), networkDialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.addr(), err)
	}
	d.conn = conn
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.readConn(conn, stop, true)
	}()
	return nil
}

func (d *NetworkDriver) openTCPServer(stop chan struct{}) error {
	ln, err := net.Listen("tcp", d.addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.addr(), err)
	}
	d.listener = ln
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.mu.Lock()
			d.peers[conn] = struct{}{}
			d.mu.Unlock()
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.readConn(conn, stop, false)
				d.mu.Lock()
				delete(d.peers, conn)
				d.mu.Unlock()
				_ = conn.Close()
			}()
		}
	}()
	return nil
}

func (d *NetworkDriver) openUDP(stop chan struct{}) error {
	bind := &net.UDPAddr{IP: net.ParseIP(d.cfg.Host), Port: d.cfg.Port}
	var (
		conn *net.UDPConn
		err  error
	)
	if d.cfg.MulticastGroup != "" {
		group := &net.UDPAddr{IP: net.ParseIP(d.cfg.MulticastGroup), Port: d.cfg.Port}
		if group.IP == nil {
			return fmt.Errorf("invalid multicast group %q", d.cfg.MulticastGroup)
		}
		conn, err = net.ListenMulticastUDP("udp", nil, group)
	} else {
		conn, err = net.ListenUDP("udp", bind)
	}
	if err != nil {
		return fmt.Errorf("udp listen port %d: %w", d.cfg.Port, err)
	}
	d.udp = conn
	if d.cfg.Host != "" && d.cfg.MulticastGroup == "" {
		d.udpPeer = &net.UDPAddr{IP: net.ParseIP(d.cfg.Host), Port: d.cfg.Port}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		buf := make([]byte, 65536)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-stop:
				default:
					d.emitError(fmt.Errorf("udp read: %w", err))
					d.setState(types.DriverFailing)
				}
				return
			}
			if n == 0 {
				continue
			}
			d.mu.Lock()
			if d.udpPeer == nil {
				// Lock onto the first sender so Write has a peer.
				d.udpPeer = addr
			}
			d.mu.Unlock()
			if !d.emitData(append([]byte(nil), buf[:n]...), stop) {
				return
			}
		}
	}()
	return nil
}

// readConn pumps one TCP connection into the data channel. fatal marks the
// connection whose loss fails the whole driver (the tcp-client link).
func (d *NetworkDriver) readConn(conn net.Conn, stop chan struct{}, fatal bool) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if !d.emitData(append([]byte(nil), buf[:n]...), stop) {
				return
			}
		}
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if fatal {
				d.emitError(fmt.Errorf("connection lost: %w", err))
				d.setState(types.DriverFailing)
			}
			return
		}
	}
}

// Close implements Driver.
func (d *NetworkDriver) Close() error {
	d.mu.Lock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	if d.listener != nil {
		_ = d.listener.Close()
		d.listener = nil
	}
	for conn := range d.peers {
		_ = conn.Close()
		delete(d.peers, conn)
	}
	if d.udp != nil {
		_ = d.udp.Close()
		d.udp = nil
	}
	d.udpPeer = nil
	d.mu.Unlock()

	d.wg.Wait()
	d.setState(types.DriverClosed)
	return nil
}

// Write implements Driver.
func (d *NetworkDriver) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return 0, ErrNotOpen
	}

	switch d.cfg.Protocol {
	case ProtoTCPClient:
		if d.conn == nil {
			return 0, ErrNotOpen
		}
		_ = d.conn.SetWriteDeadline(time.Now().Add(networkWriteTimeout))
		return d.conn.Write(p)
	case ProtoTCPServer:
		n := 0
		for conn := range d.peers {
			_ = conn.SetWriteDeadline(time.Now().Add(networkWriteTimeout))
			if m, err := conn.Write(p); err == nil && m > n {
				n = m
			}
		}
		return n, nil
	case ProtoUDP:
		if d.udp == nil || d.udpPeer == nil {
			return 0, ErrNotOpen
		}
		return d.udp.WriteToUDP(p, d.udpPeer)
	}
	return 0, ErrNotOpen
}

// Readable implements Driver.
func (d *NetworkDriver) Readable() bool { return d.State() == types.DriverOpen }

// Writable implements Driver.
func (d *NetworkDriver) Writable() bool {
	if d.State() != types.DriverOpen {
		return false
	}
	if d.cfg.Protocol == ProtoUDP {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.udpPeer != nil
	}
	return true
}
