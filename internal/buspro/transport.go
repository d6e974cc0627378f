package buspro

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// receiveBufferSize is sized for the largest datagram a gateway emits:
// prefix + signature + header + 255 payload bytes + trailer, with room
// to spare.
const receiveBufferSize = 512

// Logger is the minimal structured logging interface the gateway
// packages accept. Satisfied by logging.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// InboundHandler receives every datagram the transport reads, together
// with the sender's address. The transport holds no protocol knowledge;
// decoding happens upstream.
type InboundHandler func(data []byte, addr *net.UDPAddr)

// TransportStats holds operational counters for the UDP endpoint.
type TransportStats struct {
	DatagramsTx  uint64
	DatagramsRx  uint64
	ReadErrors   uint64
	LastActivity time.Time
	Running      bool
}

// Transport owns the gateway's single datagram socket. It binds an
// ephemeral local port (never the well-known gateway port, which may be
// claimed by other listeners on the same host) and hands every inbound
// datagram to the handler fixed at construction.
//
// All methods are safe for concurrent use.
type Transport struct {
	handler InboundHandler

	conn   *net.UDPConn
	connMu sync.RWMutex

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	datagramsTx  atomic.Uint64
	datagramsRx  atomic.Uint64
	readErrors   atomic.Uint64
	lastActivity atomic.Int64
}

// NewTransport creates a transport that will deliver inbound datagrams
// to handler. Call Start to open the socket.
func NewTransport(handler InboundHandler) *Transport {
	return &Transport{
		handler: handler,
		done:    newCloseOnce(),
	}
}

// Start opens the datagram endpoint on an ephemeral port with broadcast
// enabled and begins the receive loop. Failure here is fatal to the
// gateway as a whole.
func (tr *Transport) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("%w: listen: %w", ErrNotRunning, err)
	}

	tr.connMu.Lock()
	tr.conn = conn
	tr.connMu.Unlock()
	tr.lastActivity.Store(time.Now().Unix())

	tr.wg.Add(1)
	go tr.receiveLoop(conn)

	tr.logDebug("transport started", "local_addr", conn.LocalAddr().String())
	return nil
}

// Stop closes the endpoint and joins the receive loop. Outstanding
// receives are abandoned. Safe to call multiple times.
func (tr *Transport) Stop() {
	tr.done.Close()

	tr.connMu.Lock()
	if tr.conn != nil {
		tr.conn.Close()
		tr.conn = nil
	}
	tr.connMu.Unlock()

	tr.wg.Wait()
}

// Send writes one datagram to host:port. Fire-and-forget: UDP gives no
// acknowledgment, and no reply is awaited at this layer.
//
// Returns ErrNotRunning if the endpoint is not open.
func (tr *Transport) Send(data []byte, host string, port int) error {
	tr.connMu.RLock()
	conn := tr.conn
	tr.connMu.RUnlock()

	if conn == nil {
		return ErrNotRunning
	}

	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return fmt.Errorf("%w: resolve %s: %w", ErrNotRunning, host, err)
		}
		ip = resolved.IP
	}

	if _, err := conn.WriteToUDP(data, &net.UDPAddr{IP: ip, Port: port}); err != nil {
		return fmt.Errorf("send to %s:%d: %w", host, port, err)
	}

	tr.datagramsTx.Add(1)
	tr.lastActivity.Store(time.Now().Unix())
	return nil
}

// receiveLoop reads datagrams until the socket is closed. Each datagram
// is copied out of the read buffer before the handler sees it, so the
// handler may retain the slice.
func (tr *Transport) receiveLoop(conn *net.UDPConn) {
	defer tr.wg.Done()

	buf := make([]byte, receiveBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if tr.isClosed() {
				return
			}
			tr.readErrors.Add(1)
			tr.logError("udp read failed", err)
			continue
		}

		tr.datagramsRx.Add(1)
		tr.lastActivity.Store(time.Now().Unix())

		if tr.handler != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			tr.handler(data, addr)
		}
	}
}

// isClosed reports whether Stop has been called.
func (tr *Transport) isClosed() bool {
	select {
	case <-tr.done.Done():
		return true
	default:
		return false
	}
}

// LocalAddr returns the bound UDP address, or nil when not running.
func (tr *Transport) LocalAddr() *net.UDPAddr {
	tr.connMu.RLock()
	defer tr.connMu.RUnlock()
	if tr.conn == nil {
		return nil
	}
	addr, _ := tr.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Running reports whether the endpoint is open.
func (tr *Transport) Running() bool {
	tr.connMu.RLock()
	defer tr.connMu.RUnlock()
	return tr.conn != nil
}

// Stats returns current transport counters.
func (tr *Transport) Stats() TransportStats {
	return TransportStats{
		DatagramsTx:  tr.datagramsTx.Load(),
		DatagramsRx:  tr.datagramsRx.Load(),
		ReadErrors:   tr.readErrors.Load(),
		LastActivity: time.Unix(tr.lastActivity.Load(), 0),
		Running:      tr.Running(),
	}
}

// SetLogger sets the logger for this transport.
func (tr *Transport) SetLogger(logger Logger) {
	tr.loggerMu.Lock()
	tr.logger = logger
	tr.loggerMu.Unlock()
}

func (tr *Transport) logDebug(msg string, keysAndValues ...any) {
	tr.loggerMu.RLock()
	logger := tr.logger
	tr.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (tr *Transport) logError(msg string, err error) {
	tr.loggerMu.RLock()
	logger := tr.logger
	tr.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
