package broker

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgemesh/broker/internal/errs"
	"github.com/edgemesh/broker/internal/tunnel"
)

// acceptor produces tunnel.Conns for one bound listener, together with the
// client_url each accepted connection should be registered under (spec.md
// §6: "the scheme-preserved URL of the peer's remote address").
type acceptor interface {
	Accept() (tunnel.Conn, string, error)
	Close() error
}

// newAcceptor binds scheme://addr and returns the matching acceptor.
// InvalidUrl per spec.md §6 for any other scheme.
func newAcceptor(rawURL string) (acceptor, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidURL, rawURL, err)
	}

	switch u.Scheme {
	case "tcp":
		return newTCPAcceptor(u)
	case "udp":
		return newUDPAcceptor(u)
	case "ws":
		return newWSAcceptor(u)
	default:
		return nil, errs.New(errs.InvalidURL, fmt.Sprintf("unknown scheme %q", u.Scheme))
	}
}

// --- tcp ---

type tcpAcceptor struct {
	ln net.Listener
}

func newTCPAcceptor(u *url.URL) (acceptor, error) {
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, errs.Wrap(errs.ListenFailure, u.String(), err)
	}
	return &tcpAcceptor{ln: ln}, nil
}

func (a *tcpAcceptor) Accept() (tunnel.Conn, string, error) {
	conn, err := a.ln.Accept()
	if err != nil {
		return nil, "", err
	}
	return conn, "tcp://" + conn.RemoteAddr().String(), nil
}

func (a *tcpAcceptor) Close() error { return a.ln.Close() }

// --- udp ---
//
// net.ListenPacket has no accept-loop equivalent: every peer shares one
// socket. udpAcceptor demultiplexes inbound datagrams by source address
// into per-peer streams (a sync.Cond-guarded buffer inside a udpConn that
// implements tunnel.Conn), so the rest of the broker sees UDP peers like TCP
// ones. No pack example ships a UDP session multiplexer, so this is a
// deliberately minimal stdlib-only component, justified the same way
// internal/tunnel's framer is.
type udpAcceptor struct {
	pc net.PacketConn

	mu    sync.Mutex
	peers map[string]*udpConn

	accepted chan *udpConn
	closed   chan struct{}
}

func newUDPAcceptor(u *url.URL) (acceptor, error) {
	pc, err := net.ListenPacket("udp", u.Host)
	if err != nil {
		return nil, errs.Wrap(errs.ListenFailure, u.String(), err)
	}
	a := &udpAcceptor{
		pc:       pc,
		peers:    make(map[string]*udpConn),
		accepted: make(chan *udpConn, 16),
		closed:   make(chan struct{}),
	}
	go a.readLoop()
	return a, nil
}

func (a *udpAcceptor) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, remote, err := a.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		key := remote.String()

		a.mu.Lock()
		c, ok := a.peers[key]
		if !ok {
			c = newUDPConn(a.pc, remote, func() {
				a.mu.Lock()
				delete(a.peers, key)
				a.mu.Unlock()
			})
			a.peers[key] = c
			select {
			case a.accepted <- c:
			default:
			}
		}
		a.mu.Unlock()

		c.deliver(buf[:n])
	}
}

func (a *udpAcceptor) Accept() (tunnel.Conn, string, error) {
	select {
	case c := <-a.accepted:
		return c, "udp://" + c.remote.String(), nil
	case <-a.closed:
		return nil, "", io.EOF
	}
}

func (a *udpAcceptor) Close() error {
	close(a.closed)
	return a.pc.Close()
}

// udpConn adapts one demultiplexed UDP peer to tunnel.Conn.
type udpConn struct {
	pc     net.PacketConn
	remote net.Addr

	mu      sync.Mutex
	buf     bytes.Buffer
	cond    *sync.Cond
	closed  bool
	onClose func()

	readDeadline time.Time
}

func newUDPConn(pc net.PacketConn, remote net.Addr, onClose func()) *udpConn {
	c := &udpConn{pc: pc, remote: remote, onClose: onClose}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *udpConn) deliver(b []byte) {
	c.mu.Lock()
	c.buf.Write(b)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *udpConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.buf.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed && c.buf.Len() == 0 {
		return 0, io.EOF
	}
	return c.buf.Read(p)
}

func (c *udpConn) Write(p []byte) (int, error) {
	return c.pc.WriteTo(p, c.remote)
}

func (c *udpConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *udpConn) RemoteAddr() net.Addr { return c.remote }

func (c *udpConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	// The deadline is recorded but not enforced: Read blocks until a
	// datagram arrives or the Conn is closed, so the inbound read timeout
	// does not tear down a silent UDP session. Such a session ends only when
	// its context is cancelled (Serve's ctx-cancel watcher closes this Conn)
	// or when Close is called.
	return nil
}

// --- websocket ---

type wsAcceptor struct {
	server   *http.Server
	upgrader websocket.Upgrader
	accepted chan *wsConnResult
	closed   chan struct{}
}

type wsConnResult struct {
	conn *websocket.Conn
	err  error
}

func newWSAcceptor(u *url.URL) (acceptor, error) {
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, errs.Wrap(errs.ListenFailure, u.String(), err)
	}

	a := &wsAcceptor{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		accepted: make(chan *wsConnResult, 16),
		closed:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := a.upgrader.Upgrade(w, r, nil)
		select {
		case a.accepted <- &wsConnResult{conn: conn, err: err}:
		case <-a.closed:
		}
	})
	a.server = &http.Server{Handler: mux}

	go func() { _ = a.server.Serve(ln) }()
	return a, nil
}

func (a *wsAcceptor) Accept() (tunnel.Conn, string, error) {
	select {
	case r := <-a.accepted:
		if r.err != nil {
			return nil, "", r.err
		}
		return &wsConn{Conn: r.conn}, "ws://" + r.conn.RemoteAddr().String(), nil
	case <-a.closed:
		return nil, "", io.EOF
	}
}

func (a *wsAcceptor) Close() error {
	close(a.closed)
	return a.server.Close()
}

// wsConn adapts gorilla/websocket's message-oriented Conn to tunnel.Conn's
// byte-stream contract, buffering partial reads across message boundaries
// in the style of the pack's websocket read-pump
// (other_examples/.../nixfleet/.../hub.go).
type wsConn struct {
	*websocket.Conn
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.buf.Len() == 0 {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf.Write(msg)
	}
	return c.buf.Read(p)
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}
