package tunnel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgemesh/broker/config"
	"github.com/edgemesh/broker/internal/wire"
)

const maxFrameSize = 8 << 20 // 8MiB, generous for a JSON config document

type frameKind uint8

const (
	frameRequest frameKind = iota
	frameResponse
)

type frame struct {
	ID      uint64          `json:"id"`
	Kind    frameKind       `json:"kind"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// jsonFrameManager is the one concrete tunnel.Manager this package ships:
// a length-prefixed JSON request/response framer running both directions
// over a single Conn, satisfying the BidirectRpcManager-shaped contract.
type jsonFrameManager struct {
	conn        Conn
	readTimeout time.Duration
	dispatcher  Dispatcher

	writeMu sync.Mutex

	nextID  atomic.Uint64
	running atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint64]chan frame

	done chan struct{}
}

// Dispatcher submits fn for asynchronous execution. (*workerpool.Pool).Submit
// satisfies this once wrapped in a closure discarding its pond.Task result;
// the zero value falls back to a raw goroutine per inbound request.
type Dispatcher func(fn func())

// Option configures a Manager at construction.
type Option func(*jsonFrameManager)

// WithDispatcher routes each inbound request's handling through d instead of
// a dedicated goroutine, so the broker's shared worker pool — not an
// unbounded goroutine per heartbeat — backs inbound dispatch (spec.md §5).
func WithDispatcher(d Dispatcher) Option {
	return func(m *jsonFrameManager) { m.dispatcher = d }
}

// NewManager constructs a Manager for one tunnel, enforcing readTimeout
// between inbound requests (spec.md §4.3b's 30s default).
func NewManager(readTimeout time.Duration, opts ...Option) Manager {
	m := &jsonFrameManager{
		readTimeout: readTimeout,
		pending:     make(map[uint64]chan frame),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *jsonFrameManager) Serve(ctx context.Context, conn Conn, svc HeartbeatService) error {
	m.conn = conn
	m.running.Store(true)
	defer func() {
		m.running.Store(false)
		close(m.done)
	}()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(m.readTimeout)); err != nil {
			return err
		}
		f, err := readFrame(conn)
		if err != nil {
			return err
		}

		switch f.Kind {
		case frameRequest:
			if m.dispatcher != nil {
				m.dispatcher(func() { m.dispatch(ctx, svc, f) })
			} else {
				go m.dispatch(ctx, svc, f)
			}
		case frameResponse:
			m.deliver(f)
		}
	}
}

func (m *jsonFrameManager) dispatch(ctx context.Context, svc HeartbeatService, f frame) {
	resp := frame{ID: f.ID, Kind: frameResponse}

	if f.Method != "heartbeat" || svc == nil {
		resp.Err = fmt.Sprintf("unknown inbound method %q", f.Method)
		_ = writeFrame(m.conn, &m.writeMu, resp)
		return
	}

	var req wire.HeartbeatRequest
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		resp.Err = err.Error()
		_ = writeFrame(m.conn, &m.writeMu, resp)
		return
	}

	out, err := svc.Heartbeat(ctx, &req)
	if err != nil {
		// Throttle misbehaving clients: delay the error response rather
		// than serving the next heartbeat immediately (spec.md §4.4).
		select {
		case <-time.After(config.HeartbeatFailureCooldown):
		case <-ctx.Done():
		}
		resp.Err = err.Error()
		_ = writeFrame(m.conn, &m.writeMu, resp)
		return
	}

	payload, err := json.Marshal(out)
	if err != nil {
		resp.Err = err.Error()
		_ = writeFrame(m.conn, &m.writeMu, resp)
		return
	}
	resp.Payload = payload
	_ = writeFrame(m.conn, &m.writeMu, resp)
}

func (m *jsonFrameManager) deliver(f frame) {
	m.pendingMu.Lock()
	ch, ok := m.pending[f.ID]
	if ok {
		delete(m.pending, f.ID)
	}
	m.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

func (m *jsonFrameManager) IsRunning() bool { return m.running.Load() }

func (m *jsonFrameManager) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

func (m *jsonFrameManager) Client() DeviceClient {
	return &scopedClient{mgr: m}
}

// call sends a request frame and blocks for its matching response, honoring
// ctx cancellation. Per spec.md §5, no timeout is otherwise imposed on
// outbound RPCs — they inherit the tunnel's lifetime.
func (m *jsonFrameManager) call(ctx context.Context, method string, req any, resp any) error {
	if !m.running.Load() {
		return fmt.Errorf("tunnel: manager not running")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	id := m.nextID.Add(1)
	ch := make(chan frame, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()

	if err := writeFrame(m.conn, &m.writeMu, frame{ID: id, Kind: frameRequest, Method: method, Payload: payload}); err != nil {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
		return err
	}

	select {
	case f := <-ch:
		if f.Err != "" {
			return fmt.Errorf("tunnel: %s: %s", method, f.Err)
		}
		if resp != nil && len(f.Payload) > 0 {
			return json.Unmarshal(f.Payload, resp)
		}
		return nil
	case <-ctx.Done():
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
		return ctx.Err()
	case <-m.done:
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
		return fmt.Errorf("tunnel: closed while awaiting %s response", method)
	}
}

func readFrame(r io.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return frame{}, fmt.Errorf("tunnel: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(buf, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func writeFrame(w io.Writer, mu *sync.Mutex, f frame) error {
	buf, err := json.Marshal(f)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))

	mu.Lock()
	defer mu.Unlock()
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
