// Package session implements the broker's per-tunnel handle: a bidirectional
// RPC manager, a lock-guarded SessionData, a cancellable reconcile task, and
// a one-shot shutdown signal (spec.md §3, §4.3b). The mutex-guarded-struct
// shape and accessor style follow
// client/doublezerod/internal/liveness/session.go.
package session

import (
	"context"
	"log/slog"
	"sync"
	"weak"

	"github.com/jonboulle/clockwork"

	"github.com/edgemesh/broker/config"
	"github.com/edgemesh/broker/internal/clientindex"
	"github.com/edgemesh/broker/internal/geoip"
	"github.com/edgemesh/broker/internal/tunnel"
	"github.com/edgemesh/broker/internal/wire"
)

// StorageToken binds a session's tunnel endpoint to a (organization, device)
// identity, set on first successful heartbeat (spec.md's glossary).
type StorageToken struct {
	Token          string
	ClientURL      string
	DeviceID       string
	OrganizationID string
}

// Data is the session's shared mutable state, guarded by the session's
// lock. HeartbeatHandler takes the write lock; most other readers take a
// read-only snapshot via Session.Snapshot.
type Data struct {
	LastReq  *wire.HeartbeatRequest
	Token    *StorageToken
	Location geoip.Location
}

// ReconcileRunner is the per-session reconcile loop, started by Serve. It is
// an interface so this package does not import internal/reconcile (which in
// turn depends on this package).
type ReconcileRunner interface {
	Run(ctx context.Context, sess *Session)
}

// Session is the broker's per-tunnel object.
type Session struct {
	clientURL string
	weakIndex weak.Pointer[clientindex.ClientIndex]

	mgr tunnel.Manager

	mu   sync.RWMutex
	data Data

	broadcast *broadcaster

	clock clockwork.Clock
	log   *slog.Logger

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	removeOnce sync.Once
}

// New constructs a session bound to clientURL, holding only a weak handle
// back to the index that will track it.
func New(weakIndex weak.Pointer[clientindex.ClientIndex], clientURL string, location geoip.Location, mgr tunnel.Manager, clock clockwork.Clock, log *slog.Logger) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		clientURL:  clientURL,
		weakIndex:  weakIndex,
		mgr:        mgr,
		data:       Data{Location: location},
		broadcast:  newBroadcaster(config.HeartbeatBroadcastCapacity),
		clock:      clock,
		log:        log,
		shutdownCh: make(chan struct{}),
	}
}

// ClientURL returns the transport-scheme-qualified peer address identifying
// this session in the sessions map.
func (s *Session) ClientURL() string { return s.clientURL }

// WeakIndex returns the non-owning handle to the ClientIndex that created
// this session.
func (s *Session) WeakIndex() weak.Pointer[clientindex.ClientIndex] { return s.weakIndex }

// Clock returns the session's injected clock.
func (s *Session) Clock() clockwork.Clock { return s.clock }

// Lock acquires the write lock HeartbeatHandler holds for the duration of
// one heartbeat (spec.md §4.4: "the handler runs under the session's
// write-lock on SessionData").
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the write lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// MutableData returns a pointer to the session's shared state. Callers must
// hold Lock for the duration of any mutation.
func (s *Session) MutableData() *Data { return &s.data }

// Snapshot returns a copy of the session's current state under the read
// lock, for accessors like get_token()/data() in spec.md §4.3b.
func (s *Session) Snapshot() Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// Token returns the bound storage token, if any.
func (s *Session) Token() (*StorageToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Token, s.data.Token != nil
}

// Publish fans req out to the reconcile task's subscription. Lossy under a
// slow/absent subscriber, by design (spec.md §4.3b, §9).
func (s *Session) Publish(req *wire.HeartbeatRequest) {
	s.broadcast.publish(req)
}

// Subscribe returns a channel the reconcile task reads heartbeats from.
func (s *Session) Subscribe() <-chan *wire.HeartbeatRequest {
	return s.broadcast.subscribe()
}

// ScopedClient returns the outbound RPC client bound to this session's
// tunnel, for use by the reconcile task and ManagementAPI.
func (s *Session) ScopedClient() tunnel.DeviceClient {
	return s.mgr.Client()
}

// IsRunning delegates to the RPC manager.
func (s *Session) IsRunning() bool {
	return s.mgr.IsRunning()
}

// Serve hands conn to the RPC manager, registers svc as the inbound
// heartbeat handler, and spawns reconcile racing the session's shutdown
// signal. It blocks until the tunnel closes, ctx is cancelled, or Shutdown
// is called.
func (s *Session) Serve(ctx context.Context, conn tunnel.Conn, svc tunnel.HeartbeatService, reconcile ReconcileRunner) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.shutdownCh:
			cancel()
		case <-serveCtx.Done():
		}
	}()

	if reconcile != nil {
		go reconcile.Run(serveCtx, s)
	}

	err := s.mgr.Serve(serveCtx, conn, svc)
	s.teardown()
	return err
}

// Shutdown fires the one-shot signal, stopping the reconcile task and the
// RPC manager.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	_ = s.mgr.Close()
	s.teardown()
}

// teardown removes this session's ClientIndex entry exactly once, the
// "drop of SessionData" semantics of spec.md §4.3b, driven explicitly since
// Go has no destructors.
func (s *Session) teardown() {
	s.removeOnce.Do(func() {
		tok, ok := s.Token()
		if !ok {
			return
		}
		idx := s.weakIndex.Value()
		if idx == nil {
			return
		}
		idx.Remove(tok.OrganizationID, tok.DeviceID, tok.ClientURL)
	})
}
