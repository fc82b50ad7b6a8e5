// Package broker implements the top-level Broker: the set of listeners,
// the sessions map, the two sweepers, and the ClientIndex/Store handles
// (spec.md §4.3). The functional-options constructor and errgroup-driven
// listener lifecycle follow
// controlplane/controller/internal/controller/server.go, generalized from
// one gRPC listener to the broker's multi-scheme accept loops.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/edgemesh/broker/config"
	"github.com/edgemesh/broker/internal/clientindex"
	"github.com/edgemesh/broker/internal/geoip"
	"github.com/edgemesh/broker/internal/heartbeat"
	"github.com/edgemesh/broker/internal/management"
	"github.com/edgemesh/broker/internal/metrics"
	"github.com/edgemesh/broker/internal/model"
	"github.com/edgemesh/broker/internal/reconcile"
	"github.com/edgemesh/broker/internal/session"
	"github.com/edgemesh/broker/internal/store"
	"github.com/edgemesh/broker/internal/tunnel"
	"github.com/edgemesh/broker/internal/workerpool"
)

// Broker is the top-level process-wide object owning listeners, sessions,
// and sweepers.
type Broker struct {
	log   *slog.Logger
	store *store.Store
	index *clientindex.ClientIndex
	geo   geoip.Resolver
	clock clockwork.Clock
	pool  *workerpool.Pool
	mgmt  *management.API

	mu        sync.Mutex
	acceptors []acceptor
	listening int

	sessions sync.Map // client_url string -> *session.Session

	g      *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// Option configures a Broker at construction.
type Option func(*Broker)

// WithLogger attaches a logger; the zero value logs to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithGeoIPResolver attaches a geo-IP resolver; the zero value resolves
// private, loopback and link-local addresses to geoip.LocalNetwork and every
// other address to geoip.Unknown.
func WithGeoIPResolver(r geoip.Resolver) Option {
	return func(b *Broker) { b.geo = r }
}

// WithClock injects a clock for the sweepers, for deterministic tests.
func WithClock(c clockwork.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithWorkerPoolSize overrides the worker pool size (floored at
// config.MinWorkerPoolSize).
func WithWorkerPoolSize(n int) Option {
	return func(b *Broker) { b.pool = workerpool.New(n) }
}

// New constructs a Broker bound to st, spawning the empty ClientIndex and
// both sweepers (spec.md §4.3 steps 2-4). Migrations must already have been
// applied by the caller via st.RunMigrations.
func New(ctx context.Context, st *store.Store, opts ...Option) *Broker {
	b := &Broker{
		log:   slog.Default(),
		store: st,
		index: clientindex.New(),
		clock: clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.geo == nil {
		b.geo = geoip.NewResolver(nil)
	}
	if b.pool == nil {
		b.pool = workerpool.New(config.MinWorkerPoolSize)
	}
	b.mgmt = management.New(b.index, b.store, b, b.pool, b.clock, b.log)

	g, gctx := errgroup.WithContext(ctx)
	b.g = g
	b.gctx = gctx
	b.cancel = func() {} // replaced once spawnSweepers sets up its own cancellation

	b.spawnSweepers(gctx)
	return b
}

func (b *Broker) spawnSweepers(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.g.Go(func() error {
		ticker := b.clock.NewTicker(config.SessionGCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return nil
			case <-ticker.Chan():
				b.sweepGC()
			}
		}
	})

	b.g.Go(func() error {
		ticker := b.clock.NewTicker(config.OfflineSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return nil
			case <-ticker.Chan():
				b.sweepOffline(ctx)
			}
		}
	})
}

// sweepGC walks the sessions map every 15s and drops entries whose tunnel
// is no longer running (spec.md §4.3 step 3).
func (b *Broker) sweepGC() {
	b.sessions.Range(func(key, value any) bool {
		sess := value.(*session.Session)
		if !sess.IsRunning() {
			b.sessions.Delete(key)
			metrics.SweeperGCRemovals.Inc()
		}
		return true
	})
	b.updateSessionGauge()
}

// sweepOffline demotes timed-out approved devices every 60s (spec.md §4.6).
func (b *Broker) sweepOffline(ctx context.Context) {
	cutoff := b.clock.Now().Add(-config.OfflineCutoff)
	stale, err := b.store.ListStaleApprovedDevices(ctx, cutoff)
	if err != nil {
		b.log.Error("sweeper-offline: list stale devices failed", "error", err)
		return
	}
	for _, d := range stale {
		offline := model.StatusOffline
		if err := b.store.UpdateDevice(ctx, d.ID, store.DeviceUpdate{Status: &offline}); err != nil {
			b.log.Error("sweeper-offline: demote failed", "device_id", d.ID, "error", err)
			continue
		}
		metrics.SweeperOfflineDemotions.Inc()
	}
}

func (b *Broker) updateSessionGauge() {
	count := 0
	b.sessions.Range(func(_, _ any) bool { count++; return true })
	metrics.SessionsActive.Set(float64(count))
}

// AddListener binds rawURL (tcp://, udp://, or ws://) and starts its accept
// loop. InvalidUrl for unknown schemes, ListenFailure if the bind fails.
func (b *Broker) AddListener(rawURL string) error {
	acc, err := newAcceptor(rawURL)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.acceptors = append(b.acceptors, acc)
	b.listening++
	b.mu.Unlock()

	b.g.Go(func() error {
		defer func() {
			b.mu.Lock()
			b.listening--
			b.mu.Unlock()
		}()
		return b.acceptLoop(b.gctx, acc)
	})
	return nil
}

func (b *Broker) acceptLoop(ctx context.Context, acc acceptor) error {
	for {
		conn, clientURL, err := acc.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			b.log.Warn("listener accept failed, exiting loop", "error", err)
			return nil
		}

		// handleConn blocks for the connection's whole lifetime (spec.md
		// §4.3b), so it runs on a plain goroutine rather than the worker
		// pool: the pool is reserved for short-lived dispatched work
		// (inbound heartbeat handling, virtual-IP harvesting), and a
		// fixed-size pool would only ever serve config.MinWorkerPoolSize
		// connections concurrently if sessions occupied a slot each.
		go b.handleConn(ctx, conn, clientURL)
	}
}

func (b *Broker) handleConn(ctx context.Context, conn tunnel.Conn, clientURL string) {
	loc := b.resolveLocation(conn.RemoteAddr())

	mgr := tunnel.NewManager(config.InboundReadTimeout, tunnel.WithDispatcher(func(fn func()) {
		b.pool.Submit(fn)
	}))
	sess := session.New(b.index.WeakRef(), clientURL, loc, mgr, b.clock, b.log)
	b.sessions.Store(clientURL, sess)
	b.updateSessionGauge()

	h := heartbeat.New(sess, b.store, b.clock, b.log)
	r := reconcile.New(b.store, b.log)

	if err := sess.Serve(ctx, conn, h, r); err != nil {
		b.log.Debug("session ended", "client_url", clientURL, "error", err)
	}
	b.sessions.Delete(clientURL)
	b.updateSessionGauge()
}

func (b *Broker) resolveLocation(addr net.Addr) geoip.Location {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return geoip.Unknown
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return geoip.Unknown
	}
	return b.geo.Lookup(ip)
}

// Start opens dual-stack listeners on port: always 0.0.0.0:port, plus
// [::0]:port when protocol is tcp or udp and a global IPv6 address is
// available. Each family is attempted independently of the other's outcome;
// Start only returns an error when every attempted family fails (spec.md
// §4.3).
func (b *Broker) Start(protocol string, port int) error {
	v4 := protocol + "://0.0.0.0:" + portString(port)
	v4Err := b.AddListener(v4)
	if v4Err == nil {
		b.log.Debug("listener started", "url", v4)
	}

	if protocol != "tcp" && protocol != "udp" {
		return v4Err
	}
	if !hasGlobalIPv6() {
		return v4Err
	}

	v6 := protocol + "://[::0]:" + portString(port)
	v6Err := b.AddListener(v6)
	switch {
	case v4Err == nil && v6Err == nil:
		b.log.Debug("listener started", "url", v6)
		return nil
	case v4Err != nil && v6Err == nil:
		b.log.Warn("ipv4 listener failed, continuing with ipv6 only", "error", v4Err)
		return nil
	case v4Err == nil && v6Err != nil:
		b.log.Warn("ipv6 listener failed, continuing with ipv4 only", "error", v6Err)
		return nil
	default:
		return fmt.Errorf("broker: both ipv4 and ipv6 listeners failed: v4: %w, v6: %v", v4Err, v6Err)
	}
}

func hasGlobalIPv6() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.To4() == nil && ipNet.IP.IsGlobalUnicast() {
			return true
		}
	}
	return false
}

func portString(port int) string {
	return strconv.Itoa(port)
}

// Session returns the live session for a client URL, if any.
func (b *Broker) Session(clientURL string) (*session.Session, bool) {
	v, ok := b.sessions.Load(clientURL)
	if !ok {
		return nil, false
	}
	return v.(*session.Session), true
}

// Index returns the broker's ClientIndex.
func (b *Broker) Index() *clientindex.ClientIndex { return b.index }

// Store returns the broker's Store.
func (b *Broker) Store() *store.Store { return b.store }

// Management returns the broker's ManagementAPI façade.
func (b *Broker) Management() *management.API { return b.mgmt }

// Shutdown cancels both sweepers and tears down every session (spec.md
// §4.3).
func (b *Broker) Shutdown() error {
	b.cancel()

	b.mu.Lock()
	for _, acc := range b.acceptors {
		_ = acc.Close()
	}
	b.mu.Unlock()

	b.sessions.Range(func(key, value any) bool {
		value.(*session.Session).Shutdown()
		b.sessions.Delete(key)
		return true
	})

	return b.g.Wait()
}
