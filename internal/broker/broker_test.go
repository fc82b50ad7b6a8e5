package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/edgemesh/broker/config"
	"github.com/edgemesh/broker/internal/clientindex"
	"github.com/edgemesh/broker/internal/errs"
	"github.com/edgemesh/broker/internal/geoip"
	"github.com/edgemesh/broker/internal/model"
	"github.com/edgemesh/broker/internal/session"
	"github.com/edgemesh/broker/internal/store"
	"github.com/edgemesh/broker/internal/tunnel"
)

// newTestStore spins up a disposable postgres container, in the same style
// as internal/store's own test helper.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
	)
	if err != nil {
		t.Skipf("docker unavailable, skipping: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	s, err := store.Open(ctx, store.Config{
		Host:     host,
		Port:     port.Port(),
		Database: "testdb",
		Username: "testuser",
		Password: "testpass",
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func TestBroker_SweepGC_RemovesDeadSessions(t *testing.T) {
	idx := clientindex.New()
	b := New(context.Background(), nil, WithClock(clockwork.NewFakeClock()))
	defer b.Shutdown()

	dead := session.New(idx.WeakRef(), "tcp://1.2.3.4:1", geoip.Unknown, tunnel.NewManager(time.Second), clockwork.NewRealClock(), nil)
	b.sessions.Store("tcp://1.2.3.4:1", dead)

	require.False(t, dead.IsRunning())
	b.sweepGC()

	_, ok := b.Session("tcp://1.2.3.4:1")
	require.False(t, ok)
}

func TestBroker_AddListener_InvalidScheme(t *testing.T) {
	b := New(context.Background(), nil)
	defer b.Shutdown()

	err := b.AddListener("quic://127.0.0.1:0")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.InvalidURL))
}

func TestBroker_AddListener_RegistersAndTearsDownSessionOnClose(t *testing.T) {
	b := New(context.Background(), nil)
	defer b.Shutdown()

	require.NoError(t, b.AddListener("tcp://127.0.0.1:0"))

	b.mu.Lock()
	acc := b.acceptors[0].(*tcpAcceptor)
	b.mu.Unlock()
	addr := acc.ln.Addr().String()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	clientURL := "tcp://" + conn.LocalAddr().String()

	require.Eventually(t, func() bool {
		_, ok := b.Session(clientURL)
		return ok
	}, time.Second, 10*time.Millisecond, "session never registered")

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_, ok := b.Session(clientURL)
		return !ok
	}, time.Second, 10*time.Millisecond, "session never torn down")
}

func TestBroker_AddListener_ServesMoreConnectionsThanPoolSize(t *testing.T) {
	b := New(context.Background(), nil, WithWorkerPoolSize(config.MinWorkerPoolSize))
	defer b.Shutdown()

	require.NoError(t, b.AddListener("tcp://127.0.0.1:0"))

	b.mu.Lock()
	acc := b.acceptors[0].(*tcpAcceptor)
	b.mu.Unlock()
	addr := acc.ln.Addr().String()

	const n = config.MinWorkerPoolSize + 1
	clientURLs := make([]string, n)
	for i := 0; i < n; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		clientURLs[i] = "tcp://" + conn.LocalAddr().String()
	}

	// If handleConn were still submitted to the fixed-size pool, only
	// MinWorkerPoolSize of these would ever register: the rest would queue
	// behind long-lived sessions that never free a slot.
	require.Eventually(t, func() bool {
		for _, clientURL := range clientURLs {
			if _, ok := b.Session(clientURL); !ok {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond, "not all connections registered a session; handleConn may be starving on the worker pool")
}

func TestBroker_SweepOffline_DemotesStaleDevices(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	devID := uuid.NewString()
	require.NoError(t, st.InsertDevice(ctx, &model.Device{
		ID:           devID,
		Name:         "edge-1",
		SerialNumber: "SN-offline-1",
		DeviceType:   model.DeviceTypeRobot,
		Status:       model.StatusOnline,
	}))

	clock := clockwork.NewFakeClock()
	b := New(ctx, st, WithClock(clock))
	defer b.Shutdown()

	b.sweepOffline(ctx)

	got, err := st.GetDevice(ctx, devID)
	require.NoError(t, err)
	require.Equal(t, model.StatusOffline, got.Status)
}
