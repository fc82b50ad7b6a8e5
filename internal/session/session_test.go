package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/broker/internal/clientindex"
	"github.com/edgemesh/broker/internal/geoip"
	"github.com/edgemesh/broker/internal/tunnel"
	"github.com/edgemesh/broker/internal/wire"
)

type noopHeartbeatService struct{}

func (noopHeartbeatService) Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	return &wire.HeartbeatResponse{}, nil
}

type stubReconcile struct{ ran chan struct{} }

func (r *stubReconcile) Run(ctx context.Context, sess *Session) {
	close(r.ran)
	<-ctx.Done()
}

func TestSession_ServeSpawnsReconcileAndTeardownRemovesIndexEntry(t *testing.T) {
	idx := clientindex.New()
	idx.Update("org-A", "dev-1", "tcp://1.2.3.4:5", 1)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	mgr := tunnel.NewManager(time.Second)
	sess := New(idx.WeakRef(), "tcp://1.2.3.4:5", geoip.Unknown, mgr, clockwork.NewFakeClock(), nil)

	sess.Lock()
	sess.MutableData().Token = &StorageToken{
		Token: "org-A", ClientURL: "tcp://1.2.3.4:5", DeviceID: "dev-1", OrganizationID: "org-A",
	}
	sess.Unlock()

	recon := &stubReconcile{ran: make(chan struct{})}

	done := make(chan error, 1)
	go func() { done <- sess.Serve(context.Background(), serverConn, noopHeartbeatService{}, recon) }()

	select {
	case <-recon.ran:
	case <-time.After(time.Second):
		t.Fatal("reconcile never started")
	}

	require.True(t, sess.IsRunning())

	sess.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve never returned after shutdown")
	}

	_, ok := idx.GetURL("org-A", "dev-1")
	require.False(t, ok)
}

func TestSession_PublishSubscribeIsLossy(t *testing.T) {
	idx := clientindex.New()
	sess := New(idx.WeakRef(), "tcp://1.2.3.4:5", geoip.Unknown, tunnel.NewManager(time.Second), clockwork.NewFakeClock(), nil)

	ch := sess.Subscribe()

	mid := "11111111-1111-1111-1111-111111111111"
	sess.Publish(&wire.HeartbeatRequest{MachineID: &mid, ReportTime: 1})
	sess.Publish(&wire.HeartbeatRequest{MachineID: &mid, ReportTime: 2})
	sess.Publish(&wire.HeartbeatRequest{MachineID: &mid, ReportTime: 3}) // drops the oldest buffered

	first := <-ch
	require.Equal(t, int64(2), first.ReportTime)
	second := <-ch
	require.Equal(t, int64(3), second.ReportTime)
}
