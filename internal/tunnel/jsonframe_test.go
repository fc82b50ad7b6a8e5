package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/edgemesh/broker/internal/wire"
	"github.com/stretchr/testify/require"
)

// net.Pipe's net.Conn already satisfies tunnel.Conn, so these tests use it
// directly without any wrapping.

type stubHeartbeatService struct {
	received chan *wire.HeartbeatRequest
}

func (s *stubHeartbeatService) Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error) {
	s.received <- req
	return &wire.HeartbeatResponse{}, nil
}

func TestJSONFrameManager_InboundHeartbeatAndOutboundCall(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverMgr := NewManager(time.Second)
	clientMgr := NewManager(time.Second)

	svc := &stubHeartbeatService{received: make(chan *wire.HeartbeatRequest, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = serverMgr.Serve(ctx, serverConn, svc) }()
	go func() { _ = clientMgr.Serve(ctx, clientConn, nil) }()

	time.Sleep(10 * time.Millisecond)

	// The device (client side, in production) drives outbound heartbeats
	// against the broker's inbound handler.
	machineID := "11111111-1111-1111-1111-111111111111"
	cm := clientMgr.(*jsonFrameManager)
	err := cm.call(context.Background(), "heartbeat", &wire.HeartbeatRequest{
		MachineID:  &machineID,
		UserToken:  "org-A",
		Hostname:   "h1",
		ReportTime: 1,
	}, &wire.HeartbeatResponse{})
	require.NoError(t, err)

	select {
	case got := <-svc.received:
		require.Equal(t, "org-A", got.UserToken)
		require.Equal(t, "h1", got.Hostname)
	case <-time.After(time.Second):
		t.Fatal("heartbeat never reached service")
	}

	// The broker (server side) can also issue outbound RPCs back to the
	// device over the same tunnel, e.g. run_network_instance.
	sm := serverMgr.(*jsonFrameManager)
	respCh := make(chan error, 1)
	go func() {
		respCh <- sm.call(context.Background(), "run_network_instance", &wire.RunNetworkInstanceRequest{}, &wire.RunNetworkInstanceResponse{})
	}()

	select {
	case err := <-respCh:
		require.Error(t, err) // no handler registered on the client side
	case <-time.After(time.Second):
		t.Fatal("outbound call never returned")
	}
}

func TestJSONFrameManager_IsRunningReflectsTunnelLifecycle(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	mgr := NewManager(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = mgr.Serve(ctx, serverConn, nil)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, mgr.IsRunning())

	require.NoError(t, mgr.Close())
	<-done
	require.False(t, mgr.IsRunning())
}
