// Package tunnel defines the bidirectional-RPC-manager contract that
// spec.md §1 names as an external collaborator: "a library that, given a
// bidirectional byte-stream tunnel, exposes an inbound service-registration
// hook and an outbound scoped-client factory, with a configurable
// inbound-request read timeout."
//
// The shape mirrors easytier's BidirectRpcManager as described in
// _examples/original_source/src/client_manager/session.rs. No pack example
// ships a ready-made bidirectional-RPC-over-byte-stream library (yamux,
// jsonrpc2 and smux do not appear anywhere in _examples), and adopting grpc
// would mean implementing exactly the wire format spec.md's Non-goals
// exclude — so this package's one concrete implementation is a minimal,
// deliberately small, stdlib-only framer. It exists only to satisfy the
// contract, not to be a general-purpose RPC library.
package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/edgemesh/broker/internal/wire"
)

// Conn is the bidirectional byte-stream tunnel the manager is handed.
// net.Conn satisfies this directly; the broker's websocket listener adapts
// gorilla/websocket connections to it (see internal/broker/listener.go).
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
}

// HeartbeatService is the inbound service hook a Session registers on its
// Manager.
type HeartbeatService interface {
	Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*wire.HeartbeatResponse, error)
}

// DeviceClient is the outbound scoped-client surface spec.md §6 names as
// "RPC surface consumed from devices."
type DeviceClient interface {
	ValidateConfig(ctx context.Context, req *wire.ValidateConfigRequest) (*wire.ValidateConfigResponse, error)
	RunNetworkInstance(ctx context.Context, req *wire.RunNetworkInstanceRequest) (*wire.RunNetworkInstanceResponse, error)
	DeleteNetworkInstance(ctx context.Context, req *wire.DeleteNetworkInstanceRequest) (*wire.DeleteNetworkInstanceResponse, error)
	ListNetworkInstance(ctx context.Context, req *wire.ListNetworkInstanceRequest) (*wire.ListNetworkInstanceResponse, error)
	CollectNetworkInfo(ctx context.Context, req *wire.CollectNetworkInfoRequest) (*wire.CollectNetworkInfoResponse, error)
}

// Manager is the bidirectional RPC manager bound to one tunnel.
type Manager interface {
	// Serve binds conn, registers svc as the inbound heartbeat handler, and
	// blocks dispatching inbound requests until conn closes, ctx is done,
	// or the inbound read timeout elapses with no request received.
	Serve(ctx context.Context, conn Conn, svc HeartbeatService) error

	// Client returns the outbound scoped client bound to this tunnel.
	Client() DeviceClient

	// IsRunning reports whether the tunnel is still being served.
	IsRunning() bool

	// Close tears the manager and its tunnel down.
	Close() error
}
