package tunnel

import (
	"context"

	"github.com/edgemesh/broker/internal/wire"
)

// scopedClient is the outbound RPC client bound to one session's tunnel
// (spec.md's "scoped client").
type scopedClient struct {
	mgr *jsonFrameManager
}

func (c *scopedClient) ValidateConfig(ctx context.Context, req *wire.ValidateConfigRequest) (*wire.ValidateConfigResponse, error) {
	var resp wire.ValidateConfigResponse
	if err := c.mgr.call(ctx, "validate_config", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *scopedClient) RunNetworkInstance(ctx context.Context, req *wire.RunNetworkInstanceRequest) (*wire.RunNetworkInstanceResponse, error) {
	var resp wire.RunNetworkInstanceResponse
	if err := c.mgr.call(ctx, "run_network_instance", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *scopedClient) DeleteNetworkInstance(ctx context.Context, req *wire.DeleteNetworkInstanceRequest) (*wire.DeleteNetworkInstanceResponse, error) {
	var resp wire.DeleteNetworkInstanceResponse
	if err := c.mgr.call(ctx, "delete_network_instance", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *scopedClient) ListNetworkInstance(ctx context.Context, req *wire.ListNetworkInstanceRequest) (*wire.ListNetworkInstanceResponse, error) {
	var resp wire.ListNetworkInstanceResponse
	if err := c.mgr.call(ctx, "list_network_instance", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *scopedClient) CollectNetworkInfo(ctx context.Context, req *wire.CollectNetworkInfoRequest) (*wire.CollectNetworkInfoResponse, error) {
	var resp wire.CollectNetworkInfoResponse
	if err := c.mgr.call(ctx, "collect_network_info", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
