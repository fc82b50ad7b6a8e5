// Package wire holds the RPC payload types exchanged between the broker and
// a device's overlay-network agent. Per spec.md §1 the wire format and
// transport framing are external collaborators; these are just the Go
// shapes of the documents spec.md §6 describes.
package wire

import "encoding/json"

// HeartbeatRequest is the inbound heartbeat RPC payload (spec.md §4.4, §6).
type HeartbeatRequest struct {
	MachineID               *string  `json:"machine_id,omitempty"`
	UserToken               string   `json:"user_token"`
	Hostname                string   `json:"hostname"`
	EasytierVersion         string   `json:"easytier_version"`
	ReportTime              int64    `json:"report_time"`
	RunningNetworkInstances []string `json:"running_network_instances"`
	InstID                  *string  `json:"inst_id,omitempty"`
}

// HeartbeatResponse is always empty; success is implied by its return.
type HeartbeatResponse struct{}

// NetworkConfig is an opaque overlay-network configuration document. The
// broker never parses it beyond treating it as JSON to store and forward.
type NetworkConfig = json.RawMessage

// ValidateConfigRequest/Response forward a candidate config to the device
// for validation and return its verdict verbatim.
type ValidateConfigRequest struct {
	Config NetworkConfig `json:"config"`
}

type ValidateConfigResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// RunNetworkInstanceRequest asks the device to start (or restart) an
// overlay instance; the device assigns (or re-confirms) the instance id.
type RunNetworkInstanceRequest struct {
	InstID *string       `json:"inst_id,omitempty"`
	Config NetworkConfig `json:"config"`
}

type RunNetworkInstanceResponse struct {
	InstID string `json:"inst_id"`
}

// DeleteNetworkInstanceRequest tears down the named instances on the
// device.
type DeleteNetworkInstanceRequest struct {
	InstIDs []string `json:"inst_ids"`
}

type DeleteNetworkInstanceResponse struct{}

// ListNetworkInstanceRequest/Response enumerate instances currently
// running on the device.
type ListNetworkInstanceRequest struct{}

type ListNetworkInstanceResponse struct {
	InstIDs []string `json:"inst_ids"`
}

// CollectNetworkInfoRequest/Response carry per-instance runtime info,
// including the virtual IPv4 address assigned once an instance converges.
type CollectNetworkInfoRequest struct {
	InstIDs []string `json:"inst_ids"`
}

type CollectNetworkInfoResponse struct {
	Info map[string]InstanceInfo `json:"info"`
}

type InstanceInfo struct {
	Running    bool     `json:"running"`
	MyNodeInfo NodeInfo `json:"my_node_info"`
}

type NodeInfo struct {
	VirtualIPv4 *VirtualIPv4 `json:"virtual_ipv4,omitempty"`
}

// VirtualIPv4 is the device-assigned overlay address for this instance.
type VirtualIPv4 struct {
	Address       IPv4Address `json:"address"`
	NetworkLength uint8       `json:"network_length"`
}

type IPv4Address struct {
	Addr uint32 `json:"addr"`
}
