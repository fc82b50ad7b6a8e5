// Package management implements ManagementAPI: the request-scoped façade an
// upstream control plane uses to push configuration at devices (spec.md
// §4.7). Every device-facing operation locates a session via ClientIndex,
// then issues an outbound RPC through that session's scoped client — the
// same three-step
// lookup spec.md names: index.get_url → sessions map → session. The
// façade-over-a-session-lookup shape follows
// controlplane/controller/internal/controller/server.go's gRPC service
// methods, generalized from one backing store to the broker's
// Store+ClientIndex+sessions trio.
package management

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/edgemesh/broker/config"
	"github.com/edgemesh/broker/internal/clientindex"
	"github.com/edgemesh/broker/internal/errs"
	"github.com/edgemesh/broker/internal/geoip"
	"github.com/edgemesh/broker/internal/model"
	"github.com/edgemesh/broker/internal/session"
	"github.com/edgemesh/broker/internal/store"
	"github.com/edgemesh/broker/internal/tunnel"
	"github.com/edgemesh/broker/internal/wire"
	"github.com/edgemesh/broker/internal/workerpool"
)

// sessionLookup is the subset of *broker.Broker the façade needs. An
// interface here avoids management depending on broker, which would cycle
// back through heartbeat/reconcile into session.
type sessionLookup interface {
	Session(clientURL string) (*session.Session, bool)
}

// deviceStore is the subset of *store.Store the façade needs, narrowed to
// an interface so tests can fake it without a database, in the same style
// as internal/reconcile's deviceOrgStore.
type deviceStore interface {
	GetDeviceInOrg(ctx context.Context, id, orgID string) (*model.Device, error)
	InsertDevice(ctx context.Context, d *model.Device) error
	UpdateDevice(ctx context.Context, id string, u store.DeviceUpdate) error
}

// API is the ManagementAPI façade bound to one broker's state.
type API struct {
	index    *clientindex.ClientIndex
	store    deviceStore
	sessions sessionLookup
	pool     *workerpool.Pool
	clock    clockwork.Clock
	log      *slog.Logger
}

// New constructs an API.
func New(index *clientindex.ClientIndex, st deviceStore, sessions sessionLookup, pool *workerpool.Pool, clock clockwork.Clock, log *slog.Logger) *API {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &API{index: index, store: st, sessions: sessions, pool: pool, clock: clock, log: log}
}

// locate resolves (org, device) to a live, heartbeat-bound session, per
// spec.md §4.7's lookup contract.
func (a *API) locate(org, deviceID string) (*session.Session, error) {
	clientURL, ok := a.index.GetURL(org, deviceID)
	if !ok {
		return nil, errs.New(errs.SessionNotFound, deviceID)
	}
	sess, ok := a.sessions.Session(clientURL)
	if !ok {
		return nil, errs.New(errs.SessionNotFound, deviceID)
	}
	if _, ok := sess.Token(); !ok {
		return nil, errs.New(errs.SessionNotReady, deviceID)
	}
	return sess, nil
}

// ValidateConfig forwards cfg to the device and returns its verdict
// verbatim.
func (a *API) ValidateConfig(ctx context.Context, org, deviceID string, cfg wire.NetworkConfig) (*wire.ValidateConfigResponse, error) {
	sess, err := a.locate(org, deviceID)
	if err != nil {
		return nil, err
	}
	resp, err := sess.ScopedClient().ValidateConfig(ctx, &wire.ValidateConfigRequest{Config: cfg})
	if err != nil {
		return nil, errs.Wrap(errs.RPCFailure, "validate_config", err)
	}
	return resp, nil
}

// RunNetworkInstance invokes the device RPC, persists the resulting
// assignment, and kicks off fire-and-forget virtual-IP harvesting (spec.md
// §4.7a). The stored inst_id is returned immediately; the harvest result is
// not awaited.
func (a *API) RunNetworkInstance(ctx context.Context, org, deviceID string, cfg wire.NetworkConfig) (*wire.RunNetworkInstanceResponse, error) {
	sess, err := a.locate(org, deviceID)
	if err != nil {
		return nil, err
	}

	client := sess.ScopedClient()
	resp, err := client.RunNetworkInstance(ctx, &wire.RunNetworkInstanceRequest{Config: cfg})
	if err != nil {
		return nil, errs.Wrap(errs.RPCFailure, "run_network_instance", err)
	}

	now := a.clock.Now()
	if err := a.persistRunningInstance(ctx, org, deviceID, resp.InstID, cfg, now); err != nil {
		return nil, err
	}

	instID := resp.InstID
	a.pool.Submit(func() {
		a.harvestVirtualIP(context.Background(), deviceID, client, instID)
	})

	return resp, nil
}

// persistRunningInstance implements spec.md §4.7's run_network_instance
// persistence contract, creating the device row with Online defaults if it
// did not already exist.
func (a *API) persistRunningInstance(ctx context.Context, org, deviceID, instID string, cfg wire.NetworkConfig, now time.Time) error {
	_, err := a.store.GetDeviceInOrg(ctx, deviceID, org)
	if errs.Is(err, errs.DeviceNotFound) {
		d := &model.Device{
			ID:             deviceID,
			OrganizationID: &org,
			Name:           deviceID,
			SerialNumber:   deviceID,
			DeviceType:     model.DeviceTypeRobot,
			Status:         model.StatusOnline,
		}
		if err := a.store.InsertDevice(ctx, d); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	ni := &model.NetworkInstance{InstanceID: instID, Config: cfg, Disabled: false, CreateTime: now, UpdateTime: now}
	return a.store.UpdateDevice(ctx, deviceID, store.DeviceUpdate{NetworkInstance: &ni})
}

// harvestVirtualIP implements spec.md §4.7a: an initial 3s delay, then up to
// three collect_network_info attempts 2s apart, persisting the harvested
// address on success and logging on exhaustion. Grounded on
// controlplane/telemetry/internal/telemetry/pinger.go's backoff.Retry usage,
// adapted from an exponential to a fixed 2s schedule since spec.md names a
// constant interval rather than a growing one.
func (a *API) harvestVirtualIP(ctx context.Context, deviceID string, client tunnel.DeviceClient, instID string) {
	a.clock.Sleep(config.VirtualIPHarvestInitialDelay)

	info, err := backoff.Retry(ctx, func() (*wire.InstanceInfo, error) {
		resp, err := client.CollectNetworkInfo(ctx, &wire.CollectNetworkInfoRequest{InstIDs: []string{instID}})
		if err != nil {
			return nil, err
		}
		got, ok := resp.Info[instID]
		if !ok || !got.Running || got.MyNodeInfo.VirtualIPv4 == nil {
			return nil, fmt.Errorf("instance %s not yet converged", instID)
		}
		return &got, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(config.VirtualIPHarvestRetryInterval)),
		backoff.WithMaxTries(config.VirtualIPHarvestMaxAttempts),
	)
	if err != nil {
		a.log.Warn("virtual ip harvest exhausted", "device_id", deviceID, "instance_id", instID, "error", err)
		return
	}

	ip := info.MyNodeInfo.VirtualIPv4.Address.Addr
	netLen := info.MyNodeInfo.VirtualIPv4.NetworkLength
	if err := a.store.UpdateDevice(ctx, deviceID, store.DeviceUpdate{VirtualIP: &ip, VirtualIPNet: &netLen}); err != nil {
		a.log.Warn("virtual ip persist failed", "device_id", deviceID, "error", err)
	}
}

// RemoveNetworkInstance clears the stored network-instance assignment and
// forwards delete_network_instance. StopNetworkInstance shares this
// contract per spec.md §4.7's "stop/remove_network_instance" entry.
func (a *API) RemoveNetworkInstance(ctx context.Context, org, deviceID, instID string) (*wire.DeleteNetworkInstanceResponse, error) {
	sess, err := a.locate(org, deviceID)
	if err != nil {
		return nil, err
	}

	var cleared *model.NetworkInstance
	if err := a.store.UpdateDevice(ctx, deviceID, store.DeviceUpdate{NetworkInstance: &cleared}); err != nil {
		return nil, err
	}

	resp, err := sess.ScopedClient().DeleteNetworkInstance(ctx, &wire.DeleteNetworkInstanceRequest{InstIDs: []string{instID}})
	if err != nil {
		return nil, errs.Wrap(errs.RPCFailure, "delete_network_instance", err)
	}
	return resp, nil
}

// StopNetworkInstance is an alias for RemoveNetworkInstance; spec.md §4.7
// gives both names the same contract.
func (a *API) StopNetworkInstance(ctx context.Context, org, deviceID, instID string) (*wire.DeleteNetworkInstanceResponse, error) {
	return a.RemoveNetworkInstance(ctx, org, deviceID, instID)
}

// NetworkInstanceIDs is the result of ListNetworkInstanceIDs.
type NetworkInstanceIDs struct {
	Running  []string
	Disabled []string
}

// ListNetworkInstanceIDs reports the instances the device last reported
// running alongside any instance the store has marked disabled.
func (a *API) ListNetworkInstanceIDs(ctx context.Context, org, deviceID string) (*NetworkInstanceIDs, error) {
	sess, err := a.locate(org, deviceID)
	if err != nil {
		return nil, err
	}

	var running []string
	if snap := sess.Snapshot(); snap.LastReq != nil {
		running = snap.LastReq.RunningNetworkInstances
	}

	d, err := a.store.GetDeviceInOrg(ctx, deviceID, org)
	if err != nil {
		return nil, err
	}
	var disabled []string
	if d.HasNetworkInstance() && d.NetworkInstance.Disabled {
		disabled = []string{d.NetworkInstance.InstanceID}
	}
	return &NetworkInstanceIDs{Running: running, Disabled: disabled}, nil
}

// CollectNetworkInfo is a pure pass-through to the device RPC.
func (a *API) CollectNetworkInfo(ctx context.Context, org, deviceID string, instIDs []string) (*wire.CollectNetworkInfoResponse, error) {
	sess, err := a.locate(org, deviceID)
	if err != nil {
		return nil, err
	}
	resp, err := sess.ScopedClient().CollectNetworkInfo(ctx, &wire.CollectNetworkInfoRequest{InstIDs: instIDs})
	if err != nil {
		return nil, errs.Wrap(errs.RPCFailure, "collect_network_info", err)
	}
	return resp, nil
}

// UpdateNetworkState mutates the stored disabled flag and forwards the
// matching device RPC: delete_network_instance when disabling,
// run_network_instance with the stored config when re-enabling.
func (a *API) UpdateNetworkState(ctx context.Context, org, deviceID, instID string, disabled bool) error {
	sess, err := a.locate(org, deviceID)
	if err != nil {
		return err
	}

	d, err := a.store.GetDeviceInOrg(ctx, deviceID, org)
	if err != nil {
		return err
	}
	if !d.HasNetworkInstance() {
		return errs.New(errs.InvalidRequest, "device has no network instance assigned")
	}

	updated := *d.NetworkInstance
	updated.Disabled = disabled
	updatedPtr := &updated
	if err := a.store.UpdateDevice(ctx, deviceID, store.DeviceUpdate{NetworkInstance: &updatedPtr}); err != nil {
		return err
	}

	if disabled {
		_, err = sess.ScopedClient().DeleteNetworkInstance(ctx, &wire.DeleteNetworkInstanceRequest{InstIDs: []string{instID}})
	} else {
		_, err = sess.ScopedClient().RunNetworkInstance(ctx, &wire.RunNetworkInstanceRequest{InstID: &instID, Config: d.NetworkInstance.Config})
	}
	if err != nil {
		return errs.Wrap(errs.RPCFailure, "update_network_state", err)
	}
	return nil
}

// GetNetworkConfig is a store-only read of the device's assigned config.
func (a *API) GetNetworkConfig(ctx context.Context, org, deviceID string) (wire.NetworkConfig, error) {
	d, err := a.store.GetDeviceInOrg(ctx, deviceID, org)
	if err != nil {
		return nil, err
	}
	if !d.HasNetworkInstance() {
		return nil, errs.New(errs.InvalidRequest, "device has no network instance assigned")
	}
	return d.NetworkInstance.Config, nil
}

// DeviceView decorates one ClientIndex entry with its last-known heartbeat
// and geo-IP location, for ListDevices.
type DeviceView struct {
	DeviceID  string
	ClientURL string
	LastReq   *wire.HeartbeatRequest
	Location  geoip.Location
}

// ListDevices joins the organization's ClientIndex entries with each
// session's current heartbeat snapshot.
func (a *API) ListDevices(org string) []DeviceView {
	entries := a.index.List(org)
	out := make([]DeviceView, 0, len(entries))
	for deviceID, info := range entries {
		view := DeviceView{DeviceID: deviceID, ClientURL: info.ClientURL}
		if sess, ok := a.sessions.Session(info.ClientURL); ok {
			snap := sess.Snapshot()
			view.LastReq = snap.LastReq
			view.Location = snap.Location
		}
		out = append(out, view)
	}
	return out
}

// BatchResult is one item's outcome within a batch_* operation, per
// spec.md §4.7's "sequential application of the single-item form, returning
// a result per item."
type BatchResult[T any] struct {
	DeviceID string
	Value    T
	Err      error
}

func batch[In any, Out any](items []In, idOf func(In) string, fn func(In) (Out, error)) []BatchResult[Out] {
	out := make([]BatchResult[Out], 0, len(items))
	for _, it := range items {
		v, err := fn(it)
		out = append(out, BatchResult[Out]{DeviceID: idOf(it), Value: v, Err: err})
	}
	return out
}

// ValidateConfigItem is one device's input to BatchValidateConfig.
type ValidateConfigItem struct {
	DeviceID string
	Config   wire.NetworkConfig
}

// BatchValidateConfig sequentially applies ValidateConfig to each item.
func (a *API) BatchValidateConfig(ctx context.Context, org string, items []ValidateConfigItem) []BatchResult[*wire.ValidateConfigResponse] {
	return batch(items,
		func(it ValidateConfigItem) string { return it.DeviceID },
		func(it ValidateConfigItem) (*wire.ValidateConfigResponse, error) {
			return a.ValidateConfig(ctx, org, it.DeviceID, it.Config)
		})
}

// RunNetworkInstanceItem is one device's input to BatchRunNetworkInstance.
type RunNetworkInstanceItem struct {
	DeviceID string
	Config   wire.NetworkConfig
}

// BatchRunNetworkInstance sequentially applies RunNetworkInstance to each
// item.
func (a *API) BatchRunNetworkInstance(ctx context.Context, org string, items []RunNetworkInstanceItem) []BatchResult[*wire.RunNetworkInstanceResponse] {
	return batch(items,
		func(it RunNetworkInstanceItem) string { return it.DeviceID },
		func(it RunNetworkInstanceItem) (*wire.RunNetworkInstanceResponse, error) {
			return a.RunNetworkInstance(ctx, org, it.DeviceID, it.Config)
		})
}

// NetworkInstanceRefItem is one device+instance pair, used by the batch
// stop/remove operations.
type NetworkInstanceRefItem struct {
	DeviceID string
	InstID   string
}

// BatchRemoveNetworkInstance sequentially applies RemoveNetworkInstance to
// each item.
func (a *API) BatchRemoveNetworkInstance(ctx context.Context, org string, items []NetworkInstanceRefItem) []BatchResult[*wire.DeleteNetworkInstanceResponse] {
	return batch(items,
		func(it NetworkInstanceRefItem) string { return it.DeviceID },
		func(it NetworkInstanceRefItem) (*wire.DeleteNetworkInstanceResponse, error) {
			return a.RemoveNetworkInstance(ctx, org, it.DeviceID, it.InstID)
		})
}

// CollectNetworkInfoItem is one device's input to BatchCollectNetworkInfo.
type CollectNetworkInfoItem struct {
	DeviceID string
	InstIDs  []string
}

// BatchCollectNetworkInfo sequentially applies CollectNetworkInfo to each
// item.
func (a *API) BatchCollectNetworkInfo(ctx context.Context, org string, items []CollectNetworkInfoItem) []BatchResult[*wire.CollectNetworkInfoResponse] {
	return batch(items,
		func(it CollectNetworkInfoItem) string { return it.DeviceID },
		func(it CollectNetworkInfoItem) (*wire.CollectNetworkInfoResponse, error) {
			return a.CollectNetworkInfo(ctx, org, it.DeviceID, it.InstIDs)
		})
}

// UpdateNetworkStateItem is one device's input to BatchUpdateNetworkState.
type UpdateNetworkStateItem struct {
	DeviceID string
	InstID   string
	Disabled bool
}

// BatchUpdateNetworkState sequentially applies UpdateNetworkState to each
// item.
func (a *API) BatchUpdateNetworkState(ctx context.Context, org string, items []UpdateNetworkStateItem) []BatchResult[struct{}] {
	return batch(items,
		func(it UpdateNetworkStateItem) string { return it.DeviceID },
		func(it UpdateNetworkStateItem) (struct{}, error) {
			return struct{}{}, a.UpdateNetworkState(ctx, org, it.DeviceID, it.InstID, it.Disabled)
		})
}
