// Package reconcile implements ReconcileTask: the per-session loop that
// starts any enabled stored instance the device's heartbeat reports as not
// running (spec.md §4.5).
package reconcile

import (
	"context"
	"log/slog"
	"slices"

	"github.com/edgemesh/broker/internal/errs"
	"github.com/edgemesh/broker/internal/metrics"
	"github.com/edgemesh/broker/internal/model"
	"github.com/edgemesh/broker/internal/session"
	"github.com/edgemesh/broker/internal/wire"
)

// deviceOrgStore is the subset of *store.Store the reconcile loop needs,
// narrowed to an interface so tests can fake it without a database.
type deviceOrgStore interface {
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	GetDeviceInOrg(ctx context.Context, id, orgID string) (*model.Device, error)
}

// Task is the session.ReconcileRunner bound to one session.
type Task struct {
	store deviceOrgStore
	log   *slog.Logger
}

// New constructs a Task.
func New(st deviceOrgStore, log *slog.Logger) *Task {
	if log == nil {
		log = slog.Default()
	}
	return &Task{store: st, log: log}
}

// Run implements session.ReconcileRunner. It subscribes to the session's
// heartbeat topic and races the context against each heartbeat, exiting
// once the device has converged.
func (t *Task) Run(ctx context.Context, sess *session.Session) {
	ch := sess.Subscribe()

	for {
		var req *wire.HeartbeatRequest
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			req = r
		}

		if req.MachineID == nil || *req.MachineID == "" {
			continue
		}

		converged, err := t.reconcileOnce(ctx, sess, req)
		if err != nil {
			if errs.Is(err, errs.Shutdown) {
				return
			}
			t.log.Warn("reconcile iteration failed", "error", err)
			continue
		}
		if converged {
			return
		}
	}
}

func (t *Task) reconcileOnce(ctx context.Context, sess *session.Session, req *wire.HeartbeatRequest) (bool, error) {
	idx := sess.WeakIndex().Value()
	if idx == nil {
		return false, errs.New(errs.Shutdown, "broker torn down")
	}

	if _, err := t.store.GetOrganization(ctx, req.UserToken); err != nil {
		return false, errs.New(errs.Shutdown, "organization deleted")
	}

	deviceID := *req.MachineID
	d, err := t.store.GetDeviceInOrg(ctx, deviceID, req.UserToken)
	if errs.Is(err, errs.DeviceNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if !d.HasNetworkInstance() || d.NetworkInstance.Disabled || !d.Status.IsApproved() {
		return true, nil
	}
	if slices.Contains(req.RunningNetworkInstances, d.NetworkInstance.InstanceID) {
		return true, nil
	}

	client := sess.ScopedClient()
	instID := d.NetworkInstance.InstanceID
	_, err = client.RunNetworkInstance(ctx, &wire.RunNetworkInstanceRequest{
		InstID: &instID,
		Config: d.NetworkInstance.Config,
	})
	if err != nil {
		metrics.ReconcileRPCsTotal.WithLabelValues("failure").Inc()
		t.log.Warn("run_network_instance failed", "instance_id", instID, "error", err)
		return false, nil
	}
	metrics.ReconcileRPCsTotal.WithLabelValues("success").Inc()
	return true, nil
}
