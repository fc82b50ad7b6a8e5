// Package heartbeat implements HeartbeatHandler, the inbound RPC service
// attached to every session: the eight-step state machine of spec.md §4.4.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgemesh/broker/internal/errs"
	"github.com/edgemesh/broker/internal/metrics"
	"github.com/edgemesh/broker/internal/model"
	"github.com/edgemesh/broker/internal/session"
	"github.com/edgemesh/broker/internal/store"
	"github.com/edgemesh/broker/internal/wire"
)

// Handler is the tunnel.HeartbeatService bound to one session.
type Handler struct {
	sess  *session.Session
	store *store.Store
	clock clockwork.Clock
	log   *slog.Logger
}

// New constructs a Handler for sess.
func New(sess *session.Session, st *store.Store, clock clockwork.Clock, log *slog.Logger) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sess: sess, store: st, clock: clock, log: log}
}

// Heartbeat runs the eight-step state machine under the session's write
// lock.
func (h *Handler) Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (resp *wire.HeartbeatResponse, err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.HeartbeatsTotal.WithLabelValues(outcome).Inc()
	}()

	h.sess.Lock()
	defer h.sess.Unlock()

	// Step 1 — recover a strong index handle; the broker is shutting down
	// if this fails, so reply success without touching any state.
	idx := h.sess.WeakIndex().Value()
	if idx == nil {
		return &wire.HeartbeatResponse{}, nil
	}

	// Step 2 — device-id presence.
	if req.MachineID == nil || *req.MachineID == "" {
		return nil, errs.New(errs.InvalidRequest, "device id not set")
	}
	deviceID := *req.MachineID

	// Step 3 — organization existence.
	if _, err := h.store.GetOrganization(ctx, req.UserToken); err != nil {
		return nil, errs.New(errs.OrganizationNotFound, req.UserToken)
	}

	// Step 4 — index refresh, unconditional per heartbeat.
	now := h.clock.Now()
	idx.Update(req.UserToken, deviceID, h.sess.ClientURL(), now.Unix())

	// Step 5 — device record reconciliation.
	if _, err := h.reconcileDevice(ctx, req, deviceID, now); err != nil {
		return nil, err
	}

	// Step 6 — bind storage_token into SessionData.
	h.sess.MutableData().Token = &session.StorageToken{
		Token:          req.UserToken,
		ClientURL:      h.sess.ClientURL(),
		DeviceID:       deviceID,
		OrganizationID: req.UserToken,
	}
	h.sess.MutableData().LastReq = req

	// Step 7 — publish to the reconcile task.
	h.sess.Publish(req)

	// Step 8 — reply.
	return &wire.HeartbeatResponse{}, nil
}

// nextStatus implements the table in spec.md §4.4.
func nextStatus(current model.DeviceStatus) model.DeviceStatus {
	switch current {
	case model.StatusRejected:
		return model.StatusPending
	case model.StatusOffline:
		return model.StatusOnline
	case model.StatusPending:
		return model.StatusPending
	default: // Online, Busy, Maintenance, Disabled
		return current
	}
}

func (h *Handler) reconcileDevice(ctx context.Context, req *wire.HeartbeatRequest, deviceID string, now time.Time) (model.DeviceStatus, error) {
	existing, err := h.store.GetDeviceInOrg(ctx, deviceID, req.UserToken)
	if errs.Is(err, errs.DeviceNotFound) {
		d := &model.Device{
			ID:             deviceID,
			OrganizationID: &req.UserToken,
			Name:           req.Hostname,
			SerialNumber:   req.Hostname,
			DeviceType:     model.DeviceTypeRobot,
			Status:         model.StatusPending,
			LastHeartbeat:  &now,
		}
		if err := h.store.InsertDevice(ctx, d); err != nil {
			return "", err
		}
		return model.StatusPending, nil
	}
	if err != nil {
		return "", err
	}

	newStatus := nextStatus(existing.Status)
	update := store.DeviceUpdate{LastHeartbeat: &now}
	if newStatus != existing.Status {
		update.Status = &newStatus
	}
	if err := h.store.UpdateDevice(ctx, deviceID, update); err != nil {
		return "", err
	}
	return newStatus, nil
}
