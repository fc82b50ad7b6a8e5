package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/broker/internal/clientindex"
	"github.com/edgemesh/broker/internal/geoip"
	"github.com/edgemesh/broker/internal/model"
	"github.com/edgemesh/broker/internal/session"
	"github.com/edgemesh/broker/internal/tunnel"
	"github.com/edgemesh/broker/internal/wire"
)

type fakeStore struct {
	org    *model.Organization
	device *model.Device
}

func (f *fakeStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	if f.org == nil || f.org.ID != id {
		return nil, errNotFound
	}
	return f.org, nil
}

func (f *fakeStore) GetDeviceInOrg(ctx context.Context, id, orgID string) (*model.Device, error) {
	if f.device == nil || f.device.ID != id {
		return nil, errNotFound
	}
	return f.device, nil
}

var errNotFound = errNotFoundType{}

type errNotFoundType struct{}

func (errNotFoundType) Error() string { return "not found" }

func newReconcileSession(idx *clientindex.ClientIndex) *session.Session {
	return session.New(idx.WeakRef(), "tcp://10.0.0.2:9000", geoip.Unknown, tunnel.NewManager(time.Second), clockwork.NewFakeClock(), nil)
}

func TestTask_RunConvergesWhenInstanceAlreadyRunning(t *testing.T) {
	idx := clientindex.New()
	sess := newReconcileSession(idx)

	instID := "inst-1"
	st := &fakeStore{
		org: &model.Organization{ID: "org-A"},
		device: &model.Device{
			ID:     "dev-1",
			Status: model.StatusOnline,
			NetworkInstance: &model.NetworkInstance{
				InstanceID: instID,
				Config:     []byte(`{}`),
			},
		},
	}

	task := New(st, nil)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		task.Run(ctx, sess)
		close(done)
	}()

	deviceID := "dev-1"
	sess.Publish(&wire.HeartbeatRequest{
		MachineID:               &deviceID,
		UserToken:               "org-A",
		RunningNetworkInstances: []string{instID},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconcile never converged")
	}
}

func TestTask_RunExitsWhenOrganizationMissing(t *testing.T) {
	idx := clientindex.New()
	sess := newReconcileSession(idx)

	st := &fakeStore{}
	task := New(st, nil)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		task.Run(ctx, sess)
		close(done)
	}()

	deviceID := "dev-1"
	sess.Publish(&wire.HeartbeatRequest{MachineID: &deviceID, UserToken: "org-missing"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconcile never exited on missing organization")
	}
}
