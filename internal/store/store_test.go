package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/edgemesh/broker/internal/model"
)

// newTestStore spins up a disposable postgres container in the teacher's
// testcontainers style (lake/pkg/duck/lake_test.go) and runs migrations
// against it.
func newTestStore(t *testing.T) *Store {
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
	t.Cleanup(func() {
		_ = pgContainer.Terminate(ctx)
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	s, err := Open(ctx, Config{
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

func TestStore_DeviceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orgID := uuid.NewString()
	_, err := s.pool.Exec(ctx, `INSERT INTO organizations (id) VALUES ($1)`, orgID)
	require.NoError(t, err)

	_, err = s.GetOrganization(ctx, orgID)
	require.NoError(t, err)

	_, err = s.GetOrganization(ctx, uuid.NewString())
	require.Error(t, err)

	devID := uuid.NewString()
	err = s.InsertDevice(ctx, &model.Device{
		ID:             devID,
		OrganizationID: &orgID,
		Name:           "edge-1",
		SerialNumber:   "SN-001",
		DeviceType:     model.DeviceTypeRobot,
		Status:         model.StatusPending,
	})
	require.NoError(t, err)

	got, err := s.GetDevice(ctx, devID)
	require.NoError(t, err)
	require.Equal(t, "edge-1", got.Name)
	require.Equal(t, model.StatusPending, got.Status)
	require.False(t, got.HasNetworkInstance())

	status := model.StatusOnline
	require.NoError(t, s.UpdateDevice(ctx, devID, DeviceUpdate{Status: &status}))

	got, err = s.GetDevice(ctx, devID)
	require.NoError(t, err)
	require.Equal(t, model.StatusOnline, got.Status)

	approved, err := s.ListApprovedDevices(ctx, orgID)
	require.NoError(t, err)
	require.Len(t, approved, 1)

	bySerial, err := s.GetDeviceBySerial(ctx, orgID, "SN-001")
	require.NoError(t, err)
	require.Equal(t, devID, bySerial.ID)

	ni := &model.NetworkInstance{InstanceID: "inst-1", Config: []byte(`{"mtu":1400}`)}
	require.NoError(t, s.UpdateDevice(ctx, devID, DeviceUpdate{NetworkInstance: &ni}))

	got, err = s.GetDevice(ctx, devID)
	require.NoError(t, err)
	require.True(t, got.HasNetworkInstance())
	require.Equal(t, "inst-1", got.NetworkInstance.InstanceID)

	var clear *model.NetworkInstance
	require.NoError(t, s.UpdateDevice(ctx, devID, DeviceUpdate{NetworkInstance: &clear}))

	got, err = s.GetDevice(ctx, devID)
	require.NoError(t, err)
	require.False(t, got.HasNetworkInstance())
}

func TestStore_ListStaleApprovedDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orgID := uuid.NewString()
	_, err := s.pool.Exec(ctx, `INSERT INTO organizations (id) VALUES ($1)`, orgID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		devID := uuid.NewString()
		require.NoError(t, s.InsertDevice(ctx, &model.Device{
			ID:             devID,
			OrganizationID: &orgID,
			Name:           fmt.Sprintf("edge-%d", i),
			SerialNumber:   fmt.Sprintf("SN-%d", i),
			DeviceType:     model.DeviceTypeRobot,
			Status:         model.StatusOnline,
		}))
	}

	busyID := uuid.NewString()
	require.NoError(t, s.InsertDevice(ctx, &model.Device{
		ID:             busyID,
		OrganizationID: &orgID,
		Name:           "edge-busy",
		SerialNumber:   "SN-busy",
		DeviceType:     model.DeviceTypeRobot,
		Status:         model.StatusBusy,
	}))

	stale, err := s.ListStaleApprovedDevices(ctx, time.Now().Add(100*365*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 2)
	for _, d := range stale {
		require.NotEqual(t, busyID, d.ID, "a stale Busy device must not be returned for offline demotion")
	}
}
