// Package store is the broker's relational store of record for devices and
// organizations (spec.md §4.1). It wraps a pgxpool.Pool in the teacher's
// connection-setup style (lake/api/config/postgres.go), generalized into a
// constructor instead of package globals, and wraps every driver error in
// *errs.Error{Kind: StoreFailure} per spec.md §7.
package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgemesh/broker/internal/errs"
	"github.com/edgemesh/broker/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the device/organization relational store.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a logger; the zero value logs to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Config is the pool's connection configuration. Building the DSN from its
// parts (rather than accepting a raw DSN) mirrors
// lake/api/config/postgres.go's PgConfig.
type Config struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c Config) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

// Open parses cfg, builds a pool, and pings it. It does not run migrations;
// call RunMigrations explicitly, matching spec.md's "apply pending
// migrations" being a distinct, out-of-scope-internals operation from pool
// setup.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "parse postgres config", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	} else {
		poolConfig.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	} else {
		poolConfig.MinConns = 2
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	} else {
		poolConfig.MaxConnLifetime = time.Hour
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	} else {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "create postgres pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.StoreFailure, "ping postgres", err)
	}

	s.pool = pool
	s.log.Info("connected to postgres", "host", cfg.Host, "database", cfg.Database)
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks liveness of the underlying pool.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errs.Wrap(errs.StoreFailure, "ping", err)
	}
	return nil
}

// RunMigrations applies every embedded migration file in lexical order,
// idempotently, in lake/api/config/postgres.go's CREATE-TABLE-IF-NOT-EXISTS
// style — each file is expected to be safe to re-run.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return errs.Wrap(errs.StoreFailure, "glob migrations", err)
	}
	sort.Strings(entries)

	for _, name := range entries {
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return errs.Wrap(errs.StoreFailure, fmt.Sprintf("read migration %s", name), err)
		}
		s.log.Info("applying migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return errs.Wrap(errs.StoreFailure, fmt.Sprintf("apply migration %s", name), err)
		}
	}
	s.log.Info("migrations complete", "count", len(entries))
	return nil
}

// GetOrganization reports whether an organization with this id exists.
func (s *Store) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var got string
	err := s.pool.QueryRow(ctx, `SELECT id FROM organizations WHERE id = $1`, id).Scan(&got)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.OrganizationNotFound, id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "get organization", err)
	}
	return &model.Organization{ID: got}, nil
}

// GetDevice fetches one device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	row := s.pool.QueryRow(ctx, deviceSelectColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.DeviceNotFound, id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "get device", err)
	}
	return d, nil
}

// GetDeviceInOrg fetches a device by (id, organization_id), the lookup
// HeartbeatHandler uses for its device-record reconciliation step.
func (s *Store) GetDeviceInOrg(ctx context.Context, id, orgID string) (*model.Device, error) {
	row := s.pool.QueryRow(ctx, deviceSelectColumns+` FROM devices WHERE id = $1 AND organization_id = $2`, id, orgID)
	d, err := scanDevice(row)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.DeviceNotFound, id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "get device in org", err)
	}
	return d, nil
}

// GetDeviceBySerial fetches a device by (organization, serial_number).
func (s *Store) GetDeviceBySerial(ctx context.Context, orgID, serial string) (*model.Device, error) {
	row := s.pool.QueryRow(ctx, deviceSelectColumns+` FROM devices WHERE organization_id = $1 AND serial_number = $2`, orgID, serial)
	d, err := scanDevice(row)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.DeviceNotFound, serial)
	}
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "get device by serial", err)
	}
	return d, nil
}

// ListApprovedDevices returns every device in the organization whose status
// satisfies the approval predicate (spec.md §3).
func (s *Store) ListApprovedDevices(ctx context.Context, orgID string) ([]*model.Device, error) {
	rows, err := s.pool.Query(ctx, deviceSelectColumns+` FROM devices
		WHERE organization_id = $1
		AND status IN ('online', 'offline', 'busy', 'maintenance')`, orgID)
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "list approved devices", err)
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errs.Wrap(errs.StoreFailure, "scan device", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "list approved devices", err)
	}
	return out, nil
}

// ListDevices returns every device in the organization, ordered by name.
func (s *Store) ListDevices(ctx context.Context, orgID string) ([]*model.Device, error) {
	rows, err := s.pool.Query(ctx, deviceSelectColumns+` FROM devices WHERE organization_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "list devices", err)
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errs.Wrap(errs.StoreFailure, "scan device", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "list devices", err)
	}
	return out, nil
}

// ListStaleApprovedDevices returns Online devices whose last heartbeat is
// older than cutoff or was never recorded, for the offline sweeper (spec.md
// §4.6). Devices in any other status are never returned.
func (s *Store) ListStaleApprovedDevices(ctx context.Context, cutoff time.Time) ([]*model.Device, error) {
	rows, err := s.pool.Query(ctx, deviceSelectColumns+` FROM devices
		WHERE status = 'online'
		AND (last_heartbeat IS NULL OR last_heartbeat < $1)`, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "list stale devices", err)
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errs.Wrap(errs.StoreFailure, "scan device", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "list stale devices", err)
	}
	return out, nil
}

// InsertDevice creates a new device row from d as given, including its
// DeviceType; callers choose the type (the heartbeat handler uses
// DeviceTypeRobot for a first-seen device, spec.md §4.4).
func (s *Store) InsertDevice(ctx context.Context, d *model.Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (id, organization_id, name, serial_number, device_type, model, capabilities, status, last_heartbeat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		d.ID, d.OrganizationID, d.Name, d.SerialNumber, d.DeviceType, d.Model, d.Capabilities, d.Status, d.LastHeartbeat)
	if err != nil {
		return errs.Wrap(errs.StoreFailure, "insert device", err)
	}
	return nil
}

// DeviceUpdate is an ad-hoc column-set update: only non-nil fields are
// written, matching spec.md §4.1's "ad-hoc column-set UpdateDevice".
type DeviceUpdate struct {
	Status          *model.DeviceStatus
	LastHeartbeat   *time.Time
	NetworkInstance **model.NetworkInstance // nil = don't touch; points-to-nil = clear
	VirtualIP       *uint32
	VirtualIPNet    *uint8
}

// UpdateDevice applies a sparse DeviceUpdate to one device row.
func (s *Store) UpdateDevice(ctx context.Context, id string, u DeviceUpdate) error {
	set := make([]string, 0, 6)
	args := make([]any, 0, 7)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if u.Status != nil {
		set = append(set, "status = "+arg(*u.Status))
	}
	if u.LastHeartbeat != nil {
		set = append(set, "last_heartbeat = "+arg(*u.LastHeartbeat))
	}
	if u.NetworkInstance != nil {
		ni := *u.NetworkInstance
		if ni == nil {
			set = append(set, "instance_id = NULL", "instance_config = NULL", "instance_disabled = FALSE")
		} else {
			set = append(set, "instance_id = "+arg(ni.InstanceID))
			set = append(set, "instance_config = "+arg(ni.Config))
			set = append(set, "instance_disabled = "+arg(ni.Disabled))
		}
	}
	if u.VirtualIP != nil {
		set = append(set, "virtual_ip = "+arg(*u.VirtualIP))
	}
	if u.VirtualIPNet != nil {
		set = append(set, "virtual_ip_network = "+arg(*u.VirtualIPNet))
	}
	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_at = NOW()")

	q := "UPDATE devices SET " + joinComma(set) + " WHERE id = " + arg(id)
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return errs.Wrap(errs.StoreFailure, "update device", err)
	}
	return nil
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

const deviceSelectColumns = `SELECT
	id, organization_id, name, serial_number, device_type, model, capabilities, status, last_heartbeat,
	instance_id, instance_config, instance_disabled, instance_created, instance_updated,
	virtual_ip, virtual_ip_network, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var d model.Device
	var instID *string
	var instConfig []byte
	var instDisabled bool
	var instCreated, instUpdated *time.Time

	err := row.Scan(
		&d.ID, &d.OrganizationID, &d.Name, &d.SerialNumber, &d.DeviceType, &d.Model, &d.Capabilities, &d.Status, &d.LastHeartbeat,
		&instID, &instConfig, &instDisabled, &instCreated, &instUpdated,
		&d.VirtualIP, &d.VirtualIPNetwork, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if instID != nil {
		d.NetworkInstance = &model.NetworkInstance{
			InstanceID: *instID,
			Config:     instConfig,
			Disabled:   instDisabled,
		}
		if instCreated != nil {
			d.NetworkInstance.CreateTime = *instCreated
		}
		if instUpdated != nil {
			d.NetworkInstance.UpdateTime = *instUpdated
		}
	}

	return &d, nil
}
