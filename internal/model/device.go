// Package model holds the persisted entities the broker reasons about:
// devices and organizations, and the predicates the heartbeat and
// reconcile state machines are built on.
package model

import (
	"encoding/json"
	"time"
)

// DeviceStatus is the current seven-valued device status enum. This is the
// "current" enum from spec.md §9's open question, confirmed against the
// migration that introduced it in the original source
// (m20240101_000008_update_device_status_enum.rs): the legacy
// approved/available/connecting/network_error values are not modeled here.
type DeviceStatus string

const (
	StatusPending     DeviceStatus = "pending"
	StatusRejected    DeviceStatus = "rejected"
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusBusy        DeviceStatus = "busy"
	StatusMaintenance DeviceStatus = "maintenance"
	StatusDisabled    DeviceStatus = "disabled"
)

// IsApproved reports whether a device in this status is eligible to have
// configuration pushed to it (spec.md §3's approval predicate).
func (s DeviceStatus) IsApproved() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBusy, StatusMaintenance:
		return true
	default:
		return false
	}
}

// IsOnline reports whether a device in this status is eligible for
// reconcile (spec.md §3's online predicate).
func (s DeviceStatus) IsOnline() bool {
	return s == StatusOnline || s == StatusBusy
}

// DeviceType distinguishes robots from edge devices. Robot is the default
// assigned on first-seen heartbeat.
type DeviceType string

const (
	DeviceTypeRobot DeviceType = "robot"
	DeviceTypeEdge  DeviceType = "edge"
)

// Device is the persisted record of one physical/virtual endpoint, per
// spec.md §3.
type Device struct {
	ID               string
	OrganizationID   *string
	Name             string
	SerialNumber     string
	DeviceType       DeviceType
	Model            *string
	Capabilities     json.RawMessage
	Status           DeviceStatus
	LastHeartbeat    *time.Time
	NetworkInstance  *NetworkInstance
	VirtualIP        *uint32
	VirtualIPNetwork *uint8
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NetworkInstance is the overlay-instance assignment carried on a Device
// row. It is present iff both InstanceID and Config are present, per
// spec.md §3's invariant — modeled as a single optional struct so that
// invariant is impossible to violate in Go's type system without an
// explicit nil check at every call site.
type NetworkInstance struct {
	InstanceID string
	Config     json.RawMessage
	Disabled   bool
	CreateTime time.Time
	UpdateTime time.Time
}

// HasNetworkInstance reports whether the device has an assigned overlay
// instance.
func (d *Device) HasNetworkInstance() bool {
	return d.NetworkInstance != nil
}
