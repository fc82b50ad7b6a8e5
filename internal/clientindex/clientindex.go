// Package clientindex maintains the broker's per-organization map of which
// tunnel a device is currently reachable on (spec.md §4.2). Sessions hold a
// non-owning weak.Pointer back to the index that created them, mirroring
// the Rust Weak<T> used in the original implementation
// (_examples/original_source/src/client_manager/session.rs), so a session
// whose Broker has been torn down can detect that and skip its index work
// instead of dereferencing freed state. The mutex-guarded-struct shape
// follows client/doublezerod/internal/liveness/session.go.
package clientindex

import (
	"sync"
	"weak"
)

// ClientInfo is one device's current reachability record.
type ClientInfo struct {
	ClientURL string
	UpdatedAt int64 // unix seconds, last-writer-wins ordering key
}

// ClientIndex is organization_id → device_id → ClientInfo.
type ClientIndex struct {
	mu    sync.RWMutex
	orgs  map[string]map[string]ClientInfo
	selfW weak.Pointer[ClientIndex]
}

// New constructs an empty index.
func New() *ClientIndex {
	idx := &ClientIndex{orgs: make(map[string]map[string]ClientInfo)}
	idx.selfW = weak.Make(idx)
	return idx
}

// WeakRef returns a non-owning handle a Session can hold without keeping
// the index (and therefore the Broker) alive.
func (c *ClientIndex) WeakRef() weak.Pointer[ClientIndex] {
	return c.selfW
}

// Update records a device's client URL if t is strictly newer than any
// previously recorded timestamp for that device (spec.md §4.2's
// last-writer-wins rule).
func (c *ClientIndex) Update(orgID, deviceID, clientURL string, t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	devices, ok := c.orgs[orgID]
	if !ok {
		devices = make(map[string]ClientInfo)
		c.orgs[orgID] = devices
	}

	if existing, ok := devices[deviceID]; ok && existing.UpdatedAt >= t {
		return
	}
	devices[deviceID] = ClientInfo{ClientURL: clientURL, UpdatedAt: t}
}

// Remove deletes a device's entry, but only if its recorded client URL
// still matches clientURL — so a session that has already been superseded
// by a newer one can't clobber the newer entry on its own teardown.
func (c *ClientIndex) Remove(orgID, deviceID, clientURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	devices, ok := c.orgs[orgID]
	if !ok {
		return
	}
	if existing, ok := devices[deviceID]; ok && existing.ClientURL == clientURL {
		delete(devices, deviceID)
	}
	if len(devices) == 0 {
		delete(c.orgs, orgID)
	}
}

// GetURL returns the client URL currently recorded for a device, if any.
func (c *ClientIndex) GetURL(orgID, deviceID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	devices, ok := c.orgs[orgID]
	if !ok {
		return "", false
	}
	info, ok := devices[deviceID]
	if !ok {
		return "", false
	}
	return info.ClientURL, true
}

// List returns a snapshot of every device currently indexed under an
// organization.
func (c *ClientIndex) List(orgID string) map[string]ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	devices, ok := c.orgs[orgID]
	if !ok {
		return nil
	}
	out := make(map[string]ClientInfo, len(devices))
	for k, v := range devices {
		out[k] = v
	}
	return out
}
