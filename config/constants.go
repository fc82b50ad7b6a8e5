// Package config holds the broker's compile-time tunables. None of these
// are exposed as flags: spec.md names them as fixed constants, not runtime
// configuration.
package config

import "time"

const (
	// SessionGCInterval is how often the Broker walks its sessions map and
	// drops entries whose tunnel is no longer running.
	SessionGCInterval = 15 * time.Second

	// OfflineSweepInterval is how often the Broker demotes timed-out
	// approved devices to Offline.
	OfflineSweepInterval = 60 * time.Second

	// OfflineCutoff is the heartbeat staleness threshold used by the
	// offline sweeper.
	OfflineCutoff = 60 * time.Second

	// InboundReadTimeout bounds how long a session's tunnel manager will
	// wait for the next inbound request before tearing the session down.
	InboundReadTimeout = 30 * time.Second

	// HeartbeatFailureCooldown is how long the error response to a failed
	// heartbeat is held back before it is written, to throttle misbehaving
	// clients. The session's inbound read loop itself does not pause: other
	// inbound frames are still read and dispatched during the cooldown.
	HeartbeatFailureCooldown = 2 * time.Second

	// HeartbeatBroadcastCapacity is the size of the per-session lossy
	// broadcast used to fan heartbeats out to the reconcile task.
	HeartbeatBroadcastCapacity = 2

	// VirtualIPHarvestInitialDelay is how long run_network_instance's
	// caller-invisible harvest waits before its first collect_network_info
	// attempt.
	VirtualIPHarvestInitialDelay = 3 * time.Second

	// VirtualIPHarvestRetryInterval separates subsequent harvest attempts.
	VirtualIPHarvestRetryInterval = 2 * time.Second

	// VirtualIPHarvestMaxAttempts bounds the number of collect_network_info
	// calls made while harvesting a virtual IP.
	VirtualIPHarvestMaxAttempts = 3

	// MinWorkerPoolSize is the minimum number of workers in the broker's
	// shared worker pool.
	MinWorkerPoolSize = 4
)
