// Package workerpool wraps alitto/pond/v2 behind the broker's "one
// multiplexed worker set" requirement (spec.md §5), grounded on
// controlplane/telemetry/internal/data/device/provider.go's pond.Pool
// usage.
package workerpool

import (
	"github.com/alitto/pond/v2"

	"github.com/edgemesh/broker/config"
)

// Pool dispatches units of work (inbound heartbeat handling, virtual-IP
// harvesting) onto a fixed-size worker set.
type Pool struct {
	pool pond.Pool
}

// New constructs a Pool with at least config.MinWorkerPoolSize workers.
func New(size int) *Pool {
	if size < config.MinWorkerPoolSize {
		size = config.MinWorkerPoolSize
	}
	return &Pool{pool: pond.NewPool(size)}
}

// Submit schedules fn to run on the pool, returning a task handle whose
// Wait blocks for completion.
func (p *Pool) Submit(fn func()) pond.Task {
	return p.pool.Submit(fn)
}

// SubmitErr schedules fn and returns a task whose Wait reports fn's error.
func (p *Pool) SubmitErr(fn func() error) pond.Task {
	return p.pool.SubmitErr(fn)
}

// StopAndWait drains queued work and waits for running tasks to finish.
func (p *Pool) StopAndWait() {
	p.pool.StopAndWait()
}

// Running reports the number of tasks currently executing.
func (p *Pool) Running() int {
	return int(p.pool.RunningWorkers())
}
