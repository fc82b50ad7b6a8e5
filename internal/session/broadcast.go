package session

import (
	"sync"

	"github.com/edgemesh/broker/internal/wire"
)

// broadcaster is the lossy capacity-N heartbeat topic of spec.md §9: a
// slow or absent subscriber never backpressures the publisher. A single
// subscriber is all the core ever needs (one reconcile task per session),
// but multiple are supported for symmetry with the "broadcast" name.
type broadcaster struct {
	mu   sync.Mutex
	cap  int
	subs []chan *wire.HeartbeatRequest
}

func newBroadcaster(capacity int) *broadcaster {
	return &broadcaster{cap: capacity}
}

func (b *broadcaster) subscribe() <-chan *wire.HeartbeatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *wire.HeartbeatRequest, b.cap)
	b.subs = append(b.subs, ch)
	return ch
}

// publish sends req to every subscriber, dropping the oldest buffered item
// on a full channel rather than blocking.
func (b *broadcaster) publish(req *wire.HeartbeatRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- req:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- req:
			default:
			}
		}
	}
}
