package peers

import "sync"

// Registry is a bounded FIFO queue of peer endpoints shared between the
// tracker refresh loop (producer) and the download workers (consumers).
//
// Take blocks while the queue is empty. Add never blocks: when the queue is
// full or the endpoint has been seen before, the endpoint is dropped.
// AddSentinel bypasses both the bound and the dedup so that a shutdown
// sentinel is never lost.
type Registry struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	queue    []Peer
	seen     map[string]struct{}
	capacity int
}

// NewRegistry creates a registry holding at most capacity queued endpoints.
func NewRegistry(capacity int) *Registry {
	r := &Registry{
		seen:     make(map[string]struct{}),
		capacity: capacity,
	}
	r.notEmpty = sync.NewCond(&r.mu)
	return r
}

// Add enqueues an endpoint. Reports whether the endpoint was accepted.
func (r *Registry) Add(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) >= r.capacity {
		return false
	}
	if _, dup := r.seen[p.String()]; dup {
		return false
	}

	r.seen[p.String()] = struct{}{}
	r.queue = append(r.queue, p)
	r.notEmpty.Signal()
	return true
}

// AddSentinel enqueues the reserved shutdown endpoint, ignoring the
// capacity bound. One sentinel releases exactly one blocked consumer.
func (r *Registry) AddSentinel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = append(r.queue, Sentinel())
	r.notEmpty.Signal()
}

// Take removes and returns the oldest queued endpoint, blocking while the
// queue is empty.
func (r *Registry) Take() Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.queue) == 0 {
		r.notEmpty.Wait()
	}

	p := r.queue[0]
	r.queue = r.queue[1:]
	return p
}

// Len reports how many endpoints are currently queued.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
