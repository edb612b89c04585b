// Package registry implements the process-wide MapId -> WorkerHandle table
// (spec.md §4.12): a mutex held only for insert/lookup/remove, liveness
// decided by whether a handle's channel has been closed.
package registry

import (
	"sync"

	"github.com/dzfranklin/plantopo-sync/internal/transport"
	"github.com/google/uuid"
)

// Handle is what the registry hands out for a live worker: the channel a new
// connection (or a maintenance sweep) is offered on, and a done channel the
// worker closes on exit so liveness can be checked without blocking.
type Handle struct {
	Connect chan<- Connection
	Sweep   chan<- struct{}
	done    <-chan struct{}
}

// Connection is one newly accepted websocket connection, handed to the
// worker that owns its map.
type Connection struct {
	Conn *transport.Conn
}

// Alive reports whether the worker behind this handle is still running.
func (h Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Registry is the mutex-guarded MapId -> Handle table.
type Registry struct {
	mu      sync.Mutex
	handles map[uuid.UUID]Handle
}

func New() *Registry {
	return &Registry{handles: make(map[uuid.UUID]Handle)}
}

// NewHandle constructs a Handle from a worker's channels, to be inserted
// once the worker has been spawned.
func NewHandle(connect chan<- Connection, sweep chan<- struct{}, done <-chan struct{}) Handle {
	return Handle{Connect: connect, Sweep: sweep, done: done}
}

// Lookup returns the live handle for mapID, if any. A handle whose worker
// has already exited is treated as absent (spec.md §4.12's "missing or
// dead" rule) and is removed as a side effect.
func (r *Registry) Lookup(mapID uuid.UUID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[mapID]
	if !ok {
		return Handle{}, false
	}
	if !h.Alive() {
		delete(r.handles, mapID)
		return Handle{}, false
	}
	return h, true
}

// Insert registers a newly spawned worker's handle.
func (r *Registry) Insert(mapID uuid.UUID, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[mapID] = h
}

// GetOrSpawn returns the live handle for mapID, calling spawn to create and
// insert one under the same critical section if none exists yet, so two
// concurrent first connections for a brand-new map can never race into
// spawning two workers (spec.md §4.12). spawn must be cheap: it should only
// start a worker goroutine, never block on I/O itself.
func (r *Registry) GetOrSpawn(mapID uuid.UUID, spawn func() Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[mapID]; ok && h.Alive() {
		return h
	}
	h := spawn()
	r.handles[mapID] = h
	return h
}

// Remove deregisters a worker, called by the worker itself on exit.
func (r *Registry) Remove(mapID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, mapID)
}

// ReapDead drops any registry entries whose worker has already exited
// without removing itself, a backstop for the maintenance scheduler
// (spec.md §4.12, ambient maintenance job).
func (r *Registry) ReapDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	reaped := 0
	for id, h := range r.handles {
		if !h.Alive() {
			delete(r.handles, id)
			reaped++
		}
	}
	return reaped
}

// BroadcastSweep sends a sweep trigger to every live worker, best-effort: a
// worker whose sweep channel is full skips this round's trigger rather than
// blocking the maintenance scheduler.
func (r *Registry) BroadcastSweep() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		select {
		case h.Sweep <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of registered entries, including any whose worker
// has exited but has not yet been removed by Lookup, Remove or ReapDead.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
