package edk

import "sync"

// Registry is the process-local table of RoutedChannels, one per peer
// process this process has a direct Transport to. Callers create the
// channel themselves and register it with Put; Registry does not create
// channels, and neither BrokerHost nor BrokerClient consults it.
//
// A single mutex guards the map rather than the teacher's 64-way sharded
// registration pattern (see Open Questions in DESIGN.md): a channel is
// created once per peer process and lives for the process's lifetime, so
// this path is orders of magnitude cooler than the teacher's per-message
// actor registration hot path.
type Registry struct {
	mu       sync.Mutex
	channels map[ProcessId]*RoutedChannel
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[ProcessId]*RoutedChannel)}
}

// Get returns the channel for pid, if one is registered.
func (r *Registry) Get(pid ProcessId) (*RoutedChannel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.channels[pid]
	return rc, ok
}

// Put registers rc as the channel for pid, replacing any existing entry.
// The caller is responsible for wiring rc's SetOnDestruct to call Remove
// so the registry doesn't hold a stale entry after rc self-destructs.
func (r *Registry) Put(pid ProcessId, rc *RoutedChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[pid] = rc
}

// Remove drops pid's entry if it currently points at rc. Safe to call
// even if pid was already reassigned to a different channel (a no-op in
// that case) — this guards against a destruct callback racing a
// reconnect that installed a new channel for the same process id.
func (r *Registry) Remove(pid ProcessId, rc *RoutedChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[pid] == rc {
		delete(r.channels, pid)
	}
}

// Len reports the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Snapshot returns a copy of the current pid set, for introspection.
func (r *Registry) Snapshot() []ProcessId {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]ProcessId, 0, len(r.channels))
	for pid := range r.channels {
		pids = append(pids, pid)
	}
	return pids
}
