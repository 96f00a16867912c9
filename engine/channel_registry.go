package engine

import "sync"

// ChannelRegistry is the guarded name -> ChannelWorker mapping, per §4.6 and
// the ChannelRegistry data-model entry in §3. Insertion only by the
// supervisor; removal only after the worker process has exited or been
// terminated. No duplicate names (I5).
type ChannelRegistry struct {
	mu       sync.Mutex
	channels map[string]*ChannelWorker
}

// NewChannelRegistry constructs an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[string]*ChannelWorker)}
}

// Get returns the channel worker registered under name, and whether it
// exists.
func (r *ChannelRegistry) Get(name string) (*ChannelWorker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.channels[name]
	return w, ok
}

// Insert adds a new channel worker. Callers MUST have already verified
// name is not already present (ChannelAlreadyRunning is a start_channel
// concern, not the registry's).
func (r *ChannelRegistry) Insert(name string, w *ChannelWorker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[name] = w
}

// Remove deletes name from the registry.
func (r *ChannelRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, name)
}

// UnguardedAccess returns the registry's live channel map, for telemetry,
// without taking the lock, per §4.6; it is not a copy.
func (r *ChannelRegistry) UnguardedAccess() map[string]*ChannelWorker {
	return r.channels
}

// Access returns a scoped exclusive view of the registry's channel map;
// all iteration during mutation must go through this, per §4.6.
func (r *ChannelRegistry) Access() (map[string]*ChannelWorker, func()) {
	r.mu.Lock()
	return r.channels, r.mu.Unlock
}

// Names returns every registered channel name.
func (r *ChannelRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}
