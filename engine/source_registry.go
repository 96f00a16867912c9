package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hepcloud/decisionengine/bus"
	"github.com/hepcloud/decisionengine/config"
	"github.com/hepcloud/decisionengine/countdown"
	"github.com/hepcloud/decisionengine/module"
)

// SourceRegistry deduplicates source workers by bus.Identity, per §4.4.
// Guarded by a single mutex; singleflight collapses concurrent Update
// calls racing to construct a worker for the same identity (two channels
// starting back-to-back with an identical source declaration), so exactly
// one SourceWorker is ever built for it.
type SourceRegistry struct {
	mu      sync.Mutex
	workers map[bus.Identity]*SourceWorker
	group   singleflight.Group

	loader    *module.Loader
	brokerURL string
	log       zerolog.Logger
}

// NewSourceRegistry constructs an empty registry.
func NewSourceRegistry(loader *module.Loader, brokerURL string, log zerolog.Logger) *SourceRegistry {
	return &SourceRegistry{
		workers:   make(map[bus.Identity]*SourceWorker),
		loader:    loader,
		brokerURL: brokerURL,
		log:       log,
	}
}

// Update attaches channel to a worker for every declared source,
// constructing new workers for identities not already present, per §4.4.
// It does not start any worker: starting is the caller's responsibility,
// because the channel must be listening before the source produces (§5
// "listener-first").
func (r *SourceRegistry) Update(channel string, decls []config.SourceDecl) (map[string]*SourceWorker, error) {
	out := make(map[string]*SourceWorker, len(decls))

	for _, decl := range decls {
		identity := bus.NewIdentity(decl.ClassID, decl.Config)

		v, err, _ := r.group.Do(identity.RoutingKey(), func() (interface{}, error) {
			r.mu.Lock()
			defer r.mu.Unlock()

			if existing, ok := r.workers[identity]; ok {
				existing.AttachChannel(channel)
				return existing, nil
			}

			w := NewSourceWorker(identity, r.loader, decl.Config, r.brokerURL, r.log)
			w.AttachChannel(channel)
			r.workers[identity] = w
			return w, nil
		})
		if err != nil {
			return nil, err
		}

		w := v.(*SourceWorker)
		// singleflight may have deduplicated against a concurrent call for
		// a *different* channel; make sure this channel is attached too.
		r.mu.Lock()
		if _, ok := r.workers[identity]; ok {
			w.AttachChannel(channel)
		}
		r.mu.Unlock()

		out[decl.ClassID] = w
	}

	return out, nil
}

// DetachChannel removes channel from every source named by routingKeys. If
// a source's refcount reaches zero, it is moved OFFLINE, joined with a
// small grace window, terminated if still alive, then removed from the
// registry. Safe to call repeatedly and for a channel never attached
// (L1: idempotent detach).
func (r *SourceRegistry) DetachChannel(channel string, routingKeys []string) {
	r.detach(channel, routingKeys, r.log.With().Str("op", "detach_channel").Logger())
}

// Prune has the same effect as DetachChannel but is used from the RM path
// and logs at a finer level, per §4.4.
func (r *SourceRegistry) Prune(channel string, routingKeys []string) {
	r.detach(channel, routingKeys, r.log.With().Str("op", "prune").Logger())
}

const detachGrace = 200 * time.Millisecond

func (r *SourceRegistry) detach(channel string, routingKeys []string, log zerolog.Logger) {
	wanted := make(map[string]struct{}, len(routingKeys))
	for _, rk := range routingKeys {
		wanted[rk] = struct{}{}
	}

	var toStop []*SourceWorker
	r.mu.Lock()
	for identity, w := range r.workers {
		if _, ok := wanted[identity.RoutingKey()]; !ok {
			continue
		}
		if remaining := w.DetachChannel(channel); remaining == 0 {
			delete(r.workers, identity)
			toStop = append(toStop, w)
		}
	}
	r.mu.Unlock()

	for _, w := range toStop {
		w.GoOffline()
		grace := detachGrace
		if !w.Join(&grace) {
			_ = w.Terminate()
		}
		log.Debug().Str("source", w.Identity.ClassID).Msg("source worker stopped")
	}
}

// RemoveAll moves every source OFFLINE, joins all workers under a shared
// Countdown budget, terminates any survivors, and clears the registry, per
// §4.4 and L2 (shutdown completeness).
func (r *SourceRegistry) RemoveAll(timeout *time.Duration) {
	r.mu.Lock()
	workers := make([]*SourceWorker, 0, len(r.workers))
	for identity, w := range r.workers {
		workers = append(workers, w)
		delete(r.workers, identity)
	}
	r.mu.Unlock()

	cd := countdown.New(timeout)
	for _, w := range workers {
		w.GoOffline()
	}
	for _, w := range workers {
		scope := cd.Enter()
		left := cd.TimeLeft()
		joined := w.Join(left)
		scope.Leave()
		if !joined {
			_ = w.Terminate()
		}
	}
}

// UnguardedAccess returns the registry's live worker map (not a copy)
// without taking the lock, for status/telemetry callers. Callers MUST NOT mutate the returned map or its
// values' refcounts outside the registry's own methods.
func (r *SourceRegistry) UnguardedAccess() map[bus.Identity]*SourceWorker {
	return r.workers
}

// Access returns a scoped exclusive view of the registry's worker map.
func (r *SourceRegistry) Access() (map[bus.Identity]*SourceWorker, func()) {
	r.mu.Lock()
	return r.workers, r.mu.Unlock
}
