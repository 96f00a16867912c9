// Package dataspace defines the external persistence-layer collaborator
// named in spec.md §1 ("the data space"): the store of serialized frames
// keyed by (channel, generation). Its real backing store, schema, and
// reaper are explicitly out of scope; this package only defines the
// interface this repository depends on and an in-memory reference
// implementation used by tests, standing in for the external system the
// way the teacher's own test suites stand in live database connections
// with fixtures and in-memory fakes.
package dataspace

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Load when no block exists for the requested
// (taskManagerID, generation) pair.
var ErrNotFound = errors.New("dataspace: no such generation")

// Client is the data space collaborator a source worker persists to and a
// channel worker's task manager reads from, per §4.3 step 3 and §4.5.
type Client interface {
	// Persist stores products under taskManagerID at a freshly allocated,
	// monotonically increasing generation id and returns it.
	Persist(ctx context.Context, taskManagerID string, products map[string]any) (generation int64, err error)
	// Load retrieves the products stored at a specific generation.
	Load(ctx context.Context, taskManagerID string, generation int64) (map[string]any, error)
	// Latest returns the most recently persisted generation for
	// taskManagerID, or 0 if none exists yet.
	Latest(ctx context.Context, taskManagerID string) (int64, error)
	Close() error
}

type entry struct {
	generation int64
	products   map[string]any
}

// InMemory is a reference Client backed by a guarded map. Any specific
// backing store (SQL, object storage, a networked cache) is external to
// this spec per §1; this implementation exists only so the rest of the
// repository has something to exercise in tests.
type InMemory struct {
	mu      sync.Mutex
	entries map[string][]entry
	latest  map[string]int64
}

// NewInMemory constructs an empty in-memory data space.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string][]entry),
		latest:  make(map[string]int64),
	}
}

func (m *InMemory) Persist(_ context.Context, taskManagerID string, products map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.latest[taskManagerID] + 1
	m.latest[taskManagerID] = gen

	cp := make(map[string]any, len(products))
	for k, v := range products {
		cp[k] = v
	}
	m.entries[taskManagerID] = append(m.entries[taskManagerID], entry{generation: gen, products: cp})
	return gen, nil
}

func (m *InMemory) Load(_ context.Context, taskManagerID string, generation int64) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries[taskManagerID] {
		if e.generation == generation {
			cp := make(map[string]any, len(e.products))
			for k, v := range e.products {
				cp[k] = v
			}
			return cp, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "taskmanager %q generation %d", taskManagerID, generation)
}

func (m *InMemory) Latest(_ context.Context, taskManagerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest[taskManagerID], nil
}

func (m *InMemory) Close() error { return nil }
