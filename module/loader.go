package module

import (
	"fmt"
	"sync"
)

// Constructor builds a Module instance from a canonicalized configuration
// value (already decoded from the channel/source config by the config
// package; the configuration file parser itself is out of scope).
type Constructor func(cfg map[string]any) (Module, error)

// Loader is a registry of module constructors keyed by module-class
// identifier. It is the target-language analogue of Design Notes §9's
// "loaders hand back such tuples keyed by module-class-identifier" — no
// inheritance, just a lookup table populated at startup.
type Loader struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewLoader returns an empty Loader.
func NewLoader() *Loader {
	return &Loader{ctors: make(map[string]Constructor)}
}

// Register adds a constructor for the given module-class identifier. It
// panics on a duplicate registration, since that indicates a startup-time
// programming error rather than a recoverable runtime condition.
func (l *Loader) Register(classID string, ctor Constructor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.ctors[classID]; exists {
		panic(fmt.Sprintf("module: constructor for %q already registered", classID))
	}
	l.ctors[classID] = ctor
}

// Build looks up the constructor for classID and invokes it with cfg.
func (l *Loader) Build(classID string, cfg map[string]any) (Module, error) {
	l.mu.RLock()
	ctor, ok := l.ctors[classID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module: unknown module class %q", classID)
	}
	return ctor(cfg)
}

// Known reports whether classID has a registered constructor.
func (l *Loader) Known(classID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ctors[classID]
	return ok
}
