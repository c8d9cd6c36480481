package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Options configures backend construction.
type Options struct {
	// LibPath locates shared libraries for engines that load them at runtime.
	LibPath string

	// Verbose keeps the engine's own log output.
	Verbose bool
}

// Factory constructs a backend.
type Factory func(Options) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a backend factory under name. Later registrations replace
// earlier ones.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(name))] = factory
}

// Open constructs the backend registered under name.
func Open(name string, opts Options) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "reference"
	}

	registryMu.RLock()
	factory, ok := registry[key]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: %q not registered (available: %s)", key, strings.Join(Names(), ", "))
	}
	return factory(opts)
}

// Names lists registered backends in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
