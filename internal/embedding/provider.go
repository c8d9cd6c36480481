package embedding

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"Lumen/internal/config"
	"Lumen/internal/store"
)

// Provider exposes semantic embedding capabilities.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

// Identifier is implemented by providers that can name the model producing
// their vectors. Persistent caches key on it.
type Identifier interface {
	ModelID() string
}

// ProviderFactory constructs a Provider from the embedding configuration.
type ProviderFactory func(config.EmbeddingConfig) (Provider, error)

var (
	providersMu sync.RWMutex
	providers   = map[string]ProviderFactory{}
)

// RegisterProvider registers an embedding provider factory under the given
// backend name. Typically called from an init() function.
func RegisterProvider(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New constructs an embedding provider based on configuration. The result
// is wrapped in an in-memory cache and, when cfg.Cache.Path is set, a
// persistent SQLite tier. A disabled configuration yields a nil provider.
func New(cfg config.EmbeddingConfig) (Provider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	backend := cfg.Backend
	if backend == "" {
		backend = "native"
	}

	providersMu.RLock()
	factory, ok := providers[backend]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("embedding: unsupported backend %q (registered: %v)", backend, Backends())
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	var persistent *store.Store
	if cfg.Cache.Path != "" {
		persistent, err = store.Open(cfg.Cache.Path)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("embedding: %w", err)
		}
		log.Printf("embedding: persistent cache at %s", cfg.Cache.Path)
	}

	return NewCachedProvider(p, cfg.Cache.Size, persistent), nil
}
