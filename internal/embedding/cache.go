package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sync"

	"Lumen/internal/store"
)

// CachedProvider wraps an embedding provider with an in-memory LRU cache
// and an optional persistent store. Lookups go memory, store, provider.
type CachedProvider struct {
	provider Provider
	model    string
	cache    *lruCache
	store    *store.Store
}

// lruCache is a fixed-size LRU cache for embeddings.
type lruCache struct {
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front = most recent
	hits    int
	misses  int
	mu      sync.Mutex
}

type cacheEntry struct {
	key       string
	embedding []float32
}

// NewCachedProvider creates a new cached embedding provider. persistent
// may be nil; when set, the CachedProvider owns and closes it.
func NewCachedProvider(provider Provider, cacheSize int, persistent *store.Store) *CachedProvider {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	model := "default"
	if id, ok := provider.(Identifier); ok {
		model = id.ModelID()
	}
	return &CachedProvider{
		provider: provider,
		model:    model,
		cache: &lruCache{
			maxSize: cacheSize,
			items:   make(map[string]*list.Element),
			order:   list.New(),
		},
		store: persistent,
	}
}

// ModelID returns the wrapped provider's model id.
func (c *CachedProvider) ModelID() string { return c.model }

// Embed generates an embedding for the given text, using cache if available.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if c == nil || c.provider == nil {
		return nil, nil
	}

	key := hashText(c.model, text)

	if v, ok := c.cache.get(key); ok {
		return v, nil
	}

	if c.store != nil {
		v, ok, err := c.store.Get(ctx, key)
		if err != nil {
			log.Printf("embedding: persistent cache read failed: %v", err)
		} else if ok {
			c.cache.set(key, v.Embedding)
			return v.Embedding, nil
		}
	}

	embedding, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.cache.set(key, embedding)
	if c.store != nil && len(embedding) > 0 {
		if err := c.store.Put(ctx, store.Vector{Key: key, Model: c.model, Text: text, Embedding: embedding}); err != nil {
			log.Printf("embedding: persistent cache write failed: %v", err)
		}
	}
	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts, computing only the
// ones not already cached.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c == nil || c.provider == nil {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = v
	}
	return results, nil
}

// Search finds the stored texts most similar to query. It needs a
// persistent store and returns nil without one.
func (c *CachedProvider) Search(ctx context.Context, query string, limit int) ([]store.Match, error) {
	if c == nil || c.store == nil {
		return nil, nil
	}
	q, err := c.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return c.store.Search(ctx, c.model, q, limit)
}

// Close releases resources.
func (c *CachedProvider) Close() error {
	if c == nil || c.provider == nil {
		return nil
	}
	err := c.provider.Close()
	if c.store != nil {
		if serr := c.store.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

// CacheStats returns cache statistics.
func (c *CachedProvider) CacheStats() map[string]interface{} {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	return map[string]interface{}{
		"size":       c.cache.order.Len(),
		"max_size":   c.cache.maxSize,
		"total_hits": c.cache.hits,
		"misses":     c.cache.misses,
		"persistent": c.store != nil,
	}
}

func (l *lruCache) get(key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		l.misses++
		return nil, false
	}
	l.hits++
	l.order.MoveToFront(el)
	stored := el.Value.(*cacheEntry).embedding
	result := make([]float32, len(stored))
	copy(result, stored)
	return result, true
}

func (l *lruCache) set(key string, embedding []float32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := make([]float32, len(embedding))
	copy(stored, embedding)

	if el, ok := l.items[key]; ok {
		el.Value.(*cacheEntry).embedding = stored
		l.order.MoveToFront(el)
		return
	}
	if l.order.Len() >= l.maxSize {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(*cacheEntry).key)
	}
	l.items[key] = l.order.PushFront(&cacheEntry{key: key, embedding: stored})
}

func hashText(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil)[:16]) // first 16 bytes keep keys short
}
