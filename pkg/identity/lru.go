package identity

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

type lruItem struct {
	key    string
	device Device
}

// LRUResolver is a fixed-size, in-process resolution cache with
// least-recently-used eviction. On a miss it consults the fallback resolver
// and caches the result, evicting the coldest entry when full.
type LRUResolver struct {
	maxSize  int
	fallback Resolver

	mu    sync.Mutex
	ll    *list.List
	cache map[string]*list.Element
}

// NewLRUResolver creates the in-process cache layer. maxSize must be > 0;
// fallback must be the next resolution layer.
func NewLRUResolver(maxSize int, fallback Resolver) (*LRUResolver, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	if fallback == nil {
		return nil, fmt.Errorf("fallback resolver cannot be nil")
	}
	return &LRUResolver{
		maxSize:  maxSize,
		fallback: fallback,
		ll:       list.New(),
		cache:    make(map[string]*list.Element),
	}, nil
}

// Resolve checks the in-process cache first, moving a hit to the front of the
// recency list. A miss falls through to the fallback and caches the result.
func (c *LRUResolver) Resolve(ctx context.Context, tenant string, ext ExternalID) (Device, error) {
	key := cacheKey(tenant, ext)
	if device, ok := c.lookup(key); ok {
		return device, nil
	}
	device, err := c.fallback.Resolve(ctx, tenant, ext)
	if err != nil {
		return Device{}, err
	}
	return c.store(key, device), nil
}

// ResolveInternal is the reverse lookup, cached under the internal-id key.
func (c *LRUResolver) ResolveInternal(ctx context.Context, tenant string, internalID string) (Device, error) {
	key := internalKey(tenant, internalID)
	if device, ok := c.lookup(key); ok {
		return device, nil
	}
	device, err := c.fallback.ResolveInternal(ctx, tenant, internalID)
	if err != nil {
		return Device{}, err
	}
	return c.store(key, device), nil
}

// lookup returns a cached device and refreshes its recency.
func (c *LRUResolver) lookup(key string) (Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*lruItem).device, true
	}
	return Device{}, false
}

// store caches a freshly resolved device, evicting the coldest entry when
// full. Another goroutine may have populated the key while we were fetching;
// its entry wins.
func (c *LRUResolver) store(key string, device Device) Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.ll.MoveToFront(elem)
		return elem.Value.(*lruItem).device
	}
	c.cache[key] = c.ll.PushFront(&lruItem{key: key, device: device})
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
	return device
}

// Register writes through to the fallback and invalidates the local entries so
// the next lookup in either direction sees the registered identity.
func (c *LRUResolver) Register(ctx context.Context, tenant string, device Device) error {
	if err := c.fallback.Register(ctx, tenant, device); err != nil {
		return err
	}
	c.Invalidate(tenant, device.External)
	c.invalidateKey(internalKey(tenant, device.InternalID))
	return nil
}

// Invalidate drops one entry from the in-process cache.
func (c *LRUResolver) Invalidate(tenant string, ext ExternalID) {
	c.invalidateKey(cacheKey(tenant, ext))
}

func (c *LRUResolver) invalidateKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.ll.Remove(elem)
		delete(c.cache, key)
	}
}

// Clear empties the in-process cache.
func (c *LRUResolver) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.cache = make(map[string]*list.Element)
}

// Len reports the current number of cached identities.
func (c *LRUResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// evict removes the least recently used entry. Callers hold the lock.
func (c *LRUResolver) evict() {
	back := c.ll.Back()
	if back != nil {
		item := c.ll.Remove(back).(*lruItem)
		delete(c.cache, item.key)
	}
}

// Close closes the fallback chain.
func (c *LRUResolver) Close() error {
	return c.fallback.Close()
}
