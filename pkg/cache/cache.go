// Package cache provides the two caches used by the compiler:
// an LRU of compiled expressions keyed by source text, and the process-wide
// compiled-regex cache shared across one compilation.
package cache

import (
	"container/list"
	"sync"

	"github.com/mechanik-daniel/flashonata/pkg/types"
)

type entry struct {
	key  string
	expr *types.Expression
}

// Cache is a thread-safe LRU cache of compiled expressions.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	items    map[string]*list.Element
}

// New creates an LRU cache holding up to capacity expressions.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 256
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Get returns the expression cached under key, marking it recently used.
func (c *Cache) Get(key string) (*types.Expression, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).expr, true
}

// Set stores expr under key, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Set(key string, expr *types.Expression) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).expr = expr
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		c.evictLocked()
	}
	c.items[key] = c.order.PushFront(&entry{key: key, expr: expr})
}

// GetOrCompile returns the cached expression for key, compiling and caching
// it on a miss.
func (c *Cache) GetOrCompile(key string, compile func() (*types.Expression, error)) (*types.Expression, error) {
	if expr, ok := c.Get(key); ok {
		return expr, nil
	}
	expr, err := compile()
	if err != nil {
		return nil, err
	}
	c.Set(key, expr)
	return expr, nil
}

// Len returns the number of cached expressions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the maximum number of cached expressions.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

func (c *Cache) evictLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.order.Remove(back)
	delete(c.items, back.Value.(*entry).key)
}

// RegexCache stores compiled regular expressions keyed by pattern.
//
// The read-compile-store cycle is idempotent: concurrent callers may
// compile the same pattern redundantly, but the cache is never corrupted
// and every caller observes a valid compiled regex.
type RegexCache struct {
	mu       sync.RWMutex
	engine   types.RegexEngine
	compiled map[string]types.Regex
}

// NewRegexCache creates a regex cache backed by engine. A nil engine falls
// back to the host default.
func NewRegexCache(engine types.RegexEngine) *RegexCache {
	if engine == nil {
		engine = types.DefaultRegexEngine()
	}
	return &RegexCache{
		engine:   engine,
		compiled: make(map[string]types.Regex),
	}
}

// Engine returns the engine backing this cache.
func (rc *RegexCache) Engine() types.RegexEngine {
	return rc.engine
}

// Get returns the compiled regex for pattern, or nil on a miss.
func (rc *RegexCache) Get(pattern string) types.Regex {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.compiled[pattern]
}

// GetOrCompile returns the compiled regex for pattern, compiling and
// storing it on a miss.
func (rc *RegexCache) GetOrCompile(pattern string) (types.Regex, error) {
	if re := rc.Get(pattern); re != nil {
		return re, nil
	}
	re, err := rc.engine.Compile(pattern)
	if err != nil {
		return nil, err
	}
	rc.mu.Lock()
	// A concurrent caller may have stored the same pattern already; both
	// writes hold an equivalent compiled value.
	rc.compiled[pattern] = re
	rc.mu.Unlock()
	return re, nil
}
